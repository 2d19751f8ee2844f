package snmp

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/gosnmp/gosnmp"

	"github.com/fiberhive/oltpoll/errors"
	"github.com/fiberhive/oltpoll/poll"
)

// ProtocolError carries an SNMP-level error reply so Classify can map the
// subcode instead of parsing message text.
type ProtocolError struct {
	Code  gosnmp.SNMPError
	Index uint8
	OID   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("snmp error reply: %s (index %d, oid %s)", snmpErrorName(e.Code), e.Index, e.OID)
}

func snmpErrorName(code gosnmp.SNMPError) string {
	switch code {
	case gosnmp.TooBig:
		return "tooBig"
	case gosnmp.NoSuchName:
		return "noSuchName"
	case gosnmp.BadValue:
		return "badValue"
	case gosnmp.ReadOnly:
		return "readOnly"
	case gosnmp.GenErr:
		return "genErr"
	case gosnmp.NoAccess:
		return "noAccess"
	case gosnmp.WrongType:
		return "wrongType"
	case gosnmp.ResourceUnavailable:
		return "resourceUnavailable"
	case gosnmp.CommitFailed:
		return "commitFailed"
	case gosnmp.UndoFailed:
		return "undoFailed"
	case gosnmp.AuthorizationError:
		return "authorizationError"
	case gosnmp.NotWritable:
		return "notWritable"
	case gosnmp.InconsistentName:
		return "inconsistentName"
	default:
		return "genErr"
	}
}

// Classify maps a worker error onto the execution error taxonomy. The
// lifecycle manager keys its retry decision on the returned kind, so the
// mapping is deliberately conservative: anything unrecognized is
// "internal", which retries at most once.
//
// SNMP error-reply subcodes split three ways:
//   - authorization subcodes (noAccess, readOnly, authorizationError)
//     become "auth" and are never retried;
//   - object-resolution subcodes (noSuchName, wrongType, badValue,
//     notWritable, inconsistentName) mean the OID does not fit this device
//     model, so they become "config" and are never retried;
//   - the transient remainder (genErr, tooBig, resourceUnavailable,
//     commitFailed, undoFailed) stays "protocol" and is retriable.
func Classify(err error) poll.ErrorKind {
	if err == nil {
		return ""
	}

	if errors.Is(err, errors.ErrNoProfile) {
		return poll.ErrKindConfig
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return poll.ErrKindTimeout
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		switch protoErr.Code {
		case gosnmp.NoAccess, gosnmp.ReadOnly, gosnmp.AuthorizationError:
			return poll.ErrKindAuth
		case gosnmp.NoSuchName, gosnmp.WrongType, gosnmp.BadValue,
			gosnmp.NotWritable, gosnmp.InconsistentName:
			return poll.ErrKindConfig
		default:
			return poll.ErrKindProtocol
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return poll.ErrKindTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return poll.ErrKindTransport
	}

	// gosnmp surfaces request timeouts as plain errors, not net.Error.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return poll.ErrKindTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "host is unreachable"):
		return poll.ErrKindTransport
	}

	return poll.ErrKindInternal
}
