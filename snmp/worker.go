// Package snmp executes the queries that poller slots hand it: a thin
// worker over gosnmp plus the vendor/model OID profile catalog and the
// error taxonomy the execution lifecycle keys its retry decisions on.
package snmp

import (
	"context"
	"time"

	"github.com/fiberhive/oltpoll/poll"
)

// Worker executes one SNMP query against one OLT. The pool sees only
// "run this, give me a result or an error"; everything protocol-level
// stays behind this interface so tests can substitute fakes.
type Worker interface {
	Execute(ctx context.Context, olt *poll.OLT, op poll.OperationType, oid string, timeout time.Duration) (*Result, error)
}

// Value is one variable binding returned by a query.
type Value struct {
	OID   string      `json:"oid"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// Result is the outcome of a successful query.
type Result struct {
	Values []Value `json:"values"`

	// Elapsed is the wire time of the query, excluding pacing waits.
	Elapsed time.Duration `json:"-"`
}
