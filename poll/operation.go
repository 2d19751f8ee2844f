// Package poll defines the polling domain model: OLTs, jobs, executions,
// and the stores that persist them.
package poll

// OperationType identifies the kind of SNMP query a job performs.
type OperationType string

const (
	OpDiscovery OperationType = "discovery"
	OpGet       OperationType = "get"
	OpWalk      OperationType = "walk"
	OpTable     OperationType = "table"
	OpBulk      OperationType = "bulk"
)

// AllOperationTypes lists every valid operation type.
var AllOperationTypes = []OperationType{OpDiscovery, OpGet, OpWalk, OpTable, OpBulk}

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	for _, op := range AllOperationTypes {
		if t == op {
			return true
		}
	}
	return false
}

// IsMaster reports whether jobs of this type may own a chain of follow-up
// jobs. Master jobs are picked up by the scheduler directly; chain jobs only
// run after their master completes.
func (t OperationType) IsMaster() bool {
	return t == OpDiscovery || t == OpGet
}

// ErrorKind classifies why an execution failed or was interrupted.
type ErrorKind string

const (
	// ErrKindTimeout means the SNMP worker did not respond within the
	// configured timeout.
	ErrKindTimeout ErrorKind = "timeout"

	// ErrKindTransport means a connectivity failure (unreachable host,
	// connection reset).
	ErrKindTransport ErrorKind = "transport"

	// ErrKindProtocol means the device replied with an SNMP-level error.
	ErrKindProtocol ErrorKind = "protocol"

	// ErrKindAuth means the community or credentials were rejected.
	ErrKindAuth ErrorKind = "auth"

	// ErrKindConfig means no OID could be resolved for the OLT model.
	ErrKindConfig ErrorKind = "config"

	// ErrKindDisabled means the job or OLT was disabled after scheduling.
	ErrKindDisabled ErrorKind = "disabled"

	// ErrKindProcessRestart marks executions interrupted by startup recovery.
	ErrKindProcessRestart ErrorKind = "process_restart"

	// ErrKindShutdown marks executions terminated by graceful shutdown.
	ErrKindShutdown ErrorKind = "shutdown"

	// ErrKindInternal is an unclassified worker failure.
	ErrKindInternal ErrorKind = "internal"
)

// Retriable reports whether a FAILED execution with this kind is eligible
// for a retry attempt. Auth and config failures will not heal on their own,
// so retrying them only burns quota.
func (k ErrorKind) Retriable() bool {
	switch k {
	case ErrKindTimeout, ErrKindTransport, ErrKindProtocol, ErrKindInternal:
		return true
	default:
		return false
	}
}
