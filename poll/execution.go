package poll

import "time"

// Execution represents a single attempt of a job.
//
// Each time a job runs (scheduled, retried, or triggered by a chain), an
// Execution row is created to track timing, state, the worker slot that
// owned it, and the failure classification when something went wrong.
// Rows are append-mostly: after insert, only the state column and its
// companion timestamps change, always through the store's guarded
// Transition.
type Execution struct {
	// Identity
	ID    string `json:"id"`
	JobID string `json:"job_id"`

	// Denormalized from the job so quota and running-state queries do not
	// need a join.
	OLTID         string        `json:"olt_id"`
	OperationType OperationType `json:"operation_type"`

	State         ExecutionState `json:"state"`
	AttemptNumber int            `json:"attempt_number"` // 1-based; increments on retry

	// Timing (RFC3339 timestamps; nil while not yet reached)
	ScheduledAt string  `json:"scheduled_at"`
	StartedAt   *string `json:"started_at,omitempty"`
	FinishedAt  *string `json:"finished_at,omitempty"`
	DurationMs  *int    `json:"duration_ms,omitempty"`

	// WorkerID is the pool slot that executed this attempt.
	WorkerID *string `json:"worker_id,omitempty"`

	// Failure classification (set on FAILED / INTERRUPTED)
	ErrorKind   *string `json:"error_kind,omitempty"`
	ErrorDetail *string `json:"error_detail,omitempty"`

	// ParentExecutionID links a chain execution to the master execution
	// whose completion triggered it.
	ParentExecutionID *string `json:"parent_execution_id,omitempty"`

	CreatedAt string `json:"created_at"`
}

// ExecutionState is the lifecycle state of one execution attempt.
type ExecutionState string

const (
	StatePending     ExecutionState = "PENDING"
	StateRunning     ExecutionState = "RUNNING"
	StateSuccess     ExecutionState = "SUCCESS"
	StateFailed      ExecutionState = "FAILED"
	StateInterrupted ExecutionState = "INTERRUPTED"
)

// Terminal reports whether the state is absorbing. Only terminal executions
// count toward the hourly quota.
func (s ExecutionState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateInterrupted:
		return true
	default:
		return false
	}
}

// Kind returns the execution's error kind, or "" when none is recorded.
func (e *Execution) Kind() ErrorKind {
	if e.ErrorKind == nil {
		return ""
	}
	return ErrorKind(*e.ErrorKind)
}

// ScheduledTime parses the scheduled_at timestamp.
func (e *Execution) ScheduledTime() (time.Time, error) {
	return time.Parse(time.RFC3339, e.ScheduledAt)
}
