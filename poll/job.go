package poll

import "time"

// Job is a scheduled work template bound to one OLT and one operation type.
//
// Master jobs (discovery, get) are selected by the scheduler when their
// next_run_at comes due. Chain jobs carry a non-nil ParentJobID and are only
// ever enqueued by the chain coordinator after their master succeeds.
type Job struct {
	ID      string `json:"id"`
	OLTID   string `json:"olt_id"`
	Enabled bool   `json:"enabled"`

	OperationType OperationType `json:"operation_type"`

	// IntervalSeconds defines both the cadence and the hourly quota
	// (3600 / interval, floored, minimum 1).
	IntervalSeconds int `json:"interval_seconds"`

	// NextRunAt is rewritten only by the scheduler.
	NextRunAt time.Time `json:"next_run_at"`

	// Per-job overrides for the operation-type retry policy. Nil means the
	// configured per-operation-type value applies.
	MaxRetries        *int `json:"max_retries,omitempty"`
	RetryDelaySeconds *int `json:"retry_delay_seconds,omitempty"`

	// OID is handed opaquely to the SNMP worker. Empty means "resolve from
	// the OLT's vendor/model profile".
	OID string `json:"oid"`

	// QueueHint is an advisory routing tag recorded in logs; it does not
	// influence slot selection.
	QueueHint string `json:"queue_hint"`

	// Chain linkage
	ParentJobID   *string `json:"parent_job_id,omitempty"`
	ChainPosition int     `json:"chain_position"`

	// ParallelOk lets a chain node start without waiting for its
	// predecessor to terminate.
	ParallelOk bool `json:"parallel_ok"`

	// RunChainOnFailure submits this chain node even when the master
	// execution failed terminally.
	RunChainOnFailure bool `json:"run_chain_on_failure"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsChain reports whether this job runs as a follow-up of a master job.
func (j *Job) IsChain() bool {
	return j.ParentJobID != nil
}

// HourlyQuota returns the maximum terminal executions allowed in any
// rolling 3600 s window: floor(3600 / interval), minimum 1.
func (j *Job) HourlyQuota() int {
	if j.IntervalSeconds <= 0 {
		return 1
	}
	q := 3600 / j.IntervalSeconds
	if q < 1 {
		return 1
	}
	return q
}

// Interval returns the job cadence as a duration.
func (j *Job) Interval() time.Duration {
	return time.Duration(j.IntervalSeconds) * time.Second
}
