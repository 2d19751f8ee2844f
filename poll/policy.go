package poll

import "time"

// RetryPolicy is the effective retry budget for one job and error kind,
// after per-job overrides and per-operation defaults are resolved.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// RetryPolicyFunc resolves the policy for a job's failure. Implemented by
// the composition root over live config so reloads apply immediately.
type RetryPolicyFunc func(job *Job, kind ErrorKind) RetryPolicy
