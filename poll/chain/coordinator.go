package chain

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fiberhive/oltpoll/poll"
	"github.com/fiberhive/oltpoll/poll/pool"
)

const (
	// watchInterval is how often a waiting chain polls its execution row.
	watchInterval = 500 * time.Millisecond

	backoffBase = 5 * time.Second
	backoffCap  = 60 * time.Second
)

// Coordinator runs the follow-up jobs chained behind a master job after
// the master's execution settles. Chain nodes run strictly in
// chain_position order against the same OLT; a node marked parallel_ok is
// fired without waiting for it to finish.
type Coordinator struct {
	executions *poll.ExecutionStore
	jobs       *poll.JobStore
	pool       *pool.Pool
	policy     poll.RetryPolicyFunc
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	timeNow func() time.Time
}

// NewCoordinatorWithContext creates a chain coordinator bound to ctx.
func NewCoordinatorWithContext(
	ctx context.Context,
	executions *poll.ExecutionStore,
	jobs *poll.JobStore,
	p *pool.Pool,
	policy poll.RetryPolicyFunc,
	log *zap.SugaredLogger,
) *Coordinator {
	cCtx, cancel := context.WithCancel(ctx)
	return &Coordinator{
		executions: executions,
		jobs:       jobs,
		pool:       p,
		policy:     policy,
		logger:     log.Named("chain"),
		ctx:        cCtx,
		cancel:     cancel,
		timeNow:    time.Now,
	}
}

// Stop cancels running chains and waits for their goroutines to exit.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// OnMasterSettled starts the chain for a settled master execution when
// one is configured. SUCCESS triggers every chain node; FAILED triggers
// only the nodes that opt in with run_chain_on_failure. INTERRUPTED
// never triggers anything. Chain nodes themselves never spawn chains.
func (c *Coordinator) OnMasterSettled(node *poll.CompositeNode, ex *poll.Execution) {
	if node.Master.IsChain() {
		return
	}

	switch ex.State {
	case poll.StateSuccess, poll.StateFailed:
	default:
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runChain(node, ex)
	}()
}

func (c *Coordinator) runChain(node *poll.CompositeNode, masterEx *poll.Execution) {
	log := c.logger.With(
		"master_job_id", node.Master.ID,
		"master_execution_id", masterEx.ID,
		"olt_id", node.OLT.ID,
	)

	chainJobs := node.Chain
	if len(chainJobs) == 0 {
		loaded, err := c.jobs.GetChain(c.ctx, node.Master.ID)
		if err != nil {
			log.Errorw("failed to load chain jobs", "error", err)
			return
		}
		chainJobs = loaded
	}
	if len(chainJobs) == 0 {
		return
	}

	masterFailed := masterEx.State == poll.StateFailed

	log.Infow("chain started", "nodes", len(chainJobs), "master_failed", masterFailed)

	for _, job := range chainJobs {
		if c.ctx.Err() != nil {
			return
		}
		if !job.Enabled {
			log.Debugw("skipping disabled chain job", "job_id", job.ID)
			continue
		}
		if masterFailed && !job.RunChainOnFailure {
			log.Debugw("skipping chain job after master failure", "job_id", job.ID)
			continue
		}

		ok := c.runChainNode(node, masterEx, job, log)
		if !ok {
			log.Warnw("chain stopped early", "failed_job_id", job.ID)
			return
		}
	}

	log.Infow("chain complete")
}

// runChainNode runs one chain job to settlement, retrying per the job's
// policy. Returns false when the node failed for good and the remainder
// of the chain must not run.
func (c *Coordinator) runChainNode(node *poll.CompositeNode, masterEx *poll.Execution, job *poll.Job, log *zap.SugaredLogger) bool {
	attempt := 1

	for {
		if !c.waitForTypeGate(job, log) {
			return false
		}

		ex, submitted := c.submitAttempt(node, masterEx, job, attempt, log)
		if !submitted {
			return false
		}

		if job.ParallelOk {
			// Fire and move on; this node cannot block or stop the chain.
			return true
		}

		final, ok := c.waitTerminal(ex.ID, log)
		if !ok {
			return false
		}

		switch final.State {
		case poll.StateSuccess:
			return true
		case poll.StateFailed:
			kind := final.Kind()
			policy := c.policy(job, kind)
			if kind.Retriable() && attempt <= policy.MaxRetries {
				log.Infow("retrying chain job",
					"job_id", job.ID, "attempt", attempt+1, "delay", policy.Delay)
				if !c.sleep(policy.Delay) {
					return false
				}
				attempt++
				continue
			}
			return false
		default:
			// Interrupted by shutdown or disable.
			return false
		}
	}
}

// waitForTypeGate blocks until no other execution of the same operation
// type is live on the OLT, backing off between checks.
func (c *Coordinator) waitForTypeGate(job *poll.Job, log *zap.SugaredLogger) bool {
	backoff := backoffBase
	for {
		busy, err := c.executions.ExistsNonTerminal(c.ctx, job.OLTID, job.OperationType)
		if err != nil {
			log.Errorw("type gate check failed", "job_id", job.ID, "error", err)
			return false
		}
		if !busy {
			return true
		}

		log.Debugw("chain job waiting on running operation of same type",
			"job_id", job.ID, "operation", job.OperationType, "backoff", backoff)
		if !c.sleep(backoff) {
			return false
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// submitAttempt inserts a PENDING execution linked to the master and
// offers it to the pool, backing off while the backlog is full.
func (c *Coordinator) submitAttempt(node *poll.CompositeNode, masterEx *poll.Execution, job *poll.Job, attempt int, log *zap.SugaredLogger) (*poll.Execution, bool) {
	now := c.timeNow().UTC()
	ex := &poll.Execution{
		ID:                uuid.New().String(),
		JobID:             job.ID,
		OLTID:             job.OLTID,
		OperationType:     job.OperationType,
		State:             poll.StatePending,
		AttemptNumber:     attempt,
		ScheduledAt:       now.Format(time.RFC3339),
		ParentExecutionID: &masterEx.ID,
	}

	if err := c.executions.Insert(c.ctx, ex); err != nil {
		log.Errorw("failed to insert chain execution", "job_id", job.ID, "error", err)
		return nil, false
	}

	chainNode := poll.Singleton(job, ex, node.OLT, now)

	backoff := backoffBase
	for {
		result := c.pool.Submit(chainNode)
		if result != pool.Rejected {
			return ex, true
		}

		log.Debugw("pool rejected chain execution, backing off",
			"job_id", job.ID, "backoff", backoff)
		if !c.sleep(backoff) {
			return nil, false
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// waitTerminal polls the store until the execution settles.
func (c *Coordinator) waitTerminal(executionID string, log *zap.SugaredLogger) (*poll.Execution, bool) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return nil, false
		case <-ticker.C:
			ex, err := c.executions.Get(c.ctx, executionID)
			if err != nil {
				log.Errorw("failed to watch chain execution",
					"execution_id", executionID, "error", err)
				return nil, false
			}
			if ex.State.Terminal() {
				return ex, true
			}
		}
	}
}

func (c *Coordinator) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
