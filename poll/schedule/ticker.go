package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fiberhive/oltpoll/errors"
	"github.com/fiberhive/oltpoll/poll"
	"github.com/fiberhive/oltpoll/poll/lifecycle"
	"github.com/fiberhive/oltpoll/poll/pool"
)

// Config tunes the scheduler loop.
type Config struct {
	// TickInterval is how often due jobs are checked.
	TickInterval time.Duration

	// MaxPerMinute caps how many master executions the smoothing pass
	// allows to land in any single minute.
	MaxPerMinute int

	// SmoothingWindow bounds how far a planned run may be moved from its
	// cadence-derived time, in either direction.
	SmoothingWindow time.Duration

	// SmoothingHysteresis suppresses moves smaller than this, so plans do
	// not oscillate between two near-equal placements.
	SmoothingHysteresis time.Duration
}

// DefaultConfig returns the standard scheduler tuning, matching the
// config package defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:        30 * time.Second,
		MaxPerMinute:        6,
		SmoothingWindow:     180 * time.Second,
		SmoothingHysteresis: 30 * time.Second,
	}
}

// smoothInterval is how often the forward-looking smoothing pass runs.
// Plans drift slowly; once a minute keeps the pass cheap.
const smoothInterval = time.Minute

// Ticker is the dynamic scheduler. Every tick it dispatches due master
// jobs whose gates pass, advances their cadence, and periodically smooths
// the upcoming schedule so polls do not bunch into bursts.
type Ticker struct {
	cfg    Config
	logger *zap.SugaredLogger

	jobs       *poll.JobStore
	executions *poll.ExecutionStore
	olts       *poll.OLTStore
	pool       *pool.Pool
	delay      *lifecycle.DelayQueue

	broadcaster poll.ExecutionBroadcaster

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	lastTickAt      time.Time
	lastTickMs      int64
	ticksSinceStart int64
	lastReady       int
	lastQuotaBlock  int
	lastSmoothedAt  time.Time

	timeNow func() time.Time
}

// NewTickerWithContext creates a scheduler bound to a parent context.
func NewTickerWithContext(
	ctx context.Context,
	cfg Config,
	jobs *poll.JobStore,
	executions *poll.ExecutionStore,
	olts *poll.OLTStore,
	p *pool.Pool,
	delay *lifecycle.DelayQueue,
	log *zap.SugaredLogger,
) *Ticker {
	tickerCtx, cancel := context.WithCancel(ctx)

	return &Ticker{
		cfg:        cfg,
		logger:     log.Named("scheduler"),
		jobs:       jobs,
		executions: executions,
		olts:       olts,
		pool:       p,
		delay:      delay,
		ctx:        tickerCtx,
		cancel:     cancel,
		timeNow:    time.Now,
	}
}

// SetBroadcaster wires the optional event stream. Must be called before
// Start.
func (t *Ticker) SetBroadcaster(b poll.ExecutionBroadcaster) {
	t.broadcaster = b
}

// Start begins the scheduler loop.
func (t *Ticker) Start() {
	cfg := t.config()
	t.wg.Add(1)
	go t.run()
	t.logger.Infow("scheduler started",
		"tick_interval", cfg.TickInterval,
		"max_per_minute", cfg.MaxPerMinute,
	)
}

// Stop gracefully stops the scheduler.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("scheduler stopped")
}

// UpdateConfig swaps the scheduler tuning. The new values take effect
// on the next tick; a changed tick interval re-arms the loop timer.
func (t *Ticker) UpdateConfig(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
	t.logger.Infow("scheduler tuning updated",
		"tick_interval", cfg.TickInterval,
		"max_per_minute", cfg.MaxPerMinute,
	)
}

func (t *Ticker) config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

func (t *Ticker) run() {
	defer t.wg.Done()

	interval := t.config().TickInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.tick()
			if cur := t.config().TickInterval; cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
		}
	}
}

// tick runs one scheduler pass. Errors are logged and never abort the
// loop; a bad job must not starve its siblings.
func (t *Ticker) tick() {
	now := t.timeNow()
	ready, quotaBlocked, err := t.dispatchDue(now)
	if err != nil {
		t.logger.Warnw("scheduler tick error", "error", err)
	}

	t.mu.Lock()
	needSmoothing := now.Sub(t.lastSmoothedAt) >= smoothInterval
	if needSmoothing {
		t.lastSmoothedAt = now
	}
	t.mu.Unlock()

	if needSmoothing {
		if moved, err := t.smoothUpcoming(now); err != nil {
			t.logger.Warnw("smoothing pass failed", "error", err)
		} else if moved > 0 {
			t.logger.Infow("smoothed upcoming schedule", "moved", moved)
		}
	}

	elapsed := t.timeNow().Sub(now)

	t.mu.Lock()
	t.lastTickAt = now
	t.lastTickMs = elapsed.Milliseconds()
	t.ticksSinceStart++
	t.lastReady = ready
	t.lastQuotaBlock = quotaBlocked
	t.mu.Unlock()
}

// dispatchDue finds due master jobs, applies the capacity, quota and
// same-type gates, and hands passing jobs to the pool.
func (t *Ticker) dispatchDue(now time.Time) (ready, quotaBlocked int, err error) {
	due, err := t.jobs.ListEnabledDue(t.ctx, now)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to list due jobs")
	}

	// Capacity gate: sample what the pool can take at tick start. Jobs
	// beyond this budget are not picked and keep their next_run_at, so
	// they stay first in line on the following tick.
	free := t.pool.FreeCapacity()

	for _, job := range due {
		select {
		case <-t.ctx.Done():
			return ready, quotaBlocked, t.ctx.Err()
		default:
		}

		// Chain jobs never run on their own cadence; the chain
		// coordinator fires them after their master settles.
		if job.ParentJobID != nil {
			continue
		}

		if free <= 0 {
			t.logger.Debugw("pool at capacity, deferring remaining due jobs",
				"next_job_id", job.ID)
			break
		}

		ready++
		blocked, dispatched, dispatchErr := t.dispatchJob(job, now)
		if blocked {
			quotaBlocked++
		}
		if dispatched {
			free--
		}
		if dispatchErr != nil {
			t.logger.Errorw("failed to dispatch job",
				"job_id", job.ID,
				"olt_id", job.OLTID,
				"error", dispatchErr)
		}
	}

	return ready, quotaBlocked, nil
}

// dispatchJob runs the gates for one due master job and submits it.
// blocked reports a quota block; dispatched reports that an execution
// was created and consumed pool capacity.
func (t *Ticker) dispatchJob(job *poll.Job, now time.Time) (blocked, dispatched bool, err error) {
	// Quota gate: a job may not complete more executions in the last
	// 3600 seconds than its cadence implies. The window rolls with now;
	// a blocked job resumes at the next clock hour.
	done, err := t.executions.CountTerminalSince(t.ctx, job.ID, now.UTC().Add(-time.Hour))
	if err != nil {
		return false, false, errors.Wrap(err, "quota check failed")
	}
	if done >= job.HourlyQuota() {
		nextHour := now.UTC().Truncate(time.Hour).Add(time.Hour)
		t.logger.Infow("hourly quota reached",
			"job_id", job.ID,
			"olt_id", job.OLTID,
			"quota", job.HourlyQuota(),
			"completed", done,
			"resume_at", nextHour.Format(time.RFC3339))
		if err := t.jobs.UpdateNextRunAt(t.ctx, job.ID, nextHour); err != nil {
			return true, false, errors.Wrap(err, "failed to push job past quota window")
		}
		return true, false, nil
	}

	// Same-type gate: one live execution per (OLT, operation type).
	busy, err := t.executions.ExistsNonTerminal(t.ctx, job.OLTID, job.OperationType)
	if err != nil {
		return false, false, errors.Wrap(err, "same-type check failed")
	}
	if busy {
		wait := deferInterval(job.Interval())
		t.logger.Debugw("operation of same type still live, deferring",
			"job_id", job.ID,
			"olt_id", job.OLTID,
			"operation", job.OperationType,
			"wait", wait)
		return false, false, t.jobs.UpdateNextRunAt(t.ctx, job.ID, now.Add(wait))
	}

	olt, err := t.olts.Get(t.ctx, job.OLTID)
	if err != nil {
		return false, false, errors.Wrap(err, "failed to load olt")
	}

	ex := &poll.Execution{
		ID:            uuid.New().String(),
		JobID:         job.ID,
		OLTID:         job.OLTID,
		OperationType: job.OperationType,
		State:         poll.StatePending,
		AttemptNumber: 1,
		ScheduledAt:   now.UTC().Format(time.RFC3339),
	}
	if err := t.executions.Insert(t.ctx, ex); err != nil {
		return false, false, errors.Wrap(err, "failed to insert execution")
	}
	if t.broadcaster != nil {
		t.broadcaster.BroadcastExecutionUpdate(ex)
	}

	// Advance the cadence before submission; a rejected node waits in
	// the delay queue without disturbing the job's own rhythm.
	if err := t.jobs.UpdateNextRunAt(t.ctx, job.ID, now.Add(job.Interval())); err != nil {
		return false, true, errors.Wrap(err, "failed to advance next_run_at")
	}

	node := poll.Singleton(job, ex, olt, now)
	result := t.pool.Submit(node)
	if result == pool.Rejected {
		// The capacity sample raced a concurrent submitter; park the
		// node until the backlog breathes.
		releaseAt := now.Add(30 * time.Second)
		t.logger.Warnw("pool backlog full, delaying execution",
			"job_id", job.ID,
			"execution_id", ex.ID,
			"release_at", releaseAt.Format(time.RFC3339))
		t.delay.Schedule(node, releaseAt)
		return false, true, nil
	}

	t.logger.Debugw("dispatched job",
		"job_id", job.ID,
		"olt_id", job.OLTID,
		"operation", job.OperationType,
		"execution_id", ex.ID,
		"result", result)
	return false, true, nil
}

// deferInterval is how long a job waits when an execution of its type is
// still live on the OLT: half its cadence, at most a minute.
func deferInterval(interval time.Duration) time.Duration {
	d := interval / 2
	if d > time.Minute {
		d = time.Minute
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}
