package pool

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fiberhive/oltpoll/errors"
	"github.com/fiberhive/oltpoll/poll"
	"github.com/fiberhive/oltpoll/snmp"
)

// SubmitResult tells the caller what happened to a submitted node.
type SubmitResult int

const (
	// Accepted means a free slot will pick the node up immediately.
	Accepted SubmitResult = iota
	// Queued means the node entered the backlog behind other work.
	Queued
	// Rejected means the backlog is full or the pool is draining; the
	// caller keeps ownership and decides whether to delay and resubmit.
	Rejected
)

func (r SubmitResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Queued:
		return "queued"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// CompletionFunc is invoked after a slot finishes a node, off the slot
// goroutine. The execution carries its terminal state and error fields.
type CompletionFunc func(node *poll.CompositeNode, ex *poll.Execution)

// Config sizes and times the pool. Resizing means draining this pool and
// starting a new one; slots are fixed for the pool's lifetime.
type Config struct {
	Slots         int
	QueueFactor   int
	LockTimeout   time.Duration
	HardCeiling   time.Duration
	ShutdownGrace time.Duration
}

// DefaultConfig returns the standard pool sizing
func DefaultConfig() Config {
	return Config{
		Slots:         4,
		QueueFactor:   2,
		LockTimeout:   30 * time.Second,
		HardCeiling:   3 * time.Minute,
		ShutdownGrace: 30 * time.Second,
	}
}

// Pool runs master executions on a fixed set of slots with a bounded
// backlog. Per-OLT exclusion is enforced here: a slot takes the device
// lock before moving the execution to RUNNING and holds it until the
// attempt reaches a terminal state.
type Pool struct {
	cfg    Config
	logger *zap.SugaredLogger

	executions *poll.ExecutionStore
	jobs       *poll.JobStore
	olts       *poll.OLTStore
	worker     snmp.Worker

	// timeoutFor resolves the per-operation request timeout from live
	// config so a reload applies without restarting the pool.
	timeoutFor func(poll.OperationType) time.Duration

	locks *LockRegistry
	queue chan *poll.CompositeNode

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	draining atomic.Bool
	busy     atomic.Int32

	mu    sync.Mutex
	slots []*slotState

	onComplete  CompletionFunc
	broadcaster poll.ExecutionBroadcaster

	// delayedCount reports the retry delay queue depth for stats; wired
	// by the lifecycle manager after construction.
	delayedCount func() int

	timeNow func() time.Time
}

// slotState is the bookkeeping for one slot goroutine, read by Stats.
type slotState struct {
	name string

	mu          sync.Mutex
	executionID string
	oltID       string
	since       time.Time
}

func (s *slotState) set(executionID, oltID string, now time.Time) {
	s.mu.Lock()
	s.executionID = executionID
	s.oltID = oltID
	s.since = now
	s.mu.Unlock()
}

func (s *slotState) clear() {
	s.set("", "", time.Time{})
}

// NewPoolWithContext creates a pool whose slots stop when ctx is
// cancelled or Stop is called.
func NewPoolWithContext(
	ctx context.Context,
	cfg Config,
	executions *poll.ExecutionStore,
	jobs *poll.JobStore,
	olts *poll.OLTStore,
	worker snmp.Worker,
	timeoutFor func(poll.OperationType) time.Duration,
	log *zap.SugaredLogger,
) *Pool {
	poolCtx, cancel := context.WithCancel(ctx)

	queueCap := cfg.Slots * cfg.QueueFactor
	if queueCap < 0 {
		queueCap = 0
	}

	p := &Pool{
		cfg:        cfg,
		logger:     log.Named("pool"),
		executions: executions,
		jobs:       jobs,
		olts:       olts,
		worker:     worker,
		timeoutFor: timeoutFor,
		locks:      NewLockRegistry(),
		queue:      make(chan *poll.CompositeNode, queueCap),
		ctx:        poolCtx,
		cancel:     cancel,
		timeNow:    time.Now,
	}

	for i := 0; i < cfg.Slots; i++ {
		p.slots = append(p.slots, &slotState{name: "slot-" + strconv.Itoa(i)})
	}

	return p
}

// SetCompletionFunc wires the lifecycle callback. Must be called before
// Start.
func (p *Pool) SetCompletionFunc(fn CompletionFunc) {
	p.onComplete = fn
}

// SetBroadcaster wires the optional event stream. Must be called before
// Start.
func (p *Pool) SetBroadcaster(b poll.ExecutionBroadcaster) {
	p.broadcaster = b
}

// SetDelayedCounter wires the retry queue depth supplier used by Stats.
func (p *Pool) SetDelayedCounter(fn func() int) {
	p.delayedCount = fn
}

// Start launches the slot goroutines.
func (p *Pool) Start() {
	for _, s := range p.slots {
		p.wg.Add(1)
		go p.slotLoop(s)
	}
	p.logger.Infow("poller pool started",
		"slots", p.cfg.Slots,
		"queue_capacity", cap(p.queue),
	)
}

// Submit offers a node to the pool. Submission never blocks: the result
// tells the scheduler whether to count the node as dispatched or to hand
// it to the delay queue.
func (p *Pool) Submit(node *poll.CompositeNode) SubmitResult {
	if p.draining.Load() {
		return Rejected
	}
	if cap(p.queue) == 0 {
		// A zero-slot pool accepts nothing.
		return Rejected
	}

	idle := int(p.busy.Load()) < p.cfg.Slots && len(p.queue) == 0

	select {
	case p.queue <- node:
		if idle {
			return Accepted
		}
		return Queued
	default:
		return Rejected
	}
}

// FreeCapacity reports how many more nodes the pool can take right now:
// idle slots plus free backlog space. The scheduler samples it at tick
// start so it never creates executions it cannot place.
func (p *Pool) FreeCapacity() int {
	if p.draining.Load() {
		return 0
	}

	idle := p.cfg.Slots - int(p.busy.Load())
	if idle < 0 {
		idle = 0
	}
	return idle + cap(p.queue) - len(p.queue)
}

// Stop drains the pool: no new submissions, in-flight work gets the
// shutdown grace to finish, then whatever is still non-terminal is marked
// INTERRUPTED with the shutdown kind.
func (p *Pool) Stop() {
	if !p.draining.CompareAndSwap(false, true) {
		return
	}

	p.logger.Infow("poller pool draining", "grace", p.cfg.ShutdownGrace)
	p.cancel()

	// Executions still queued will never run; close them out now.
	p.flushQueue()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Infow("poller pool stopped")
	case <-time.After(p.cfg.ShutdownGrace):
		// Do not wait out the hard ceiling; mark what is still running
		// and let the slots unwind in the background. Their terminal
		// transitions will conflict and be dropped.
		p.interruptRunning()
		p.logger.Warnw("poller pool stopped after grace expired")
	}
}

func (p *Pool) flushQueue() {
	for {
		select {
		case node := <-p.queue:
			p.finishWithout(node, poll.StatePending, poll.ErrKindShutdown, "pool draining")
		default:
			return
		}
	}
}

// interruptRunning marks executions still owned by live slots as
// interrupted. The slot's own terminal transition will then hit a state
// conflict and be dropped, keeping the stored state authoritative.
func (p *Pool) interruptRunning() {
	p.mu.Lock()
	snapshot := make([]string, 0, len(p.slots))
	for _, s := range p.slots {
		s.mu.Lock()
		if s.executionID != "" {
			snapshot = append(snapshot, s.executionID)
		}
		s.mu.Unlock()
	}
	p.mu.Unlock()

	for _, id := range snapshot {
		now := p.timeNow().UTC()
		kind := poll.ErrKindShutdown
		detail := "shutdown grace expired"
		err := p.executions.Transition(context.Background(), id, poll.StateRunning, poll.StateInterrupted, poll.TransitionFields{
			FinishedAt:  &now,
			ErrorKind:   &kind,
			ErrorDetail: &detail,
		})
		if err != nil && !errors.IsStateConflictError(err) {
			p.logger.Errorw("failed to interrupt execution at shutdown",
				"execution_id", id, "error", err)
		}
	}
}

func (p *Pool) slotLoop(s *slotState) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case node := <-p.queue:
			p.busy.Add(1)
			p.runNode(s, node)
			p.busy.Add(-1)
		}
	}
}

// runNode drives one master execution through its lifecycle on this slot.
func (p *Pool) runNode(s *slotState, node *poll.CompositeNode) {
	ex := node.Execution
	s.set(ex.ID, ex.OLTID, p.timeNow())
	defer s.clear()

	log := p.logger.With(
		"slot", s.name,
		"execution_id", ex.ID,
		"job_id", ex.JobID,
		"olt_id", ex.OLTID,
		"operation", ex.OperationType,
		"attempt", ex.AttemptNumber,
	)

	// Re-check enablement at pickup: the job or OLT may have been
	// disabled while the node sat in the backlog.
	if kind, detail, disabled := p.checkDisabled(node); disabled {
		p.finishPending(node, poll.StateInterrupted, kind, detail)
		log.Infow("execution interrupted before start", "reason", detail)
		return
	}

	if !p.locks.Acquire(ex.OLTID, p.cfg.LockTimeout) {
		log.Warnw("olt lock timeout, requeueing", "lock_timeout", p.cfg.LockTimeout)
		p.requeue(node)
		return
	}
	defer p.locks.Release(ex.OLTID)

	started := p.timeNow().UTC()
	workerID := s.name
	err := p.executions.Transition(p.taskContext(), ex.ID, poll.StatePending, poll.StateRunning, poll.TransitionFields{
		StartedAt: &started,
		WorkerID:  &workerID,
	})
	if err != nil {
		// Recovery or shutdown already claimed this execution.
		if errors.IsStateConflictError(err) {
			log.Warnw("execution no longer pending, skipping")
		} else {
			log.Errorw("failed to start execution", "error", err)
		}
		return
	}

	ex.State = poll.StateRunning
	ex.WorkerID = &workerID
	startedStr := started.Format(time.RFC3339)
	ex.StartedAt = &startedStr
	p.broadcast(ex)
	log.Debugw("execution running")

	// The worker runs under the hard ceiling, detached from the pool
	// context: draining grants in-flight work the shutdown grace instead
	// of cancelling it mid-request.
	timeout := p.timeoutFor(ex.OperationType)
	execCtx, cancel := context.WithTimeout(context.Background(), p.cfg.HardCeiling)
	_, execErr := p.worker.Execute(execCtx, node.OLT, ex.OperationType, node.Master.OID, timeout)
	ceilingHit := execCtx.Err() == context.DeadlineExceeded
	cancel()

	finished := p.timeNow().UTC()
	duration := int(finished.Sub(started).Milliseconds())

	fields := poll.TransitionFields{
		FinishedAt: &finished,
		DurationMs: &duration,
	}

	var to poll.ExecutionState
	switch {
	case ceilingHit:
		// The hard ceiling is a watchdog, not a retriable failure.
		to = poll.StateInterrupted
		kind := poll.ErrKindTimeout
		detail := "hard execution ceiling exceeded"
		fields.ErrorKind = &kind
		fields.ErrorDetail = &detail
	case execErr != nil:
		to = poll.StateFailed
		kind := snmp.Classify(execErr)
		detail := execErr.Error()
		fields.ErrorKind = &kind
		fields.ErrorDetail = &detail
	default:
		to = poll.StateSuccess
	}

	if err := p.executions.Transition(p.taskContext(), ex.ID, poll.StateRunning, to, fields); err != nil {
		if errors.IsStateConflictError(err) {
			log.Warnw("execution already finalized elsewhere", "intended_state", to)
		} else {
			log.Errorw("failed to finalize execution", "error", err, "intended_state", to)
		}
		return
	}

	ex.State = to
	finishedStr := finished.Format(time.RFC3339)
	ex.FinishedAt = &finishedStr
	ex.DurationMs = &duration
	if fields.ErrorKind != nil {
		k := string(*fields.ErrorKind)
		ex.ErrorKind = &k
		ex.ErrorDetail = fields.ErrorDetail
	}
	p.broadcast(ex)

	switch to {
	case poll.StateSuccess:
		log.Infow("execution succeeded", "duration_ms", duration)
	default:
		log.Warnw("execution finished",
			"state", to, "error_kind", ex.Kind(), "duration_ms", duration)
	}

	if p.onComplete != nil {
		go p.onComplete(node, ex)
	}
}

// checkDisabled reloads job and OLT and reports whether either was
// disabled or deleted since scheduling.
func (p *Pool) checkDisabled(node *poll.CompositeNode) (poll.ErrorKind, string, bool) {
	ctx := p.taskContext()

	job, err := p.jobs.Get(ctx, node.Master.ID)
	if err != nil || !job.Enabled {
		return poll.ErrKindDisabled, "job disabled before execution started", true
	}

	olt, err := p.olts.Get(ctx, node.Master.OLTID)
	if err != nil || !olt.Enabled {
		return poll.ErrKindDisabled, "olt disabled before execution started", true
	}

	// Refresh the node so the worker sees current credentials.
	node.Master = job
	node.OLT = olt
	return "", "", false
}

// finishPending closes out a PENDING execution without running it and
// notifies the lifecycle so bookkeeping still happens.
func (p *Pool) finishPending(node *poll.CompositeNode, to poll.ExecutionState, kind poll.ErrorKind, detail string) {
	p.finishWithout(node, poll.StatePending, kind, detail)
	if p.onComplete != nil {
		go p.onComplete(node, node.Execution)
	}
}

func (p *Pool) finishWithout(node *poll.CompositeNode, from poll.ExecutionState, kind poll.ErrorKind, detail string) {
	ex := node.Execution
	now := p.timeNow().UTC()
	err := p.executions.Transition(context.Background(), ex.ID, from, poll.StateInterrupted, poll.TransitionFields{
		FinishedAt:  &now,
		ErrorKind:   &kind,
		ErrorDetail: &detail,
	})
	if err != nil {
		if !errors.IsStateConflictError(err) {
			p.logger.Errorw("failed to interrupt execution",
				"execution_id", ex.ID, "error", err)
		}
		return
	}

	ex.State = poll.StateInterrupted
	nowStr := now.Format(time.RFC3339)
	ex.FinishedAt = &nowStr
	k := string(kind)
	ex.ErrorKind = &k
	ex.ErrorDetail = &detail
	p.broadcast(ex)
}

// requeue puts a node back at the tail after a lock timeout. When the
// backlog is momentarily full, retry shortly instead of dropping work.
func (p *Pool) requeue(node *poll.CompositeNode) {
	if p.draining.Load() {
		p.finishWithout(node, poll.StatePending, poll.ErrKindShutdown, "pool draining")
		return
	}

	select {
	case p.queue <- node:
	default:
		time.AfterFunc(5*time.Second, func() { p.requeue(node) })
	}
}

func (p *Pool) broadcast(ex *poll.Execution) {
	if p.broadcaster != nil {
		p.broadcaster.BroadcastExecutionUpdate(ex)
	}
}

// taskContext returns the context for store writes. Once draining starts
// the pool context is cancelled, but finalization writes must still land.
func (p *Pool) taskContext() context.Context {
	if p.draining.Load() {
		return context.Background()
	}
	return p.ctx
}
