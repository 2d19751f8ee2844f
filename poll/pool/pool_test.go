package pool

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberhive/oltpoll/errors"
	"github.com/fiberhive/oltpoll/logger"
	"github.com/fiberhive/oltpoll/poll"
	"github.com/fiberhive/oltpoll/snmp"
	oltpolltest "github.com/fiberhive/oltpoll/internal/testing"
)

// fakeWorker lets tests script the SNMP outcome per execution.
type fakeWorker struct {
	fn func(ctx context.Context, olt *poll.OLT, op poll.OperationType, oid string, timeout time.Duration) (*snmp.Result, error)
}

func (w *fakeWorker) Execute(ctx context.Context, olt *poll.OLT, op poll.OperationType, oid string, timeout time.Duration) (*snmp.Result, error) {
	if w.fn == nil {
		return &snmp.Result{}, nil
	}
	return w.fn(ctx, olt, op, oid, timeout)
}

func fixedTimeout(poll.OperationType) time.Duration { return time.Second }

type fixture struct {
	db         *sql.DB
	executions *poll.ExecutionStore
	jobs       *poll.JobStore
	olts       *poll.OLTStore
	job        *poll.Job
	olt        *poll.OLT
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := oltpolltest.CreateTestDB(t)
	f := &fixture{
		db:         db,
		executions: poll.NewExecutionStore(db),
		jobs:       poll.NewJobStore(db),
		olts:       poll.NewOLTStore(db),
	}

	ctx := context.Background()
	f.olt = &poll.OLT{ID: "olt1", Name: "lab1", Host: "10.0.0.5", Enabled: true}
	require.NoError(t, f.olts.Create(ctx, f.olt))

	f.job = &poll.Job{
		ID: "job1", OLTID: "olt1", Enabled: true,
		OperationType: poll.OpGet, IntervalSeconds: 60,
	}
	require.NoError(t, f.jobs.Create(ctx, f.job))
	return f
}

func (f *fixture) node(t *testing.T, execID string) *poll.CompositeNode {
	t.Helper()
	ex := &poll.Execution{
		ID: execID, JobID: f.job.ID, OLTID: f.olt.ID,
		OperationType: f.job.OperationType,
		State:         poll.StatePending,
		AttemptNumber: 1,
		ScheduledAt:   time.Now().UTC().Format(time.RFC3339),
	}
	require.NoError(t, f.executions.Insert(context.Background(), ex))
	return poll.Singleton(f.job, ex, f.olt, time.Now().UTC())
}

func newTestPool(t *testing.T, f *fixture, cfg Config, worker snmp.Worker) (*Pool, chan *poll.Execution) {
	t.Helper()
	p := NewPoolWithContext(context.Background(), cfg, f.executions, f.jobs, f.olts, worker, fixedTimeout, logger.Logger)

	completed := make(chan *poll.Execution, 16)
	p.SetCompletionFunc(func(node *poll.CompositeNode, ex *poll.Execution) {
		completed <- ex
	})
	t.Cleanup(p.Stop)
	return p, completed
}

func waitCompletion(t *testing.T, ch chan *poll.Execution) *poll.Execution {
	t.Helper()
	select {
	case ex := <-ch:
		return ex
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}

func testConfig() Config {
	return Config{
		Slots:         2,
		QueueFactor:   2,
		LockTimeout:   time.Second,
		HardCeiling:   5 * time.Second,
		ShutdownGrace: time.Second,
	}
}

func TestZeroSlotPoolRejectsEverything(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.Slots = 0

	p, _ := newTestPool(t, f, cfg, &fakeWorker{})
	p.Start()

	assert.Equal(t, Rejected, p.Submit(f.node(t, "ex1")))
	assert.Equal(t, Rejected, p.Submit(f.node(t, "ex2")))
}

func TestSuccessfulExecution(t *testing.T) {
	f := newFixture(t)
	p, completed := newTestPool(t, f, testConfig(), &fakeWorker{})
	p.Start()

	node := f.node(t, "ex1")
	result := p.Submit(node)
	assert.Equal(t, Accepted, result)

	done := waitCompletion(t, completed)
	assert.Equal(t, poll.StateSuccess, done.State)

	stored, err := f.executions.Get(context.Background(), "ex1")
	require.NoError(t, err)
	assert.Equal(t, poll.StateSuccess, stored.State)
	require.NotNil(t, stored.WorkerID)
	assert.Contains(t, *stored.WorkerID, "slot-")
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.FinishedAt)
	require.NotNil(t, stored.DurationMs)
	assert.Nil(t, stored.ErrorKind)
}

func TestFailedExecutionClassifiesError(t *testing.T) {
	f := newFixture(t)
	worker := &fakeWorker{
		fn: func(context.Context, *poll.OLT, poll.OperationType, string, time.Duration) (*snmp.Result, error) {
			return nil, errors.New("request timeout (after 2 retries)")
		},
	}
	p, completed := newTestPool(t, f, testConfig(), worker)
	p.Start()

	p.Submit(f.node(t, "ex1"))
	done := waitCompletion(t, completed)

	assert.Equal(t, poll.StateFailed, done.State)
	assert.Equal(t, poll.ErrKindTimeout, done.Kind())

	stored, err := f.executions.Get(context.Background(), "ex1")
	require.NoError(t, err)
	assert.Equal(t, poll.StateFailed, stored.State)
	require.NotNil(t, stored.ErrorKind)
	assert.Equal(t, "timeout", *stored.ErrorKind)
	require.NotNil(t, stored.ErrorDetail)
}

func TestDisabledJobInterruptedAtPickup(t *testing.T) {
	f := newFixture(t)
	p, completed := newTestPool(t, f, testConfig(), &fakeWorker{})

	node := f.node(t, "ex1")
	require.NoError(t, f.jobs.SetEnabled(context.Background(), f.job.ID, false))

	// Start after disabling so the node is guaranteed to see the flag.
	p.Start()
	p.Submit(node)

	done := waitCompletion(t, completed)
	assert.Equal(t, poll.StateInterrupted, done.State)
	assert.Equal(t, poll.ErrKindDisabled, done.Kind())

	stored, err := f.executions.Get(context.Background(), "ex1")
	require.NoError(t, err)
	assert.Equal(t, poll.StateInterrupted, stored.State)
}

func TestDisabledOLTInterruptedAtPickup(t *testing.T) {
	f := newFixture(t)
	p, completed := newTestPool(t, f, testConfig(), &fakeWorker{})

	node := f.node(t, "ex1")
	require.NoError(t, f.olts.SetEnabled(context.Background(), f.olt.ID, false))

	p.Start()
	p.Submit(node)

	done := waitCompletion(t, completed)
	assert.Equal(t, poll.StateInterrupted, done.State)
	assert.Equal(t, poll.ErrKindDisabled, done.Kind())
}

func TestStaleExecutionSkipped(t *testing.T) {
	f := newFixture(t)
	p, completed := newTestPool(t, f, testConfig(), &fakeWorker{})

	node := f.node(t, "ex1")

	// Recovery claims the execution before the slot picks it up.
	now := time.Now().UTC()
	kind := poll.ErrKindProcessRestart
	require.NoError(t, f.executions.Transition(context.Background(), "ex1",
		poll.StatePending, poll.StateInterrupted, poll.TransitionFields{
			FinishedAt: &now, ErrorKind: &kind,
		}))

	p.Start()
	p.Submit(node)

	// No completion callback: the slot lost the claim and walked away.
	select {
	case ex := <-completed:
		t.Fatalf("unexpected completion for stale execution: %v", ex.State)
	case <-time.After(500 * time.Millisecond):
	}

	stored, err := f.executions.Get(context.Background(), "ex1")
	require.NoError(t, err)
	assert.Equal(t, poll.StateInterrupted, stored.State)
	assert.Equal(t, poll.ErrKindProcessRestart, stored.Kind())
}

func TestPerOLTMutualExclusion(t *testing.T) {
	f := newFixture(t)

	running := make(chan string, 2)
	release := make(chan struct{})
	worker := &fakeWorker{
		fn: func(_ context.Context, olt *poll.OLT, _ poll.OperationType, _ string, _ time.Duration) (*snmp.Result, error) {
			running <- olt.ID
			<-release
			return &snmp.Result{}, nil
		},
	}

	p, completed := newTestPool(t, f, testConfig(), worker)
	p.Start()

	p.Submit(f.node(t, "ex1"))
	p.Submit(f.node(t, "ex2"))

	// First node reaches the worker; the second is parked on the OLT lock
	// even though a slot is free.
	<-running
	select {
	case <-running:
		t.Fatal("second execution ran while the first held the device lock")
	case <-time.After(300 * time.Millisecond):
	}

	close(release)
	waitCompletion(t, completed)
	waitCompletion(t, completed)
}

func TestStopFlushesQueuedExecutions(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.Slots = 1
	cfg.QueueFactor = 4

	release := make(chan struct{})
	worker := &fakeWorker{
		fn: func(context.Context, *poll.OLT, poll.OperationType, string, time.Duration) (*snmp.Result, error) {
			<-release
			return &snmp.Result{}, nil
		},
	}

	p, _ := newTestPool(t, f, cfg, worker)
	p.Start()

	p.Submit(f.node(t, "ex-running"))
	time.Sleep(100 * time.Millisecond) // let the slot claim it
	p.Submit(f.node(t, "ex-queued"))

	// Stop while the worker is still blocked: the queued node is flushed,
	// and the in-flight one is interrupted when the grace expires.
	p.Stop()
	close(release)

	queued, err := f.executions.Get(context.Background(), "ex-queued")
	require.NoError(t, err)
	assert.Equal(t, poll.StateInterrupted, queued.State)
	assert.Equal(t, poll.ErrKindShutdown, queued.Kind())

	inflight, err := f.executions.Get(context.Background(), "ex-running")
	require.NoError(t, err)
	assert.Equal(t, poll.StateInterrupted, inflight.State)

	assert.Equal(t, Rejected, p.Submit(f.node(t, "ex-late")), "draining pool rejects new work")
}

func TestHardCeilingInterruptsExecution(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.HardCeiling = 200 * time.Millisecond
	cfg.ShutdownGrace = 2 * time.Second

	worker := &fakeWorker{
		fn: func(ctx context.Context, _ *poll.OLT, _ poll.OperationType, _ string, _ time.Duration) (*snmp.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	p, completed := newTestPool(t, f, cfg, worker)
	p.Start()

	p.Submit(f.node(t, "ex1"))
	done := waitCompletion(t, completed)

	assert.Equal(t, poll.StateInterrupted, done.State)
	assert.Equal(t, poll.ErrKindTimeout, done.Kind())

	stored, err := f.executions.Get(context.Background(), "ex1")
	require.NoError(t, err)
	require.NotNil(t, stored.ErrorDetail)
	assert.Equal(t, "hard execution ceiling exceeded", *stored.ErrorDetail)
}

func TestStatsReportsSlotFreeAfterExternalFinalize(t *testing.T) {
	f := newFixture(t)

	release := make(chan struct{})
	worker := &fakeWorker{
		fn: func(context.Context, *poll.OLT, poll.OperationType, string, time.Duration) (*snmp.Result, error) {
			<-release
			return &snmp.Result{}, nil
		},
	}
	p, _ := newTestPool(t, f, testConfig(), worker)
	p.Start()
	defer close(release)

	p.Submit(f.node(t, "ex1"))
	require.Eventually(t, func() bool {
		return p.Stats().BusyCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Finalize the execution from outside while the worker still holds
	// the slot. The stored state wins: the slot reports free.
	now := time.Now().UTC()
	kind := poll.ErrKindShutdown
	require.NoError(t, f.executions.Transition(context.Background(), "ex1",
		poll.StateRunning, poll.StateInterrupted, poll.TransitionFields{
			FinishedAt: &now, ErrorKind: &kind,
		}))

	stats := p.Stats()
	assert.Equal(t, 0, stats.BusyCount)
	for _, slot := range stats.PerSlot {
		assert.False(t, slot.Busy, "slot %s still reports busy for a terminal execution", slot.Name)
	}
}

func TestFreeCapacity(t *testing.T) {
	f := newFixture(t)

	release := make(chan struct{})
	worker := &fakeWorker{
		fn: func(context.Context, *poll.OLT, poll.OperationType, string, time.Duration) (*snmp.Result, error) {
			<-release
			return &snmp.Result{}, nil
		},
	}
	cfg := testConfig()
	cfg.Slots = 1
	p, _ := newTestPool(t, f, cfg, worker)

	// Unstarted pool: one idle slot plus the whole backlog.
	assert.Equal(t, 3, p.FreeCapacity())

	p.Start()
	p.Submit(f.node(t, "ex1"))
	require.Eventually(t, func() bool {
		return p.FreeCapacity() == 2
	}, 2*time.Second, 10*time.Millisecond, "busy slot leaves only the backlog")

	p.Submit(f.node(t, "ex2"))
	assert.Equal(t, 1, p.FreeCapacity())

	close(release)
	p.Stop()
	assert.Equal(t, 0, p.FreeCapacity(), "draining pool has no capacity")
}

func TestStatsSnapshot(t *testing.T) {
	f := newFixture(t)
	p, _ := newTestPool(t, f, testConfig(), &fakeWorker{})
	p.SetDelayedCounter(func() int { return 3 })
	p.Start()

	stats := p.Stats()
	assert.Equal(t, 2, stats.SlotCount)
	assert.Equal(t, 0, stats.BusyCount)
	assert.Equal(t, 4, stats.QueueCapacity)
	assert.Equal(t, 3, stats.TasksDelayed)
	assert.False(t, stats.Draining)
	assert.Len(t, stats.PerSlot, 2)
	assert.Greater(t, stats.Goroutines, 0)
}
