package lifecycle

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberhive/oltpoll/internal/util"
	"github.com/fiberhive/oltpoll/logger"
	"github.com/fiberhive/oltpoll/poll"
	"github.com/fiberhive/oltpoll/poll/chain"
	"github.com/fiberhive/oltpoll/poll/pool"
	"github.com/fiberhive/oltpoll/snmp"
	oltpolltest "github.com/fiberhive/oltpoll/internal/testing"
)

// nopWorker satisfies snmp.Worker for wiring that never executes.
type nopWorker struct{}

func (nopWorker) Execute(context.Context, *poll.OLT, poll.OperationType, string, time.Duration) (*snmp.Result, error) {
	return &snmp.Result{}, nil
}

type managerFixture struct {
	db         *sql.DB
	executions *poll.ExecutionStore
	olts       *poll.OLTStore
	delay      *DelayQueue
	manager    *Manager
	job        *poll.Job
	olt        *poll.OLT
}

// fixedPolicy retries twice with a short delay regardless of error kind.
func fixedPolicy(*poll.Job, poll.ErrorKind) poll.RetryPolicy {
	return poll.RetryPolicy{MaxRetries: 2, Delay: 50 * time.Millisecond}
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	db := oltpolltest.CreateTestDB(t)
	ctx := context.Background()

	f := &managerFixture{
		db:         db,
		executions: poll.NewExecutionStore(db),
		olts:       poll.NewOLTStore(db),
	}

	f.olt = &poll.OLT{ID: "olt1", Name: "lab1", Host: "10.0.0.5", Enabled: true}
	require.NoError(t, f.olts.Create(ctx, f.olt))

	jobs := poll.NewJobStore(db)
	f.job = &poll.Job{
		ID: "job1", OLTID: "olt1", Enabled: true,
		OperationType: poll.OpGet, IntervalSeconds: 60,
	}
	require.NoError(t, jobs.Create(ctx, f.job))

	// The pool is wiring only; nothing in these tests runs a slot.
	p := pool.NewPoolWithContext(ctx, pool.DefaultConfig(), f.executions, jobs, f.olts, nopWorker{}, func(poll.OperationType) time.Duration { return time.Second }, logger.Logger)
	chains := chain.NewCoordinatorWithContext(ctx, f.executions, jobs, p, fixedPolicy, logger.Logger)
	f.delay = NewDelayQueueWithContext(ctx, p, f.executions, logger.Logger)
	f.manager = NewManager(f.executions, f.olts, f.delay, chains, fixedPolicy, logger.Logger)
	return f
}

// settledExecution inserts a terminal execution row and returns it with the
// in-memory fields the pool would carry at completion time.
func (f *managerFixture) settledExecution(t *testing.T, id string, state poll.ExecutionState, kind poll.ErrorKind, attempt int) (*poll.CompositeNode, *poll.Execution) {
	t.Helper()
	ex := &poll.Execution{
		ID: id, JobID: f.job.ID, OLTID: f.olt.ID,
		OperationType: f.job.OperationType,
		State:         state,
		AttemptNumber: attempt,
		ScheduledAt:   time.Now().UTC().Format(time.RFC3339),
	}
	require.NoError(t, f.executions.Insert(context.Background(), ex))
	if kind != "" {
		k := string(kind)
		ex.ErrorKind = &k
	}
	node := poll.Singleton(f.job, ex, f.olt, time.Now().UTC())
	return node, ex
}

func TestRetriableFailureSchedulesRetry(t *testing.T) {
	f := newManagerFixture(t)
	node, ex := f.settledExecution(t, "ex1", poll.StateFailed, poll.ErrKindTransport, 1)

	f.manager.OnComplete(node, ex)

	assert.Equal(t, 1, f.delay.Count(), "retry should be parked in the delay queue")

	retries, err := f.executions.ListByJob(context.Background(), f.job.ID)
	require.NoError(t, err)
	require.Len(t, retries, 2)

	var retry *poll.Execution
	for _, e := range retries {
		if e.ID != "ex1" {
			retry = e
		}
	}
	require.NotNil(t, retry)
	assert.Equal(t, poll.StatePending, retry.State)
	assert.Equal(t, 2, retry.AttemptNumber)
}

func TestRetriesExhaustedBumpsFailureCounter(t *testing.T) {
	f := newManagerFixture(t)

	// Attempt 3 with MaxRetries 2: the chain is over.
	node, ex := f.settledExecution(t, "ex1", poll.StateFailed, poll.ErrKindTransport, 3)
	f.manager.OnComplete(node, ex)

	assert.Zero(t, f.delay.Count())

	olt, err := f.olts.Get(context.Background(), "olt1")
	require.NoError(t, err)
	assert.Equal(t, 1, olt.ConsecutiveFailureCount)
	assert.True(t, olt.Enabled, "failure never disables an OLT")
}

func TestNonRetriableFailureNeverRetries(t *testing.T) {
	f := newManagerFixture(t)

	policyCalls := 0
	f.manager.policy = func(job *poll.Job, kind poll.ErrorKind) poll.RetryPolicy {
		policyCalls++
		assert.Equal(t, poll.ErrKindAuth, kind)
		return poll.RetryPolicy{MaxRetries: 5, Delay: time.Millisecond}
	}

	node, ex := f.settledExecution(t, "ex1", poll.StateFailed, poll.ErrKindAuth, 1)
	f.manager.OnComplete(node, ex)

	assert.Equal(t, 1, policyCalls)
	assert.Zero(t, f.delay.Count(), "auth failures are not retriable regardless of policy")
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.olts.IncrementFailureCount(ctx, "olt1"))
	require.NoError(t, f.olts.IncrementFailureCount(ctx, "olt1"))

	node, ex := f.settledExecution(t, "ex1", poll.StateSuccess, "", 1)
	f.manager.OnComplete(node, ex)

	olt, err := f.olts.Get(ctx, "olt1")
	require.NoError(t, err)
	assert.Zero(t, olt.ConsecutiveFailureCount)
}

func TestChainExecutionsBypassTheManager(t *testing.T) {
	f := newManagerFixture(t)

	node, ex := f.settledExecution(t, "ex-chain", poll.StateFailed, poll.ErrKindTransport, 1)
	ex.ParentExecutionID = util.Ptr("ex-master")

	f.manager.OnComplete(node, ex)

	assert.Zero(t, f.delay.Count(), "chain attempts are owned by the coordinator")
}

func TestInterruptedExecutionEndsQuietly(t *testing.T) {
	f := newManagerFixture(t)

	node, ex := f.settledExecution(t, "ex1", poll.StateInterrupted, poll.ErrKindShutdown, 1)
	f.manager.OnComplete(node, ex)

	assert.Zero(t, f.delay.Count())

	olt, err := f.olts.Get(context.Background(), "olt1")
	require.NoError(t, err)
	assert.Zero(t, olt.ConsecutiveFailureCount, "interruption is not a device failure")
}
