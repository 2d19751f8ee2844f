package chain

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberhive/oltpoll/errors"
	"github.com/fiberhive/oltpoll/internal/util"
	"github.com/fiberhive/oltpoll/logger"
	"github.com/fiberhive/oltpoll/poll"
	"github.com/fiberhive/oltpoll/poll/pool"
	"github.com/fiberhive/oltpoll/snmp"
	oltpolltest "github.com/fiberhive/oltpoll/internal/testing"
)

// scriptedWorker records the order operations execute and fails the ones a
// test scripts to fail.
type scriptedWorker struct {
	mu       sync.Mutex
	order    []poll.OperationType
	failures map[poll.OperationType][]error // consumed one per attempt
}

func (w *scriptedWorker) Execute(_ context.Context, _ *poll.OLT, op poll.OperationType, _ string, _ time.Duration) (*snmp.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.order = append(w.order, op)
	if errs := w.failures[op]; len(errs) > 0 {
		err := errs[0]
		w.failures[op] = errs[1:]
		return nil, err
	}
	return &snmp.Result{}, nil
}

func (w *scriptedWorker) executed() []poll.OperationType {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]poll.OperationType, len(w.order))
	copy(out, w.order)
	return out
}

type chainFixture struct {
	db         *sql.DB
	executions *poll.ExecutionStore
	jobs       *poll.JobStore
	coord      *Coordinator
	master     *poll.Job
	olt        *poll.OLT
}

func quickPolicy(*poll.Job, poll.ErrorKind) poll.RetryPolicy {
	return poll.RetryPolicy{MaxRetries: 1, Delay: 10 * time.Millisecond}
}

func newChainFixture(t *testing.T, worker snmp.Worker) *chainFixture {
	t.Helper()
	db := oltpolltest.CreateTestDB(t)
	ctx := context.Background()

	f := &chainFixture{
		db:         db,
		executions: poll.NewExecutionStore(db),
		jobs:       poll.NewJobStore(db),
	}
	olts := poll.NewOLTStore(db)

	f.olt = &poll.OLT{ID: "olt1", Name: "lab1", Host: "10.0.0.5", Enabled: true}
	require.NoError(t, olts.Create(ctx, f.olt))

	f.master = &poll.Job{
		ID: "master", OLTID: "olt1", Enabled: true,
		OperationType: poll.OpDiscovery, IntervalSeconds: 600,
	}
	require.NoError(t, f.jobs.Create(ctx, f.master))

	cfg := pool.DefaultConfig()
	cfg.Slots = 2
	cfg.ShutdownGrace = time.Second
	p := pool.NewPoolWithContext(ctx, cfg, f.executions, f.jobs, olts, worker, func(poll.OperationType) time.Duration { return time.Second }, logger.Logger)
	p.Start()
	t.Cleanup(p.Stop)

	f.coord = NewCoordinatorWithContext(ctx, f.executions, f.jobs, p, quickPolicy, logger.Logger)
	t.Cleanup(f.coord.Stop)
	return f
}

func (f *chainFixture) addChainJob(t *testing.T, id string, op poll.OperationType, position int, mutate func(*poll.Job)) {
	t.Helper()
	job := &poll.Job{
		ID: id, OLTID: "olt1", Enabled: true,
		OperationType: op, IntervalSeconds: 600,
		ParentJobID: util.Ptr("master"), ChainPosition: position,
	}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, f.jobs.Create(context.Background(), job))
}

func (f *chainFixture) masterExecution(t *testing.T, state poll.ExecutionState) (*poll.CompositeNode, *poll.Execution) {
	t.Helper()
	ex := &poll.Execution{
		ID: "master-ex", JobID: "master", OLTID: "olt1",
		OperationType: poll.OpDiscovery, State: state, AttemptNumber: 1,
		ScheduledAt: time.Now().UTC().Format(time.RFC3339),
	}
	require.NoError(t, f.executions.Insert(context.Background(), ex))
	node := poll.Singleton(f.master, ex, f.olt, time.Now().UTC())
	return node, ex
}

// terminalByJob waits until the job has an execution in the wanted state.
func (f *chainFixture) terminalByJob(t *testing.T, jobID string, want poll.ExecutionState, within time.Duration) *poll.Execution {
	t.Helper()
	var found *poll.Execution
	require.Eventually(t, func() bool {
		list, err := f.executions.ListByJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		for _, ex := range list {
			if ex.State == want {
				found = ex
				return true
			}
		}
		return false
	}, within, 50*time.Millisecond, "no %s execution for job %s", want, jobID)
	return found
}

func TestChainRunsSequentially(t *testing.T) {
	worker := &scriptedWorker{}
	f := newChainFixture(t, worker)
	f.addChainJob(t, "c-walk", poll.OpWalk, 1, nil)
	f.addChainJob(t, "c-table", poll.OpTable, 2, nil)

	node, masterEx := f.masterExecution(t, poll.StateSuccess)
	f.coord.OnMasterSettled(node, masterEx)

	walkEx := f.terminalByJob(t, "c-walk", poll.StateSuccess, 5*time.Second)
	tableEx := f.terminalByJob(t, "c-table", poll.StateSuccess, 5*time.Second)

	require.NotNil(t, walkEx.ParentExecutionID)
	assert.Equal(t, "master-ex", *walkEx.ParentExecutionID)
	require.NotNil(t, tableEx.ParentExecutionID)
	assert.Equal(t, "master-ex", *tableEx.ParentExecutionID)

	assert.Equal(t, []poll.OperationType{poll.OpWalk, poll.OpTable}, worker.executed())
}

func TestChainStopsAfterNonRetriableFailure(t *testing.T) {
	worker := &scriptedWorker{
		failures: map[poll.OperationType][]error{
			poll.OpWalk: {&snmp.ProtocolError{Code: gosnmp.NoAccess, OID: "1.3.6.1.4.1.2011.6.128.1.1.2.43.1.3"}},
		},
	}
	f := newChainFixture(t, worker)
	f.addChainJob(t, "c-walk", poll.OpWalk, 1, nil)
	f.addChainJob(t, "c-table", poll.OpTable, 2, nil)

	node, masterEx := f.masterExecution(t, poll.StateSuccess)
	f.coord.OnMasterSettled(node, masterEx)

	failed := f.terminalByJob(t, "c-walk", poll.StateFailed, 5*time.Second)
	assert.Equal(t, poll.ErrKindAuth, failed.Kind())

	// The rest of the chain must not run.
	time.Sleep(1500 * time.Millisecond)
	list, err := f.executions.ListByJob(context.Background(), "c-table")
	require.NoError(t, err)
	assert.Empty(t, list, "chain should stop before the table job")
}

func TestChainNodeRetriesTransientFailure(t *testing.T) {
	worker := &scriptedWorker{
		failures: map[poll.OperationType][]error{
			poll.OpWalk: {errors.New("connection reset by peer")},
		},
	}
	f := newChainFixture(t, worker)
	f.addChainJob(t, "c-walk", poll.OpWalk, 1, nil)

	node, masterEx := f.masterExecution(t, poll.StateSuccess)
	f.coord.OnMasterSettled(node, masterEx)

	success := f.terminalByJob(t, "c-walk", poll.StateSuccess, 10*time.Second)
	assert.Equal(t, 2, success.AttemptNumber)

	list, err := f.executions.ListByJob(context.Background(), "c-walk")
	require.NoError(t, err)
	assert.Len(t, list, 2, "one failed attempt plus one successful retry")
}

func TestMasterFailureRunsOnlyOptedInNodes(t *testing.T) {
	worker := &scriptedWorker{}
	f := newChainFixture(t, worker)
	f.addChainJob(t, "c-skipped", poll.OpWalk, 1, nil)
	f.addChainJob(t, "c-cleanup", poll.OpTable, 2, func(j *poll.Job) { j.RunChainOnFailure = true })

	node, masterEx := f.masterExecution(t, poll.StateFailed)
	f.coord.OnMasterSettled(node, masterEx)

	f.terminalByJob(t, "c-cleanup", poll.StateSuccess, 5*time.Second)

	list, err := f.executions.ListByJob(context.Background(), "c-skipped")
	require.NoError(t, err)
	assert.Empty(t, list, "non-opted-in node must not run after master failure")
}

func TestInterruptedMasterNeverTriggersChain(t *testing.T) {
	worker := &scriptedWorker{}
	f := newChainFixture(t, worker)
	f.addChainJob(t, "c-walk", poll.OpWalk, 1, nil)

	node, masterEx := f.masterExecution(t, poll.StateInterrupted)
	f.coord.OnMasterSettled(node, masterEx)

	time.Sleep(time.Second)
	list, err := f.executions.ListByJob(context.Background(), "c-walk")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDisabledChainJobIsSkipped(t *testing.T) {
	worker := &scriptedWorker{}
	f := newChainFixture(t, worker)
	f.addChainJob(t, "c-dark", poll.OpWalk, 1, func(j *poll.Job) { j.Enabled = false })
	f.addChainJob(t, "c-table", poll.OpTable, 2, nil)

	node, masterEx := f.masterExecution(t, poll.StateSuccess)
	f.coord.OnMasterSettled(node, masterEx)

	f.terminalByJob(t, "c-table", poll.StateSuccess, 5*time.Second)

	list, err := f.executions.ListByJob(context.Background(), "c-dark")
	require.NoError(t, err)
	assert.Empty(t, list)
}
