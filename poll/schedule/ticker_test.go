package schedule

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberhive/oltpoll/internal/util"
	"github.com/fiberhive/oltpoll/logger"
	"github.com/fiberhive/oltpoll/poll"
	"github.com/fiberhive/oltpoll/poll/lifecycle"
	"github.com/fiberhive/oltpoll/poll/pool"
	"github.com/fiberhive/oltpoll/snmp"
	oltpolltest "github.com/fiberhive/oltpoll/internal/testing"
)

type idleWorker struct{}

func (idleWorker) Execute(context.Context, *poll.OLT, poll.OperationType, string, time.Duration) (*snmp.Result, error) {
	return &snmp.Result{}, nil
}

type tickerFixture struct {
	executions *poll.ExecutionStore
	jobs       *poll.JobStore
	olts       *poll.OLTStore
	delay      *lifecycle.DelayQueue
	ticker     *Ticker
	job        *poll.Job
}

// newTickerFixture wires a scheduler over real stores. The pool is never
// started, so dispatched executions stay PENDING in its queue.
func newTickerFixture(t *testing.T, poolSlots int) *tickerFixture {
	t.Helper()
	db := oltpolltest.CreateTestDB(t)
	ctx := context.Background()

	f := &tickerFixture{
		executions: poll.NewExecutionStore(db),
		jobs:       poll.NewJobStore(db),
		olts:       poll.NewOLTStore(db),
	}

	require.NoError(t, f.olts.Create(ctx, &poll.OLT{
		ID: "olt1", Name: "lab1", Host: "10.0.0.5", Enabled: true,
	}))

	f.job = &poll.Job{
		ID: "job1", OLTID: "olt1", Enabled: true,
		OperationType: poll.OpGet, IntervalSeconds: 600,
	}
	require.NoError(t, f.jobs.Create(ctx, f.job))

	cfg := pool.DefaultConfig()
	cfg.Slots = poolSlots
	p := pool.NewPoolWithContext(ctx, cfg, f.executions, f.jobs, f.olts, idleWorker{}, func(poll.OperationType) time.Duration { return time.Second }, logger.Logger)

	f.delay = lifecycle.NewDelayQueueWithContext(ctx, p, f.executions, logger.Logger)
	f.ticker = NewTickerWithContext(ctx, DefaultConfig(), f.jobs, f.executions, f.olts, p, f.delay, logger.Logger)
	return f
}

func (f *tickerFixture) finishedExecution(t *testing.T, id string, finishedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.executions.Insert(ctx, &poll.Execution{
		ID: id, JobID: f.job.ID, OLTID: f.job.OLTID,
		OperationType: f.job.OperationType, State: poll.StatePending, AttemptNumber: 1,
		ScheduledAt: finishedAt.UTC().Format(time.RFC3339),
	}))
	ts := finishedAt.UTC()
	require.NoError(t, f.executions.Transition(ctx, id, poll.StatePending, poll.StateSuccess,
		poll.TransitionFields{FinishedAt: &ts}))
}

func TestDispatchCreatesExecutionAndAdvancesCadence(t *testing.T) {
	f := newTickerFixture(t, 2)
	now := time.Now().UTC()

	blocked, dispatched, err := f.ticker.dispatchJob(f.job, now)
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.True(t, dispatched)

	list, err := f.executions.ListByJob(context.Background(), f.job.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, poll.StatePending, list[0].State)
	assert.Equal(t, 1, list[0].AttemptNumber)
	assert.Nil(t, list[0].ParentExecutionID)

	job, err := f.jobs.Get(context.Background(), f.job.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(f.job.Interval()), job.NextRunAt, time.Second)
}

func TestQuotaGatePushesJobToNextHour(t *testing.T) {
	f := newTickerFixture(t, 2)
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	// 600s cadence allows six completions per hour; fill the quota.
	for i := 0; i < f.job.HourlyQuota(); i++ {
		f.finishedExecution(t, fmt.Sprintf("done-%d", i), now.Add(-10*time.Minute))
	}

	blocked, dispatched, err := f.ticker.dispatchJob(f.job, now)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.False(t, dispatched)

	list, err := f.executions.ListByJob(context.Background(), f.job.ID)
	require.NoError(t, err)
	assert.Len(t, list, f.job.HourlyQuota(), "no new execution past the quota")

	job, err := f.jobs.Get(context.Background(), f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), job.NextRunAt.UTC())
}

func TestQuotaWindowRollsWithNow(t *testing.T) {
	f := newTickerFixture(t, 2)
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	// Completions in the previous clock hour still count while they are
	// inside the rolling 3600s window.
	for i := 0; i < f.job.HourlyQuota(); i++ {
		f.finishedExecution(t, fmt.Sprintf("recent-%d", i), now.Add(-45*time.Minute))
	}

	blocked, dispatched, err := f.ticker.dispatchJob(f.job, now)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.False(t, dispatched)

	list, err := f.executions.ListByJob(context.Background(), f.job.ID)
	require.NoError(t, err)
	assert.Len(t, list, f.job.HourlyQuota(), "no new execution inside the rolling window")

	job, err := f.jobs.Get(context.Background(), f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), job.NextRunAt.UTC())
}

func TestQuotaIgnoresCompletionsOlderThanAnHour(t *testing.T) {
	f := newTickerFixture(t, 2)
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	// Completions that rolled out of the window no longer count.
	for i := 0; i < f.job.HourlyQuota(); i++ {
		f.finishedExecution(t, fmt.Sprintf("old-%d", i), now.Add(-70*time.Minute))
	}

	blocked, dispatched, err := f.ticker.dispatchJob(f.job, now)
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.True(t, dispatched)
}

func TestSameTypeGateDefersJob(t *testing.T) {
	f := newTickerFixture(t, 2)
	now := time.Now().UTC()

	// A live execution of the same type on the same OLT.
	require.NoError(t, f.executions.Insert(context.Background(), &poll.Execution{
		ID: "live", JobID: f.job.ID, OLTID: f.job.OLTID,
		OperationType: f.job.OperationType, State: poll.StateRunning, AttemptNumber: 1,
		ScheduledAt: now.Format(time.RFC3339),
	}))

	blocked, dispatched, err := f.ticker.dispatchJob(f.job, now)
	require.NoError(t, err)
	assert.False(t, blocked, "same-type deferral is not a quota block")
	assert.False(t, dispatched)

	list, err := f.executions.ListByJob(context.Background(), f.job.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1, "no new execution while one is live")

	job, err := f.jobs.Get(context.Background(), f.job.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(deferInterval(f.job.Interval())), job.NextRunAt, time.Second)
}

func TestDispatchDueSkipsChainJobs(t *testing.T) {
	f := newTickerFixture(t, 2)
	now := time.Now().UTC()

	require.NoError(t, f.jobs.Create(context.Background(), &poll.Job{
		ID: "chained", OLTID: "olt1", Enabled: true,
		OperationType: poll.OpWalk, IntervalSeconds: 600,
		ParentJobID: util.Ptr("job1"), ChainPosition: 1,
	}))

	ready, quotaBlocked, err := f.ticker.dispatchDue(now)
	require.NoError(t, err)
	assert.Equal(t, 1, ready, "only the master job counts as ready")
	assert.Zero(t, quotaBlocked)

	list, err := f.executions.ListByJob(context.Background(), "chained")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRejectedSubmissionParksInDelayQueue(t *testing.T) {
	// A zero-slot pool rejects everything; submitting into it directly
	// mimics losing the capacity race to a concurrent submitter.
	f := newTickerFixture(t, 0)
	now := time.Now().UTC()

	blocked, dispatched, err := f.ticker.dispatchJob(f.job, now)
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.True(t, dispatched)

	assert.Equal(t, 1, f.delay.Count(), "rejected node waits in the delay queue")

	list, err := f.executions.ListByJob(context.Background(), f.job.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, poll.StatePending, list[0].State)
}

func TestDispatchDueStopsAtPoolCapacity(t *testing.T) {
	// One slot with a two-deep backlog: three executions fit. The other
	// two due jobs are not picked and keep their next_run_at.
	f := newTickerFixture(t, 1)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second).Add(10 * time.Second)
	for i := 1; i <= 4; i++ {
		oltID := fmt.Sprintf("olt-extra-%d", i)
		require.NoError(t, f.olts.Create(ctx, &poll.OLT{
			ID: oltID, Name: oltID, Host: fmt.Sprintf("10.0.1.%d", i), Enabled: true,
		}))
		require.NoError(t, f.jobs.Create(ctx, &poll.Job{
			ID: fmt.Sprintf("job-extra-%d", i), OLTID: oltID, Enabled: true,
			OperationType: poll.OpGet, IntervalSeconds: 600,
			NextRunAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	now := base.Add(time.Minute)
	ready, quotaBlocked, err := f.ticker.dispatchDue(now)
	require.NoError(t, err)
	assert.Equal(t, 3, ready, "dispatch stops once the sampled capacity is spent")
	assert.Zero(t, quotaBlocked)

	dispatched := 0
	for _, jobID := range []string{"job1", "job-extra-1", "job-extra-2", "job-extra-3", "job-extra-4"} {
		list, err := f.executions.ListByJob(ctx, jobID)
		require.NoError(t, err)
		dispatched += len(list)
	}
	assert.Equal(t, 3, dispatched)

	// The surplus jobs were never touched: no execution, original cadence.
	for i := 3; i <= 4; i++ {
		jobID := fmt.Sprintf("job-extra-%d", i)
		list, err := f.executions.ListByJob(ctx, jobID)
		require.NoError(t, err)
		assert.Empty(t, list, "%s must not get an execution", jobID)

		job, err := f.jobs.Get(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, base.Add(time.Duration(i)*time.Second), job.NextRunAt.UTC())
	}
}

func TestUpdateConfigAppliesOnNextTick(t *testing.T) {
	f := newTickerFixture(t, 2)

	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Second
	cfg.MaxPerMinute = 12
	f.ticker.UpdateConfig(cfg)

	f.ticker.tick()

	h := f.ticker.Health()
	assert.Equal(t, 5.0, h.TickIntervalSecs)
	assert.Equal(t, 12, f.ticker.config().MaxPerMinute)
}

func TestTickUpdatesHealthSnapshot(t *testing.T) {
	f := newTickerFixture(t, 2)

	f.ticker.tick()
	f.ticker.tick()

	h := f.ticker.Health()
	assert.Equal(t, int64(2), h.TicksSinceStart)
	assert.False(t, h.LastTickAt.IsZero())
}

func TestDeferInterval(t *testing.T) {
	tests := []struct {
		interval time.Duration
		want     time.Duration
	}{
		{60 * time.Second, 30 * time.Second},
		{10 * time.Minute, time.Minute},
		{time.Second, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, deferInterval(tt.interval), "interval %s", tt.interval)
	}
}
