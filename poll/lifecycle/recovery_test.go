package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberhive/oltpoll/logger"
	"github.com/fiberhive/oltpoll/poll"
	oltpolltest "github.com/fiberhive/oltpoll/internal/testing"
)

func TestRecoverInterrupted(t *testing.T) {
	db := oltpolltest.CreateTestDB(t)
	ctx := context.Background()

	require.NoError(t, poll.NewOLTStore(db).Create(ctx, &poll.OLT{
		ID: "olt1", Name: "lab1", Host: "10.0.0.5", Enabled: true,
	}))
	require.NoError(t, poll.NewJobStore(db).Create(ctx, &poll.Job{
		ID: "job1", OLTID: "olt1", Enabled: true,
		OperationType: poll.OpGet, IntervalSeconds: 60,
	}))

	store := poll.NewExecutionStore(db)
	insert := func(id string, state poll.ExecutionState) {
		require.NoError(t, store.Insert(ctx, &poll.Execution{
			ID: id, JobID: "job1", OLTID: "olt1",
			OperationType: poll.OpGet, State: state, AttemptNumber: 1,
			ScheduledAt: time.Now().UTC().Format(time.RFC3339),
		}))
	}

	insert("orphan-pending", poll.StatePending)
	insert("orphan-running", poll.StateRunning)
	insert("already-done", poll.StateSuccess)

	recovered, err := RecoverInterrupted(ctx, store, logger.Logger)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	for _, id := range []string{"orphan-pending", "orphan-running"} {
		ex, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, poll.StateInterrupted, ex.State, id)
		assert.Equal(t, poll.ErrKindProcessRestart, ex.Kind(), id)
		assert.NotNil(t, ex.FinishedAt, id)
	}

	done, err := store.Get(ctx, "already-done")
	require.NoError(t, err)
	assert.Equal(t, poll.StateSuccess, done.State)
}

func TestRecoverInterruptedEmptyDatabase(t *testing.T) {
	db := oltpolltest.CreateTestDB(t)

	recovered, err := RecoverInterrupted(context.Background(), poll.NewExecutionStore(db), logger.Logger)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}
