package poll_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberhive/oltpoll/errors"
	"github.com/fiberhive/oltpoll/poll"
	oltpolltest "github.com/fiberhive/oltpoll/internal/testing"
)

func TestOLTCreateDefaults(t *testing.T) {
	db := oltpolltest.CreateTestDB(t)
	store := poll.NewOLTStore(db)
	ctx := context.Background()

	olt := &poll.OLT{ID: "olt1", Name: "lab1", Host: "10.0.0.5", Enabled: true}
	require.NoError(t, store.Create(ctx, olt))

	got, err := store.Get(ctx, "olt1")
	require.NoError(t, err)
	assert.Equal(t, 161, got.SNMPPort)
	assert.Equal(t, "public", got.SNMPCommunity)
	assert.Equal(t, "2c", got.SNMPVersion)
}

func TestOLTCreateRequiresHost(t *testing.T) {
	db := oltpolltest.CreateTestDB(t)
	store := poll.NewOLTStore(db)

	err := store.Create(context.Background(), &poll.OLT{ID: "olt1", Name: "nohost"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestOLTFailureCounter(t *testing.T) {
	db := oltpolltest.CreateTestDB(t)
	store := poll.NewOLTStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &poll.OLT{ID: "olt1", Name: "lab1", Host: "10.0.0.5", Enabled: true}))

	require.NoError(t, store.IncrementFailureCount(ctx, "olt1"))
	require.NoError(t, store.IncrementFailureCount(ctx, "olt1"))

	got, err := store.Get(ctx, "olt1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.ConsecutiveFailureCount)

	// A failing OLT stays enabled; the counter is advisory.
	assert.True(t, got.Enabled)

	require.NoError(t, store.ResetFailureCount(ctx, "olt1"))
	got, err = store.Get(ctx, "olt1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.ConsecutiveFailureCount)
}

func TestOLTUpdateNotFound(t *testing.T) {
	db := oltpolltest.CreateTestDB(t)
	store := poll.NewOLTStore(db)

	err := store.SetEnabled(context.Background(), "missing", false)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}
