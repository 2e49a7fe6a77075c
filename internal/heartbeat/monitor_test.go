package heartbeat

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivefast/mmsgw/internal/adapters/store/memstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickResetsCounterOnProbeSuccess(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	m := New(store, "grp:1", time.Second, 5,
		func(ctx context.Context) bool { return true },
		func() { t.Fatal("terminate must not fire") },
		testLogger())

	require.NoError(t, store.SetCounter(ctx, CounterKey("grp:1"), 1, 0))
	assert.True(t, m.Tick(ctx))

	v, found, err := store.GetCounter(ctx, CounterKey("grp:1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(5), v)
}

func TestTickBleedsWhileProbeFails(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	m := New(store, "grp:1", time.Second, 3,
		func(ctx context.Context) bool { return false },
		func() { t.Fatal("terminate must not fire yet") },
		testLogger())

	require.NoError(t, store.SetCounter(ctx, CounterKey("grp:1"), 3, 0))
	for i := 0; i < 3; i++ {
		assert.True(t, m.Tick(ctx))
	}
	v, found, err := store.GetCounter(ctx, CounterKey("grp:1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(0), v)
}

func TestTickTerminatesOnExhaustion(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	terminated := false
	m := New(store, "grp:1", time.Second, 3,
		func(ctx context.Context) bool { return false },
		func() { terminated = true },
		testLogger())

	require.NoError(t, store.SetCounter(ctx, CounterKey("grp:1"), 0, 0))
	assert.False(t, m.Tick(ctx))
	assert.True(t, terminated)

	// the counter is removed so dispatchers stop routing to this gateway
	_, found, err := store.GetCounter(ctx, CounterKey("grp:1"))
	require.NoError(t, err)
	assert.False(t, found)
}
