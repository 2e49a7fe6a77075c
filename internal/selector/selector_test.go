package selector

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivefast/mmsgw/internal/adapters/store/memstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func registered(t *testing.T, policy Policy, members ...string) (*Selector, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	sel := New(store, policy, testLogger())
	for _, m := range members {
		require.NoError(t, sel.Register(context.Background(), "grp", m))
	}
	return sel, store
}

func TestUnknownPolicyFallsBackToRoundRobin(t *testing.T) {
	sel, _ := registered(t, Policy("BOGUS"), "grp:1")
	assert.Equal(t, PolicyRoundRobin, sel.policy)
}

func TestDispatchEmptyGroup(t *testing.T) {
	sel, _ := registered(t, PolicyRoundRobin)
	_, err := sel.Dispatch(context.Background(), "grp", "tx")
	assert.ErrorIs(t, err, ErrEmptyGroup)
}

func TestIsGroup(t *testing.T) {
	sel, _ := registered(t, PolicyRoundRobin, "grp:1")
	ctx := context.Background()

	ok, err := sel.IsGroup(ctx, "grp")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = sel.IsGroup(ctx, "grp:1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoundRobinVisitsEveryMember(t *testing.T) {
	sel, _ := registered(t, PolicyRoundRobin, "grp:b", "grp:a", "grp:c")
	ctx := context.Background()

	seen := map[string]int{}
	var order []string
	for i := 0; i < 6; i++ {
		gwid, err := sel.Dispatch(ctx, "grp", "tx")
		require.NoError(t, err)
		seen[gwid]++
		order = append(order, gwid)
	}
	assert.Equal(t, map[string]int{"grp:a": 2, "grp:b": 2, "grp:c": 2}, seen)
	// rotation starts at the alphabetically first member
	assert.Equal(t, []string{"grp:a", "grp:b", "grp:c", "grp:a", "grp:b", "grp:c"}, order)
}

func TestPreferredAlwaysPicksFirstAlphabetical(t *testing.T) {
	sel, _ := registered(t, PolicyPreferred, "grp:z", "grp:m", "grp:a")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		gwid, err := sel.Dispatch(ctx, "grp", "tx")
		require.NoError(t, err)
		assert.Equal(t, "grp:a", gwid)
	}
}

func TestLeastUsedBalancesTaskCounts(t *testing.T) {
	sel, _ := registered(t, PolicyLeastUsed, "grp:a", "grp:b")
	ctx := context.Background()

	seen := map[string]int{}
	for i := 0; i < 10; i++ {
		gwid, err := sel.Dispatch(ctx, "grp", "tx")
		require.NoError(t, err)
		seen[gwid]++
	}
	assert.Equal(t, 5, seen["grp:a"])
	assert.Equal(t, 5, seen["grp:b"])
}

func TestLeastRecentPicksOldestTimestamp(t *testing.T) {
	sel, store := registered(t, PolicyLeastRecent, "grp:a", "grp:b")
	ctx := context.Background()

	// give grp:a a recent task
	require.NoError(t, store.SetField(ctx, "gwgrp-grp-tx-grp:a", "last_task_ts", "9999999999"))

	gwid, err := sel.Dispatch(ctx, "grp", "tx")
	require.NoError(t, err)
	assert.Equal(t, "grp:b", gwid)
}

func TestRandomReturnsRegisteredMember(t *testing.T) {
	sel, _ := registered(t, PolicyRandom, "grp:a", "grp:b", "grp:c")
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		gwid, err := sel.Dispatch(ctx, "grp", "tx")
		require.NoError(t, err)
		assert.Contains(t, []string{"grp:a", "grp:b", "grp:c"}, gwid)
	}
}

func TestDeregisterShrinksGroup(t *testing.T) {
	sel, _ := registered(t, PolicyRoundRobin, "grp:a", "grp:b")
	ctx := context.Background()

	require.NoError(t, sel.Deregister(ctx, "grp", "grp:a"))
	for i := 0; i < 4; i++ {
		gwid, err := sel.Dispatch(ctx, "grp", "tx")
		require.NoError(t, err)
		assert.Equal(t, "grp:b", gwid)
	}
}
