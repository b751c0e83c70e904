package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorfx/mirrorfx/internal/signal"
)

func testStateStore(t *testing.T) (*miniredis.Miniredis, *StateStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := NewClient(mr.Addr(), "", 0)
	t.Cleanup(func() { rdb.Close() })
	return mr, NewStateStore(rdb)
}

func TestSnapshotRoundTrip(t *testing.T) {
	mr, store := testStateStore(t)
	ctx := context.Background()

	snap := Snapshot{
		Positions: map[string]SnapshotPosition{
			"1001": {Symbol: "XAUUSD", Side: signal.Buy, Volume: 0.5, Price: 2650, SL: 2640, TP: 2680, OpenTime: 1735689600},
		},
		Equity:    10000,
		Profit:    125,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	require.NoError(t, store.PublishSnapshot(ctx, "m1", snap))

	got, err := store.FetchSnapshot(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	pos, ok := got.Position(1001)
	require.True(t, ok)
	assert.Equal(t, "XAUUSD", pos.Symbol)
	assert.Equal(t, signal.Buy, pos.Side)
	_, ok = got.Position(9999)
	assert.False(t, ok)

	// Snapshots expire.
	mr.FastForward(SnapshotTTL + time.Second)
	got, err = store.FetchSnapshot(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFetchSnapshotAbsent(t *testing.T) {
	_, store := testStateStore(t)
	got, err := store.FetchSnapshot(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReadyFlag(t *testing.T) {
	_, store := testStateStore(t)
	ctx := context.Background()

	ready, err := store.Ready(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ready)

	require.NoError(t, store.SetReady(ctx, "m1"))
	ready, err = store.Ready(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ready)

	require.NoError(t, store.ClearReady(ctx, "m1"))
	ready, err = store.Ready(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestClosedHistory(t *testing.T) {
	_, store := testStateStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddClosed(ctx, "m1", 1001, 1002))

	closed, err := store.WasClosed(ctx, "m1", 1001)
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = store.WasClosed(ctx, "m1", 4242)
	require.NoError(t, err)
	assert.False(t, closed)

	// Empty append is a no-op, not an error.
	require.NoError(t, store.AddClosed(ctx, "m1"))
}

func TestTicketMap(t *testing.T) {
	_, store := testStateStore(t)
	ctx := context.Background()

	_, ok, err := store.LookupTicketMap(ctx, 1001, "f1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SaveTicketMap(ctx, 1001, "f1", 7777))
	ticket, ok, err := store.LookupTicketMap(ctx, 1001, "f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7777), ticket)

	// Re-saving the same pair is idempotent.
	require.NoError(t, store.SaveTicketMap(ctx, 1001, "f1", 7777))

	// Follower isolation.
	_, ok, err = store.LookupTicketMap(ctx, 1001, "f2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRiskBaselineFirstWriteWins(t *testing.T) {
	_, store := testStateStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetRiskBaseline(ctx, "f1", "2026-08-30", 10000))
	// A later write for the same day does not overwrite the baseline.
	require.NoError(t, store.SetRiskBaseline(ctx, "f1", "2026-08-30", 9500))

	baseline, ok, err := store.RiskBaseline(ctx, "f1", "2026-08-30")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10000.0, baseline)

	_, ok, err = store.RiskBaseline(ctx, "f1", "2026-08-31")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRiskStoppedFlag(t *testing.T) {
	mr, store := testStateStore(t)
	ctx := context.Background()

	stopped, err := store.RiskStopped(ctx, "f1")
	require.NoError(t, err)
	assert.False(t, stopped)

	require.NoError(t, store.SetRiskStopped(ctx, "f1", time.Minute))
	stopped, err = store.RiskStopped(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, stopped)

	mr.FastForward(2 * time.Minute)
	stopped, err = store.RiskStopped(ctx, "f1")
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestSnapshotAge(t *testing.T) {
	now := time.Now()
	snap := Snapshot{Timestamp: float64(now.Add(-10*time.Second).UnixNano()) / 1e9}
	assert.InDelta(t, 10, snap.Age(now).Seconds(), 0.1)
}
