package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorfx/mirrorfx/internal/backend"
	"github.com/mirrorfx/mirrorfx/internal/bus"
	"github.com/mirrorfx/mirrorfx/internal/domain"
	"github.com/mirrorfx/mirrorfx/internal/reconcile"
	"github.com/mirrorfx/mirrorfx/internal/signal"
	"github.com/mirrorfx/mirrorfx/internal/store"
	"github.com/mirrorfx/mirrorfx/internal/terminal"
	"github.com/mirrorfx/mirrorfx/internal/worker"
)

const followerLogin = int64(222222)

type staticCreds map[string]backend.Credentials

func (s staticCreds) Credentials(_ context.Context, userID string) (backend.Credentials, error) {
	c, ok := s[userID]
	if !ok {
		return backend.Credentials{}, backend.ErrCredentialsNotFound
	}
	return c, nil
}

func testKnobs() reconcile.Knobs {
	return reconcile.Knobs{
		ReadyWait:        200 * time.Millisecond,
		ReadyPoll:        20 * time.Millisecond,
		CatchUpMaxAge:    time.Hour,
		GhostFreshWindow: 30 * time.Second,
		DriftTol:         0.0001,
		DriftTolInverted: 0.0005,
		MaxOpsPerCycle:   50,
	}
}

type recEnv struct {
	fake  *terminal.Fake
	state *bus.StateStore
	rec   *reconcile.Reconciler
	ctx   context.Context
}

func newRecEnv(t *testing.T, knobs reconcile.Knobs) *recEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := bus.NewClient(mr.Addr(), "", 0)
	t.Cleanup(func() { rdb.Close() })

	fake := terminal.NewFake()
	fake.AddAccount(terminal.AccountInfo{
		Login: followerLogin, Equity: 10000, Balance: 10000, FreeMargin: 10000,
	}, "pw")
	fake.AddSymbol(terminal.SymbolInfo{
		Name: "EURUSD", Digits: 5, VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01, ContractSize: 100000,
	}, terminal.Tick{Bid: 1.08250, Ask: 1.08260, Time: time.Now()})

	state := bus.NewStateStore(rdb)
	pool := worker.NewPool(zerolog.Nop(), state, bus.NewTransport(rdb), []worker.Rig{{
		Term: fake,
		Lock: bus.NewTerminalLock(rdb, "test-terminal"),
		Path: "test-terminal",
	}}, worker.WithTimings(
		time.Minute, 2*time.Second, 500*time.Millisecond,
		100*time.Millisecond, 50*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond,
	))

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})

	creds := staticCreds{"f1": {Login: followerLogin, Password: "pw", Server: "Broker-Demo"}}
	rec := reconcile.New(zerolog.Nop(), state, pool, creds, knobs)
	return &recEnv{fake: fake, state: state, rec: rec, ctx: ctx}
}

func binding() store.Binding {
	return store.Binding{
		Session: domain.CopySession{ID: 5, FollowerID: "f1", MasterID: "m1", Active: true},
		Follower: domain.Follower{
			ID: "f1", Login: followerLogin, RiskFactor: 100, CopyMode: domain.CopyModeFixed,
		},
	}
}

func publish(t *testing.T, e *recEnv, snap bus.Snapshot) {
	t.Helper()
	if snap.Timestamp == 0 {
		snap.Timestamp = float64(time.Now().UnixNano()) / 1e9
	}
	require.NoError(t, e.state.PublishSnapshot(e.ctx, "m1", snap))
	require.NoError(t, e.state.SetReady(e.ctx, "m1"))
}

func masterPos(side signal.Side, volume, price, sl, tp float64, openedAgo time.Duration) bus.SnapshotPosition {
	return bus.SnapshotPosition{
		Symbol: "EURUSD", Side: side, Volume: volume,
		Price: price, SL: sl, TP: tp,
		OpenTime: time.Now().Add(-openedAgo).Unix(),
	}
}

func TestCatchUpOpensMissedPosition(t *testing.T) {
	e := newRecEnv(t, testKnobs())
	publish(t, e, bus.Snapshot{
		Positions: map[string]bus.SnapshotPosition{
			"1001": masterPos(signal.Buy, 0.10, 1.0820, 1.0750, 1.0900, time.Minute),
		},
		Equity: 20000,
	})

	require.NoError(t, e.rec.Run(e.ctx, "m1", []store.Binding{binding()}))

	positions := e.fake.PositionsOf(followerLogin)
	require.Len(t, positions, 1)
	assert.Equal(t, terminal.PositionBuy, positions[0].Type)
	assert.Equal(t, 0.10, positions[0].Volume)
	assert.Equal(t, terminal.SessionTag(5, 1001), positions[0].Comment)

	// A second pass finds the copy and opens nothing new.
	require.NoError(t, e.rec.Run(e.ctx, "m1", []store.Binding{binding()}))
	assert.Len(t, e.fake.PositionsOf(followerLogin), 1)
}

func TestCatchUpSkipsConfirmedClosed(t *testing.T) {
	e := newRecEnv(t, testKnobs())
	publish(t, e, bus.Snapshot{
		Positions: map[string]bus.SnapshotPosition{
			"1002": masterPos(signal.Buy, 0.10, 1.0820, 0, 0, time.Minute),
		},
		Equity: 20000,
	})
	require.NoError(t, e.state.AddClosed(e.ctx, "m1", 1002))

	require.NoError(t, e.rec.Run(e.ctx, "m1", []store.Binding{binding()}))
	assert.Empty(t, e.fake.PositionsOf(followerLogin))
}

func TestCatchUpSkipsAgedPosition(t *testing.T) {
	e := newRecEnv(t, testKnobs())
	// Opened two hours ago against a one hour catch-up horizon: entering
	// that late is a different trade.
	publish(t, e, bus.Snapshot{
		Positions: map[string]bus.SnapshotPosition{
			"1003": masterPos(signal.Buy, 0.10, 1.0820, 0, 0, 2*time.Hour),
		},
		Equity: 20000,
	})

	require.NoError(t, e.rec.Run(e.ctx, "m1", []store.Binding{binding()}))
	assert.Empty(t, e.fake.PositionsOf(followerLogin))
}

func TestCatchUpDedupAcrossPasses(t *testing.T) {
	e := newRecEnv(t, testKnobs())
	publish(t, e, bus.Snapshot{
		Positions: map[string]bus.SnapshotPosition{
			"1004": masterPos(signal.Buy, 0.10, 1.0820, 0, 0, time.Minute),
		},
		Equity: 20000,
	})

	require.NoError(t, e.rec.Run(e.ctx, "m1", []store.Binding{binding()}))
	require.Len(t, e.fake.PositionsOf(followerLogin), 1)

	// Even if the copy disappears without a confirmed close, the same
	// catch-up is not dispatched twice by this process.
	ticket := e.fake.PositionsOf(followerLogin)[0].Ticket
	e.fake.RemovePosition(followerLogin, ticket)
	require.NoError(t, e.rec.Run(e.ctx, "m1", []store.Binding{binding()}))
	assert.Empty(t, e.fake.PositionsOf(followerLogin))
}

func TestDriftRepairReappliesStops(t *testing.T) {
	e := newRecEnv(t, testKnobs())
	e.fake.SeedPosition(followerLogin, terminal.Position{
		Ticket: 9001, Symbol: "EURUSD", Type: terminal.PositionBuy,
		Volume: 0.10, PriceOpen: 1.0820, SL: 1.0700, TP: 1.0900,
		Magic: terminal.CopyMagic, Comment: terminal.Tag(1005), OpenTime: time.Now().UTC(),
	})
	publish(t, e, bus.Snapshot{
		Positions: map[string]bus.SnapshotPosition{
			"1005": masterPos(signal.Buy, 0.10, 1.0820, 1.0750, 1.0900, time.Minute),
		},
		Equity: 20000,
	})

	require.NoError(t, e.rec.Run(e.ctx, "m1", []store.Binding{binding()}))

	positions := e.fake.PositionsOf(followerLogin)
	require.Len(t, positions, 1)
	assert.Equal(t, 1.0750, positions[0].SL)
	assert.Equal(t, 1.0900, positions[0].TP)
}

func TestDriftWithinToleranceUntouched(t *testing.T) {
	e := newRecEnv(t, testKnobs())
	e.fake.SeedPosition(followerLogin, terminal.Position{
		Ticket: 9002, Symbol: "EURUSD", Type: terminal.PositionBuy,
		Volume: 0.10, PriceOpen: 1.0820, SL: 1.07505, TP: 1.0900,
		Magic: terminal.CopyMagic, Comment: terminal.Tag(1006), OpenTime: time.Now().UTC(),
	})
	publish(t, e, bus.Snapshot{
		Positions: map[string]bus.SnapshotPosition{
			"1006": masterPos(signal.Buy, 0.10, 1.0820, 1.0750, 1.0900, time.Minute),
		},
		Equity: 20000,
	})

	require.NoError(t, e.rec.Run(e.ctx, "m1", []store.Binding{binding()}))

	positions := e.fake.PositionsOf(followerLogin)
	require.Len(t, positions, 1)
	assert.Equal(t, 1.07505, positions[0].SL)
}

func TestGhostClosedWhenConfirmed(t *testing.T) {
	e := newRecEnv(t, testKnobs())
	e.fake.SeedPosition(followerLogin, terminal.Position{
		Ticket: 9003, Symbol: "EURUSD", Type: terminal.PositionBuy,
		Volume: 0.10, PriceOpen: 1.0820,
		Magic: terminal.CopyMagic, Comment: terminal.Tag(1007), OpenTime: time.Now().UTC(),
	})
	require.NoError(t, e.state.AddClosed(e.ctx, "m1", 1007))
	publish(t, e, bus.Snapshot{Positions: map[string]bus.SnapshotPosition{}, Equity: 20000})

	require.NoError(t, e.rec.Run(e.ctx, "m1", []store.Binding{binding()}))
	assert.Empty(t, e.fake.PositionsOf(followerLogin))
}

func TestGhostClosedOnFreshSnapshot(t *testing.T) {
	e := newRecEnv(t, testKnobs())
	e.fake.SeedPosition(followerLogin, terminal.Position{
		Ticket: 9004, Symbol: "EURUSD", Type: terminal.PositionBuy,
		Volume: 0.10, PriceOpen: 1.0820,
		Magic: terminal.CopyMagic, Comment: terminal.Tag(1008), OpenTime: time.Now().UTC(),
	})
	// Not in the closed history, but the snapshot is fresh and does not
	// list the ticket: the master genuinely closed it.
	publish(t, e, bus.Snapshot{Positions: map[string]bus.SnapshotPosition{}, Equity: 20000})

	require.NoError(t, e.rec.Run(e.ctx, "m1", []store.Binding{binding()}))
	assert.Empty(t, e.fake.PositionsOf(followerLogin))
}

func TestGhostKeptOnStaleSnapshot(t *testing.T) {
	e := newRecEnv(t, testKnobs())
	e.fake.SeedPosition(followerLogin, terminal.Position{
		Ticket: 9005, Symbol: "EURUSD", Type: terminal.PositionBuy,
		Volume: 0.10, PriceOpen: 1.0820,
		Magic: terminal.CopyMagic, Comment: terminal.Tag(1009), OpenTime: time.Now().UTC(),
	})
	stale := float64(time.Now().Add(-time.Minute).UnixNano()) / 1e9
	publish(t, e, bus.Snapshot{
		Positions: map[string]bus.SnapshotPosition{},
		Equity:    20000,
		Timestamp: stale,
	})

	// The broadcaster may simply be down; an unconfirmed orphan survives.
	require.NoError(t, e.rec.Run(e.ctx, "m1", []store.Binding{binding()}))
	assert.Len(t, e.fake.PositionsOf(followerLogin), 1)
}

func TestOpBudgetBoundsEachPass(t *testing.T) {
	knobs := testKnobs()
	knobs.MaxOpsPerCycle = 1
	e := newRecEnv(t, knobs)
	publish(t, e, bus.Snapshot{
		Positions: map[string]bus.SnapshotPosition{
			"1010": masterPos(signal.Buy, 0.10, 1.0820, 0, 0, time.Minute),
			"1011": masterPos(signal.Sell, 0.10, 1.0820, 0, 0, time.Minute),
		},
		Equity: 20000,
	})

	require.NoError(t, e.rec.Run(e.ctx, "m1", []store.Binding{binding()}))
	assert.Len(t, e.fake.PositionsOf(followerLogin), 1)

	// The next pass picks up the remainder.
	require.NoError(t, e.rec.Run(e.ctx, "m1", []store.Binding{binding()}))
	assert.Len(t, e.fake.PositionsOf(followerLogin), 2)
}

func TestSkipsWhenBroadcasterNotReady(t *testing.T) {
	e := newRecEnv(t, testKnobs())
	snap := bus.Snapshot{
		Positions: map[string]bus.SnapshotPosition{
			"1012": masterPos(signal.Buy, 0.10, 1.0820, 0, 0, time.Minute),
		},
		Equity:    20000,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	require.NoError(t, e.state.PublishSnapshot(e.ctx, "m1", snap))
	// No ready flag: the pass gives up after the wait and touches nothing.

	require.NoError(t, e.rec.Run(e.ctx, "m1", []store.Binding{binding()}))
	assert.Empty(t, e.fake.PositionsOf(followerLogin))
}
