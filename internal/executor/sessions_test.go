package executor

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
	"github.com/mirrorfx/mirrorfx/internal/terminal"
	"github.com/mirrorfx/mirrorfx/internal/worker"
)

type fakeLifecycleStore struct {
	sessions             []domain.CopySession
	deactivated          []int64
	deactivatedFollowers []string
	activated            map[int64]time.Time
	extended             map[int64]time.Time
}

func newFakeLifecycleStore(sessions ...domain.CopySession) *fakeLifecycleStore {
	return &fakeLifecycleStore{
		sessions:  sessions,
		activated: make(map[int64]time.Time),
		extended:  make(map[int64]time.Time),
	}
}

func (f *fakeLifecycleStore) AllSessions(context.Context) ([]domain.CopySession, error) {
	return f.sessions, nil
}

func (f *fakeLifecycleStore) DeactivateSession(_ context.Context, sessionID int64) error {
	f.deactivated = append(f.deactivated, sessionID)
	return nil
}

func (f *fakeLifecycleStore) DeactivateFollowerSessions(_ context.Context, followerID string) error {
	f.deactivatedFollowers = append(f.deactivatedFollowers, followerID)
	return nil
}

func (f *fakeLifecycleStore) ActivateSession(_ context.Context, sessionID int64, expiry time.Time) error {
	f.activated[sessionID] = expiry
	return nil
}

func (f *fakeLifecycleStore) ExtendExpiry(_ context.Context, sessionID int64, until time.Time) error {
	f.extended[sessionID] = until
	return nil
}

type lifecycleEnv struct {
	lc    *Lifecycle
	store *fakeLifecycleStore
	state *bus.StateStore
	fake  *terminal.Fake
	ctx   context.Context
}

type fixedCreds backend.Credentials

func (f fixedCreds) Credentials(context.Context, string) (backend.Credentials, error) {
	return backend.Credentials(f), nil
}

func newLifecycleEnv(t *testing.T, sessions ...domain.CopySession) *lifecycleEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := bus.NewClient(mr.Addr(), "", 0)
	t.Cleanup(func() { rdb.Close() })

	fake := terminal.NewFake()
	fake.AddAccount(terminal.AccountInfo{
		Login: 222222, Equity: 10000, Balance: 10000, FreeMargin: 10000,
	}, "pw")
	fake.AddSymbol(terminal.SymbolInfo{
		Name: "EURUSD", Digits: 5, VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01,
	}, terminal.Tick{Bid: 1.08250, Ask: 1.08260, Time: time.Now()})

	state := bus.NewStateStore(rdb)
	transport := bus.NewTransport(rdb)
	pool := worker.NewPool(zerolog.Nop(), state, transport, []worker.Rig{{
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

	fakeStore := newFakeLifecycleStore(sessions...)
	lc := NewLifecycle(zerolog.Nop(), fakeStore, transport, state, pool,
		fixedCreds{Login: 222222, Password: "pw", Server: "Broker-Demo"})
	return &lifecycleEnv{lc: lc, store: fakeStore, state: state, fake: fake, ctx: ctx}
}

func TestTickSoftStopsHardExpiry(t *testing.T) {
	now := time.Now().UTC()
	e := newLifecycleEnv(t,
		domain.CopySession{ID: 1, FollowerID: "f1", Active: true, Type: domain.SessionTrial7Day, AutoRenew: true, Expiry: now.Add(-time.Hour)},
		domain.CopySession{ID: 2, FollowerID: "f2", Active: true, Type: domain.SessionPaid, AutoRenew: false, Expiry: now.Add(-time.Minute)},
		domain.CopySession{ID: 3, FollowerID: "f3", Active: true, Type: domain.SessionPaid, AutoRenew: false, Expiry: now.Add(time.Hour)},
	)

	require.NoError(t, e.lc.Tick(e.ctx, now))

	// Trials and non-renewing sessions stop; the live one is untouched.
	assert.ElementsMatch(t, []int64{1, 2}, e.store.deactivated)
	assert.Empty(t, e.store.extended)
	// Positions are never flattened on expiry.
	assert.Empty(t, e.store.deactivatedFollowers)
}

func TestTickRenewsDailyInsideWindow(t *testing.T) {
	now := time.Now().UTC()
	e := newLifecycleEnv(t, domain.CopySession{
		ID: 4, FollowerID: "f1", Active: true, Type: domain.SessionDaily,
		AutoRenew: true, Expiry: now.Add(-time.Minute),
	})

	require.NoError(t, e.lc.Tick(e.ctx, now))

	until, ok := e.store.extended[4]
	require.True(t, ok)
	assert.Equal(t, now.Add(defaultRenewal), until)
	assert.Empty(t, e.store.deactivated)
}

func TestTickSleepsDailyOutsideWindow(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	e := newLifecycleEnv(t, domain.CopySession{
		ID: 5, FollowerID: "f1", Active: true, Type: domain.SessionDaily,
		AutoRenew: true, Expiry: now.Add(-time.Minute),
		Window: domain.TradingWindow{StartHour: 22, EndHour: 6},
	})

	require.NoError(t, e.lc.Tick(e.ctx, now))

	assert.Equal(t, []int64{5}, e.store.deactivated)
	assert.Empty(t, e.store.extended)
}

func TestTickReactivatesDailyWhenWindowOpens(t *testing.T) {
	now := time.Date(2026, 8, 30, 23, 0, 0, 0, time.UTC)
	e := newLifecycleEnv(t, domain.CopySession{
		ID: 6, FollowerID: "f1", Active: false, Type: domain.SessionDaily,
		AutoRenew: true,
		Window:    domain.TradingWindow{StartHour: 22, EndHour: 6},
	})

	require.NoError(t, e.lc.Tick(e.ctx, now))

	expiry, ok := e.store.activated[6]
	require.True(t, ok)
	assert.Equal(t, now.Add(defaultRenewal), expiry)
}

func TestTickReactivationBlockedByRiskStop(t *testing.T) {
	now := time.Date(2026, 8, 30, 23, 0, 0, 0, time.UTC)
	e := newLifecycleEnv(t, domain.CopySession{
		ID: 7, FollowerID: "f1", Active: false, Type: domain.SessionDaily,
		AutoRenew: true,
		Window:    domain.TradingWindow{StartHour: 22, EndHour: 6},
	})
	require.NoError(t, e.state.SetRiskStopped(e.ctx, "f1", time.Hour))

	require.NoError(t, e.lc.Tick(e.ctx, now))

	assert.Empty(t, e.store.activated)
}

func TestCheckRiskEquityFloor(t *testing.T) {
	e := newLifecycleEnv(t)
	e.fake.SeedPosition(222222, terminal.Position{
		Ticket: 9001, Symbol: "EURUSD", Type: terminal.PositionBuy,
		Volume: 0.10, PriceOpen: 1.0800, Magic: terminal.CopyMagic,
		Comment: terminal.Tag(1001), OpenTime: time.Now().UTC(),
	})
	follower := domain.Follower{ID: "f1", Login: 222222, MinEquity: 5000}

	stopped := e.lc.CheckRisk(e.ctx, follower, 4800, 4900, time.Now().UTC())

	require.True(t, stopped)
	assert.Equal(t, []string{"f1"}, e.store.deactivatedFollowers)

	flagged, err := e.state.RiskStopped(e.ctx, "f1")
	require.NoError(t, err)
	assert.True(t, flagged)

	// The copy position was flattened.
	assert.Empty(t, e.fake.PositionsOf(222222))
}

func TestCheckRiskDailyLossLimit(t *testing.T) {
	e := newLifecycleEnv(t)
	now := time.Now().UTC()
	follower := domain.Follower{ID: "f1", Login: 222222, MaxDailyLoss: 500}

	// Morning baseline.
	require.NoError(t, e.state.SetRiskBaseline(e.ctx, "f1", riskDay(now), 10000))

	// Down 400: inside the limit.
	assert.False(t, e.lc.CheckRisk(e.ctx, follower, 9600, 9600, now))

	// Down 600: stop.
	assert.True(t, e.lc.CheckRisk(e.ctx, follower, 9400, 9400, now))
	assert.Equal(t, []string{"f1"}, e.store.deactivatedFollowers)
}

func TestCheckRiskNoBreach(t *testing.T) {
	e := newLifecycleEnv(t)
	follower := domain.Follower{ID: "f1", Login: 222222, MinEquity: 5000, MaxDailyLoss: 500}

	assert.False(t, e.lc.CheckRisk(e.ctx, follower, 9800, 10000, time.Now().UTC()))
	assert.Empty(t, e.store.deactivatedFollowers)
}

func TestRiskDayRollsAtResetHour(t *testing.T) {
	before := time.Date(2026, 8, 30, 3, 59, 0, 0, time.UTC)
	after := time.Date(2026, 8, 30, 4, 1, 0, 0, time.UTC)

	assert.Equal(t, "2026-08-29", riskDay(before))
	assert.Equal(t, "2026-08-30", riskDay(after))
	assert.NotEqual(t, riskDay(before), riskDay(after))
}

func TestNextRiskReset(t *testing.T) {
	before := time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC)
	after := time.Date(2026, 8, 30, 5, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 8, 30, 4, 0, 0, 0, time.UTC), nextRiskReset(before))
	assert.Equal(t, time.Date(2026, 8, 31, 4, 0, 0, 0, time.UTC), nextRiskReset(after))
}
