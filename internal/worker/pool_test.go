package worker_test

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
	"github.com/mirrorfx/mirrorfx/internal/signal"
	"github.com/mirrorfx/mirrorfx/internal/terminal"
	"github.com/mirrorfx/mirrorfx/internal/worker"
)

const (
	masterLogin   = int64(111111)
	followerLogin = int64(222222)
)

type env struct {
	fake  *terminal.Fake
	pool  *worker.Pool
	state *bus.StateStore
	ctx   context.Context
}

func newEnv(t *testing.T, opts ...worker.Option) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := bus.NewClient(mr.Addr(), "", 0)
	t.Cleanup(func() { rdb.Close() })

	fake := terminal.NewFake()
	fake.AddAccount(terminal.AccountInfo{
		Login: followerLogin, Equity: 10000, Balance: 10000, FreeMargin: 10000, Currency: "USD",
	}, "pw")
	fake.AddSymbol(terminal.SymbolInfo{
		Name: "EURUSD", Digits: 5, Point: 0.00001,
		VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01, ContractSize: 100000,
		TradeAllowed: true,
	}, terminal.Tick{Bid: 1.08250, Ask: 1.08260, Time: time.Now()})

	opts = append(opts, worker.WithTimings(
		time.Minute,              // lockTTL
		2*time.Second,            // lockTimeout
		500*time.Millisecond,     // loginWait
		100*time.Millisecond,     // stabilize
		50*time.Millisecond,      // rotation
		10*time.Millisecond,      // historyRetry
		10*time.Millisecond,      // burst
	))

	state := bus.NewStateStore(rdb)
	pool := worker.NewPool(zerolog.Nop(), state, bus.NewTransport(rdb), []worker.Rig{{
		Term: fake,
		Lock: bus.NewTerminalLock(rdb, "test-terminal"),
		Path: "test-terminal",
	}}, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})
	return &env{fake: fake, pool: pool, state: state, ctx: ctx}
}

func follower() domain.Follower {
	return domain.Follower{
		ID:         "f1",
		Login:      followerLogin,
		Server:     "Broker-Demo",
		RiskFactor: 100,
		CopyMode:   domain.CopyModeFixed,
	}
}

func creds() backend.Credentials {
	return backend.Credentials{Login: followerLogin, Password: "pw", Server: "Broker-Demo"}
}

func openSignal(ticket int64) signal.Open {
	return signal.Open{
		Header: signal.Header{
			Action:       signal.ActionOpen,
			MasterID:     "m1",
			MasterLogin:  masterLogin,
			MasterTicket: ticket,
			Symbol:       "EURUSD",
			EmittedAt:    time.Now().UTC(),
		},
		Side:         signal.Buy,
		Volume:       0.10,
		Price:        1.08255,
		SL:           1.08000,
		TP:           1.09000,
		OpenTime:     time.Now().UTC(),
		MasterEquity: 20000,
	}
}

func submit(t *testing.T, e *env, job *worker.Job) worker.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()
	res, err := e.pool.Submit(ctx, job)
	require.NoError(t, err)
	return res
}

func TestOpenCopiesMasterTrade(t *testing.T) {
	e := newEnv(t)

	res := submit(t, e, &worker.Job{
		Signal: openSignal(1001), SessionID: 5, Follower: follower(), Credentials: creds(),
	})

	require.Equal(t, worker.StatusSuccess, res.Status)
	require.NotZero(t, res.Ticket)

	positions := e.fake.PositionsOf(followerLogin)
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.Equal(t, terminal.PositionBuy, pos.Type)
	assert.Equal(t, 0.10, pos.Volume)
	assert.Equal(t, int64(terminal.CopyMagic), pos.Magic)
	assert.Equal(t, terminal.SessionTag(5, 1001), pos.Comment)
	assert.Equal(t, 1.08000, pos.SL)
	assert.Equal(t, 1.09000, pos.TP)

	mapped, ok, err := e.state.LookupTicketMap(context.Background(), 1001, "f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.Ticket, mapped)
}

func TestOpenScalesByRiskFactor(t *testing.T) {
	e := newEnv(t)
	f := follower()
	f.RiskFactor = 50

	res := submit(t, e, &worker.Job{Signal: openSignal(1002), Follower: f, Credentials: creds()})

	require.Equal(t, worker.StatusSuccess, res.Status)
	assert.Equal(t, 0.05, res.Volume)
}

func TestOpenEquityMode(t *testing.T) {
	e := newEnv(t)
	f := follower()
	f.CopyMode = domain.CopyModeEquity
	f.Allocation = 4000 // master equity is 20000, so 1/5 scale

	res := submit(t, e, &worker.Job{Signal: openSignal(1003), Follower: f, Credentials: creds()})

	require.Equal(t, worker.StatusSuccess, res.Status)
	assert.Equal(t, 0.02, res.Volume)
}

func TestOpenInvertedFlipsDirectionAndStops(t *testing.T) {
	e := newEnv(t)
	f := follower()
	f.InvertCopy = true

	res := submit(t, e, &worker.Job{Signal: openSignal(1004), Follower: f, Credentials: creds()})
	require.Equal(t, worker.StatusSuccess, res.Status)

	positions := e.fake.PositionsOf(followerLogin)
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.Equal(t, terminal.PositionSell, pos.Type)

	// Master: entry 1.08255, SL dist 0.00255, TP dist 0.00745.
	// Follower sells at bid 1.08250; the distances swap roles.
	assert.InDelta(t, 1.08250+0.00745, pos.SL, 1e-6)
	assert.InDelta(t, 1.08250-0.00255, pos.TP, 1e-6)
}

func TestOpenDuplicateSuppressed(t *testing.T) {
	e := newEnv(t)
	e.fake.SeedPosition(followerLogin, terminal.Position{
		Ticket: 9001, Symbol: "EURUSD", Type: terminal.PositionBuy,
		Volume: 0.10, PriceOpen: 1.0825, Magic: terminal.CopyMagic,
		Comment: terminal.Tag(1005), OpenTime: time.Now().UTC(),
	})

	res := submit(t, e, &worker.Job{Signal: openSignal(1005), Follower: follower(), Credentials: creds()})

	require.Equal(t, worker.StatusSuccess, res.Status)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(9001), res.Ticket)
	assert.Len(t, e.fake.PositionsOf(followerLogin), 1)

	// The map was healed as a side effect.
	mapped, ok, err := e.state.LookupTicketMap(context.Background(), 1005, "f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(9001), mapped)
}

func TestOpenSkipsOnMarginLimit(t *testing.T) {
	e := newEnv(t)
	e.fake.AddAccount(terminal.AccountInfo{
		Login: followerLogin, Equity: 5, Balance: 5, FreeMargin: 5, Currency: "USD",
	}, "pw")

	res := submit(t, e, &worker.Job{Signal: openSignal(1006), Follower: follower(), Credentials: creds()})

	assert.Equal(t, worker.StatusSkipped, res.Status)
	assert.Equal(t, worker.MsgMarginLimit, res.Message)
	assert.Empty(t, e.fake.PositionsOf(followerLogin))
}

func TestOpenSkipsOnInvalidRiskFactor(t *testing.T) {
	e := newEnv(t)
	f := follower()
	f.RiskFactor = 0

	res := submit(t, e, &worker.Job{Signal: openSignal(1011), Follower: f, Credentials: creds()})

	assert.Equal(t, worker.StatusSkipped, res.Status)
	assert.Equal(t, worker.MsgRiskConfig, res.Message)
	assert.Empty(t, e.fake.PositionsOf(followerLogin))
}

func TestOpenUnknownSymbolFails(t *testing.T) {
	e := newEnv(t)
	sig := openSignal(1007)
	sig.Symbol = "NOPE999"

	res := submit(t, e, &worker.Job{Signal: sig, Follower: follower(), Credentials: creds()})

	assert.Equal(t, worker.StatusFailed, res.Status)
	assert.Equal(t, worker.MsgSymbolNotFound, res.Message)
}

func TestLoopbackRejected(t *testing.T) {
	e := newEnv(t)
	f := follower()
	f.Login = masterLogin

	res := submit(t, e, &worker.Job{Signal: openSignal(1008), Follower: f, Credentials: creds()})

	assert.Equal(t, worker.StatusFailed, res.Status)
	assert.Equal(t, worker.MsgLoopback, res.Message)
}

func TestOrderRejectionReported(t *testing.T) {
	e := newEnv(t)
	e.fake.FailNextOrder(10019) // no money

	res := submit(t, e, &worker.Job{Signal: openSignal(1009), Follower: follower(), Credentials: creds()})

	assert.Equal(t, worker.StatusFailed, res.Status)
	assert.Equal(t, worker.MsgOrderRejected, res.Message)
}

func TestModifyAppliesStops(t *testing.T) {
	e := newEnv(t)
	e.fake.SeedPosition(followerLogin, terminal.Position{
		Ticket: 9100, Symbol: "EURUSD", Type: terminal.PositionBuy,
		Volume: 0.10, PriceOpen: 1.0825, Magic: terminal.CopyMagic,
		Comment: terminal.Tag(1100), OpenTime: time.Now().UTC(),
	})

	res := submit(t, e, &worker.Job{
		Signal: signal.Modify{
			Header: signal.Header{
				Action: signal.ActionModify, MasterID: "m1", MasterTicket: 1100,
				Symbol: "EURUSD", EmittedAt: time.Now().UTC(),
			},
			SL: 1.08100, TP: 1.09100, MasterEntry: 1.08255,
		},
		Follower: follower(), Credentials: creds(),
	})

	require.Equal(t, worker.StatusSuccess, res.Status)
	pos := e.fake.PositionsOf(followerLogin)[0]
	assert.Equal(t, 1.08100, pos.SL)
	assert.Equal(t, 1.09100, pos.TP)
}

func TestModifyWithoutMappingFails(t *testing.T) {
	e := newEnv(t)

	res := submit(t, e, &worker.Job{
		Signal: signal.Modify{
			Header: signal.Header{
				Action: signal.ActionModify, MasterID: "m1", MasterTicket: 4242,
				Symbol: "EURUSD", EmittedAt: time.Now().UTC(),
			},
			SL: 1.08, TP: 1.09,
		},
		Follower: follower(), Credentials: creds(),
	})

	assert.Equal(t, worker.StatusFailed, res.Status)
	assert.Equal(t, worker.MsgMapMissing, res.Message)
}

func closeSignal(ticket int64, pct float64) signal.Close {
	return signal.Close{
		Header: signal.Header{
			Action: signal.ActionClose, MasterID: "m1", MasterTicket: ticket,
			Symbol: "EURUSD", EmittedAt: time.Now().UTC(),
		},
		Volume:    0.10,
		Pct:       pct,
		CloseTime: time.Now().UTC(),
	}
}

func TestCloseFull(t *testing.T) {
	e := newEnv(t)
	e.fake.SeedPosition(followerLogin, terminal.Position{
		Ticket: 9200, Symbol: "EURUSD", Type: terminal.PositionBuy,
		Volume: 0.10, PriceOpen: 1.0800, Magic: terminal.CopyMagic,
		Comment: terminal.Tag(1200), OpenTime: time.Now().UTC(),
	})

	res := submit(t, e, &worker.Job{Signal: closeSignal(1200, 1.0), Follower: follower(), Credentials: creds()})

	require.Equal(t, worker.StatusSuccess, res.Status)
	assert.Empty(t, e.fake.PositionsOf(followerLogin))
	assert.InDelta(t, 0.10, res.Volume, 1e-9)
	// Enriched from the closing deal: bid 1.08250 against entry 1.0800.
	assert.InDelta(t, (1.08250-1.0800)*0.10*100000, res.Profit, 1e-6)
}

func TestClosePartialNetting(t *testing.T) {
	e := newEnv(t)
	e.fake.SeedPosition(followerLogin, terminal.Position{
		Ticket: 9300, Symbol: "EURUSD", Type: terminal.PositionBuy,
		Volume: 0.10, PriceOpen: 1.0800, Magic: terminal.CopyMagic,
		Comment: terminal.Tag(1300), OpenTime: time.Now().UTC(),
	})

	res := submit(t, e, &worker.Job{Signal: closeSignal(1300, 0.5), Follower: follower(), Credentials: creds()})

	require.Equal(t, worker.StatusSuccess, res.Status)
	positions := e.fake.PositionsOf(followerLogin)
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.05, positions[0].Volume, 1e-9)
	assert.Equal(t, int64(9300), positions[0].Ticket) // netting keeps the ticket
}

func TestClosePartialRotationHealsMap(t *testing.T) {
	e := newEnv(t)
	e.fake.RotateOnPartial = true
	e.fake.SeedPosition(followerLogin, terminal.Position{
		Ticket: 9400, Symbol: "EURUSD", Type: terminal.PositionBuy,
		Volume: 0.10, PriceOpen: 1.0800, Magic: terminal.CopyMagic,
		Comment: terminal.Tag(1400), OpenTime: time.Now().UTC(),
	})

	res := submit(t, e, &worker.Job{Signal: closeSignal(1400, 0.5), Follower: follower(), Credentials: creds()})
	require.Equal(t, worker.StatusSuccess, res.Status)

	positions := e.fake.PositionsOf(followerLogin)
	require.Len(t, positions, 1)
	rotated := positions[0].Ticket
	assert.NotEqual(t, int64(9400), rotated)

	mapped, ok, err := e.state.LookupTicketMap(context.Background(), 1400, "f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rotated, mapped)
}

func TestCloseSyntheticFromHistory(t *testing.T) {
	e := newEnv(t)
	// The position already closed on the broker (stop hit); only the
	// historical OUT deal remains.
	e.fake.SeedDeal(followerLogin, terminal.Deal{
		PositionID: 9500, Symbol: "EURUSD", Entry: terminal.EntryOut,
		Type: terminal.OrderSell, Volume: 0.10, Price: 1.0810, Profit: 100,
		Magic: terminal.CopyMagic, Comment: terminal.Tag(1500), Time: time.Now().UTC(),
	})

	res := submit(t, e, &worker.Job{Signal: closeSignal(1500, 1.0), Follower: follower(), Credentials: creds()})

	require.Equal(t, worker.StatusSuccess, res.Status)
	assert.True(t, res.Synthetic)
	assert.Equal(t, int64(9500), res.Ticket)
	assert.Equal(t, 100.0, res.Profit)
}

func TestCloseWithoutTargetFails(t *testing.T) {
	e := newEnv(t)

	res := submit(t, e, &worker.Job{Signal: closeSignal(1600, 1.0), Follower: follower(), Credentials: creds()})

	assert.Equal(t, worker.StatusFailed, res.Status)
	assert.Equal(t, worker.MsgCloseNoTarget, res.Message)
}

func TestDryRunSuppressesOrders(t *testing.T) {
	e := newEnv(t, worker.WithDryRun())

	res := submit(t, e, &worker.Job{Signal: openSignal(1700), Follower: follower(), Credentials: creds()})

	assert.Equal(t, worker.StatusSuccess, res.Status)
	assert.Empty(t, e.fake.PositionsOf(followerLogin))
}

func TestInspectKindReturnsAccountView(t *testing.T) {
	e := newEnv(t)
	e.fake.SeedPosition(followerLogin, terminal.Position{
		Ticket: 9600, Symbol: "EURUSD", Type: terminal.PositionBuy,
		Volume: 0.10, PriceOpen: 1.0800, Magic: terminal.CopyMagic,
		Comment: terminal.Tag(1800), OpenTime: time.Now().UTC(),
	})

	res := submit(t, e, &worker.Job{Kind: worker.KindInspect, Follower: follower(), Credentials: creds()})

	require.Equal(t, worker.StatusSuccess, res.Status)
	require.Len(t, res.Positions, 1)
	assert.Equal(t, int64(9600), res.Positions[0].Ticket)
	assert.Equal(t, 10000.0, res.Equity)
}

func TestEmergencyCloseOnlyTouchesCopies(t *testing.T) {
	e := newEnv(t)
	e.fake.SeedPosition(followerLogin, terminal.Position{
		Ticket: 9700, Symbol: "EURUSD", Type: terminal.PositionBuy,
		Volume: 0.10, PriceOpen: 1.0800, Magic: terminal.CopyMagic,
		Comment: terminal.Tag(1900), OpenTime: time.Now().UTC(),
	})
	e.fake.SeedPosition(followerLogin, terminal.Position{
		Ticket: 9701, Symbol: "EURUSD", Type: terminal.PositionSell,
		Volume: 0.20, PriceOpen: 1.0900, Comment: "manual hedge", OpenTime: time.Now().UTC(),
	})

	res := submit(t, e, &worker.Job{Kind: worker.KindEmergencyClose, Follower: follower(), Credentials: creds()})

	require.Equal(t, worker.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Closed)
	positions := e.fake.PositionsOf(followerLogin)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(9701), positions[0].Ticket)
}

func TestLoginFailureReported(t *testing.T) {
	e := newEnv(t)
	bad := creds()
	bad.Password = "wrong"

	res := submit(t, e, &worker.Job{Signal: openSignal(2000), Follower: follower(), Credentials: bad})

	assert.Equal(t, worker.StatusFailed, res.Status)
	assert.Equal(t, worker.MsgLoginFailed, res.Message)
}
