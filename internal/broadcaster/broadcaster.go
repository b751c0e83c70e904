// Package broadcaster observes one master account's terminal, diffs its
// positions on a tight cadence, and publishes signals plus authoritative
// state for executors.
package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorfx/mirrorfx/internal/audit"
	"github.com/mirrorfx/mirrorfx/internal/backend"
	"github.com/mirrorfx/mirrorfx/internal/bus"
	"github.com/mirrorfx/mirrorfx/internal/signal"
	"github.com/mirrorfx/mirrorfx/internal/terminal"
)

// tracked is the broadcaster's view of one master position.
type tracked struct {
	Symbol   string
	Side     signal.Side
	Volume   float64
	Price    float64
	SL       float64
	TP       float64
	OpenTime time.Time
}

// Timings groups the cadence knobs; tests shorten them.
type Timings struct {
	ScanInterval    time.Duration
	YieldEvery      time.Duration
	LockTTL         time.Duration
	LockTimeout     time.Duration
	DriftWindow     time.Duration
	DealRetryDelay  time.Duration
	SnapshotEvery   time.Duration
	VerifierBackoff time.Duration
	ForeignBackoff  time.Duration
}

// DefaultTimings are the production cadences.
func DefaultTimings() Timings {
	return Timings{
		ScanInterval:    50 * time.Millisecond,
		YieldEvery:      4 * time.Second,
		LockTTL:         15 * time.Second,
		LockTimeout:     10 * time.Second,
		DriftWindow:     2500 * time.Millisecond,
		DealRetryDelay:  500 * time.Millisecond,
		SnapshotEvery:   5 * time.Second,
		VerifierBackoff: time.Second,
		ForeignBackoff:  500 * time.Millisecond,
	}
}

// Broadcaster owns the master-side scan loop.
type Broadcaster struct {
	log       zerolog.Logger
	term      terminal.Terminal
	lock      *bus.TerminalLock
	singleton *bus.SingletonLock
	state     *bus.StateStore
	transport *bus.Transport
	mirror    *audit.Mirror
	backend   *backend.Client

	masterID string
	path     string
	creds    backend.Credentials
	timings  Timings

	tracked      map[int64]tracked
	holderTag    string
	lockHeld     bool
	lastYield    time.Time
	driftSince   time.Time
	lastSnapshot time.Time
	lastSnapJSON string
	lastReady    time.Time
}

// Deps carries the broadcaster's collaborators.
type Deps struct {
	Log       zerolog.Logger
	Term      terminal.Terminal
	Lock      *bus.TerminalLock
	Singleton *bus.SingletonLock
	State     *bus.StateStore
	Transport *bus.Transport
	Mirror    *audit.Mirror
	Backend   *backend.Client
}

// New builds a broadcaster for one master.
func New(deps Deps, masterID, terminalPath string, creds backend.Credentials, timings Timings) *Broadcaster {
	return &Broadcaster{
		log:       deps.Log.With().Str("component", "broadcaster").Str("master_id", masterID).Logger(),
		term:      deps.Term,
		lock:      deps.Lock,
		singleton: deps.Singleton,
		state:     deps.State,
		transport: deps.Transport,
		mirror:    deps.Mirror,
		backend:   deps.Backend,
		masterID:  masterID,
		path:      terminalPath,
		creds:     creds,
		timings:   timings,
		tracked:   make(map[int64]tracked),
		holderTag: masterID,
	}
}

// Startup clears stale published state, hydrates the closed-ticket
// history from the broker's deal history, and raises the ready flag.
func (b *Broadcaster) Startup(ctx context.Context) error {
	if b.singleton != nil {
		ok, err := b.singleton.TryAcquire(ctx)
		if err != nil {
			return fmt.Errorf("broadcaster singleton: %w", err)
		}
		if !ok {
			return fmt.Errorf("broadcaster for %s already running", b.masterID)
		}
	}

	if err := b.state.DeleteSnapshot(ctx, b.masterID); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	if err := b.state.ClearReady(ctx, b.masterID); err != nil {
		return fmt.Errorf("clear ready flag: %w", err)
	}

	// The startup reads are a terminal critical section like any scan:
	// the account must not be touched while the verifier or another
	// principal holds the terminal.
	for b.lock.HeldByVerifier(ctx) {
		b.log.Info().Msg("verifier holds terminal; startup waiting")
		if err := sleepCtx(ctx, b.timings.VerifierBackoff); err != nil {
			return err
		}
	}
	ok, err := b.lock.Acquire(ctx, b.holderTag, b.timings.LockTTL, b.timings.LockTimeout)
	if err != nil {
		return fmt.Errorf("terminal lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("terminal lock: %w", bus.ErrLockTimeout)
	}
	b.lockHeld = true

	if err := b.hydrate(ctx); err != nil {
		b.releaseLock(context.WithoutCancel(ctx))
		return err
	}
	return nil
}

// hydrate runs the startup critical section: master login, closed
// history, tracked-map seeding, ready flag. The terminal lock is held.
func (b *Broadcaster) hydrate(ctx context.Context) error {
	if err := b.ensureTerminal(ctx); err != nil {
		return err
	}
	if err := b.ensureMasterLogin(ctx); err != nil {
		return err
	}

	if err := b.hydrateClosedHistory(ctx); err != nil {
		b.log.Warn().Err(err).Msg("closed history hydration incomplete")
	}

	// Seed the tracked map so restart does not re-emit OPENs for
	// positions that predate this process.
	positions, err := b.term.Positions(ctx)
	if err != nil {
		return fmt.Errorf("initial positions: %w", err)
	}
	for _, pos := range positions {
		if pos.Magic == terminal.CopyMagic {
			continue
		}
		b.tracked[pos.Ticket] = toTracked(pos)
	}

	if err := b.state.SetReady(ctx, b.masterID); err != nil {
		return fmt.Errorf("set ready flag: %w", err)
	}
	b.lastReady = time.Now()
	b.log.Info().Int("positions", len(b.tracked)).Msg("hydrated")
	return nil
}

// Run drives the scan loop until the context is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.timings.ScanInterval)
	defer ticker.Stop()
	defer b.releaseLock(context.WithoutCancel(ctx))

	b.lastYield = time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if b.singleton != nil {
			if err := b.singleton.Heartbeat(ctx); err != nil {
				if errors.Is(err, bus.ErrNotOwner) {
					return fmt.Errorf("broadcaster role lost: %w", err)
				}
				if !errors.Is(err, context.Canceled) {
					b.log.Warn().Err(err).Msg("singleton heartbeat failed")
				}
			}
		}

		if err := b.scan(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			b.log.Error().Err(err).Msg("scan failed")
		}
	}
}

func (b *Broadcaster) ensureTerminal(ctx context.Context) error {
	if b.term.Connected(ctx) {
		return nil
	}
	if err := b.term.Initialize(ctx, b.path); err != nil {
		return fmt.Errorf("initialize terminal: %w", err)
	}
	return nil
}

func (b *Broadcaster) ensureMasterLogin(ctx context.Context) error {
	info, err := b.term.AccountInfo(ctx)
	if err == nil && info.Login == b.creds.Login {
		return nil
	}
	if err := b.term.Login(ctx, b.creds.Login, b.creds.Password, b.creds.Server); err != nil {
		return fmt.Errorf("master login %d: %w", b.creds.Login, err)
	}
	return nil
}

// ReleaseTerminal drops the terminal lock. Shutdown paths that do not
// go through Run use it; Run releases on its own exit.
func (b *Broadcaster) ReleaseTerminal(ctx context.Context) {
	b.releaseLock(ctx)
}

func (b *Broadcaster) releaseLock(ctx context.Context) {
	if !b.lockHeld {
		return
	}
	if err := b.lock.Release(ctx, b.holderTag); err != nil {
		b.log.Warn().Err(err).Msg("lock release failed")
	}
	b.lockHeld = false
}

// SingletonValue is the identity written into the broadcaster singleton
// lock.
func SingletonValue() string {
	return strconv.Itoa(os.Getpid())
}

func toTracked(pos terminal.Position) tracked {
	side := signal.Buy
	if pos.Type == terminal.PositionSell {
		side = signal.Sell
	}
	return tracked{
		Symbol:   pos.Symbol,
		Side:     side,
		Volume:   pos.Volume,
		Price:    pos.PriceOpen,
		SL:       pos.SL,
		TP:       pos.TP,
		OpenTime: pos.OpenTime,
	}
}
