// Package executor consumes master signals, fans them out to the
// followers this process serves, and keeps follower accounts converged
// through reconciliation and session lifecycle enforcement.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mirrorfx/mirrorfx/internal/audit"
	"github.com/mirrorfx/mirrorfx/internal/backend"
	"github.com/mirrorfx/mirrorfx/internal/bus"
	"github.com/mirrorfx/mirrorfx/internal/domain"
	"github.com/mirrorfx/mirrorfx/internal/reconcile"
	"github.com/mirrorfx/mirrorfx/internal/routine"
	"github.com/mirrorfx/mirrorfx/internal/signal"
	"github.com/mirrorfx/mirrorfx/internal/store"
	"github.com/mirrorfx/mirrorfx/internal/worker"
)

// Config carries the per-process executor settings.
type Config struct {
	Mode    Mode
	UserID  string
	BatchID int
	Shards  int

	// DrainMax bounds signals processed per drain iteration so one
	// burst cannot starve the periodic tasks.
	DrainMax int

	DrainTick      time.Duration
	RefreshEvery   time.Duration
	ReconcileEvery time.Duration
	EquityEvery    time.Duration
	LifecycleEvery time.Duration
	HeartbeatEvery time.Duration
}

// DefaultConfig returns the production cadences for a mode.
func DefaultConfig(mode Mode, userID string) Config {
	return Config{
		Mode:           mode,
		UserID:         userID,
		Shards:         1,
		DrainMax:       50,
		DrainTick:      50 * time.Millisecond,
		RefreshEvery:   3 * time.Second,
		ReconcileEvery: 15 * time.Second,
		EquityEvery:    3 * time.Second,
		LifecycleEvery: 60 * time.Second,
		HeartbeatEvery: 3 * time.Second,
	}
}

// Deps carries the executor's collaborators.
type Deps struct {
	Log        zerolog.Logger
	Transport  *bus.Transport
	State      *bus.StateStore
	Sessions   *store.Store
	Backend    *backend.Client
	Pool       *worker.Pool
	Mirror     *audit.Mirror
	Reconciler *reconcile.Reconciler
	Singleton  *bus.SingletonLock
}

// Executor is one executor process: SINGLE, BATCH, or TURBO.
type Executor struct {
	log        zerolog.Logger
	cfg        Config
	transport  *bus.Transport
	state      *bus.StateStore
	sessions   *store.Store
	backend    *backend.Client
	pool       *worker.Pool
	mirror     *audit.Mirror
	reconciler *reconcile.Reconciler
	singleton  *bus.SingletonLock

	subs      *Subscriptions
	lifecycle *Lifecycle

	// buffer decouples pub/sub delivery from the drain loop.
	buffer     chan []byte
	newMasters chan string
	// physical is the set of topics subscribed on the wire. Topics are
	// never unsubscribed: an unsubscribe racing a resubscribe can drop
	// signals, and an idle subscription costs nothing.
	physical map[string]bool
	pubsub   *redis.PubSub

	equityBusy atomic.Bool
	equityIdx  int
}

// New wires an executor.
func New(deps Deps, cfg Config) *Executor {
	e := &Executor{
		log:        deps.Log.With().Str("component", "executor").Str("mode", string(cfg.Mode)).Logger(),
		cfg:        cfg,
		transport:  deps.Transport,
		state:      deps.State,
		sessions:   deps.Sessions,
		backend:    deps.Backend,
		pool:       deps.Pool,
		mirror:     deps.Mirror,
		reconciler: deps.Reconciler,
		singleton:  deps.Singleton,
		buffer:     make(chan []byte, 1024),
		newMasters: make(chan string, 64),
		physical:   make(map[string]bool),
	}
	e.subs = NewSubscriptions(e.log, deps.Sessions, cfg.Mode, cfg.UserID, cfg.BatchID, cfg.Shards)
	e.subs.OnNewMaster = e.onNewMaster
	e.lifecycle = NewLifecycle(e.log, deps.Sessions, deps.Transport, deps.State, deps.Pool, deps.Backend)
	return e
}

func (e *Executor) onNewMaster(masterID string) {
	select {
	case e.newMasters <- masterID:
	default:
		e.log.Warn().Str("master_id", masterID).Msg("new-master queue full; periodic reconcile will cover it")
	}
}

// Run drives the executor until the context is done.
func (e *Executor) Run(ctx context.Context) error {
	if e.singleton != nil {
		ok, err := e.singleton.TryAcquire(ctx)
		if err != nil {
			return fmt.Errorf("executor singleton: %w", err)
		}
		if !ok {
			return fmt.Errorf("executor for %s already running", e.cfg.UserID)
		}
	}

	if err := e.subs.Refresh(ctx); err != nil {
		e.log.Warn().Err(err).Msg("initial session load failed; starting with empty view")
	}

	e.pubsub = e.transport.Subscribe(ctx)
	defer e.pubsub.Close()
	e.syncTopics(ctx)

	go e.pump(ctx)

	manager := routine.NewManager(ctx)
	defer manager.ShutdownAll()

	tasks := []struct {
		id       string
		interval time.Duration
		fn       routine.Handler
	}{
		{"subscriptions", e.cfg.RefreshEvery, e.refreshTask},
		{"reconcile", e.cfg.ReconcileEvery, e.reconcileTask},
		{"equity", e.cfg.EquityEvery, e.equityTask},
		{"lifecycle", e.cfg.LifecycleEvery, e.lifecycleTask},
		{"heartbeat", e.cfg.HeartbeatEvery, e.heartbeatTask},
	}
	for _, t := range tasks {
		id, fn := t.id, t.fn
		if err := manager.RunEvery(id, t.interval, func(ctx context.Context) error {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Warn().Err(err).Str("task", id).Msg("task iteration failed")
			}
			return nil
		}); err != nil {
			return fmt.Errorf("start task %s: %w", id, err)
		}
	}
	if err := manager.Run("reconcile-trigger", e.triggerTask); err != nil {
		return fmt.Errorf("start task reconcile-trigger: %w", err)
	}

	e.log.Info().Msg("executor running")
	return e.drainLoop(ctx)
}

// pump moves pub/sub deliveries into the drain buffer.
func (e *Executor) pump(ctx context.Context) {
	ch := e.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case e.buffer <- []byte(msg.Payload):
			default:
				e.log.Warn().Msg("signal buffer full; dropping oldest")
				select {
				case <-e.buffer:
				default:
				}
				select {
				case e.buffer <- []byte(msg.Payload):
				default:
				}
			}
		}
	}
}

// drainLoop processes buffered signals, at most DrainMax per tick.
func (e *Executor) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.DrainTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	drain:
		for i := 0; i < e.cfg.DrainMax; i++ {
			select {
			case payload := <-e.buffer:
				e.process(ctx, payload)
			default:
				break drain
			}
		}
	}
}

func (e *Executor) refreshTask(ctx context.Context) error {
	if err := e.subs.Refresh(ctx); err != nil {
		return nil // already logged; the previous view stays live
	}
	e.syncTopics(ctx)
	return nil
}

// syncTopics subscribes to any master topic not yet on the wire.
func (e *Executor) syncTopics(ctx context.Context) {
	for _, masterID := range e.subs.Masters() {
		topic := bus.SignalTopic(masterID)
		if e.physical[topic] {
			continue
		}
		if err := e.pubsub.Subscribe(ctx, topic); err != nil {
			e.log.Warn().Err(err).Str("topic", topic).Msg("subscribe failed")
			continue
		}
		e.physical[topic] = true
		e.log.Info().Str("topic", topic).Msg("subscribed")
	}
}

func (e *Executor) reconcileTask(ctx context.Context) error {
	for _, masterID := range e.subs.Masters() {
		bindings := e.subs.BindingsFor(masterID)
		if err := e.reconciler.Run(ctx, masterID, bindings); err != nil {
			e.log.Warn().Err(err).Str("master_id", masterID).Msg("reconcile pass failed")
		}
	}
	return nil
}

// triggerTask reconciles a master immediately when it first appears, so
// a follower subscribing mid-trade converges without waiting a cadence.
func (e *Executor) triggerTask(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case masterID := <-e.newMasters:
			bindings := e.subs.BindingsFor(masterID)
			if err := e.reconciler.Run(ctx, masterID, bindings); err != nil {
				e.log.Warn().Err(err).Str("master_id", masterID).Msg("triggered reconcile failed")
			}
		}
	}
}

// equityTask snapshots one served follower per tick, round-robin, and
// applies the risk limits to the reading. Skipped while a previous
// snapshot still holds the terminal.
func (e *Executor) equityTask(ctx context.Context) error {
	if !e.equityBusy.CompareAndSwap(false, true) {
		return nil
	}
	followers := e.subs.Followers()
	if len(followers) == 0 {
		e.equityBusy.Store(false)
		return nil
	}
	follower := followers[e.equityIdx%len(followers)]
	e.equityIdx++

	go func() {
		defer e.equityBusy.Store(false)
		e.snapshotFollower(ctx, follower)
	}()
	return nil
}

func (e *Executor) snapshotFollower(ctx context.Context, follower domain.Follower) {
	creds, err := e.backend.Credentials(ctx, follower.ID)
	if err != nil {
		if !errors.Is(err, backend.ErrCredentialsNotFound) {
			e.log.Warn().Err(err).Str("follower_id", follower.ID).Msg("equity snapshot credentials failed")
		}
		return
	}
	res, err := e.pool.Submit(ctx, &worker.Job{
		Kind:        worker.KindSnapshot,
		Follower:    follower,
		Credentials: creds,
	})
	if err != nil || res.Failed() {
		return
	}
	if err := e.backend.ReportEquitySnapshot(ctx, follower.ID, res.Equity, res.Balance); err != nil {
		e.log.Debug().Err(err).Str("follower_id", follower.ID).Msg("equity webhook failed")
	}
	e.lifecycle.CheckRisk(ctx, follower, res.Equity, res.Balance, time.Now().UTC())
}

func (e *Executor) lifecycleTask(ctx context.Context) error {
	return e.lifecycle.Tick(ctx, time.Now().UTC())
}

func (e *Executor) heartbeatTask(ctx context.Context) error {
	if e.singleton == nil {
		return nil
	}
	err := e.singleton.Heartbeat(ctx)
	if errors.Is(err, bus.ErrNotOwner) {
		e.log.Error().Msg("executor role lost; another process owns it")
		return err
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		e.log.Warn().Err(err).Msg("singleton heartbeat failed")
	}
	return nil
}

// process decodes one payload and fans it out to the served followers.
func (e *Executor) process(ctx context.Context, payload []byte) {
	sig, err := signal.Decode(payload)
	if err != nil {
		e.log.Warn().Err(err).Msg("undecodable signal dropped")
		return
	}
	hdr := sig.Hdr()
	now := time.Now().UTC()
	if hdr.Stale(now) {
		e.log.Warn().
			Int64("master_ticket", hdr.MasterTicket).
			Float64("age_sec", now.Sub(hdr.EmittedAt).Seconds()).
			Msg("stale signal dropped")
		return
	}

	bindings := e.subs.BindingsFor(hdr.MasterID)
	if len(bindings) == 0 {
		e.log.Debug().Str("master_id", hdr.MasterID).Msg("signal for unserved master dropped")
		return
	}

	jobs := make([]*worker.Job, 0, len(bindings))
	for _, binding := range bindings {
		job, ok := e.buildJob(ctx, sig, binding, now)
		if !ok {
			continue
		}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		return
	}

	results, err := e.pool.SubmitBatch(ctx, jobs)
	if err != nil && !errors.Is(err, context.Canceled) {
		e.log.Error().Err(err).Msg("batch submit aborted")
	}
	for _, res := range results {
		e.report(ctx, res)
	}
}

// buildJob resolves one binding into an executable job, applying the
// session gates that do not need the terminal.
func (e *Executor) buildJob(ctx context.Context, sig signal.Signal, binding store.Binding, now time.Time) (*worker.Job, bool) {
	hdr := sig.Hdr()
	session := binding.Session
	follower := binding.Follower

	if session.Expired(now) {
		// The lifecycle pass deactivates it; until then no new work.
		return nil, false
	}
	// The trading window gates new exposure only. Modifies and closes
	// manage positions that already exist and always run.
	if hdr.Action == signal.ActionOpen && !session.Window.Contains(now) {
		e.log.Debug().
			Int64("session_id", session.ID).
			Str("follower_id", follower.ID).
			Msg("open outside trading window skipped")
		return nil, false
	}

	creds, err := e.backend.Credentials(ctx, follower.ID)
	if err != nil {
		if errors.Is(err, backend.ErrCredentialsNotFound) {
			e.log.Warn().Str("follower_id", follower.ID).Msg("no broker credentials; skipping")
		} else {
			e.log.Warn().Err(err).Str("follower_id", follower.ID).Msg("credential fetch failed; skipping")
		}
		return nil, false
	}

	job := &worker.Job{
		Priority:    worker.PriorityStandard,
		Signal:      sig,
		SessionID:   session.ID,
		Follower:    follower,
		Credentials: creds,
	}
	if e.cfg.Mode == ModeTurbo || session.Lane == domain.LaneTurbo {
		job.Priority = worker.PriorityPremium
	}

	// Pre-resolve the follower ticket outside the critical section.
	if hdr.Action == signal.ActionModify || hdr.Action == signal.ActionClose {
		if ticket, ok, err := e.state.LookupTicketMap(ctx, hdr.MasterTicket, follower.ID); err == nil && ok {
			job.FollowerTicket = ticket
		}
	}
	return job, true
}

// report pushes one execution outcome to the backend and the audit
// mirror, and re-asserts the ticket map for successful opens.
func (e *Executor) report(ctx context.Context, res worker.Result) {
	if res.Action == signal.ActionOpen && res.Status == worker.StatusSuccess && res.Ticket != 0 {
		if err := e.state.SaveTicketMap(ctx, res.MasterTicket, res.FollowerID, res.Ticket); err != nil {
			e.log.Warn().Err(err).Msg("ticket map re-assert failed")
		}
	}

	report := backend.ExecutionReport{
		Ticket:       res.Ticket,
		FollowerID:   res.FollowerID,
		MasterTicket: res.MasterTicket,
		Symbol:       res.Symbol,
		Action:       string(res.Action),
		Status:       res.Status,
		Message:      res.Message,
		OpenPrice:    res.OpenPrice,
		ClosePrice:   res.ClosePrice,
		Profit:       res.Profit,
		Swap:         res.Swap,
		Commission:   res.Commission,
		PnL:          res.Profit + res.Swap + res.Commission + res.Fee,
	}
	if !res.OpenTime.IsZero() {
		report.OpenTime = res.OpenTime.Unix()
	}
	if !res.CloseTime.IsZero() {
		report.CloseTime = res.CloseTime.Unix()
	}

	if err := e.backend.ReportExecution(ctx, report); err != nil {
		e.log.Warn().Err(err).Str("follower_id", res.FollowerID).Msg("execution webhook failed")
	}
	if err := e.mirror.Execution(ctx, res.FollowerID, report); err != nil {
		e.log.Warn().Err(err).Msg("execution mirror failed")
	}

	if res.Action == signal.ActionClose && res.Status == worker.StatusSuccess {
		if err := e.backend.ReportTradeResult(ctx, res.FollowerID, report); err != nil {
			e.log.Debug().Err(err).Msg("trade result webhook failed")
		}
	}
}
