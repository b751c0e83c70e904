// Package worker executes copy jobs end-to-end against a broker
// terminal under the cooperative terminal mutex. In shared-terminal mode
// exactly one worker drains the queue; in partitioned mode one worker
// runs per discovered terminal, each bound to its own path.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mirrorfx/mirrorfx/internal/backend"
	"github.com/mirrorfx/mirrorfx/internal/bus"
	"github.com/mirrorfx/mirrorfx/internal/domain"
	"github.com/mirrorfx/mirrorfx/internal/signal"
	"github.com/mirrorfx/mirrorfx/internal/symbols"
	"github.com/mirrorfx/mirrorfx/internal/terminal"
)

// Priority orders jobs in the queue; premium drains before standard.
type Priority int

const (
	PriorityPremium  Priority = 0
	PriorityStandard Priority = 1
)

// Job statuses reported in results.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
	StatusSkipped = "SKIPPED"
)

// Failure messages with fixed wording; the backend groups on these.
const (
	MsgSymbolNotFound = "Symbol Not Found"
	MsgMarginLimit    = "Margin/Risk Limit"
	MsgRiskConfig     = "Invalid Risk Factor"
	MsgMapMissing     = "Modify Fail: Map Missing"
	MsgCloseNoTarget  = "Close Fail: Map Missing"
	MsgLoopback       = "Loopback Rejected"
	MsgLoginFailed    = "Login Failed"
	MsgOrderRejected  = "Order Rejected"
	MsgLockTimeout    = "Terminal Busy"
)

// JobKind distinguishes signal execution from the maintenance work that
// also needs the terminal critical section.
type JobKind int

const (
	// KindSignal executes a copy signal.
	KindSignal JobKind = iota
	// KindInspect reads the follower's position table (reconciliation).
	KindInspect
	// KindSnapshot reads the follower's account info (equity snapshots
	// and risk checks).
	KindSnapshot
	// KindEmergencyClose closes every copy-tagged position (risk stop).
	KindEmergencyClose
)

// Job is one unit of terminal work bound to one follower.
type Job struct {
	ID          string
	Kind        JobKind
	Priority    Priority
	Signal      signal.Signal
	SessionID   int64
	Follower    domain.Follower
	Credentials backend.Credentials
	// FollowerTicket is the pre-resolved target for MODIFY/CLOSE; zero
	// means resolve inside the critical section.
	FollowerTicket int64

	result chan Result
}

// Result is the outcome of one job.
type Result struct {
	JobID        string
	FollowerID   string
	MasterTicket int64
	Action       signal.Action
	Status       string
	Message      string
	Ticket       int64
	Symbol       string
	Volume       float64
	OpenPrice    float64
	OpenTime     time.Time
	ClosePrice   float64
	CloseTime    time.Time
	Profit       float64
	Swap         float64
	Commission   float64
	Fee          float64
	Duplicate    bool
	Synthetic    bool

	// Maintenance-job payloads.
	Positions []terminal.Position
	Equity    float64
	Balance   float64
	Closed    int
}

// Failed reports whether the job did not execute.
func (r Result) Failed() bool { return r.Status == StatusFailed }

// Rig binds one worker to one terminal handle and its path lock.
type Rig struct {
	Term terminal.Terminal
	Lock *bus.TerminalLock
	Path string
}

// Pool is the priority job queue plus its workers.
type Pool struct {
	log    zerolog.Logger
	state  *bus.StateStore
	events *bus.Transport
	rigs   []*runner
	dryRun bool

	premium  chan *Job
	standard chan *Job

	wg sync.WaitGroup

	// Timing knobs, shortened in tests.
	lockTTL          time.Duration
	lockTimeout      time.Duration
	loginWait        time.Duration
	stabilizeWait    time.Duration
	rotationDelay    time.Duration
	historyRetry     time.Duration
	historyRetries   int
	burstInactivity  time.Duration
	verifierBackoff  time.Duration
	enrichWindowPast time.Duration
}

type runner struct {
	pool     *Pool
	term     terminal.Terminal
	lock     *bus.TerminalLock
	path     string
	resolver *symbols.Resolver
	log      zerolog.Logger

	// lockTag is the holder tag of the currently held terminal lock,
	// empty when not held. Burst mode keeps it across jobs.
	lockTag string
}

// Option tweaks pool behavior.
type Option func(*Pool)

// WithDryRun disables order submission; jobs report success without
// touching the broker.
func WithDryRun() Option { return func(p *Pool) { p.dryRun = true } }

// WithTimings overrides the slow-path waits (tests).
func WithTimings(lockTTL, lockTimeout, loginWait, stabilize, rotation, historyRetry, burst time.Duration) Option {
	return func(p *Pool) {
		p.lockTTL = lockTTL
		p.lockTimeout = lockTimeout
		p.loginWait = loginWait
		p.stabilizeWait = stabilize
		p.rotationDelay = rotation
		p.historyRetry = historyRetry
		p.burstInactivity = burst
	}
}

// NewPool builds a pool over one rig per terminal. Shared-terminal
// deployments pass exactly one rig.
func NewPool(log zerolog.Logger, state *bus.StateStore, events *bus.Transport, rigs []Rig, opts ...Option) *Pool {
	p := &Pool{
		log:              log.With().Str("component", "worker").Logger(),
		state:            state,
		events:           events,
		premium:          make(chan *Job, 256),
		standard:         make(chan *Job, 256),
		lockTTL:          15 * time.Second,
		lockTimeout:      30 * time.Second,
		loginWait:        2 * time.Second,
		stabilizeWait:    5 * time.Second,
		rotationDelay:    500 * time.Millisecond,
		historyRetry:     50 * time.Millisecond,
		historyRetries:   3,
		burstInactivity:  100 * time.Millisecond,
		verifierBackoff:  time.Second,
		enrichWindowPast: 7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, r := range rigs {
		p.rigs = append(p.rigs, &runner{
			pool:     p,
			term:     r.Term,
			lock:     r.Lock,
			path:     r.Path,
			resolver: symbols.NewResolver(r.Term),
			log:      p.log.With().Str("terminal", r.Path).Logger(),
		})
	}
	return p
}

// Start launches the workers. It returns immediately; Wait blocks until
// they exit after ctx cancellation.
func (p *Pool) Start(ctx context.Context) {
	for _, r := range p.rigs {
		p.wg.Add(1)
		go func(r *runner) {
			defer p.wg.Done()
			r.loop(ctx)
		}(r)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() { p.wg.Wait() }

// Submit enqueues a job and waits for its result.
func (p *Pool) Submit(ctx context.Context, job *Job) (Result, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.result = make(chan Result, 1)

	queue := p.standard
	if job.Priority == PriorityPremium {
		queue = p.premium
	}
	select {
	case queue <- job:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case res := <-job.result:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// SubmitBatch submits jobs in order and collects every result.
func (p *Pool) SubmitBatch(ctx context.Context, jobs []*Job) ([]Result, error) {
	results := make([]Result, 0, len(jobs))
	for _, job := range jobs {
		res, err := p.Submit(ctx, job)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// next pops the highest-priority pending job, preferring premium.
func (p *Pool) next(ctx context.Context) (*Job, bool) {
	select {
	case job := <-p.premium:
		return job, true
	default:
	}
	select {
	case job := <-p.premium:
		return job, true
	case job := <-p.standard:
		return job, true
	case <-ctx.Done():
		return nil, false
	}
}

// nextWithin waits up to the burst inactivity window for another job.
func (p *Pool) nextWithin(ctx context.Context, window time.Duration) (*Job, bool) {
	select {
	case job := <-p.premium:
		return job, true
	default:
	}
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case job := <-p.premium:
		return job, true
	case job := <-p.standard:
		return job, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

func (r *runner) loop(ctx context.Context) {
	for {
		job, ok := r.pool.next(ctx)
		if !ok {
			r.releaseLock(ctx)
			return
		}

		for job != nil {
			res := r.execute(ctx, job)
			job.result <- res

			// Burst mode: keep the terminal lock while more signals are
			// arriving, then release once the queue stays quiet.
			next, more := r.pool.nextWithin(ctx, r.pool.burstInactivity)
			if !more {
				r.releaseLock(ctx)
			}
			job = next
		}
		if ctx.Err() != nil {
			r.releaseLock(ctx)
			return
		}
	}
}

// acquireLockFor owns the terminal lock under the job's holder tag,
// yielding to the verifier and re-tagging across follower switches.
func (r *runner) acquireLockFor(ctx context.Context, login int64) error {
	tag := bus.WorkerHolder(login)
	if r.lockTag == tag {
		// Already held for this follower; verify ownership survived.
		owned, err := r.lock.Owned(ctx, tag)
		if err == nil && owned {
			return nil
		}
		r.lockTag = ""
	}
	if r.lockTag != "" {
		// Burst continues under a different follower: hand the tag over.
		if err := r.lock.Release(ctx, r.lockTag); err != nil {
			return err
		}
		r.lockTag = ""
	}

	deadline := time.Now().Add(r.pool.lockTimeout)
	for {
		if r.lock.HeldByVerifier(ctx) {
			// The verifier owns the terminal: drop our handle entirely
			// and wait it out.
			r.term.Shutdown()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.pool.verifierBackoff):
			}
			if time.Now().After(deadline) {
				return bus.ErrLockTimeout
			}
			continue
		}
		ok, err := r.lock.Acquire(ctx, tag, r.pool.lockTTL, time.Until(deadline))
		if err != nil {
			return err
		}
		if ok {
			r.lockTag = tag
			return nil
		}
		return bus.ErrLockTimeout
	}
}

func (r *runner) releaseLock(ctx context.Context) {
	if r.lockTag == "" {
		return
	}
	if err := r.lock.Release(ctx, r.lockTag); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn().Err(err).Msg("lock release failed")
	}
	r.lockTag = ""
}

func fail(job *Job, message string) Result {
	res := Result{
		JobID:      job.ID,
		FollowerID: job.Follower.ID,
		Status:     StatusFailed,
		Message:    message,
	}
	if job.Signal != nil {
		hdr := job.Signal.Hdr()
		res.MasterTicket = hdr.MasterTicket
		res.Action = hdr.Action
		res.Symbol = hdr.Symbol
	}
	return res
}

func skip(job *Job, message string) Result {
	res := fail(job, message)
	res.Status = StatusSkipped
	return res
}

func (r *runner) execute(ctx context.Context, job *Job) Result {
	if job.Kind != KindSignal {
		return r.executeMaintenance(ctx, job)
	}

	hdr := job.Signal.Hdr()
	log := r.log.With().
		Int64("master_ticket", hdr.MasterTicket).
		Str("follower_id", job.Follower.ID).
		Float64("signal_ts", float64(hdr.EmittedAt.UnixNano())/1e9).
		Str("action", string(hdr.Action)).
		Logger()

	// Loopback guard: never execute a master's own signal against the
	// master account.
	if job.Follower.ID == hdr.MasterID || (hdr.MasterLogin != 0 && job.Follower.Login == hdr.MasterLogin) {
		log.Warn().Msg("loopback rejected")
		return fail(job, MsgLoopback)
	}

	if err := r.acquireLockFor(ctx, job.Follower.Login); err != nil {
		log.Error().Err(err).Msg("terminal lock unavailable")
		return fail(job, MsgLockTimeout)
	}

	if err := r.ensureLogin(ctx, job); err != nil {
		log.Error().Err(err).Msg("login failed")
		return fail(job, MsgLoginFailed)
	}

	var res Result
	switch sig := job.Signal.(type) {
	case signal.Open:
		res = r.doOpen(ctx, job, sig, log)
	case signal.Modify:
		res = r.doModify(ctx, job, sig, log)
	case signal.Close:
		res = r.doClose(ctx, job, sig, log)
	default:
		res = fail(job, "unsupported action")
	}

	if res.Status == StatusSuccess && res.Action == signal.ActionOpen && res.Ticket != 0 && !res.Duplicate {
		if err := r.pool.state.SaveTicketMap(ctx, hdr.MasterTicket, job.Follower.ID, res.Ticket); err != nil {
			log.Warn().Err(err).Msg("ticket map persist failed")
		}
	}

	log.Info().Str("status", res.Status).Str("message", res.Message).Int64("ticket", res.Ticket).Msg("job done")
	return res
}

// ensureLogin makes the terminal authenticate as the job's follower and
// waits for the account switch to settle.
func (r *runner) ensureLogin(ctx context.Context, job *Job) error {
	if !r.term.Connected(ctx) {
		if err := r.term.Initialize(ctx, r.path); err != nil {
			return fmt.Errorf("initialize terminal: %w", err)
		}
	}

	target := job.Follower.Login
	info, err := r.term.AccountInfo(ctx)
	if err == nil && info.Login == target {
		return nil
	}

	if err := r.term.Login(ctx, target, job.Credentials.Password, job.Credentials.Server); err != nil {
		return fmt.Errorf("login %d: %w", target, err)
	}

	deadline := time.Now().Add(r.pool.loginWait)
	for {
		info, err := r.term.AccountInfo(ctx)
		if err == nil && info.Login == target {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("account switch to %d did not settle", target)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	// Post-switch stabilization: the position table can lag the login.
	r.stabilizePositions(ctx, job)
	return nil
}

func (r *runner) stabilizePositions(ctx context.Context, job *Job) {
	positions, err := r.term.Positions(ctx)
	if err == nil && len(positions) > 0 {
		return
	}

	reasserted := false
	deadline := time.Now().Add(r.pool.stabilizeWait)
	for time.Now().Before(deadline) {
		positions, err = r.term.Positions(ctx)
		if err == nil && len(positions) > 0 {
			return
		}
		if !reasserted {
			_ = r.term.Login(ctx, job.Follower.Login, job.Credentials.Password, job.Credentials.Server)
			reasserted = true
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// resolveFollowerTicket finds the follower-side position for a master
// ticket: injected context first, then the ticket map, then a tag scan.
func (r *runner) resolveFollowerTicket(ctx context.Context, job *Job, masterTicket int64) (int64, bool) {
	if job.FollowerTicket != 0 {
		return job.FollowerTicket, true
	}
	if ticket, ok, err := r.pool.state.LookupTicketMap(ctx, masterTicket, job.Follower.ID); err == nil && ok {
		return ticket, true
	}
	positions, err := r.term.Positions(ctx)
	if err != nil {
		return 0, false
	}
	for _, pos := range positions {
		if mt, ok := terminal.ParseTag(pos.Comment); ok && mt == masterTicket {
			return pos.Ticket, true
		}
	}
	return 0, false
}

func (r *runner) findPosition(ctx context.Context, ticket int64) (terminal.Position, bool) {
	positions, err := r.term.Positions(ctx)
	if err != nil {
		return terminal.Position{}, false
	}
	for _, pos := range positions {
		if pos.Ticket == ticket {
			return pos, true
		}
	}
	return terminal.Position{}, false
}

func (r *runner) commentFor(job *Job, masterTicket int64) string {
	if job.SessionID > 0 {
		return terminal.SessionTag(job.SessionID, masterTicket)
	}
	return terminal.Tag(masterTicket)
}
