// Package reconcile repairs divergence between the master's published
// snapshot and each follower's live account: missed opens are caught
// up, drifted stops are re-applied, and orphaned copies are closed.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorfx/mirrorfx/internal/backend"
	"github.com/mirrorfx/mirrorfx/internal/bus"
	"github.com/mirrorfx/mirrorfx/internal/signal"
	"github.com/mirrorfx/mirrorfx/internal/store"
	"github.com/mirrorfx/mirrorfx/internal/terminal"
	"github.com/mirrorfx/mirrorfx/internal/worker"
)

// Knobs bound each reconciliation pass; tests shorten them.
type Knobs struct {
	// ReadyWait is how long to poll for the broadcaster's ready flag
	// before skipping the master.
	ReadyWait time.Duration
	// ReadyPoll is the flag polling cadence.
	ReadyPoll time.Duration
	// CatchUpMaxAge skips catch-up opens for master positions older than
	// this; entering that late is a different trade.
	CatchUpMaxAge time.Duration
	// GhostFreshWindow is the maximum snapshot age that justifies
	// closing a local position absent from the snapshot.
	GhostFreshWindow time.Duration
	// DriftTol and DriftTolInverted are the SL/TP comparison tolerances.
	// Inverted copies get a wider band because their stops are derived.
	DriftTol         float64
	DriftTolInverted float64
	// MaxOpsPerCycle caps dispatched repairs per pass.
	MaxOpsPerCycle int
}

// DefaultKnobs are the production settings.
func DefaultKnobs() Knobs {
	return Knobs{
		ReadyWait:        60 * time.Second,
		ReadyPoll:        time.Second,
		CatchUpMaxAge:    24 * time.Hour,
		GhostFreshWindow: 30 * time.Second,
		DriftTol:         0.0001,
		DriftTolInverted: 0.0005,
		MaxOpsPerCycle:   50,
	}
}

// CredentialSource resolves broker credentials for a follower.
type CredentialSource interface {
	Credentials(ctx context.Context, userID string) (backend.Credentials, error)
}

// Reconciler runs repair passes through the worker pool so every
// terminal touch stays inside the serialized critical section.
type Reconciler struct {
	log   zerolog.Logger
	state *bus.StateStore
	pool  *worker.Pool
	creds CredentialSource
	knobs Knobs

	// Per-process dedup: a repair dispatched once is not re-dispatched
	// even if the broker is slow to reflect it.
	processedOpens  map[string]bool
	processedGhosts map[string]bool
}

// New builds a reconciler.
func New(log zerolog.Logger, state *bus.StateStore, pool *worker.Pool, creds CredentialSource, knobs Knobs) *Reconciler {
	return &Reconciler{
		log:             log.With().Str("component", "reconcile").Logger(),
		state:           state,
		pool:            pool,
		creds:           creds,
		knobs:           knobs,
		processedOpens:  make(map[string]bool),
		processedGhosts: make(map[string]bool),
	}
}

// Run reconciles every follower bound to the master. It dispatches at
// most MaxOpsPerCycle repairs; the next pass picks up the rest.
func (r *Reconciler) Run(ctx context.Context, masterID string, bindings []store.Binding) error {
	if len(bindings) == 0 {
		return nil
	}

	if ok := r.awaitReady(ctx, masterID); !ok {
		r.log.Debug().Str("master_id", masterID).Msg("broadcaster not ready; skipping")
		return nil
	}

	snap, err := r.state.FetchSnapshot(ctx, masterID)
	if err != nil {
		return fmt.Errorf("fetch snapshot %s: %w", masterID, err)
	}
	if snap == nil {
		r.log.Debug().Str("master_id", masterID).Msg("no snapshot; skipping")
		return nil
	}

	budget := r.knobs.MaxOpsPerCycle
	for _, binding := range bindings {
		if budget <= 0 {
			r.log.Info().Str("master_id", masterID).Msg("op budget exhausted; deferring rest to next pass")
			break
		}
		used, err := r.reconcileFollower(ctx, masterID, snap, binding, budget)
		if err != nil {
			r.log.Warn().Err(err).Str("follower_id", binding.Follower.ID).Msg("follower reconcile failed")
			continue
		}
		budget -= used
	}
	return nil
}

func (r *Reconciler) awaitReady(ctx context.Context, masterID string) bool {
	deadline := time.Now().Add(r.knobs.ReadyWait)
	for {
		ready, err := r.state.Ready(ctx, masterID)
		if err == nil && ready {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(r.knobs.ReadyPoll):
		}
	}
}

// localCopy is one follower position attributed to a master ticket.
type localCopy struct {
	pos          terminal.Position
	masterTicket int64
}

func (r *Reconciler) reconcileFollower(ctx context.Context, masterID string, snap *bus.Snapshot, binding store.Binding, budget int) (int, error) {
	follower := binding.Follower
	creds, err := r.creds.Credentials(ctx, follower.ID)
	if err != nil {
		return 0, fmt.Errorf("credentials %s: %w", follower.ID, err)
	}

	inspect, err := r.pool.Submit(ctx, &worker.Job{
		Kind:        worker.KindInspect,
		Follower:    follower,
		Credentials: creds,
	})
	if err != nil {
		return 0, err
	}
	if inspect.Failed() {
		return 0, fmt.Errorf("inspect %s: %s", follower.ID, inspect.Message)
	}

	locals := attributeCopies(inspect.Positions)
	used := 0
	now := time.Now().UTC()

	// Catch-up: master positions with no local copy.
	for key, snapPos := range snap.Positions {
		if used >= budget {
			return used, nil
		}
		masterTicket, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		if _, have := locals[masterTicket]; have {
			continue
		}
		dedupKey := follower.ID + ":" + key
		if r.processedOpens[dedupKey] {
			continue
		}
		if closed, err := r.state.WasClosed(ctx, masterID, masterTicket); err == nil && closed {
			continue
		}
		if snapPos.OpenTime > 0 && now.Sub(time.Unix(snapPos.OpenTime, 0)) > r.knobs.CatchUpMaxAge {
			continue
		}
		// Also guard against a mapping that points at a position the
		// tag scan missed (rotation lag).
		if r.ticketLives(ctx, inspect.Positions, masterTicket, follower.ID) {
			continue
		}

		r.processedOpens[dedupKey] = true
		used++
		r.dispatch(ctx, binding, creds, 0, signal.Open{
			Header:       r.header(signal.ActionOpen, masterID, masterTicket, snapPos.Symbol, now),
			Side:         snapPos.Side,
			Volume:       snapPos.Volume,
			Price:        snapPos.Price,
			SL:           snapPos.SL,
			TP:           snapPos.TP,
			OpenTime:     time.Unix(snapPos.OpenTime, 0),
			MasterEquity: snap.Equity,
		}, "catch-up open")
	}

	// Drift repair and ghost busting over the local copies.
	for masterTicket, local := range locals {
		if used >= budget {
			return used, nil
		}
		snapPos, live := snap.Position(masterTicket)
		if !live {
			if r.bustGhost(ctx, masterID, snap, binding, creds, masterTicket, local, now) {
				used++
			}
			continue
		}

		wantSL, wantTP := r.expectedStops(follower.InvertCopy, local.pos, snapPos)
		tol := r.knobs.DriftTol
		if follower.InvertCopy {
			tol = r.knobs.DriftTolInverted
		}
		if math.Abs(local.pos.SL-wantSL) <= tol && math.Abs(local.pos.TP-wantTP) <= tol {
			continue
		}
		used++
		r.dispatch(ctx, binding, creds, local.pos.Ticket, signal.Modify{
			Header:       r.header(signal.ActionModify, masterID, masterTicket, snapPos.Symbol, now),
			SL:           snapPos.SL,
			TP:           snapPos.TP,
			MasterEntry:  snapPos.Price,
			MasterEquity: snap.Equity,
		}, "drift repair")
	}

	return used, nil
}

// bustGhost decides whether a local copy with no snapshot counterpart
// should be closed. A confirmed close or a fresh snapshot justifies it;
// a stale snapshot means the broadcaster may simply be down, so the
// position is kept.
func (r *Reconciler) bustGhost(ctx context.Context, masterID string, snap *bus.Snapshot, binding store.Binding, creds backend.Credentials, masterTicket int64, local localCopy, now time.Time) bool {
	dedupKey := binding.Follower.ID + ":" + strconv.FormatInt(masterTicket, 10)
	if r.processedGhosts[dedupKey] {
		return false
	}

	confirmed, err := r.state.WasClosed(ctx, masterID, masterTicket)
	if err != nil {
		return false
	}
	if !confirmed && snap.Age(now) >= r.knobs.GhostFreshWindow {
		r.log.Debug().
			Int64("master_ticket", masterTicket).
			Str("follower_id", binding.Follower.ID).
			Msg("orphan kept; snapshot too old to trust")
		return false
	}

	r.processedGhosts[dedupKey] = true
	r.dispatch(ctx, binding, creds, local.pos.Ticket, signal.Close{
		Header:    r.header(signal.ActionClose, masterID, masterTicket, local.pos.Symbol, now),
		Volume:    local.pos.Volume,
		Pct:       1.0,
		CloseTime: now,
	}, "ghost close")
	return true
}

// expectedStops computes the follower-side SL/TP the copy should carry.
func (r *Reconciler) expectedStops(inverted bool, local terminal.Position, snapPos bus.SnapshotPosition) (sl, tp float64) {
	if !inverted {
		return snapPos.SL, snapPos.TP
	}
	side := snapPos.Side.Inverted()
	return worker.InvertedSLTP(side, local.PriceOpen, snapPos.Price, snapPos.SL, snapPos.TP)
}

func (r *Reconciler) dispatch(ctx context.Context, binding store.Binding, creds backend.Credentials, followerTicket int64, sig signal.Signal, reason string) {
	res, err := r.pool.Submit(ctx, &worker.Job{
		Priority:       worker.PriorityStandard,
		Signal:         sig,
		SessionID:      binding.Session.ID,
		Follower:       binding.Follower,
		Credentials:    creds,
		FollowerTicket: followerTicket,
	})
	hdr := sig.Hdr()
	log := r.log.With().
		Str("reason", reason).
		Int64("master_ticket", hdr.MasterTicket).
		Str("follower_id", binding.Follower.ID).
		Logger()
	if err != nil {
		log.Warn().Err(err).Msg("repair dispatch failed")
		return
	}
	log.Info().Str("status", res.Status).Str("message", res.Message).Msg("repair executed")
}

func (r *Reconciler) header(action signal.Action, masterID string, masterTicket int64, symbol string, now time.Time) signal.Header {
	return signal.Header{
		Action:       action,
		MasterID:     masterID,
		MasterTicket: masterTicket,
		Symbol:       symbol,
		EmittedAt:    now,
	}
}

// attributeCopies maps follower positions to the master tickets they
// copy. The magic number is the primary attribution; a parseable tag
// alone is accepted as a relaxed fallback for positions opened before
// magic tagging existed.
func attributeCopies(positions []terminal.Position) map[int64]localCopy {
	out := make(map[int64]localCopy)
	for _, pos := range positions {
		mt, tagged := terminal.ParseTag(pos.Comment)
		if !tagged {
			continue
		}
		if pos.Magic != terminal.CopyMagic && pos.Magic != 0 {
			continue
		}
		out[mt] = localCopy{pos: pos, masterTicket: mt}
	}
	return out
}

func (r *Reconciler) ticketLives(ctx context.Context, positions []terminal.Position, masterTicket int64, followerID string) bool {
	ticket, ok, err := r.state.LookupTicketMap(ctx, masterTicket, followerID)
	if err != nil || !ok {
		return false
	}
	for _, pos := range positions {
		if pos.Ticket == ticket {
			return true
		}
	}
	return false
}
