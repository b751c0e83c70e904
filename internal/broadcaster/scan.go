package broadcaster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/mirrorfx/mirrorfx/internal/bus"
	"github.com/mirrorfx/mirrorfx/internal/retry"
	"github.com/mirrorfx/mirrorfx/internal/signal"
	"github.com/mirrorfx/mirrorfx/internal/terminal"
)

const slTolerance = 1e-7

// errDealNotIndexed marks a history read that has not caught up with a
// close yet; the lookup is worth another attempt.
var errDealNotIndexed = errors.New("closing deal not indexed yet")

// scan is one pass of the loop protocol: cooperate on the lock, verify
// account identity, diff positions, publish state, yield.
func (b *Broadcaster) scan(ctx context.Context) error {
	// Verifier preemption: drop the terminal handle entirely and wait.
	if b.lock.HeldByVerifier(ctx) {
		b.log.Info().Msg("verifier holds terminal; standing down")
		b.term.Shutdown()
		b.lockHeld = false
		return sleepCtx(ctx, b.timings.VerifierBackoff)
	}

	if !b.lockHeld {
		if other, holder, err := b.lock.HeldByOther(ctx, b.holderTag); err != nil {
			return err
		} else if other {
			b.log.Debug().Str("holder", holder).Msg("terminal lock held elsewhere")
			return sleepCtx(ctx, b.timings.ForeignBackoff)
		}
		ok, err := b.lock.Acquire(ctx, b.holderTag, b.timings.LockTTL, b.timings.LockTimeout)
		if err != nil {
			return err
		}
		if !ok {
			return sleepCtx(ctx, b.timings.ForeignBackoff)
		}
		b.lockHeld = true
	}

	if err := b.ensureTerminal(ctx); err != nil {
		return err
	}

	// Sandwich integrity: the login must be the master both before and
	// after the position fetch, or the scan raced an account switch.
	startInfo, err := b.term.AccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("account info: %w", err)
	}
	positions, err := b.term.Positions(ctx)
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	endInfo, err := b.term.AccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("account info: %w", err)
	}

	if startInfo.Login != b.creds.Login || endInfo.Login != b.creds.Login {
		if b.driftSince.IsZero() {
			b.driftSince = time.Now()
		}
		if time.Since(b.driftSince) >= b.timings.DriftWindow {
			if other, _, err := b.lock.HeldByOther(ctx, b.holderTag); err == nil && !other {
				b.log.Warn().Int64("seen", startInfo.Login).Msg("persistent login drift; re-authenticating master")
				if err := b.ensureMasterLogin(ctx); err != nil {
					return err
				}
				b.driftSince = time.Time{}
			}
		}
		return nil // discard the scan
	}
	b.driftSince = time.Time{}

	emitted := b.diff(ctx, positions, startInfo.Equity)

	b.publishSnapshot(ctx, startInfo)
	b.refreshReady(ctx)
	b.upsertClosedDeals(ctx)

	// Tick-tock: yield after a signal or on the 4s cadence so the
	// executor gets terminal time.
	if emitted || time.Since(b.lastYield) >= b.timings.YieldEvery {
		if err := b.yield(ctx); err != nil {
			return err
		}
	}
	return nil
}

// diff compares the scan against the tracked map and emits signals.
// State is updated before each emission so a crash between the two
// re-emits rather than drops.
func (b *Broadcaster) diff(ctx context.Context, positions []terminal.Position, equity float64) bool {
	now := time.Now().UTC()
	emitted := false
	seen := make(map[int64]bool, len(positions))

	for _, pos := range positions {
		// Self-feedback mask: positions this system opened are not
		// copyable signals.
		if pos.Magic == terminal.CopyMagic {
			continue
		}
		if _, tagged := terminal.ParseTag(pos.Comment); tagged {
			continue
		}
		seen[pos.Ticket] = true

		prev, known := b.tracked[pos.Ticket]
		if !known {
			b.tracked[pos.Ticket] = toTracked(pos)
			cur := b.tracked[pos.Ticket]
			b.emit(ctx, signal.Open{
				Header:       b.header(signal.ActionOpen, pos.Ticket, pos.Symbol, now),
				Side:         cur.Side,
				Volume:       pos.Volume,
				Price:        pos.PriceOpen,
				SL:           pos.SL,
				TP:           pos.TP,
				OpenTime:     pos.OpenTime,
				MasterEquity: equity,
			})
			emitted = true
			continue
		}

		if pos.Volume < prev.Volume-slTolerance {
			closedVol := prev.Volume - pos.Volume
			pct := closedVol / prev.Volume
			cur := prev
			cur.Volume = pos.Volume
			b.tracked[pos.Ticket] = cur
			b.emit(ctx, signal.Close{
				Header:    b.header(signal.ActionClose, pos.Ticket, pos.Symbol, now),
				Volume:    closedVol,
				Pct:       pct,
				Price:     pos.PriceOpen,
				CloseTime: now,
			})
			emitted = true
		}

		if math.Abs(pos.SL-prev.SL) > slTolerance || math.Abs(pos.TP-prev.TP) > slTolerance {
			cur := b.tracked[pos.Ticket]
			cur.SL = pos.SL
			cur.TP = pos.TP
			b.tracked[pos.Ticket] = cur
			b.emit(ctx, signal.Modify{
				Header:       b.header(signal.ActionModify, pos.Ticket, pos.Symbol, now),
				SL:           pos.SL,
				TP:           pos.TP,
				MasterEntry:  prev.Price,
				MasterEquity: equity,
			})
			emitted = true
		}
	}

	for ticket, prev := range b.tracked {
		if seen[ticket] {
			continue
		}
		delete(b.tracked, ticket)
		if err := b.state.AddClosed(ctx, b.masterID, ticket); err != nil {
			b.log.Warn().Err(err).Int64("master_ticket", ticket).Msg("closed history append failed")
		}

		closePrice, profit, swap, commission, closeTime := b.enrichClose(ctx, ticket, prev)
		b.emit(ctx, signal.Close{
			Header:     b.header(signal.ActionClose, ticket, prev.Symbol, now),
			Volume:     prev.Volume,
			Pct:        1.0,
			Price:      closePrice,
			Profit:     profit,
			Swap:       swap,
			Commission: commission,
			CloseTime:  closeTime,
		})
		emitted = true
	}

	return emitted
}

func (b *Broadcaster) header(action signal.Action, ticket int64, symbol string, now time.Time) signal.Header {
	return signal.Header{
		Action:       action,
		MasterID:     b.masterID,
		MasterLogin:  b.creds.Login,
		MasterTicket: ticket,
		Symbol:       symbol,
		EmittedAt:    now,
	}
}

func (b *Broadcaster) emit(ctx context.Context, sig signal.Signal) {
	payload, err := b.transport.PublishSignal(ctx, sig)
	if err != nil {
		b.log.Error().Err(err).Msg("signal publish incomplete")
	}
	if payload == nil {
		return
	}
	hdr := sig.Hdr()
	b.log.Info().
		Str("action", string(hdr.Action)).
		Int64("master_ticket", hdr.MasterTicket).
		Str("symbol", hdr.Symbol).
		Msg("signal emitted")

	if err := b.mirror.Signal(ctx, b.masterID, payload); err != nil {
		b.log.Warn().Err(err).Msg("audit mirror failed")
	}
	if b.backend != nil {
		if err := b.backend.ReportSignal(ctx, b.masterID, payload); err != nil {
			b.log.Warn().Err(err).Msg("signal webhook failed")
		}
	}
}

// publishSnapshot refreshes the authoritative state key, throttled to
// the snapshot cadence unless the state changed.
func (b *Broadcaster) publishSnapshot(ctx context.Context, info terminal.AccountInfo) {
	snap := bus.Snapshot{
		Positions: make(map[string]bus.SnapshotPosition, len(b.tracked)),
		Equity:    info.Equity,
		Profit:    info.Profit,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	for ticket, pos := range b.tracked {
		snap.Positions[strconv.FormatInt(ticket, 10)] = bus.SnapshotPosition{
			Symbol:   pos.Symbol,
			Side:     pos.Side,
			Volume:   pos.Volume,
			Price:    pos.Price,
			SL:       pos.SL,
			TP:       pos.TP,
			OpenTime: pos.OpenTime.Unix(),
		}
	}

	// Compare everything but the timestamp to detect change.
	probe := snap
	probe.Timestamp = 0
	probeJSON, err := json.Marshal(probe)
	if err != nil {
		return
	}
	changed := string(probeJSON) != b.lastSnapJSON
	if !changed && time.Since(b.lastSnapshot) < b.timings.SnapshotEvery {
		return
	}

	if err := b.state.PublishSnapshot(ctx, b.masterID, snap); err != nil {
		b.log.Warn().Err(err).Msg("snapshot publish failed")
		return
	}
	b.lastSnapshot = time.Now()
	b.lastSnapJSON = string(probeJSON)
}

// refreshReady keeps the ready flag alive on the snapshot cadence. The
// flag's TTL is the liveness signal reconciliation trusts; it must only
// lapse when the scan loop itself is down.
func (b *Broadcaster) refreshReady(ctx context.Context) {
	if time.Since(b.lastReady) < b.timings.SnapshotEvery {
		return
	}
	if err := b.state.SetReady(ctx, b.masterID); err != nil {
		b.log.Warn().Err(err).Msg("ready refresh failed")
		return
	}
	b.lastReady = time.Now()
}

// upsertClosedDeals folds the last day of closing deals into the closed
// history set so executors can confirm ghosts.
func (b *Broadcaster) upsertClosedDeals(ctx context.Context) {
	now := time.Now().UTC()
	deals, err := b.term.HistoryDeals(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		return
	}
	var tickets []int64
	for _, deal := range deals {
		if deal.Entry == terminal.EntryOut && deal.PositionID != 0 {
			tickets = append(tickets, deal.PositionID)
		}
	}
	if len(tickets) == 0 {
		return
	}
	if err := b.state.AddClosed(ctx, b.masterID, tickets...); err != nil {
		b.log.Warn().Err(err).Msg("closed history upsert failed")
	}
}

// enrichClose recovers the closing deal's price and economics from the
// broker history, retrying for the asynchronous history index, and
// falls back to a tick estimate.
func (b *Broadcaster) enrichClose(ctx context.Context, ticket int64, prev tracked) (price, profit, swap, commission float64, closeTime time.Time) {
	closeTime = time.Now().UTC()
	policy := retry.Policy{Attempts: 3, Backoff: b.timings.DealRetryDelay}
	err := policy.Do(ctx, func() error {
		now := time.Now().UTC()
		deals, err := b.term.HistoryDeals(ctx, now.Add(-5*time.Minute), now)
		if err != nil {
			return err
		}
		for _, deal := range deals {
			if deal.PositionID == ticket && deal.Entry == terminal.EntryOut {
				price, profit, swap, commission, closeTime = deal.Price, deal.Profit, deal.Swap, deal.Commission, deal.Time
				return nil
			}
		}
		return errDealNotIndexed
	})
	if err == nil {
		return
	}

	// History index never caught up: estimate from the current tick.
	if tick, err := b.term.Tick(ctx, prev.Symbol); err == nil {
		if prev.Side == signal.Buy {
			price = tick.Bid
		} else {
			price = tick.Ask
		}
	}
	return price, 0, 0, 0, closeTime
}

// yield hands the terminal to the executor and re-asserts the master
// account afterwards.
func (b *Broadcaster) yield(ctx context.Context) error {
	ok, err := b.lock.Yield(ctx, b.holderTag, b.timings.LockTTL, b.timings.LockTimeout)
	if err != nil {
		return err
	}
	b.lockHeld = ok
	b.lastYield = time.Now()
	if !ok {
		return nil
	}
	return b.ensureMasterLogin(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
