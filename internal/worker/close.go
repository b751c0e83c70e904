package worker

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorfx/mirrorfx/internal/retry"
	"github.com/mirrorfx/mirrorfx/internal/signal"
	"github.com/mirrorfx/mirrorfx/internal/symbols"
	"github.com/mirrorfx/mirrorfx/internal/terminal"
)

// errDealNotIndexed marks a history read that has not caught up with
// the executed deal yet.
var errDealNotIndexed = errors.New("deal not indexed yet")

func (r *runner) doClose(ctx context.Context, job *Job, sig signal.Close, log zerolog.Logger) Result {
	ticket, ok := r.resolveFollowerTicket(ctx, job, sig.MasterTicket)
	if !ok {
		// No live position and no mapping: the close may have executed
		// before the signal arrived. A historical OUT deal carrying our
		// tag is a synthetic success, not a failure.
		if res, found := r.syntheticClose(ctx, job, sig); found {
			return res
		}
		return fail(job, MsgCloseNoTarget)
	}

	pos, ok := r.findPosition(ctx, ticket)
	if !ok {
		if res, found := r.syntheticClose(ctx, job, sig); found {
			return res
		}
		return fail(job, MsgCloseNoTarget)
	}

	info, infoErr := r.term.SymbolInfo(ctx, pos.Symbol)

	// Partial-close sizing: the signal's pct wins; otherwise scale the
	// signal volume by the follower's risk factor. Closes are
	// risk-reducing and clamped to the live volume, so a misconfigured
	// factor falls back to full scale instead of leaving the position
	// unmanaged.
	var target float64
	if sig.Pct > 0 {
		target = pos.Volume * sig.Pct
	} else {
		risk := job.Follower.RiskFactor / 100
		if risk <= 0 {
			risk = 1
		}
		target = sig.Volume * risk
	}
	if infoErr == nil {
		target = symbols.NormalizeVolume(info, target)
	}
	if target > pos.Volume {
		target = pos.Volume
	}

	opposing := terminal.OrderSell
	if pos.Type == terminal.PositionSell {
		opposing = terminal.OrderBuy
	}

	if r.pool.dryRun {
		log.Info().Int64("ticket", ticket).Float64("volume", target).Msg("dry run: close suppressed")
		res := fail(job, "dry run")
		res.Status = StatusSuccess
		res.Ticket = ticket
		res.Volume = target
		return res
	}

	// Close on the actual position symbol: it may differ from the
	// signal's symbol due to broker suffixing.
	result, err := r.term.OrderSend(ctx, terminal.OrderRequest{
		Action:   terminal.ActionDeal,
		Symbol:   pos.Symbol,
		Volume:   target,
		Type:     opposing,
		Position: ticket,
	})
	if err != nil {
		log.Error().Err(err).Msg("close send failed")
		return fail(job, MsgOrderRejected)
	}
	if !result.Done() {
		log.Warn().Int("retcode", result.Retcode).Msg("close rejected")
		return fail(job, MsgOrderRejected)
	}

	partial := target < pos.Volume-1e-9
	if partial {
		r.trackRotation(ctx, job, sig.MasterTicket, pos, target, log)
	}

	r.closeSafetyNet(ctx, result, opposing, pos.Symbol, log)

	res := fail(job, "")
	res.Status = StatusSuccess
	res.Ticket = ticket
	res.Symbol = pos.Symbol
	res.Volume = result.Volume
	res.OpenPrice = pos.PriceOpen
	res.ClosePrice = result.Price
	res.CloseTime = time.Now().UTC()
	r.enrichFromHistory(ctx, result.Deal, &res)
	return res
}

// syntheticClose searches the follower's recent deal history for an OUT
// deal carrying this master's tag, which means the position already
// closed (stop hit, manual close seen by the broker) before the signal
// was processed.
func (r *runner) syntheticClose(ctx context.Context, job *Job, sig signal.Close) (Result, bool) {
	now := time.Now().UTC()
	deals, err := r.term.HistoryDeals(ctx, now.Add(-r.pool.enrichWindowPast), now)
	if err != nil {
		return Result{}, false
	}
	for _, deal := range deals {
		if deal.Entry != terminal.EntryOut {
			continue
		}
		mt, ok := terminal.ParseTag(deal.Comment)
		if !ok || mt != sig.MasterTicket {
			continue
		}
		res := fail(job, "")
		res.Status = StatusSuccess
		res.Synthetic = true
		res.Ticket = deal.PositionID
		res.Symbol = deal.Symbol
		res.Volume = deal.Volume
		res.ClosePrice = deal.Price
		res.CloseTime = deal.Time
		res.Profit = deal.Profit
		res.Swap = deal.Swap
		res.Commission = deal.Commission
		res.Fee = deal.Fee
		return res, true
	}
	return Result{}, false
}

// trackRotation re-finds the remaining position after a partial close.
// Some brokers rotate the ticket (new ticket, remaining volume), others
// net on the same ticket; either way the map must point at whatever
// still lives.
func (r *runner) trackRotation(ctx context.Context, job *Job, masterTicket int64, prev terminal.Position, closed float64, log zerolog.Logger) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(r.pool.rotationDelay):
	}

	remaining := prev.Volume - closed
	tolerance := remaining * 0.05
	if tolerance < 1e-6 {
		tolerance = 1e-6
	}

	positions, err := r.term.Positions(ctx)
	if err != nil {
		return
	}
	for _, pos := range positions {
		if pos.Symbol != prev.Symbol || pos.Magic != prev.Magic {
			continue
		}
		if math.Abs(pos.Volume-remaining) > tolerance {
			continue
		}
		if pos.Ticket != prev.Ticket {
			log.Info().Int64("old", prev.Ticket).Int64("new", pos.Ticket).Msg("partial close rotated ticket")
		}
		if err := r.pool.state.SaveTicketMap(ctx, masterTicket, job.Follower.ID, pos.Ticket); err != nil {
			log.Warn().Err(err).Msg("rotation map update failed")
		}
		return
	}
	// Not found within the window: broker latency. Reconciliation heals.
	log.Warn().Int64("ticket", prev.Ticket).Msg("post-partial position not found")
}

// closeSafetyNet verifies the executed deal actually closed a position.
// A deal classified IN means we accidentally opened new exposure; it is
// neutralized immediately with an opposing market deal.
func (r *runner) closeSafetyNet(ctx context.Context, result terminal.OrderResult, sent terminal.OrderType, symbol string, log zerolog.Logger) {
	if result.Deal == 0 {
		return
	}
	now := time.Now().UTC()
	deals, err := r.term.HistoryDeals(ctx, now.Add(-5*time.Minute), now)
	if err != nil {
		return
	}
	for _, deal := range deals {
		if deal.Ticket != result.Deal {
			continue
		}
		if deal.Entry != terminal.EntryIn {
			return
		}
		log.Error().Int64("deal", deal.Ticket).Msg("close opened a position; neutralizing")
		neutral := terminal.OrderSell
		if sent == terminal.OrderSell {
			neutral = terminal.OrderBuy
		}
		if _, err := r.term.OrderSend(ctx, terminal.OrderRequest{
			Action:   terminal.ActionDeal,
			Symbol:   symbol,
			Volume:   deal.Volume,
			Type:     neutral,
			Position: deal.PositionID,
		}); err != nil {
			log.Error().Err(err).Msg("neutralize failed")
		}
		return
	}
}

// enrichFromHistory fills profit/swap/commission from the executed deal.
// The broker's history index is asynchronous, so a few short retries.
func (r *runner) enrichFromHistory(ctx context.Context, dealTicket int64, res *Result) {
	if dealTicket == 0 {
		return
	}
	policy := retry.Policy{Attempts: r.pool.historyRetries, Backoff: r.pool.historyRetry}
	_ = policy.Do(ctx, func() error {
		now := time.Now().UTC()
		deals, err := r.term.HistoryDeals(ctx, now.Add(-10*time.Minute), now)
		if err != nil {
			return err
		}
		for _, deal := range deals {
			if deal.Ticket != dealTicket {
				continue
			}
			res.ClosePrice = deal.Price
			res.CloseTime = deal.Time
			res.Profit = deal.Profit
			res.Swap = deal.Swap
			res.Commission = deal.Commission
			res.Fee = deal.Fee
			return nil
		}
		return errDealNotIndexed
	})
}
