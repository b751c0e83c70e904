package worker

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mirrorfx/mirrorfx/internal/signal"
	"github.com/mirrorfx/mirrorfx/internal/symbols"
	"github.com/mirrorfx/mirrorfx/internal/terminal"
)

func (r *runner) doModify(ctx context.Context, job *Job, sig signal.Modify, log zerolog.Logger) Result {
	ticket, ok := r.resolveFollowerTicket(ctx, job, sig.MasterTicket)
	if !ok {
		return fail(job, MsgMapMissing)
	}
	pos, ok := r.findPosition(ctx, ticket)
	if !ok {
		return fail(job, MsgMapMissing)
	}

	sl, tp := sig.SL, sig.TP
	if job.Follower.InvertCopy {
		side := signal.Buy
		if pos.Type == terminal.PositionSell {
			side = signal.Sell
		}
		// Recompute from the follower's own entry, using the master's
		// entry price as the distance reference.
		sl, tp = InvertedSLTP(side, pos.PriceOpen, sig.MasterEntry, sig.SL, sig.TP)
	}

	if info, err := r.term.SymbolInfo(ctx, pos.Symbol); err == nil {
		sl = symbols.RoundPrice(info, sl)
		tp = symbols.RoundPrice(info, tp)
	}

	if r.pool.dryRun {
		log.Info().Int64("ticket", ticket).Float64("sl", sl).Float64("tp", tp).Msg("dry run: modify suppressed")
		res := fail(job, "dry run")
		res.Status = StatusSuccess
		res.Ticket = ticket
		return res
	}

	result, err := r.term.OrderSend(ctx, terminal.OrderRequest{
		Action:   terminal.ActionSLTP,
		Symbol:   pos.Symbol,
		Position: ticket,
		SL:       sl,
		TP:       tp,
	})
	if err != nil {
		log.Error().Err(err).Msg("modify send failed")
		return fail(job, MsgOrderRejected)
	}
	if !result.Done() {
		log.Warn().Int("retcode", result.Retcode).Msg("modify rejected")
		return fail(job, MsgOrderRejected)
	}

	res := fail(job, "")
	res.Status = StatusSuccess
	res.Ticket = ticket
	res.Symbol = pos.Symbol
	return res
}
