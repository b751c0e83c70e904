package worker

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mirrorfx/mirrorfx/internal/terminal"
)

// executeMaintenance runs the non-signal job kinds. They share the same
// lock and login discipline as signal jobs so every terminal touch stays
// serialized.
func (r *runner) executeMaintenance(ctx context.Context, job *Job) Result {
	log := r.log.With().
		Str("follower_id", job.Follower.ID).
		Int("kind", int(job.Kind)).
		Logger()

	if err := r.acquireLockFor(ctx, job.Follower.Login); err != nil {
		log.Error().Err(err).Msg("terminal lock unavailable")
		return fail(job, MsgLockTimeout)
	}
	if err := r.ensureLogin(ctx, job); err != nil {
		log.Error().Err(err).Msg("login failed")
		return fail(job, MsgLoginFailed)
	}

	switch job.Kind {
	case KindInspect:
		return r.doInspect(ctx, job)
	case KindSnapshot:
		return r.doSnapshot(ctx, job)
	case KindEmergencyClose:
		return r.doEmergencyClose(ctx, job, log)
	default:
		return fail(job, "unsupported kind")
	}
}

func (r *runner) doInspect(ctx context.Context, job *Job) Result {
	positions, err := r.term.Positions(ctx)
	if err != nil {
		return fail(job, MsgOrderRejected)
	}
	info, err := r.term.AccountInfo(ctx)
	if err != nil {
		return fail(job, MsgLoginFailed)
	}
	res := fail(job, "")
	res.Status = StatusSuccess
	res.Positions = positions
	res.Equity = info.Equity
	res.Balance = info.Balance
	return res
}

func (r *runner) doSnapshot(ctx context.Context, job *Job) Result {
	info, err := r.term.AccountInfo(ctx)
	if err != nil {
		return fail(job, MsgLoginFailed)
	}
	res := fail(job, "")
	res.Status = StatusSuccess
	res.Equity = info.Equity
	res.Balance = info.Balance
	return res
}

// doEmergencyClose flattens every copy-tagged position on the account.
// Manually opened positions are left alone.
func (r *runner) doEmergencyClose(ctx context.Context, job *Job, log zerolog.Logger) Result {
	positions, err := r.term.Positions(ctx)
	if err != nil {
		return fail(job, MsgOrderRejected)
	}

	closed := 0
	failed := 0
	for _, pos := range positions {
		if pos.Magic != terminal.CopyMagic {
			if _, tagged := terminal.ParseTag(pos.Comment); !tagged {
				continue
			}
		}
		if r.pool.dryRun {
			log.Info().Int64("ticket", pos.Ticket).Msg("dry run: emergency close suppressed")
			closed++
			continue
		}
		opposing := terminal.OrderSell
		if pos.Type == terminal.PositionSell {
			opposing = terminal.OrderBuy
		}
		result, err := r.term.OrderSend(ctx, terminal.OrderRequest{
			Action:   terminal.ActionDeal,
			Symbol:   pos.Symbol,
			Volume:   pos.Volume,
			Type:     opposing,
			Position: pos.Ticket,
		})
		if err != nil || !result.Done() {
			log.Error().Err(err).Int64("ticket", pos.Ticket).Msg("emergency close rejected")
			failed++
			continue
		}
		closed++
	}

	res := fail(job, "")
	res.Status = StatusSuccess
	if failed > 0 {
		res.Status = StatusFailed
		res.Message = MsgOrderRejected
	}
	res.Closed = closed
	log.Warn().Int("closed", closed).Int("failed", failed).Msg("emergency close done")
	return res
}
