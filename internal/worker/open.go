package worker

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mirrorfx/mirrorfx/internal/domain"
	"github.com/mirrorfx/mirrorfx/internal/signal"
	"github.com/mirrorfx/mirrorfx/internal/symbols"
	"github.com/mirrorfx/mirrorfx/internal/terminal"
)

// heuristicContractSize guesses a contract size when the broker's margin
// calculation is unavailable.
func heuristicContractSize(symbol string) float64 {
	switch {
	case len(symbol) >= 3 && symbol[:3] == "XAU":
		return 100
	case len(symbol) >= 3 && symbol[:3] == "XAG":
		return 5000
	case len(symbol) >= 2 && (symbol[:2] == "US" || symbol[:2] == "DE" || symbol[:2] == "NA" || symbol[:2] == "SP"):
		return 10
	default:
		return 100000
	}
}

func (r *runner) doOpen(ctx context.Context, job *Job, sig signal.Open, log zerolog.Logger) Result {
	symbolName, ok := r.resolver.Resolve(ctx, sig.Symbol)
	if !ok {
		return fail(job, MsgSymbolNotFound)
	}
	info, err := r.term.SymbolInfo(ctx, symbolName)
	if err != nil {
		return fail(job, MsgSymbolNotFound)
	}

	// Idempotency guard: a position already tagged with this master
	// ticket means a duplicate delivery; heal the map and report the
	// existing ticket as success.
	if positions, err := r.term.Positions(ctx); err == nil {
		for _, pos := range positions {
			if mt, tagOK := terminal.ParseTag(pos.Comment); tagOK && mt == sig.MasterTicket {
				log.Info().Int64("ticket", pos.Ticket).Msg("duplicate open suppressed")
				if err := r.pool.state.SaveTicketMap(ctx, sig.MasterTicket, job.Follower.ID, pos.Ticket); err != nil {
					log.Warn().Err(err).Msg("ticket map heal failed")
				}
				res := fail(job, "")
				res.Status = StatusSuccess
				res.Ticket = pos.Ticket
				res.Symbol = pos.Symbol
				res.Volume = pos.Volume
				res.OpenPrice = pos.PriceOpen
				res.OpenTime = pos.OpenTime
				res.Duplicate = true
				return res
			}
		}
	}

	volume, skipReason := r.sizeOpen(ctx, job, sig, symbolName, info)
	if skipReason != "" {
		return skip(job, skipReason)
	}

	side := sig.Side
	if job.Follower.InvertCopy {
		side = side.Inverted()
	}
	orderType := terminal.OrderBuy
	if side == signal.Sell {
		orderType = terminal.OrderSell
	}

	tick, err := r.term.Tick(ctx, symbolName)
	if err != nil {
		return fail(job, MsgSymbolNotFound)
	}
	execPrice := tick.Ask
	if side == signal.Sell {
		execPrice = tick.Bid
	}

	sl, tp := sig.SL, sig.TP
	if job.Follower.InvertCopy {
		sl, tp = InvertedSLTP(side, execPrice, sig.Price, sig.SL, sig.TP)
	}
	sl = symbols.RoundPrice(info, sl)
	tp = symbols.RoundPrice(info, tp)

	if r.pool.dryRun {
		log.Info().Str("symbol", symbolName).Float64("volume", volume).Msg("dry run: open suppressed")
		res := fail(job, "dry run")
		res.Status = StatusSuccess
		res.Symbol = symbolName
		res.Volume = volume
		return res
	}

	result, err := r.term.OrderSend(ctx, terminal.OrderRequest{
		Action:  terminal.ActionDeal,
		Symbol:  symbolName,
		Volume:  volume,
		Type:    orderType,
		SL:      sl,
		TP:      tp,
		Magic:   terminal.CopyMagic,
		Comment: r.commentFor(job, sig.MasterTicket),
	})
	if err != nil {
		log.Error().Err(err).Msg("order send failed")
		return fail(job, MsgOrderRejected)
	}
	if !result.Done() {
		log.Warn().Int("retcode", result.Retcode).Str("broker", result.Comment).Msg("open rejected")
		return fail(job, MsgOrderRejected)
	}

	// The position ticket, not the deal ticket, keys the map. Some
	// broker builds omit it in the result struct; fall back to a tag
	// scan.
	ticket := result.Position
	if ticket == 0 {
		if positions, err := r.term.Positions(ctx); err == nil {
			for _, pos := range positions {
				if mt, tagOK := terminal.ParseTag(pos.Comment); tagOK && mt == sig.MasterTicket {
					ticket = pos.Ticket
					break
				}
			}
		}
	}

	res := fail(job, "")
	res.Status = StatusSuccess
	res.Ticket = ticket
	res.Symbol = symbolName
	res.Volume = result.Volume
	res.OpenPrice = result.Price
	res.OpenTime = sig.OpenTime
	return res
}

// sizeOpen derives the follower volume per the copy mode and verifies
// margin headroom. It returns a skip reason when the trade cannot fit.
func (r *runner) sizeOpen(ctx context.Context, job *Job, sig signal.Open, symbolName string, info terminal.SymbolInfo) (float64, string) {
	// A zero or negative risk factor is a broken follower row; it takes
	// no new exposure until the configuration is fixed.
	if job.Follower.RiskFactor <= 0 {
		return 0, MsgRiskConfig
	}
	risk := job.Follower.RiskFactor / 100

	raw := sig.Volume * risk
	if job.Follower.CopyMode == domain.CopyModeEquity && sig.MasterEquity > 0 {
		basis := job.Follower.Allocation
		if basis <= 0 {
			if acct, err := r.term.AccountInfo(ctx); err == nil {
				basis = acct.Equity
			}
		}
		if basis > 0 {
			raw = sig.Volume * (basis / sig.MasterEquity) * risk
		}
	}

	volume := symbols.NormalizeVolume(info, raw)

	tick, err := r.term.Tick(ctx, symbolName)
	if err != nil {
		return volume, ""
	}
	sellExec := (sig.Side == signal.Sell) != job.Follower.InvertCopy
	price := tick.Ask
	orderType := terminal.OrderBuy
	if sellExec {
		price = tick.Bid
		orderType = terminal.OrderSell
	}

	required, err := r.term.OrderCalcMargin(ctx, orderType, symbolName, volume, price)
	if err != nil {
		// Broker margin math unavailable; estimate with heuristic
		// contract sizes and 1:100 leverage.
		contract := info.ContractSize
		if contract == 0 {
			contract = heuristicContractSize(symbolName)
		}
		required = volume * contract * price / 100
	}

	acct, err := r.term.AccountInfo(ctx)
	if err != nil {
		return volume, ""
	}
	if acct.FreeMargin >= required {
		return volume, ""
	}

	// Downgrade to the minimum lot if that fits, otherwise skip.
	min := info.VolumeMin
	if min <= 0 {
		min = 0.01
	}
	if min < volume {
		minRequired := required * (min / volume)
		if acct.FreeMargin >= minRequired {
			return min, ""
		}
	}
	return 0, MsgMarginLimit
}
