package broadcaster

import (
	"context"
	"fmt"
	"time"

	"github.com/mirrorfx/mirrorfx/internal/terminal"
)

const historyBatchSize = 500

// hydrateClosedHistory seeds the closed-ticket set from the last day of
// broker deal history so executors can confirm ghosts that closed while
// everything was down.
func (b *Broadcaster) hydrateClosedHistory(ctx context.Context) error {
	now := time.Now().UTC()
	deals, err := b.term.HistoryDeals(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		return fmt.Errorf("history deals: %w", err)
	}
	var tickets []int64
	for _, deal := range deals {
		if deal.Entry == terminal.EntryOut && deal.PositionID != 0 {
			tickets = append(tickets, deal.PositionID)
		}
	}
	if len(tickets) == 0 {
		return nil
	}
	return b.state.AddClosed(ctx, b.masterID, tickets...)
}

// historyDeal is the backfill wire shape for one deal.
type historyDeal struct {
	Ticket     int64   `json:"ticket"`
	PositionID int64   `json:"positionId"`
	Symbol     string  `json:"symbol"`
	Entry      string  `json:"entry"`
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price"`
	Profit     float64 `json:"profit"`
	Swap       float64 `json:"swap"`
	Commission float64 `json:"commission"`
	Time       int64   `json:"time"`
}

// SyncHistory backfills the backend with the last N days of deal
// history, batched to keep webhook payloads bounded.
func (b *Broadcaster) SyncHistory(ctx context.Context, days int) error {
	if days <= 0 || b.backend == nil {
		return nil
	}
	if err := b.ensureTerminal(ctx); err != nil {
		return err
	}
	if err := b.ensureMasterLogin(ctx); err != nil {
		return err
	}

	now := time.Now().UTC()
	deals, err := b.term.HistoryDeals(ctx, now.AddDate(0, 0, -days), now)
	if err != nil {
		return fmt.Errorf("history deals: %w", err)
	}

	batch := make([]historyDeal, 0, historyBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := b.backend.ReportHistoryBatch(ctx, b.masterID, map[string]any{
			"masterId": b.masterID,
			"deals":    batch,
		}); err != nil {
			return fmt.Errorf("history batch webhook: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for _, deal := range deals {
		entry := "IN"
		switch deal.Entry {
		case terminal.EntryOut:
			entry = "OUT"
		case terminal.EntryInOut:
			entry = "INOUT"
		}
		batch = append(batch, historyDeal{
			Ticket:     deal.Ticket,
			PositionID: deal.PositionID,
			Symbol:     deal.Symbol,
			Entry:      entry,
			Volume:     deal.Volume,
			Price:      deal.Price,
			Profit:     deal.Profit,
			Swap:       deal.Swap,
			Commission: deal.Commission,
			Time:       deal.Time.Unix(),
		})
		if len(batch) >= historyBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	b.log.Info().Int("deals", len(deals)).Int("days", days).Msg("history backfill complete")
	return nil
}
