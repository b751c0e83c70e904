package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorfx/mirrorfx/internal/backend"
	"github.com/mirrorfx/mirrorfx/internal/bus"
	"github.com/mirrorfx/mirrorfx/internal/domain"
	"github.com/mirrorfx/mirrorfx/internal/worker"
)

// riskResetHour is the UTC hour at which daily loss counters roll over.
const riskResetHour = 4

// defaultRenewal is how far a daily session's expiry is pushed on each
// renewal.
const defaultRenewal = 4 * time.Hour

// LifecycleStore is the subset of the relational store the session
// lifecycle mutates.
type LifecycleStore interface {
	AllSessions(ctx context.Context) ([]domain.CopySession, error)
	DeactivateSession(ctx context.Context, sessionID int64) error
	DeactivateFollowerSessions(ctx context.Context, followerID string) error
	ActivateSession(ctx context.Context, sessionID int64, expiry time.Time) error
	ExtendExpiry(ctx context.Context, sessionID int64, until time.Time) error
}

// CredentialSource resolves broker credentials for a follower.
type CredentialSource interface {
	Credentials(ctx context.Context, userID string) (backend.Credentials, error)
}

// Lifecycle enforces session expiry, daily renewal, and risk stops.
type Lifecycle struct {
	log       zerolog.Logger
	store     LifecycleStore
	transport *bus.Transport
	state     *bus.StateStore
	pool      *worker.Pool
	creds     CredentialSource
	renewal   time.Duration
}

// NewLifecycle builds the lifecycle enforcer.
func NewLifecycle(log zerolog.Logger, store LifecycleStore, transport *bus.Transport, state *bus.StateStore, pool *worker.Pool, creds CredentialSource) *Lifecycle {
	return &Lifecycle{
		log:       log.With().Str("component", "lifecycle").Logger(),
		store:     store,
		transport: transport,
		state:     state,
		pool:      pool,
		creds:     creds,
		renewal:   defaultRenewal,
	}
}

// riskDay keys the daily loss baseline. Subtracting the reset hour
// makes the key roll over exactly at 04:00 UTC.
func riskDay(now time.Time) string {
	return now.UTC().Add(-riskResetHour * time.Hour).Format("2006-01-02")
}

// nextRiskReset returns the upcoming 04:00 UTC boundary.
func nextRiskReset(now time.Time) time.Time {
	now = now.UTC()
	reset := time.Date(now.Year(), now.Month(), now.Day(), riskResetHour, 0, 0, 0, time.UTC)
	if !reset.After(now) {
		reset = reset.Add(24 * time.Hour)
	}
	return reset
}

// Tick runs one lifecycle pass: soft-stop hard expiries, renew or sleep
// daily sessions, and wake slept daily sessions whose window opened.
func (l *Lifecycle) Tick(ctx context.Context, now time.Time) error {
	sessions, err := l.store.AllSessions(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	for _, s := range sessions {
		if s.Active {
			if !s.Expired(now) {
				continue
			}
			if s.HardExpiry() {
				l.softStop(ctx, s)
				continue
			}
			l.renewOrSleep(ctx, s, now)
			continue
		}

		// Inactive daily sessions reactivate when their window opens,
		// unless a risk stop is in force.
		if s.Type != domain.SessionDaily || !s.AutoRenew {
			continue
		}
		if !s.Window.Contains(now) {
			continue
		}
		if stopped, err := l.state.RiskStopped(ctx, s.FollowerID); err == nil && stopped {
			continue
		}
		if err := l.store.ActivateSession(ctx, s.ID, now.Add(l.renewal)); err != nil {
			l.log.Warn().Err(err).Int64("session_id", s.ID).Msg("session reactivation failed")
			continue
		}
		l.log.Info().Int64("session_id", s.ID).Str("follower_id", s.FollowerID).Msg("daily session reactivated")
	}
	return nil
}

// softStop deactivates an expired session without touching positions.
// Open copies stay open; the follower closes them or resubscribes.
func (l *Lifecycle) softStop(ctx context.Context, s domain.CopySession) {
	if err := l.store.DeactivateSession(ctx, s.ID); err != nil {
		l.log.Warn().Err(err).Int64("session_id", s.ID).Msg("session deactivation failed")
		return
	}
	l.log.Info().Int64("session_id", s.ID).Str("follower_id", s.FollowerID).Str("type", s.Type).Msg("session expired")
	if err := l.transport.PublishUserEvent(ctx, bus.UserEvent{
		Type:       bus.EventSessionExpired,
		FollowerID: s.FollowerID,
		SessionID:  s.ID,
		Message:    "copy session expired",
	}); err != nil {
		l.log.Warn().Err(err).Msg("expiry event publish failed")
	}
}

// renewOrSleep handles an expired auto-renewing daily session: extend
// inside the trading window, sleep outside it.
func (l *Lifecycle) renewOrSleep(ctx context.Context, s domain.CopySession, now time.Time) {
	if s.Window.Contains(now) {
		if err := l.store.ExtendExpiry(ctx, s.ID, now.Add(l.renewal)); err != nil {
			l.log.Warn().Err(err).Int64("session_id", s.ID).Msg("session renewal failed")
		}
		return
	}
	if err := l.store.DeactivateSession(ctx, s.ID); err != nil {
		l.log.Warn().Err(err).Int64("session_id", s.ID).Msg("session sleep failed")
		return
	}
	l.log.Info().Int64("session_id", s.ID).Str("follower_id", s.FollowerID).Msg("daily session sleeping until window opens")
}

// CheckRisk applies the follower's equity floor and daily loss limit to
// a fresh account reading. It returns true when a risk stop fired.
func (l *Lifecycle) CheckRisk(ctx context.Context, follower domain.Follower, equity, balance float64, now time.Time) bool {
	day := riskDay(now)
	if err := l.state.SetRiskBaseline(ctx, follower.ID, day, balance); err != nil {
		l.log.Warn().Err(err).Str("follower_id", follower.ID).Msg("risk baseline write failed")
	}

	var dailyPnL float64
	if baseline, ok, err := l.state.RiskBaseline(ctx, follower.ID, day); err == nil && ok {
		dailyPnL = equity - baseline
	}

	breached := ""
	if follower.MinEquity > 0 && equity < follower.MinEquity {
		breached = fmt.Sprintf("equity %.2f below floor %.2f", equity, follower.MinEquity)
	} else if follower.MaxDailyLoss > 0 && dailyPnL <= -follower.MaxDailyLoss {
		breached = fmt.Sprintf("daily loss %.2f exceeds limit %.2f", -dailyPnL, follower.MaxDailyLoss)
	}
	if breached == "" {
		return false
	}

	l.log.Warn().Str("follower_id", follower.ID).Str("breach", breached).Msg("risk stop")
	l.riskStop(ctx, follower, equity, dailyPnL, breached, now)
	return true
}

// riskStop deactivates every session of the follower, flattens its
// copy positions, and notifies the follower's event channel.
func (l *Lifecycle) riskStop(ctx context.Context, follower domain.Follower, equity, dailyPnL float64, reason string, now time.Time) {
	if err := l.store.DeactivateFollowerSessions(ctx, follower.ID); err != nil {
		l.log.Error().Err(err).Str("follower_id", follower.ID).Msg("risk-stop deactivation failed")
	}
	if err := l.state.SetRiskStopped(ctx, follower.ID, time.Until(nextRiskReset(now))); err != nil {
		l.log.Warn().Err(err).Str("follower_id", follower.ID).Msg("risk-stop flag write failed")
	}

	if err := l.transport.PublishUserEvent(ctx, bus.UserEvent{
		Type:       bus.EventRiskStop,
		FollowerID: follower.ID,
		Message:    reason,
		Equity:     equity,
		DailyPnL:   dailyPnL,
	}); err != nil {
		l.log.Warn().Err(err).Msg("risk-stop event publish failed")
	}

	creds, err := l.creds.Credentials(ctx, follower.ID)
	if err != nil {
		l.log.Error().Err(err).Str("follower_id", follower.ID).Msg("risk-stop close skipped: no credentials")
		return
	}
	res, err := l.pool.Submit(ctx, &worker.Job{
		Kind:        worker.KindEmergencyClose,
		Priority:    worker.PriorityPremium,
		Follower:    follower,
		Credentials: creds,
	})
	if err != nil {
		l.log.Error().Err(err).Str("follower_id", follower.ID).Msg("risk-stop close dispatch failed")
		return
	}
	l.log.Warn().Str("follower_id", follower.ID).Int("closed", res.Closed).Str("status", res.Status).Msg("risk-stop close done")
}
