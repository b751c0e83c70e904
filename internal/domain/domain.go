// Package domain holds the entities shared by the broadcaster, the
// executor, and the worker pool.
package domain

import "time"

// CopyMode selects how follower volume is derived from master volume.
type CopyMode string

const (
	CopyModeFixed  CopyMode = "FIXED"
	CopyModeEquity CopyMode = "EQUITY"
)

// ExecutionLane routes a session to the standard worker queue or the
// dedicated turbo dispatcher.
type ExecutionLane string

const (
	LaneStandard ExecutionLane = "STANDARD"
	LaneTurbo    ExecutionLane = "TURBO"
)

// Session types. Trial and paid sessions never auto-renew daily.
const (
	SessionTrial7Day = "TRIAL_7DAY"
	SessionPaid      = "PAID"
	SessionDaily     = "DAILY"
)

// Master identifies the observed account.
type Master struct {
	ID     string
	Login  int64
	Server string
}

// Follower carries the per-follower copy configuration read from the
// relational store. RiskFactor is a percentage (50 = half size).
type Follower struct {
	ID           string
	Login        int64
	Server       string
	RiskFactor   float64
	InvertCopy   bool
	CopyMode     CopyMode
	Allocation   float64
	MinEquity    float64
	MaxDailyLoss float64
}

// CopySession binds a follower to a master for a bounded period.
type CopySession struct {
	ID         int64
	FollowerID string
	MasterID   string
	Active     bool
	Expiry     time.Time
	AutoRenew  bool
	Type       string
	Lane       ExecutionLane
	Window     TradingWindow
	CreatedAt  time.Time
}

// Expired reports whether the session's expiry has passed.
func (s CopySession) Expired(now time.Time) bool {
	return !s.Expiry.IsZero() && s.Expiry.Before(now)
}

// HardExpiry reports whether an expired session must be soft-stopped
// instead of renewed.
func (s CopySession) HardExpiry() bool {
	return s.Type == SessionTrial7Day || !s.AutoRenew
}

// TradingWindow is a daily UTC time-of-day window. A window may cross
// midnight (start 22:00, end 06:00). A zero window means always open.
type TradingWindow struct {
	StartHour, StartMin int
	EndHour, EndMin     int
}

// AllDay reports whether the window imposes no restriction.
func (w TradingWindow) AllDay() bool {
	return w.StartHour == 0 && w.StartMin == 0 && w.EndHour == 0 && w.EndMin == 0
}

// Contains reports whether the UTC instant falls inside the window,
// handling midnight-crossing windows.
func (w TradingWindow) Contains(t time.Time) bool {
	if w.AllDay() {
		return true
	}
	t = t.UTC()
	minute := t.Hour()*60 + t.Minute()
	start := w.StartHour*60 + w.StartMin
	end := w.EndHour*60 + w.EndMin
	if start <= end {
		return minute >= start && minute < end
	}
	// Crosses midnight.
	return minute >= start || minute < end
}

// OpenAt returns the window's opening instant for the day containing t.
func (w TradingWindow) OpenAt(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), w.StartHour, w.StartMin, 0, 0, time.UTC)
}
