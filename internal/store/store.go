// Package store reads subscription and risk configuration from the
// relational store and applies session lifecycle mutations. The engine
// treats it as read-mostly: the UI owns creation, this side owns
// deactivation, renewal, and expiry bookkeeping.
package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirrorfx/mirrorfx/internal/domain"
)

// SessionRecord is the persisted copy session row.
type SessionRecord struct {
	ID          int64  `gorm:"primaryKey"`
	FollowerID  string `gorm:"index"`
	MasterID    string `gorm:"index"`
	Active      bool   `gorm:"index"`
	Expiry      time.Time
	AutoRenew   bool
	Type        string
	Lane        string
	WindowStart string
	WindowEnd   string
	CreatedAt   time.Time
}

// TableName keeps the UI-owned table name.
func (SessionRecord) TableName() string { return "copy_sessions" }

// FollowerRecord is the persisted follower configuration row.
type FollowerRecord struct {
	ID           string `gorm:"primaryKey"`
	Login        int64
	Server       string
	RiskFactor   float64
	InvertCopy   bool
	CopyMode     string
	Allocation   float64
	MinEquity    float64
	MaxDailyLoss float64
}

// TableName keeps the UI-owned table name.
func (FollowerRecord) TableName() string { return "followers" }

// Binding pairs an active session with its follower configuration.
type Binding struct {
	Session  domain.CopySession
	Follower domain.Follower
}

// Store wraps the gorm handle.
type Store struct {
	db *gorm.DB
}

// Open connects to postgres and migrates the engine's two tables.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&SessionRecord{}, &FollowerRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing gorm handle (tests).
func NewWithDB(db *gorm.DB) *Store { return &Store{db: db} }

// ActiveBindings returns every active session joined with its follower
// configuration.
func (s *Store) ActiveBindings(ctx context.Context) ([]Binding, error) {
	var sessions []SessionRecord
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(sessions))
	seen := make(map[string]bool)
	for _, rec := range sessions {
		if !seen[rec.FollowerID] {
			seen[rec.FollowerID] = true
			ids = append(ids, rec.FollowerID)
		}
	}
	var followers []FollowerRecord
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&followers).Error; err != nil {
		return nil, fmt.Errorf("query followers: %w", err)
	}
	byID := make(map[string]FollowerRecord, len(followers))
	for _, f := range followers {
		byID[f.ID] = f
	}

	out := make([]Binding, 0, len(sessions))
	for _, rec := range sessions {
		follower, ok := byID[rec.FollowerID]
		if !ok {
			continue
		}
		out = append(out, Binding{
			Session:  toSession(rec),
			Follower: toFollower(follower),
		})
	}
	return out, nil
}

// AllSessions returns every session row, active or not; the session
// lifecycle pass needs the inactive ones for reactivation.
func (s *Store) AllSessions(ctx context.Context) ([]domain.CopySession, error) {
	var sessions []SessionRecord
	if err := s.db.WithContext(ctx).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	out := make([]domain.CopySession, 0, len(sessions))
	for _, rec := range sessions {
		out = append(out, toSession(rec))
	}
	return out, nil
}

// Follower loads one follower's configuration.
func (s *Store) Follower(ctx context.Context, followerID string) (domain.Follower, error) {
	var rec FollowerRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", followerID).Error; err != nil {
		return domain.Follower{}, fmt.Errorf("query follower %s: %w", followerID, err)
	}
	return toFollower(rec), nil
}

// DeactivateSession soft-stops a single session.
func (s *Store) DeactivateSession(ctx context.Context, sessionID int64) error {
	return s.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("id = ?", sessionID).
		Update("active", false).Error
}

// DeactivateFollowerSessions soft-stops every session of a follower
// (risk stop).
func (s *Store) DeactivateFollowerSessions(ctx context.Context, followerID string) error {
	return s.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("follower_id = ?", followerID).
		Update("active", false).Error
}

// ExtendExpiry pushes a session's expiry forward.
func (s *Store) ExtendExpiry(ctx context.Context, sessionID int64, until time.Time) error {
	return s.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("id = ?", sessionID).
		Update("expiry", until).Error
}

// ActivateSession reactivates a slept session with a new expiry.
func (s *Store) ActivateSession(ctx context.Context, sessionID int64, expiry time.Time) error {
	return s.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{"active": true, "expiry": expiry}).Error
}

// ShardOf assigns a follower to a shard for BATCH mode.
func ShardOf(followerID string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(followerID))
	return int(h.Sum32() % uint32(shards))
}

func toSession(rec SessionRecord) domain.CopySession {
	lane := domain.LaneStandard
	if rec.Lane == string(domain.LaneTurbo) {
		lane = domain.LaneTurbo
	}
	return domain.CopySession{
		ID:         rec.ID,
		FollowerID: rec.FollowerID,
		MasterID:   rec.MasterID,
		Active:     rec.Active,
		Expiry:     rec.Expiry,
		AutoRenew:  rec.AutoRenew,
		Type:       rec.Type,
		Lane:       lane,
		Window:     parseWindow(rec.WindowStart, rec.WindowEnd),
		CreatedAt:  rec.CreatedAt,
	}
}

func toFollower(rec FollowerRecord) domain.Follower {
	mode := domain.CopyModeFixed
	if rec.CopyMode == string(domain.CopyModeEquity) {
		mode = domain.CopyModeEquity
	}
	return domain.Follower{
		ID:           rec.ID,
		Login:        rec.Login,
		Server:       rec.Server,
		RiskFactor:   rec.RiskFactor,
		InvertCopy:   rec.InvertCopy,
		CopyMode:     mode,
		Allocation:   rec.Allocation,
		MinEquity:    rec.MinEquity,
		MaxDailyLoss: rec.MaxDailyLoss,
	}
}

// parseWindow reads "HH:MM" bounds; malformed or empty bounds yield the
// always-open window.
func parseWindow(start, end string) domain.TradingWindow {
	sh, sm, ok1 := parseHHMM(start)
	eh, em, ok2 := parseHHMM(end)
	if !ok1 || !ok2 {
		return domain.TradingWindow{}
	}
	return domain.TradingWindow{StartHour: sh, StartMin: sm, EndHour: eh, EndMin: em}
}

func parseHHMM(v string) (int, int, bool) {
	parts := strings.SplitN(strings.TrimSpace(v), ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}
