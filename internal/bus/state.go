package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirrorfx/mirrorfx/internal/signal"
)

// TTLs for authoritative state. Consumers must not trust a snapshot
// older than its TTL; closed history ages out after two days.
const (
	SnapshotTTL      = 60 * time.Second
	ReadyTTL         = 300 * time.Second
	ClosedHistoryTTL = 48 * time.Hour
	TicketMapTTL     = 30 * 24 * time.Hour
)

// SnapshotPosition is one master position inside a published snapshot.
type SnapshotPosition struct {
	Symbol   string      `json:"symbol"`
	Side     signal.Side `json:"type"`
	Volume   float64     `json:"volume"`
	Price    float64     `json:"price"`
	SL       float64     `json:"sl"`
	TP       float64     `json:"tp"`
	OpenTime int64       `json:"openTime"`
}

// Snapshot is the broadcaster-published authoritative open-position map.
type Snapshot struct {
	Positions map[string]SnapshotPosition `json:"positions"`
	Equity    float64                     `json:"equity"`
	Profit    float64                     `json:"profit"`
	Timestamp float64                     `json:"timestamp"`
}

// Age returns how old the snapshot is relative to now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	sec := int64(s.Timestamp)
	nsec := int64((s.Timestamp - float64(sec)) * 1e9)
	return now.Sub(time.Unix(sec, nsec))
}

// Position looks up a master ticket in the snapshot.
func (s *Snapshot) Position(masterTicket int64) (SnapshotPosition, bool) {
	pos, ok := s.Positions[strconv.FormatInt(masterTicket, 10)]
	return pos, ok
}

// StateStore reads and writes the broadcaster's authoritative state and
// the worker-maintained ticket maps.
type StateStore struct {
	rdb *redis.Client
}

// NewStateStore wraps a redis client.
func NewStateStore(rdb *redis.Client) *StateStore {
	return &StateStore{rdb: rdb}
}

// PublishSnapshot writes the snapshot under the master's state key.
func (s *StateStore) PublishSnapshot(ctx context.Context, masterID string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, StateKey(masterID), data, SnapshotTTL).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", StateKey(masterID), err)
	}
	return nil
}

// FetchSnapshot loads a master's snapshot; nil when absent or expired.
func (s *StateStore) FetchSnapshot(ctx context.Context, masterID string) (*Snapshot, error) {
	data, err := s.rdb.Get(ctx, StateKey(masterID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", StateKey(masterID), err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// DeleteSnapshot removes stale state during broadcaster startup.
func (s *StateStore) DeleteSnapshot(ctx context.Context, masterID string) error {
	return s.rdb.Del(ctx, StateKey(masterID)).Err()
}

// SetReady flags the master's broadcaster as hydrated.
func (s *StateStore) SetReady(ctx context.Context, masterID string) error {
	return s.rdb.Set(ctx, ReadyKey(masterID), "1", ReadyTTL).Err()
}

// ClearReady removes the ready flag (broadcaster startup).
func (s *StateStore) ClearReady(ctx context.Context, masterID string) error {
	return s.rdb.Del(ctx, ReadyKey(masterID)).Err()
}

// Ready reports whether the master's broadcaster finished hydration.
func (s *StateStore) Ready(ctx context.Context, masterID string) (bool, error) {
	val, err := s.rdb.Get(ctx, ReadyKey(masterID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "1", nil
}

// AddClosed records master tickets as recently closed and refreshes the
// set's TTL.
func (s *StateStore) AddClosed(ctx context.Context, masterID string, tickets ...int64) error {
	if len(tickets) == 0 {
		return nil
	}
	key := ClosedHistoryKey(masterID)
	members := make([]any, 0, len(tickets))
	for _, t := range tickets {
		members = append(members, strconv.FormatInt(t, 10))
	}
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, ClosedHistoryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis SADD %s: %w", key, err)
	}
	return nil
}

// WasClosed reports whether the master ticket is in the closed set.
func (s *StateStore) WasClosed(ctx context.Context, masterID string, masterTicket int64) (bool, error) {
	return s.rdb.SIsMember(ctx, ClosedHistoryKey(masterID), strconv.FormatInt(masterTicket, 10)).Result()
}

// SaveTicketMap records the follower ticket opened for a master ticket.
// Idempotent: re-writing the same pair just refreshes the TTL.
func (s *StateStore) SaveTicketMap(ctx context.Context, masterTicket int64, followerID string, followerTicket int64) error {
	key := TicketMapKey(masterTicket, followerID)
	if err := s.rdb.Set(ctx, key, strconv.FormatInt(followerTicket, 10), TicketMapTTL).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

// RiskBaselineTTL keeps day-start balances long enough to straddle the
// daily reset boundary.
const RiskBaselineTTL = 48 * time.Hour

// SetRiskBaseline records the follower's day-start balance once per
// risk day; later writes for the same day are ignored.
func (s *StateStore) SetRiskBaseline(ctx context.Context, followerID, day string, balance float64) error {
	key := RiskBaselineKey(followerID, day)
	return s.rdb.SetNX(ctx, key, strconv.FormatFloat(balance, 'f', -1, 64), RiskBaselineTTL).Err()
}

// RiskBaseline reads the follower's day-start balance; ok=false when
// none was recorded yet.
func (s *StateStore) RiskBaseline(ctx context.Context, followerID, day string) (float64, bool, error) {
	val, err := s.rdb.Get(ctx, RiskBaselineKey(followerID, day)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt risk baseline %s: %w", RiskBaselineKey(followerID, day), err)
	}
	return f, true, nil
}

// SetRiskStopped marks a follower as risk-stopped until the next daily
// reset; the session lifecycle refuses to reactivate it meanwhile.
func (s *StateStore) SetRiskStopped(ctx context.Context, followerID string, until time.Duration) error {
	return s.rdb.Set(ctx, "risk:stopped:"+followerID, "1", until).Err()
}

// RiskStopped reports whether the follower is under an active risk stop.
func (s *StateStore) RiskStopped(ctx context.Context, followerID string) (bool, error) {
	val, err := s.rdb.Get(ctx, "risk:stopped:"+followerID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "1", nil
}

// LookupTicketMap resolves the follower ticket for a master ticket;
// ok=false when no mapping exists.
func (s *StateStore) LookupTicketMap(ctx context.Context, masterTicket int64, followerID string) (int64, bool, error) {
	key := TicketMapKey(masterTicket, followerID)
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis GET %s: %w", key, err)
	}
	ticket, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt ticket map %s: %w", key, err)
	}
	return ticket, true, nil
}
