package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirrorfx/mirrorfx/internal/signal"
)

// QueueMaxLen bounds the queue surface. Delivery is pub/sub and
// reconciliation heals gaps, so the queue is a bounded replay buffer:
// each push trims the list to its newest entries.
const QueueMaxLen = 1000

// Transport emits signals on the three bus surfaces: pub/sub for
// low-latency consumers, the priority queue for reliable worker pickup,
// and the append-only stream for audit and replay.
type Transport struct {
	rdb *redis.Client
}

// NewTransport wraps a redis client.
func NewTransport(rdb *redis.Client) *Transport {
	return &Transport{rdb: rdb}
}

// PublishSignal emits one signal on all three surfaces. The payload is
// encoded once; a failure on one surface does not suppress the others,
// reliable delivery falls to the queue and reconciliation.
func (t *Transport) PublishSignal(ctx context.Context, sig signal.Signal) ([]byte, error) {
	payload, err := sig.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}

	hdr := sig.Hdr()
	var errs []error
	if err := t.rdb.Publish(ctx, SignalTopic(hdr.MasterID), payload).Err(); err != nil {
		errs = append(errs, fmt.Errorf("publish %s: %w", SignalTopic(hdr.MasterID), err))
	}
	pipe := t.rdb.Pipeline()
	pipe.RPush(ctx, QueuePriority, payload)
	pipe.LTrim(ctx, QueuePriority, -QueueMaxLen, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		errs = append(errs, fmt.Errorf("rpush %s: %w", QueuePriority, err))
	}
	if err := t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamSignals,
		Values: map[string]any{
			"payload":   string(payload),
			"timestamp": float64(time.Now().UnixNano()) / 1e9,
		},
	}).Err(); err != nil {
		errs = append(errs, fmt.Errorf("xadd %s: %w", StreamSignals, err))
	}
	return payload, errors.Join(errs...)
}

// PopQueued removes and returns the oldest queued signal payload, or nil
// when the queue is empty.
func (t *Transport) PopQueued(ctx context.Context, queue string) ([]byte, error) {
	val, err := t.rdb.LPop(ctx, queue).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

// Subscribe opens a pub/sub subscription on the given signal topics. The
// caller owns the returned PubSub and must Close it.
func (t *Transport) Subscribe(ctx context.Context, topics ...string) *redis.PubSub {
	return t.rdb.Subscribe(ctx, topics...)
}

// UserEvent is a follower-facing lifecycle or risk notification.
type UserEvent struct {
	Type       string  `json:"type"`
	FollowerID string  `json:"follower_id"`
	SessionID  int64   `json:"session_id,omitempty"`
	Message    string  `json:"message,omitempty"`
	Equity     float64 `json:"equity,omitempty"`
	DailyPnL   float64 `json:"daily_pnl,omitempty"`
	Timestamp  float64 `json:"timestamp"`
}

// User event types published on events:user:{followerId}.
const (
	EventSessionExpired = "SESSION_EXPIRED"
	EventRiskStop       = "RISK_STOP"
)

// PublishUserEvent notifies a follower's UI channel.
func (t *Transport) PublishUserEvent(ctx context.Context, event UserEvent) error {
	if event.Timestamp == 0 {
		event.Timestamp = float64(time.Now().UnixNano()) / 1e9
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal user event: %w", err)
	}
	if err := t.rdb.Publish(ctx, UserEventsTopic(event.FollowerID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", UserEventsTopic(event.FollowerID), err)
	}
	return nil
}
