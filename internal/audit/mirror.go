// Package audit mirrors emitted signals and execution outcomes onto
// kafka topics for the offline audit and replay pipeline. Payloads are
// the same JSON documents that travel on the bus.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Mirror owns the kafka writers. A nil Mirror (no brokers configured)
// swallows every call, so call sites need no enable checks.
type Mirror struct {
	signals    *kafka.Writer
	executions *kafka.Writer
}

// NewMirror builds the mirror, or returns nil when brokers is empty.
func NewMirror(brokers []string, signalTopic, executionTopic string) *Mirror {
	if len(brokers) == 0 {
		return nil
	}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		}
	}
	return &Mirror{
		signals:    newWriter(signalTopic),
		executions: newWriter(executionTopic),
	}
}

// Signal mirrors one emitted signal payload, keyed by master so a
// master's audit trail stays ordered within a partition.
func (m *Mirror) Signal(ctx context.Context, masterID string, payload []byte) error {
	if m == nil {
		return nil
	}
	msg := kafka.Message{Key: []byte(masterID), Value: payload}
	if err := m.signals.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write signal: %w", err)
	}
	return nil
}

// Execution mirrors one execution outcome, keyed by follower.
func (m *Mirror) Execution(ctx context.Context, followerID string, outcome any) error {
	if m == nil {
		return nil
	}
	value, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal execution outcome: %w", err)
	}
	msg := kafka.Message{Key: []byte(followerID), Value: value}
	if err := m.executions.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write execution: %w", err)
	}
	return nil
}

// Close releases both writers.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	var firstErr error
	if err := m.signals.Close(); err != nil {
		firstErr = err
	}
	if err := m.executions.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
