// Package retry consolidates the bounded-retry pattern used around bus,
// backend, and terminal calls.
package retry

import (
	"context"
	"errors"
	"time"
)

// Classifier reports whether an error is worth another attempt.
type Classifier func(error) bool

// Any retries every non-nil error.
func Any(error) bool { return true }

// Policy describes a bounded retry.
type Policy struct {
	Attempts  int
	Backoff   time.Duration
	Transient Classifier
}

// Do runs fn up to p.Attempts times, sleeping p.Backoff between attempts.
// It returns nil on the first success, the last error once attempts are
// exhausted, and stops early when the classifier marks an error terminal
// or the context is done.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	classify := p.Transient
	if classify == nil {
		classify = Any
	}

	var last error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn()
		if last == nil {
			return nil
		}
		if !classify(last) {
			return last
		}
		if i < attempts-1 && p.Backoff > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(last, ctx.Err())
			case <-time.After(p.Backoff):
			}
		}
	}
	return last
}
