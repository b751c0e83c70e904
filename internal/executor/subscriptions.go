package executor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorfx/mirrorfx/internal/domain"
	"github.com/mirrorfx/mirrorfx/internal/store"
)

// Mode selects which sessions this executor serves.
type Mode string

const (
	// ModeSingle serves exactly one follower, the process principal.
	ModeSingle Mode = "SINGLE"
	// ModeBatch serves the followers hashed into this process's shard.
	ModeBatch Mode = "BATCH"
	// ModeTurbo serves every turbo-lane session, at premium priority.
	ModeTurbo Mode = "TURBO"
)

// SessionSource is the subset of the relational store the subscription
// manager reads.
type SessionSource interface {
	ActiveBindings(ctx context.Context) ([]store.Binding, error)
}

// Subscriptions tracks which masters this executor follows and which
// bindings each signal fans out to. Refresh preserves the last good
// view on store errors and double-checks a sudden drop to empty before
// accepting it, so a flaky store cannot strand open copies.
type Subscriptions struct {
	log    zerolog.Logger
	source SessionSource
	mode   Mode
	userID string
	batch  int
	shards int

	// emptyRecheck is the pause before re-querying a suspicious empty
	// result.
	emptyRecheck time.Duration

	mu       sync.RWMutex
	bindings map[string][]store.Binding
	known    map[string]bool

	// OnNewMaster fires outside the lock for each master not seen
	// before; the executor uses it to subscribe and trigger reconcile.
	OnNewMaster func(masterID string)
}

// NewSubscriptions builds the manager for one executor process.
func NewSubscriptions(log zerolog.Logger, source SessionSource, mode Mode, userID string, batch, shards int) *Subscriptions {
	return &Subscriptions{
		log:          log.With().Str("component", "subscriptions").Logger(),
		source:       source,
		mode:         mode,
		userID:       userID,
		batch:        batch,
		shards:       shards,
		emptyRecheck: time.Second,
		bindings:     make(map[string][]store.Binding),
		known:        make(map[string]bool),
	}
}

// Refresh reloads active sessions and applies the mode filter.
func (s *Subscriptions) Refresh(ctx context.Context) error {
	all, err := s.source.ActiveBindings(ctx)
	if err != nil {
		// Keep the last good view; dropping subscriptions on a store
		// blip would orphan positions mid-trade.
		s.log.Warn().Err(err).Msg("session refresh failed; keeping previous view")
		return err
	}

	next := s.filter(all)

	s.mu.RLock()
	hadAny := len(s.bindings) > 0
	s.mu.RUnlock()

	if len(next) == 0 && hadAny {
		// A sudden drop to zero is more often a store hiccup than a
		// real mass-unsubscribe; confirm it before acting.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.emptyRecheck):
		}
		again, err := s.source.ActiveBindings(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("empty-view recheck failed; keeping previous view")
			return err
		}
		next = s.filter(again)
		if len(next) == 0 {
			s.log.Info().Msg("no active sessions confirmed")
		}
	}

	var fresh []string
	s.mu.Lock()
	s.bindings = next
	for masterID := range next {
		if !s.known[masterID] {
			s.known[masterID] = true
			fresh = append(fresh, masterID)
		}
	}
	s.mu.Unlock()

	if s.OnNewMaster != nil {
		for _, masterID := range fresh {
			s.OnNewMaster(masterID)
		}
	}
	return nil
}

func (s *Subscriptions) filter(all []store.Binding) map[string][]store.Binding {
	out := make(map[string][]store.Binding)
	for _, b := range all {
		if !s.serves(b) {
			continue
		}
		out[b.Session.MasterID] = append(out[b.Session.MasterID], b)
	}
	return out
}

func (s *Subscriptions) serves(b store.Binding) bool {
	switch s.mode {
	case ModeTurbo:
		return b.Session.Lane == domain.LaneTurbo
	case ModeSingle:
		return b.Session.Lane != domain.LaneTurbo && b.Follower.ID == s.userID
	case ModeBatch:
		return b.Session.Lane != domain.LaneTurbo && store.ShardOf(b.Follower.ID, s.shards) == s.batch
	default:
		return false
	}
}

// BindingsFor returns the bindings fanned out for a master's signals.
func (s *Subscriptions) BindingsFor(masterID string) []store.Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bindings[masterID]
}

// Masters lists the masters with at least one served binding.
func (s *Subscriptions) Masters() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.bindings))
	for masterID := range s.bindings {
		out = append(out, masterID)
	}
	return out
}

// Followers lists the distinct followers currently served.
func (s *Subscriptions) Followers() []domain.Follower {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []domain.Follower
	for _, bindings := range s.bindings {
		for _, b := range bindings {
			if !seen[b.Follower.ID] {
				seen[b.Follower.ID] = true
				out = append(out, b.Follower)
			}
		}
	}
	return out
}
