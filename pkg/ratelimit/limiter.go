// Package ratelimit provides per-identifier request admission control.
//
// The limiter counts admissions inside a rolling window. Storage is
// injectable: the in-process store is correct for a single instance, the
// Redis store keeps counts consistent across a multi-instance deployment.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned by guard helpers when admission is denied.
var ErrRateLimited = errors.New("rate limit exceeded")

// Policy defines a limiter's ceiling.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Store abstracts the admission bookkeeping for a limiter.
type Store interface {
	// Allow admits or rejects one request for id under policy. A rejected
	// request leaves the stored state unchanged.
	Allow(ctx context.Context, id string, policy Policy) (bool, error)
	// Remaining reports how many more requests id may make in the current
	// window.
	Remaining(ctx context.Context, id string, policy Policy) (int, error)
	// Reset clears all state for id.
	Reset(ctx context.Context, id string) error
}

// Limiter binds a Policy to a Store.
type Limiter struct {
	store  Store
	policy Policy
}

// New creates a limiter admitting at most limit requests per window.
func New(store Store, limit int, window time.Duration) *Limiter {
	return &Limiter{store: store, policy: Policy{Limit: limit, Window: window}}
}

// Allow admits or rejects one request for id.
func (l *Limiter) Allow(ctx context.Context, id string) (bool, error) {
	return l.store.Allow(ctx, id, l.policy)
}

// Remaining reports the number of additional admissible requests for id.
func (l *Limiter) Remaining(ctx context.Context, id string) (int, error) {
	return l.store.Remaining(ctx, id, l.policy)
}

// Reset clears the admission state for id.
func (l *Limiter) Reset(ctx context.Context, id string) error {
	return l.store.Reset(ctx, id)
}

// MemoryStore is the in-process Store. Counter mutation is synchronized so
// concurrent admission checks never undercount.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	now     func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]time.Time), now: time.Now}
}

// WithClock injects a deterministic clock for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Allow(_ context.Context, id string, policy Policy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recent := s.prune(id, policy.Window)
	if len(recent) >= policy.Limit {
		s.entries[id] = recent
		return false, nil
	}
	s.entries[id] = append(recent, s.now())
	return true, nil
}

func (s *MemoryStore) Remaining(_ context.Context, id string, policy Policy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recent := s.prune(id, policy.Window)
	s.entries[id] = recent
	if remaining := policy.Limit - len(recent); remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

func (s *MemoryStore) Reset(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// prune drops admissions older than the window. Caller holds the lock.
func (s *MemoryStore) prune(id string, window time.Duration) []time.Time {
	cutoff := s.now().Add(-window)
	kept := s.entries[id][:0:0]
	for _, ts := range s.entries[id] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
