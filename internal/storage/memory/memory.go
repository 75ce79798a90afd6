package memory

import (
	"context"
	"sync"
	"time"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/storage"
)

// Store implements storage.Store in-process. It is meant for single-instance
// deployments, tests and local development.
type Store struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]entry
}

type entry struct {
	value     string
	expiresAt time.Time
}

// New returns an empty store driven by the real clock.
func New() *Store {
	return NewWithClock(clock.Real{})
}

// NewWithClock returns an empty store whose expiry decisions use clk.
func NewWithClock(clk clock.Clock) *Store {
	return &Store{
		clock:   clock.Or(clk),
		entries: make(map[string]entry),
	}
}

// Close satisfies storage.Store; the in-memory store holds no resources.
func (s *Store) Close() error {
	return nil
}

// Get returns the live value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return "", storage.ErrNotFound
	}
	return e.value, nil
}

// Set writes value and resets its TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{value: value, expiresAt: storage.ExpiryFor(s.clock.Now(), ttl)}
	return nil
}

// SetNX writes value only when key holds no live entry.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveLocked(key); ok {
		return false, nil
	}
	s.entries[key] = entry{value: value, expiresAt: storage.ExpiryFor(s.clock.Now(), ttl)}
	return true, nil
}

// Delete removes key, optionally only when it still holds expected.
func (s *Store) Delete(ctx context.Context, key, expected string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return nil
	}
	if expected != "" && e.value != expected {
		return storage.ErrCASMismatch
	}
	delete(s.entries, key)
	return nil
}

// Sweep drops expired entries and reports how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	removed := 0
	for key, e := range s.entries {
		if storage.Expired(e.expiresAt, now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, live or expired.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) liveLocked(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if storage.Expired(e.expiresAt, s.clock.Now()) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}
