// Package memory implements kv.Store in process. Expiry is evaluated
// against the injected clock, so tests control it without sleeping.
package memory

import (
	"context"
	"sync"
	"time"

	"devdispatch/internal/clock"
	"devdispatch/internal/kv"
)

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// Store is an in-memory kv.Store
type Store struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]entry
}

// _ implements kv.Store
var _ kv.Store = (*Store)(nil)

// New creates an empty store
func New(c clock.Clock) *Store {
	if c == nil {
		c = clock.Real()
	}
	return &Store{
		clock:   c,
		entries: make(map[string]entry),
	}
}

// SetNX sets key if absent
func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.entries[key] = s.newEntry(value, ttl)
	return true, nil
}

// CompareAndSwap replaces key's value if it still holds old
func (s *Store) CompareAndSwap(_ context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok || e.value != old {
		return false, nil
	}
	s.entries[key] = s.newEntry(value, ttl)
	return true, nil
}

// CompareAndDelete deletes key if it still holds old
func (s *Store) CompareAndDelete(_ context.Context, key, old string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok || e.value != old {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Get returns key's value
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	return e.value, ok, nil
}

// Ping always succeeds
func (s *Store) Ping(context.Context) error {
	return nil
}

// Close drops all entries
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry)
	return nil
}

func (s *Store) newEntry(value string, ttl time.Duration) entry {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.clock.Now().Add(ttl)
	}
	return e
}

// live returns the entry for key, evicting it if it has expired
func (s *Store) live(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.clock.Now().Before(e.expiresAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}
