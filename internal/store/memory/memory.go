package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"devdispatch/internal/store"
	"devdispatch/internal/types"

	"github.com/google/uuid"
)

// Store is an in-process command store. A single mutex serializes every
// operation, so WithTx gives the same isolation a serializable database
// transaction would.
type Store struct {
	mu     sync.Mutex
	state  *state
	closed bool
}

type state struct {
	rows  map[string]*row
	order []*row // insertion order
	seq   int64
}

type row struct {
	seq int64
	cmd *types.Command
}

// _ implements store.Store
var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store
func New() *Store {
	return &Store{state: &state{rows: make(map[string]*row)}}
}

// Insert persists a new PENDING command
func (s *Store) Insert(_ context.Context, cmd *types.Command) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	return s.state.insert(cmd)
}

// FindByID returns a command by id
func (s *Store) FindByID(_ context.Context, id string) (*types.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.state.findByID(id)
}

// FindOldestEligible returns the oldest eligible PENDING command for a device
func (s *Store) FindOldestEligible(_ context.Context, deviceID string, now time.Time) (*types.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.state.findOldestEligible(deviceID, now), nil
}

// CompareAndSetStatus transitions a command if its status matches expected
func (s *Store) CompareAndSetStatus(_ context.Context, id string, expected, next types.CommandStatus, fields store.Fields) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return false, err
	}
	return s.state.compareAndSet(id, expected, next, fields), nil
}

// BulkExpireByTTL expires non-terminal commands past their TTL
func (s *Store) BulkExpireByTTL(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.state.expireByTTL(now), nil
}

// BulkReleaseExpiredLeases returns lapsed leases to PENDING
func (s *Store) BulkReleaseExpiredLeases(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.state.releaseExpiredLeases(now), nil
}

// WithTx runs fn while holding the store lock. Changes made by fn are
// discarded when it returns an error.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	working := s.state.snapshot()
	if err := fn(&txStore{state: working}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = working
	return nil
}

// Ping reports whether the store is open
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check()
}

// Close marks the store closed
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of stored commands
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.order)
}

func (s *Store) check() error {
	if s.closed {
		return types.StoreFailure("memory", errors.New("store is closed"))
	}
	return nil
}

// txStore is the Store view handed to WithTx callbacks. The outer lock is
// already held, so it works on the snapshot directly.
type txStore struct {
	state *state
}

func (t *txStore) Insert(_ context.Context, cmd *types.Command) (string, error) {
	return t.state.insert(cmd)
}

func (t *txStore) FindByID(_ context.Context, id string) (*types.Command, error) {
	return t.state.findByID(id)
}

func (t *txStore) FindOldestEligible(_ context.Context, deviceID string, now time.Time) (*types.Command, error) {
	return t.state.findOldestEligible(deviceID, now), nil
}

func (t *txStore) CompareAndSetStatus(_ context.Context, id string, expected, next types.CommandStatus, fields store.Fields) (bool, error) {
	return t.state.compareAndSet(id, expected, next, fields), nil
}

func (t *txStore) BulkExpireByTTL(_ context.Context, now time.Time) (int64, error) {
	return t.state.expireByTTL(now), nil
}

func (t *txStore) BulkReleaseExpiredLeases(_ context.Context, now time.Time) (int64, error) {
	return t.state.releaseExpiredLeases(now), nil
}

func (t *txStore) WithTx(_ context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

func (t *txStore) Ping(context.Context) error { return nil }

func (t *txStore) Close() error { return nil }

func (st *state) insert(cmd *types.Command) (string, error) {
	if cmd == nil {
		return "", types.StoreFailure("insert", errors.New("nil command"))
	}
	c := store.Clone(cmd)
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if _, exists := st.rows[c.ID]; exists {
		return "", types.StoreFailure("insert", errors.New("duplicate command id "+c.ID))
	}
	c.Status = types.CommandStatusPending
	c.LeasedAt = nil
	c.LeaseExpiresAt = nil
	c.CompletedAt = nil
	c.Output = nil

	st.seq++
	r := &row{seq: st.seq, cmd: c}
	st.rows[c.ID] = r
	st.order = append(st.order, r)
	return c.ID, nil
}

func (st *state) findByID(id string) (*types.Command, error) {
	r, ok := st.rows[id]
	if !ok {
		return nil, types.NotFound("command %s not found", id)
	}
	return store.Clone(r.cmd), nil
}

func (st *state) findOldestEligible(deviceID string, now time.Time) *types.Command {
	var best *row
	for _, r := range st.order {
		c := r.cmd
		if c.DeviceID != deviceID || c.Status != types.CommandStatusPending || c.TTLElapsed(now) {
			continue
		}
		// order is by seq already, so only a strictly older created_at wins
		if best == nil || c.CreatedAt.Before(best.cmd.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	return store.Clone(best.cmd)
}

func (st *state) compareAndSet(id string, expected, next types.CommandStatus, fields store.Fields) bool {
	r, ok := st.rows[id]
	if !ok || r.cmd.Status != expected {
		return false
	}
	store.Apply(r.cmd, next, fields)
	return true
}

func (st *state) expireByTTL(now time.Time) int64 {
	var n int64
	for _, r := range st.order {
		c := r.cmd
		if (c.Status == types.CommandStatusPending || c.Status == types.CommandStatusLeased) && c.TTLElapsed(now) {
			store.Apply(c, types.CommandStatusExpired, store.Fields{ClearLease: true})
			n++
		}
	}
	return n
}

func (st *state) releaseExpiredLeases(now time.Time) int64 {
	var n int64
	for _, r := range st.order {
		c := r.cmd
		if c.Status != types.CommandStatusLeased || c.LeaseExpiresAt == nil || c.LeaseExpiresAt.After(now) {
			continue
		}
		if c.TTLElapsed(now) {
			continue
		}
		store.Apply(c, types.CommandStatusPending, store.Fields{ClearLease: true})
		n++
	}
	return n
}

// snapshot deep-copies the state for transactional work
func (st *state) snapshot() *state {
	cp := &state{
		rows:  make(map[string]*row, len(st.rows)),
		order: make([]*row, 0, len(st.order)),
		seq:   st.seq,
	}
	for _, r := range st.order {
		nr := &row{seq: r.seq, cmd: store.Clone(r.cmd)}
		cp.rows[nr.cmd.ID] = nr
		cp.order = append(cp.order, nr)
	}
	return cp
}
