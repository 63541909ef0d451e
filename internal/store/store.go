// Package store defines the command persistence contract. Status changes go
// through CompareAndSetStatus, the bulk sweeps and WithTx, which every
// backend (memory, sqlstore, mongostore) implements atomically.
package store

import (
	"context"
	"encoding/json"
	"time"

	"devdispatch/internal/types"
)

// Fields carries the non-status columns written together with a status transition
type Fields struct {
	LeasedAt       *time.Time
	LeaseExpiresAt *time.Time
	ClearLease     bool // null out leased_at and lease_expires_at
	CompletedAt    *time.Time
	Output         json.RawMessage
}

// Store is the durable record of every command and its state.
//
// CompareAndSetStatus is the only method that changes the status of a single
// command; the two bulk sweeps change status for whole classes of rows whose
// current status is non-terminal.
type Store interface {
	// Insert persists a new PENDING command and returns its id. An id is
	// generated when cmd.ID is empty.
	Insert(ctx context.Context, cmd *types.Command) (string, error)

	// FindByID returns the command or an error matching types.ErrNotFound
	FindByID(ctx context.Context, id string) (*types.Command, error)

	// FindOldestEligible returns the oldest PENDING, unexpired command for
	// the device, or nil when there is none. Ties on created_at are broken
	// by insertion order.
	FindOldestEligible(ctx context.Context, deviceID string, now time.Time) (*types.Command, error)

	// CompareAndSetStatus moves the command from expected to next and
	// writes fields, only if its status is still expected. Reports whether
	// exactly one row changed.
	CompareAndSetStatus(ctx context.Context, id string, expected, next types.CommandStatus, fields Fields) (bool, error)

	// BulkExpireByTTL marks PENDING and LEASED commands whose expires_at
	// is at or before now as EXPIRED
	BulkExpireByTTL(ctx context.Context, now time.Time) (int64, error)

	// BulkReleaseExpiredLeases returns LEASED commands whose lease lapsed
	// at or before now, and whose TTL has not, to PENDING
	BulkReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error)

	// WithTx runs fn against a Store bound to a single transaction.
	// The transaction commits when fn returns nil.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// Ping checks the backing store is reachable
	Ping(ctx context.Context) error

	// Close releases resources
	Close() error
}

// Apply writes a status transition onto cmd in place. Shared by the
// in-process implementations so every backend agrees on field semantics.
func Apply(cmd *types.Command, next types.CommandStatus, f Fields) {
	cmd.Status = next
	if f.ClearLease {
		cmd.LeasedAt = nil
		cmd.LeaseExpiresAt = nil
	}
	if f.LeasedAt != nil {
		t := *f.LeasedAt
		cmd.LeasedAt = &t
	}
	if f.LeaseExpiresAt != nil {
		t := *f.LeaseExpiresAt
		cmd.LeaseExpiresAt = &t
	}
	if f.CompletedAt != nil {
		t := *f.CompletedAt
		cmd.CompletedAt = &t
	}
	if f.Output != nil {
		cmd.Output = append(json.RawMessage(nil), f.Output...)
	}
}

// Clone returns a deep copy of cmd
func Clone(cmd *types.Command) *types.Command {
	if cmd == nil {
		return nil
	}
	c := *cmd
	c.Params = cloneRaw(cmd.Params)
	c.Output = cloneRaw(cmd.Output)
	c.LeasedAt = cloneTime(cmd.LeasedAt)
	c.LeaseExpiresAt = cloneTime(cmd.LeaseExpiresAt)
	c.CompletedAt = cloneTime(cmd.CompletedAt)
	c.ExpiresAt = cloneTime(cmd.ExpiresAt)
	if cmd.TTLSeconds != nil {
		ttl := *cmd.TTLSeconds
		c.TTLSeconds = &ttl
	}
	return &c
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
