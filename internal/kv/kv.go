// Package kv defines the key-value collaborator the idempotency guard is
// built on. Every operation is atomic on a single key.
package kv

import (
	"context"
	"time"
)

// Store is an expiring string key-value store
type Store interface {
	// SetNX stores value under key with the given expiry if the key is
	// absent. Reports whether the value was written.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces the value and expiry of key only if its
	// current value equals old
	CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only if its current value equals old
	CompareAndDelete(ctx context.Context, key, old string) (bool, error)

	// Get returns the current value of key and whether it exists
	Get(ctx context.Context, key string) (string, bool, error)

	// Ping checks the store is reachable
	Ping(ctx context.Context) error

	// Close releases resources
	Close() error
}
