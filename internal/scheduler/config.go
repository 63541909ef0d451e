package scheduler

import (
	"fmt"
	"time"

	"devdispatch/internal/idempotency"
)

// Defaults for Config
const (
	DefaultLeaseDuration   = 60 * time.Second
	DefaultPollMaxAttempts = 5
)

// Config holds the scheduler constants. It is passed in at construction
// rather than read from global state.
type Config struct {
	// LeaseDuration is how long a polled command stays reserved for its device
	LeaseDuration time.Duration

	// PollMaxAttempts caps lease attempts per poll when other pollers win
	// the race for the same candidate
	PollMaxAttempts int

	// PollBackoff is slept between lost attempts. Zero retries immediately.
	PollBackoff time.Duration

	// Idempotency key handling
	IdempotencyKeyPrefix string
	IdempotencyLockTTL   time.Duration
	IdempotencyRetention time.Duration
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		LeaseDuration:        DefaultLeaseDuration,
		PollMaxAttempts:      DefaultPollMaxAttempts,
		IdempotencyKeyPrefix: idempotency.DefaultKeyPrefix,
		IdempotencyLockTTL:   idempotency.DefaultLockTTL,
		IdempotencyRetention: idempotency.DefaultRetention,
	}
}

// withDefaults fills unset values
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = d.PollMaxAttempts
	}
	if c.IdempotencyKeyPrefix == "" {
		c.IdempotencyKeyPrefix = d.IdempotencyKeyPrefix
	}
	if c.IdempotencyLockTTL <= 0 {
		c.IdempotencyLockTTL = d.IdempotencyLockTTL
	}
	if c.IdempotencyRetention <= 0 {
		c.IdempotencyRetention = d.IdempotencyRetention
	}
	return c
}

// Validate validates the scheduler configuration
func (c Config) Validate() error {
	if c.LeaseDuration < 0 {
		return fmt.Errorf("lease duration must not be negative")
	}
	if c.PollMaxAttempts < 0 {
		return fmt.Errorf("poll max attempts must not be negative")
	}
	if c.PollBackoff < 0 {
		return fmt.Errorf("poll backoff must not be negative")
	}
	if c.IdempotencyLockTTL < 0 || c.IdempotencyRetention < 0 {
		return fmt.Errorf("idempotency windows must not be negative")
	}
	if c.IdempotencyLockTTL > 0 && c.IdempotencyRetention > 0 && c.IdempotencyRetention < c.IdempotencyLockTTL {
		return fmt.Errorf("idempotency retention must not be shorter than the lock window")
	}
	return nil
}
