// Package idempotency deduplicates command creation per (device, key).
//
// Each key moves through three states held in the key-value store:
//
//	unclaimed -> in-progress(token) -> resolved(command id)
//
// The in-progress marker carries a short expiry so a crashed creator only
// blocks retries for the lock window. Resolve and Release are conditional
// on the caller's token, so a creator whose lock already lapsed can never
// overwrite or delete the entry written by a later claim.
package idempotency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"devdispatch/internal/kv"
	"devdispatch/internal/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const tokenPrefix = "inprog:"

// Defaults for the guard's expiry windows
const (
	DefaultLockTTL   = 30 * time.Second
	DefaultRetention = 24 * time.Hour
	DefaultKeyPrefix = "idempotency"
)

// State is the outcome of a claim attempt
type State int

const (
	// Claimed means the caller now holds the key and must Resolve or Release it
	Claimed State = iota + 1
	// Resolved means an earlier request already created the command
	Resolved
	// InProgress means another request holds the key
	InProgress
)

func (s State) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case Resolved:
		return "resolved"
	case InProgress:
		return "in_progress"
	default:
		return "unknown"
	}
}

// Claim is the result of TryClaim
type Claim struct {
	State     State
	Token     string // set when Claimed
	CommandID string // set when Resolved
}

// Config holds the guard's expiry windows
type Config struct {
	KeyPrefix string
	LockTTL   time.Duration
	Retention time.Duration
}

// Guard is the idempotency guard
type Guard struct {
	store  kv.Store
	cfg    Config
	logger *zap.Logger
}

// New creates a guard over store
func New(store kv.Store, cfg Config, logger *zap.Logger) *Guard {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Guard{
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// Key returns the store key for a device's idempotency key
func (g *Guard) Key(deviceID, key string) string {
	return fmt.Sprintf("%s:%s:%s", g.cfg.KeyPrefix, deviceID, key)
}

// TryClaim attempts to take ownership of (deviceID, key)
func (g *Guard) TryClaim(ctx context.Context, deviceID, key string) (Claim, error) {
	storeKey := g.Key(deviceID, key)
	token := tokenPrefix + uuid.New().String()

	ok, err := g.store.SetNX(ctx, storeKey, token, g.cfg.LockTTL)
	if err != nil {
		return Claim{}, types.StoreFailure("idempotency claim", err)
	}
	if ok {
		return Claim{State: Claimed, Token: token}, nil
	}

	value, found, err := g.store.Get(ctx, storeKey)
	if err != nil {
		return Claim{}, types.StoreFailure("idempotency lookup", err)
	}
	if found && !isToken(value) {
		return Claim{State: Resolved, CommandID: value}, nil
	}

	// Either another request holds the lock, or the entry expired between
	// the two calls; both resolve on retry
	return Claim{State: InProgress}, nil
}

// Resolve records commandID as the result of the claim held by token.
// Reports false when the claim was lost in the meantime.
func (g *Guard) Resolve(ctx context.Context, deviceID, key, token, commandID string) (bool, error) {
	ok, err := g.store.CompareAndSwap(ctx, g.Key(deviceID, key), token, commandID, g.cfg.Retention)
	if err != nil {
		return false, types.StoreFailure("idempotency resolve", err)
	}
	if !ok {
		g.logger.Warn("Idempotency claim lost before resolve",
			zap.String("device_id", deviceID),
			zap.String("command_id", commandID))
	}
	return ok, nil
}

// Release frees the claim held by token so the request can be retried
func (g *Guard) Release(ctx context.Context, deviceID, key, token string) (bool, error) {
	ok, err := g.store.CompareAndDelete(ctx, g.Key(deviceID, key), token)
	if err != nil {
		return false, types.StoreFailure("idempotency release", err)
	}
	return ok, nil
}

// Ping checks the backing store
func (g *Guard) Ping(ctx context.Context) error {
	return g.store.Ping(ctx)
}

func isToken(value string) bool {
	return strings.HasPrefix(value, tokenPrefix)
}
