// Package scheduler implements command creation, lease-based polling and
// completion on top of a store.Store and an idempotency guard.
//
// All status changes for a single command go through the store's
// CompareAndSetStatus. Polling sweeps expired TTLs and lapsed leases inline
// in the same transaction as its lease attempt; there is no background
// sweeper.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"devdispatch/internal/clock"
	"devdispatch/internal/idempotency"
	"devdispatch/internal/kv"
	"devdispatch/internal/metrics"
	"devdispatch/internal/store"
	"devdispatch/internal/types"

	"go.uber.org/zap"
)

// ScheduleRequest describes a command to create
type ScheduleRequest struct {
	DeviceID       string
	Type           types.CommandType
	Params         json.RawMessage
	TTLSeconds     *int
	IdempotencyKey string
}

// Service is the lease scheduler
type Service struct {
	store  store.Store
	guard  *idempotency.Guard
	clock  clock.Clock
	cfg    Config
	logger *zap.Logger
}

// New creates a scheduler. A nil clock means the real clock.
func New(st store.Store, keys kv.Store, c clock.Clock, cfg Config, logger *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	cfg = cfg.withDefaults()
	if c == nil {
		c = clock.Real()
	}

	guard := idempotency.New(keys, idempotency.Config{
		KeyPrefix: cfg.IdempotencyKeyPrefix,
		LockTTL:   cfg.IdempotencyLockTTL,
		Retention: cfg.IdempotencyRetention,
	}, logger)

	return &Service{
		store:  st,
		guard:  guard,
		clock:  c,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Config returns the effective configuration
func (s *Service) Config() Config {
	return s.cfg
}

// now is truncated to milliseconds, the resolution every store keeps
func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

// ScheduleCommand creates a PENDING command. With an idempotency key,
// repeated requests for the same device and key return the same command.
func (s *Service) ScheduleCommand(ctx context.Context, req ScheduleRequest) (cmd *types.Command, err error) {
	start := time.Now()
	result := metrics.ScheduleCreated
	defer func() {
		switch {
		case errors.Is(err, types.ErrConflict):
			result = metrics.ScheduleConflict
		case err != nil:
			result = metrics.ScheduleError
		}
		metrics.ObserveSchedule(result, time.Since(start))
	}()

	if err := validateSchedule(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey == "" {
		return s.create(ctx, req)
	}

	claim, err := s.guard.TryClaim(ctx, req.DeviceID, req.IdempotencyKey)
	if err != nil {
		s.logger.Error("Idempotency claim failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err))
		return nil, err
	}

	switch claim.State {
	case idempotency.Resolved:
		existing, err := s.store.FindByID(ctx, claim.CommandID)
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.Conflict("idempotency key refers to a missing command; please retry")
		}
		if err != nil {
			return nil, err
		}
		if existing.DeviceID != req.DeviceID {
			return nil, types.Conflict("idempotency key is bound to another device")
		}
		result = metrics.ScheduleDeduplicated
		s.logger.Debug("Returning command for repeated idempotency key",
			zap.String("device_id", req.DeviceID),
			zap.String("command_id", existing.ID))
		return existing, nil

	case idempotency.InProgress:
		return nil, types.Conflict("Idempotency-Key is already in progress; please retry")
	}

	cmd, err = s.create(ctx, req)
	if err != nil {
		if _, relErr := s.guard.Release(ctx, req.DeviceID, req.IdempotencyKey, claim.Token); relErr != nil {
			s.logger.Error("Failed to release idempotency claim",
				zap.String("device_id", req.DeviceID),
				zap.Error(relErr))
		}
		return nil, err
	}

	if _, err := s.guard.Resolve(ctx, req.DeviceID, req.IdempotencyKey, claim.Token, cmd.ID); err != nil {
		// The command exists; the claim lapses after the lock window.
		s.logger.Error("Failed to resolve idempotency claim",
			zap.String("device_id", req.DeviceID),
			zap.String("command_id", cmd.ID),
			zap.Error(err))
	}
	return cmd, nil
}

func (s *Service) create(ctx context.Context, req ScheduleRequest) (*types.Command, error) {
	now := s.now()
	cmd := &types.Command{
		DeviceID:  req.DeviceID,
		Type:      req.Type,
		Params:    req.Params,
		Status:    types.CommandStatusPending,
		CreatedAt: now,
	}
	if req.TTLSeconds != nil {
		ttl := *req.TTLSeconds
		expiresAt := now.Add(time.Duration(ttl) * time.Second)
		cmd.TTLSeconds = &ttl
		cmd.ExpiresAt = &expiresAt
	}

	id, err := s.store.Insert(ctx, cmd)
	if err != nil {
		s.logger.Error("Failed to insert command",
			zap.String("device_id", req.DeviceID),
			zap.Error(err))
		return nil, err
	}
	cmd.ID = id

	s.logger.Info("Command scheduled",
		zap.String("command_id", id),
		zap.String("device_id", cmd.DeviceID),
		zap.String("type", string(cmd.Type)))
	return cmd, nil
}

// PollNextCommand leases the oldest eligible command for the device.
// It returns nil when there is nothing to lease, including when every
// attempt lost the race to another poller.
func (s *Service) PollNextCommand(ctx context.Context, deviceID string) (leased *types.Command, err error) {
	start := time.Now()
	result := metrics.PollEmpty
	attempt := 0
	defer func() {
		if err != nil {
			result = metrics.PollError
		}
		metrics.ObservePoll(result, attempt, time.Since(start))
	}()

	if deviceID == "" {
		return nil, types.Validation("deviceId is required")
	}

	for attempt = 1; attempt <= s.cfg.PollMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cmd, lost, err := s.leaseOnce(ctx, deviceID)
		if err != nil {
			s.logger.Error("Poll failed",
				zap.String("device_id", deviceID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return nil, err
		}
		if cmd != nil {
			result = metrics.PollLeased
			s.logger.Info("Command leased",
				zap.String("command_id", cmd.ID),
				zap.String("device_id", deviceID),
				zap.Int("attempt", attempt))
			return cmd, nil
		}
		if !lost {
			return nil, nil
		}

		s.logger.Debug("Lost lease race, retrying",
			zap.String("device_id", deviceID),
			zap.Int("attempt", attempt))
		if s.cfg.PollBackoff > 0 && attempt < s.cfg.PollMaxAttempts {
			s.clock.Sleep(s.cfg.PollBackoff)
		}
	}

	attempt = s.cfg.PollMaxAttempts
	result = metrics.PollExhausted
	s.logger.Warn("Poll attempts exhausted",
		zap.String("device_id", deviceID),
		zap.Int("attempt", attempt))
	return nil, nil
}

// leaseOnce runs one sweep-find-lease attempt in a single transaction.
// lost reports that a candidate existed but another poller leased it first.
func (s *Service) leaseOnce(ctx context.Context, deviceID string) (leased *types.Command, lost bool, err error) {
	var expired, released int64

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		leased, lost = nil, false
		now := s.now()

		n, err := tx.BulkExpireByTTL(ctx, now)
		if err != nil {
			return err
		}
		expired = n

		n, err = tx.BulkReleaseExpiredLeases(ctx, now)
		if err != nil {
			return err
		}
		released = n

		candidate, err := tx.FindOldestEligible(ctx, deviceID, now)
		if err != nil {
			return err
		}
		if candidate == nil {
			return nil
		}

		leasedAt := now
		leaseExpiresAt := now.Add(s.cfg.LeaseDuration)
		ok, err := tx.CompareAndSetStatus(ctx, candidate.ID,
			types.CommandStatusPending, types.CommandStatusLeased,
			store.Fields{LeasedAt: &leasedAt, LeaseExpiresAt: &leaseExpiresAt})
		if err != nil {
			return err
		}
		if !ok {
			lost = true
			return nil
		}

		leased, err = tx.FindByID(ctx, candidate.ID)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	metrics.AddSwept(metrics.SweepExpired, expired)
	metrics.AddSwept(metrics.SweepReleased, released)
	return leased, lost, nil
}

// CompleteCommand records the device's outcome for a leased command
func (s *Service) CompleteCommand(ctx context.Context, id string, outcome types.Outcome, output json.RawMessage) (done *types.Command, err error) {
	result := metrics.CompleteError
	defer func() {
		switch {
		case err == nil:
			if outcome == types.OutcomeSucceeded {
				result = metrics.CompleteSucceeded
			} else {
				result = metrics.CompleteFailed
			}
		case errors.Is(err, types.ErrNotFound):
			result = metrics.CompleteNotFound
		case errors.Is(err, types.ErrConflict) && result != metrics.CompleteExpired:
			result = metrics.CompleteConflict
		}
		metrics.IncComplete(result)
	}()

	if id == "" {
		return nil, types.Validation("commandId is required")
	}
	if !outcome.Valid() {
		return nil, types.Validation("status must be one of SUCCEEDED, FAILED")
	}

	// A rejection is decided inside the transaction but returned after it
	// commits, so a TTL expiry found here is persisted.
	var rejection error
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		done, rejection = nil, nil
		cmd, err := tx.FindByID(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()

		if cmd.TTLElapsed(now) && !cmd.Status.Completed() {
			if cmd.Status != types.CommandStatusExpired {
				if _, err := tx.CompareAndSetStatus(ctx, id, cmd.Status, types.CommandStatusExpired,
					store.Fields{ClearLease: true}); err != nil {
					return err
				}
				s.logger.Info("Command expired at completion",
					zap.String("command_id", id),
					zap.String("device_id", cmd.DeviceID))
			}
			result = metrics.CompleteExpired
			rejection = types.Conflict("Command TTL expired")
			return nil
		}

		if cmd.Status != types.CommandStatusLeased {
			rejection = types.Conflict("Command is not currently leased")
			return nil
		}
		if cmd.LeaseExpiresAt == nil || !cmd.LeaseExpiresAt.After(now) {
			rejection = types.Conflict("Command lease expired")
			return nil
		}

		completedAt := now
		ok, err := tx.CompareAndSetStatus(ctx, id, types.CommandStatusLeased, outcome.Status(), store.Fields{
			ClearLease:  true,
			CompletedAt: &completedAt,
			Output:      output,
		})
		if err != nil {
			return err
		}
		if !ok {
			rejection = types.Conflict("Command is not currently leased")
			return nil
		}

		done, err = tx.FindByID(ctx, id)
		return err
	})
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			s.logger.Error("Completion failed",
				zap.String("command_id", id),
				zap.Error(err))
		}
		return nil, err
	}
	if rejection != nil {
		s.logger.Debug("Completion rejected",
			zap.String("command_id", id),
			zap.Error(rejection))
		return nil, rejection
	}

	s.logger.Info("Command completed",
		zap.String("command_id", id),
		zap.String("device_id", done.DeviceID),
		zap.String("status", string(done.Status)))
	return done, nil
}

// GetCommand returns a command by id
func (s *Service) GetCommand(ctx context.Context, id string) (*types.Command, error) {
	if id == "" {
		return nil, types.Validation("commandId is required")
	}
	return s.store.FindByID(ctx, id)
}

// Ping checks the store and the idempotency key-value store
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	if err := s.guard.Ping(ctx); err != nil {
		return types.StoreFailure("kv ping", err)
	}
	return nil
}

func validateSchedule(req ScheduleRequest) error {
	if req.DeviceID == "" {
		return types.Validation("deviceId is required")
	}
	if !req.Type.Valid() {
		return types.Validation("type must be one of PING, REBOOT, COLLECT_LOGS")
	}
	if req.TTLSeconds != nil && *req.TTLSeconds < 1 {
		return types.Validation("ttlSeconds must not be less than 1")
	}
	if req.TTLSeconds != nil && *req.TTLSeconds > types.MaxTTLSeconds {
		return types.Validation("ttlSeconds must not be greater than %d", types.MaxTTLSeconds)
	}
	return nil
}
