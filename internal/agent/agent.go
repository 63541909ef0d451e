// Package agent runs on a device: it polls the dispatch server, executes
// leased commands and reports their outcome.
package agent

import (
	"context"
	"time"

	"devdispatch/internal/agent/client"
	"devdispatch/internal/agent/config"
	"devdispatch/internal/agent/handler"
	av1 "devdispatch/internal/api/v1"

	"go.uber.org/zap"
)

// Dispatcher is the part of the server API a device uses
type Dispatcher interface {
	Poll(ctx context.Context, deviceID string) (*av1.LeasedCommandResponse, error)
	Complete(ctx context.Context, commandID string, req av1.CompleteCommandRequest) (*av1.CompletionResponse, error)
}

// Agent polls for and executes commands for one device
type Agent struct {
	deviceID     string
	pollInterval time.Duration
	errorBackoff time.Duration
	dispatcher   Dispatcher
	handler      *handler.Handler
	logger       *zap.Logger
}

// New creates an agent
func New(cfg *config.Config, d Dispatcher, h *handler.Handler, logger *zap.Logger) *Agent {
	return &Agent{
		deviceID:     cfg.DeviceID,
		pollInterval: cfg.PollInterval,
		errorBackoff: cfg.ErrorBackoff,
		dispatcher:   d,
		handler:      h,
		logger:       logger.With(zap.String("device_id", cfg.DeviceID)),
	}
}

// Run polls until ctx is done. After executing a command it polls again
// straight away; an empty poll waits for the poll interval.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("Agent started", zap.Duration("poll_interval", a.pollInterval))
	defer a.logger.Info("Agent stopped")

	for {
		worked, err := a.RunOnce(ctx)

		wait := time.Duration(0)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			a.logger.Error("Poll cycle failed", zap.Error(err))
			wait = a.errorBackoff
		case !worked:
			wait = a.pollInterval
		}

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

// RunOnce polls once and executes the leased command, if any. It reports
// whether a command was leased.
func (a *Agent) RunOnce(ctx context.Context) (bool, error) {
	cmd, err := a.dispatcher.Poll(ctx, a.deviceID)
	if err != nil {
		return false, err
	}
	if cmd == nil {
		return false, nil
	}

	a.logger.Info("Command leased",
		zap.String("command_id", cmd.CommandID),
		zap.String("type", string(cmd.Type)),
		zap.Time("lease_expires_at", cmd.LeaseExpiresAt))

	// Handlers run no longer than the lease
	runCtx := ctx
	if !cmd.LeaseExpiresAt.IsZero() {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, cmd.LeaseExpiresAt)
		defer cancel()
	}

	result := a.handler.Handle(runCtx, cmd.CommandID, cmd.Type, cmd.Params)

	done, err := a.dispatcher.Complete(ctx, cmd.CommandID, av1.CompleteCommandRequest{
		Status: string(result.Outcome),
		Output: result.Output,
	})
	if err != nil {
		if client.IsConflict(err) {
			// Lease lapsed or TTL passed
			a.logger.Warn("Completion rejected",
				zap.String("command_id", cmd.CommandID),
				zap.Error(err))
			return true, nil
		}
		return true, err
	}

	a.logger.Info("Command completed",
		zap.String("command_id", done.CommandID),
		zap.String("status", string(done.Status)))
	return true, nil
}
