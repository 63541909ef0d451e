package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"devdispatch/internal/types"

	"go.uber.org/zap"
)

// Func executes a command on the device and returns its output
type Func func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Result is the outcome of running a command locally
type Result struct {
	Outcome types.Outcome
	Output  json.RawMessage
}

// Handler dispatches leased commands to the function registered for
// their type
type Handler struct {
	mu       sync.RWMutex
	handlers map[types.CommandType]Func
	logger   *zap.Logger
}

// NewHandler creates a handler with the PING responder registered
func NewHandler(logger *zap.Logger) *Handler {
	h := &Handler{
		handlers: make(map[types.CommandType]Func),
		logger:   logger,
	}
	_ = h.Register(types.CommandTypePing, handlePing)
	return h
}

// Register binds fn to a command type, replacing any previous function
func (h *Handler) Register(t types.CommandType, fn Func) error {
	if !t.Valid() {
		return fmt.Errorf("unknown command type: %s", t)
	}
	if fn == nil {
		return fmt.Errorf("handler for %s is nil", t)
	}

	h.mu.Lock()
	h.handlers[t] = fn
	h.mu.Unlock()
	return nil
}

// Handle runs the command. Failures are reported as a FAILED outcome
// with the error in the output, never as an error.
func (h *Handler) Handle(ctx context.Context, commandID string, t types.CommandType, params json.RawMessage) Result {
	h.mu.RLock()
	fn, ok := h.handlers[t]
	h.mu.RUnlock()

	if !ok {
		h.logger.Warn("No handler for command type",
			zap.String("command_id", commandID),
			zap.String("type", string(t)))
		return failed(fmt.Errorf("unsupported command type: %s", t))
	}

	start := time.Now()
	output, err := fn(ctx, params)
	if err != nil {
		h.logger.Error("Command failed",
			zap.String("command_id", commandID),
			zap.String("type", string(t)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return failed(err)
	}

	h.logger.Info("Command executed",
		zap.String("command_id", commandID),
		zap.String("type", string(t)),
		zap.Duration("duration", time.Since(start)))
	return Result{Outcome: types.OutcomeSucceeded, Output: output}
}

func failed(err error) Result {
	output, _ := json.Marshal(map[string]string{"error": err.Error()})
	return Result{Outcome: types.OutcomeFailed, Output: output}
}

// handlePing answers with the time the device saw the command
func handlePing(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"pong":        true,
		"received_at": time.Now().UTC(),
	})
}
