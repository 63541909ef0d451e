package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Func defines the function signature for a retryable operation.
type Func func(ctx context.Context) error

// Execute performs op until it succeeds, the attempts are used up or ctx
// is done. Waits grow by the configured multiplier up to MaxInterval.
func Execute(ctx context.Context, cfg *Config, logger *zap.Logger, name string, op Func) error {
	// If no retry configuration is provided, just execute the operation
	if cfg == nil || !cfg.Enable {
		return op(ctx)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid retry configuration: %w", err)
	}

	interval := cfg.InitialInterval
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if lastErr = op(ctx); lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		logger.Warn("Operation failed, retrying",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.MaxAttempts),
			zap.Duration("wait", interval),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		interval = next(interval, cfg)
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, cfg.MaxAttempts, lastErr)
}

func next(interval time.Duration, cfg *Config) time.Duration {
	if cfg.Multiplier > 1 {
		interval = time.Duration(float64(interval) * cfg.Multiplier)
	}
	if cfg.MaxInterval > 0 && interval > cfg.MaxInterval {
		interval = cfg.MaxInterval
	}
	return interval
}
