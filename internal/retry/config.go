package retry

import (
	"errors"
	"time"
)

// Config defines the configuration for the retry mechanism.
type Config struct {
	Enable          bool          `mapstructure:"enable"`           // Enable retry
	MaxAttempts     int           `mapstructure:"max_attempts"`     // Total attempts including the first
	InitialInterval time.Duration `mapstructure:"initial_interval"` // Wait before the second attempt
	MaxInterval     time.Duration `mapstructure:"max_interval"`     // Upper bound for the wait
	Multiplier      float64       `mapstructure:"multiplier"`       // Growth factor between waits
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *Config {
	return &Config{
		Enable:          true,
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     15 * time.Second,
		Multiplier:      2,
	}
}

// Validate validates the retry configuration.
func (cfg *Config) Validate() error {
	if cfg == nil || !cfg.Enable {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		return errors.New("max_attempts must be greater than zero")
	}
	if cfg.InitialInterval < 0 || cfg.MaxInterval < 0 {
		return errors.New("intervals cannot be negative")
	}
	if cfg.MaxInterval > 0 && cfg.InitialInterval > cfg.MaxInterval {
		return errors.New("max_interval must not be less than initial_interval")
	}
	if cfg.Multiplier != 0 && cfg.Multiplier < 1 {
		return errors.New("multiplier must be at least 1")
	}
	return nil
}
