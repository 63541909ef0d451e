package database

import (
	"context"
	"fmt"
	"time"

	"devdispatch/internal/database/migration"

	"go.uber.org/zap"
)

// Config represents the SQL database configuration
type Config struct {
	Driver          string
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
	SlowQueryTime   time.Duration
	AutoMigrate     bool
	TargetVersion   int
}

// Validate validates the database configuration
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres, DriverMySQL:
	default:
		return NewError(CodeUnsupported, fmt.Sprintf("unsupported database driver: %s", c.Driver), "validate", nil)
	}
	if c.DSN == "" {
		return NewError(CodeConfig, "database DSN is required", "validate", nil)
	}
	if c.MaxConnections < 0 || c.MaxIdleConns < 0 {
		return NewError(CodeConfig, "connection limits must not be negative", "validate", nil)
	}
	if c.TargetVersion < 0 {
		return NewError(CodeConfig, "target version must not be negative", "validate", nil)
	}
	return nil
}

// New creates new database instance based on configuration
func New(cfg Config, logger *zap.Logger) (Interface, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	// Migrate first: the migrator closes the connection it is given
	if cfg.AutoMigrate {
		if err := runMigrations(cfg, logger); err != nil {
			logger.Error("Failed to run migrations", zap.Error(err))
			return nil, err
		}
	}

	db, err := newInstance(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// newInstance creates new database instance based on configuration
func newInstance(cfg Config, logger *zap.Logger) (Interface, error) {
	opts := Options{
		MaxOpenConns:       cfg.MaxConnections,
		MaxIdleConns:       cfg.MaxIdleConns,
		ConnMaxLifetime:    cfg.ConnMaxLifetime,
		ConnMaxIdleTime:    cfg.ConnMaxLifetime,
		QueryTimeout:       cfg.QueryTimeout,
		SlowQueryThreshold: cfg.SlowQueryTime,
	}

	switch cfg.Driver {
	case DriverSQLite:
		return NewSQLiteDatabase(cfg.DSN, opts, logger)
	case DriverMySQL:
		return NewMySQLDatabase(cfg.DSN, opts, logger)
	case DriverPostgres:
		return NewPostgresDatabase(cfg.DSN, opts, logger)
	default:
		return nil, NewError(CodeUnsupported, fmt.Sprintf("unsupported database driver: %s", cfg.Driver), "open", nil)
	}
}

// runMigrations runs the embedded migrations on a dedicated connection
func runMigrations(cfg Config, logger *zap.Logger) error {
	db, err := newInstance(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create database connection for migrations: %w", err)
	}

	migrator, err := migration.NewMigrator(db.Unwrap(), cfg.Driver, logger)
	if err != nil {
		_ = db.Close()
		return NewError(CodeMigrate, "failed to create migrator", "migrate", err)
	}

	defer func() {
		if err := migrator.Close(); err != nil {
			logger.Warn("Failed to close migrator", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if cfg.TargetVersion > 0 {
		logger.Info("Migrating to target version", zap.Int("target_version", cfg.TargetVersion))
		if err := migrator.MigrateToVersion(ctx, uint(cfg.TargetVersion)); err != nil {
			return NewError(CodeMigrate, "failed to migrate to target version", "migrate", err)
		}
	} else {
		logger.Info("Running migrations to latest version")
		if err := migrator.RunMigrations(ctx); err != nil {
			return NewError(CodeMigrate, "failed to run migrations", "migrate", err)
		}
	}

	version, dirty, err := migrator.GetVersion()
	if err == nil {
		logger.Info("Database schema ready",
			zap.Uint("version", version),
			zap.Bool("dirty", dirty))
	}

	return nil
}
