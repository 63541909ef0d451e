package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed sql
var migrations embed.FS

// Migrator handles database migrations for the commands schema
type Migrator struct {
	driver  string
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// NewMigrator creates a new migrator instance. The migrator takes ownership
// of db and closes it on Close.
func NewMigrator(db *sql.DB, driver string, logger *zap.Logger) (*Migrator, error) {
	var (
		instance database.Driver
		name     string
		err      error
	)

	switch driver {
	case "sqlite":
		name = "sqlite3"
		instance, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	case "mysql":
		name = "mysql"
		instance, err = mysql.WithInstance(db, &mysql.Config{})
	case "postgres":
		name = "postgres"
		instance, err = postgres.WithInstance(db, &postgres.Config{})
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s driver: %w", driver, err)
	}

	source, err := iofs.New(migrations, "sql/"+driver)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations for %s: %w", driver, err)
	}

	m, err := migrate.NewWithInstance("iofs", source, name, instance)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator instance: %w", err)
	}

	return &Migrator{
		driver:  driver,
		migrate: m,
		logger:  logger,
	}, nil
}

// RunMigrations executes pending migrations
func (m *Migrator) RunMigrations(ctx context.Context) error {
	if m.migrate == nil {
		return errors.New("migrator not properly initialized")
	}

	m.logger.Info("Starting migrations...", zap.String("driver", m.driver))
	errChan := make(chan error, 1)

	go func() {
		if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			errChan <- fmt.Errorf("migration failed: %w", err)
			return
		}
		errChan <- nil
	}()

	select {
	case <-ctx.Done():
		m.logger.Warn("Migration cancelled by context")
		return fmt.Errorf("migration cancelled: %w", ctx.Err())
	case err := <-errChan:
		if err != nil {
			m.logger.Error("Migration failed", zap.Error(err))
			return err
		}
		m.logger.Info("Migrations completed successfully")
		return nil
	}
}

// MigrateToVersion migrates to a specific version
func (m *Migrator) MigrateToVersion(ctx context.Context, version uint) error {
	if m.migrate == nil {
		return errors.New("migrator not properly initialized")
	}

	errChan := make(chan error, 1)

	go func() {
		if err := m.migrate.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			errChan <- fmt.Errorf("migration to version %d failed: %w", version, err)
			return
		}
		errChan <- nil
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("migration to version cancelled: %w", ctx.Err())
	case err := <-errChan:
		if err != nil {
			m.logger.Error("Migration to version failed", zap.Error(err))
			return err
		}
		return nil
	}
}

// GetVersion returns the current migration version
func (m *Migrator) GetVersion() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// Close releases resources
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	if sourceErr == nil && dbErr == nil {
		return nil
	}

	var errMsg string
	if sourceErr != nil {
		errMsg = fmt.Sprintf("source error: %v", sourceErr)
	}
	if dbErr != nil {
		if errMsg != "" {
			errMsg += "; "
		}
		errMsg += fmt.Sprintf("database error: %v", dbErr)
	}

	return fmt.Errorf("failed to close migrator: %s", errMsg)
}
