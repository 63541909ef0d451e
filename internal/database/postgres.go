package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// PostgresDatabase represents PostgreSQL database implementation
type PostgresDatabase struct {
	*Database
}

// NewPostgresDatabase creates new PostgreSQL database instance backed by pgx
func NewPostgresDatabase(dsn string, opts Options, logger *zap.Logger) (Interface, error) {
	base, err := newDatabase(DriverPostgres, "pgx", dsn, opts, logger)
	if err != nil {
		return nil, err
	}

	d := &PostgresDatabase{
		Database: base,
	}

	if err := d.init(); err != nil {
		_ = base.Close()
		return nil, NewError(CodeInit, "failed to initialize PostgreSQL", "postgres", err)
	}

	return d, nil
}

// init checks the server is reachable and logs its version
func (d *PostgresDatabase) init() error {
	var version string
	if err := d.QueryRowContext(context.Background(), "SHOW server_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read server version: %w", err)
	}
	d.logger.Info("Connected to PostgreSQL", zap.String("server_version", version))
	return nil
}

// WithTransaction overrides default implementation for PostgreSQL
func (d *PostgresDatabase) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	return d.withTransaction(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, fn)
}
