package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		query  string
		want   string
	}{
		{
			name:   "postgres numbered",
			driver: DriverPostgres,
			query:  "UPDATE commands SET status = ? WHERE id = ? AND status = ?",
			want:   "UPDATE commands SET status = $1 WHERE id = $2 AND status = $3",
		},
		{
			name:   "sqlite unchanged",
			driver: DriverSQLite,
			query:  "SELECT * FROM commands WHERE id = ?",
			want:   "SELECT * FROM commands WHERE id = ?",
		},
		{
			name:   "mysql unchanged",
			driver: DriverMySQL,
			query:  "SELECT * FROM commands WHERE id = ?",
			want:   "SELECT * FROM commands WHERE id = ?",
		},
		{
			name:   "no placeholders",
			driver: DriverPostgres,
			query:  "SELECT 1",
			want:   "SELECT 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rebind(tt.driver, tt.query))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "sqlite", cfg: Config{Driver: DriverSQLite, DSN: "data/devdispatch.db"}},
		{name: "unknown driver", cfg: Config{Driver: "oracle", DSN: "x"}, wantErr: true},
		{name: "missing dsn", cfg: Config{Driver: DriverPostgres}, wantErr: true},
		{name: "negative pool", cfg: Config{Driver: DriverMySQL, DSN: "x", MaxConnections: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				var dbErr *Error
				assert.True(t, errors.As(err, &dbErr))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSQLiteMigrateAndTransaction(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dsn := filepath.Join(t.TempDir(), "nested", "devdispatch.db")

	db, err := New(Config{Driver: DriverSQLite, DSN: dsn, AutoMigrate: true}, logger)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, DriverSQLite, db.Driver())
	require.NoError(t, db.Ping(context.Background()))

	ctx := context.Background()
	insert := "INSERT INTO commands (id, device_id, command_type, status, created_at) VALUES (?, ?, ?, ?, ?)"

	// Rolled back on error
	rollback := errors.New("rollback")
	err = db.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insert, "c1", "d1", "PING", "PENDING", 1); err != nil {
			return err
		}
		return rollback
	})
	assert.ErrorIs(t, err, rollback)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM commands").Scan(&count))
	assert.Zero(t, count)

	// Committed on success
	err = db.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insert, "c1", "d1", "PING", "PENDING", 1)
		return err
	})
	require.NoError(t, err)

	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM commands").Scan(&count))
	assert.Equal(t, 1, count)

	// id is unique
	_, err = db.ExecContext(ctx, insert, "c1", "d1", "PING", "PENDING", 2)
	assert.Error(t, err)

	stats := db.Stats()
	assert.Positive(t, stats.QueryCount)
	assert.Positive(t, stats.QueryErrors)
}

func TestNewRejectsUnsupportedDriver(t *testing.T) {
	_, err := New(Config{Driver: "oracle", DSN: "x"}, zaptest.NewLogger(t))
	require.Error(t, err)
	var dbErr *Error
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, CodeUnsupported, dbErr.Code)
}
