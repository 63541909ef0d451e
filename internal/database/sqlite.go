package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteDatabase represents SQLite specific implementation
type SQLiteDatabase struct {
	*Database
	path string
}

// NewSQLiteDatabase creates new SQLite database instance
func NewSQLiteDatabase(dsn string, opts Options, logger *zap.Logger) (Interface, error) {
	// Ensure the database directory exists
	if err := ensureDBDir(dsn); err != nil {
		return nil, NewError(CodeInit, "failed to create database directory", "sqlite", err)
	}

	// A single writer connection keeps transactions serialized and avoids
	// SQLITE_BUSY under concurrent pollers
	opts.MaxOpenConns = 1
	opts.MaxIdleConns = 1

	base, err := newDatabase(DriverSQLite, "sqlite3", addSQLiteParams(dsn), opts, logger)
	if err != nil {
		return nil, err
	}

	d := &SQLiteDatabase{
		Database: base,
		path:     dsn,
	}

	if err := d.init(); err != nil {
		_ = base.Close()
		return nil, NewError(CodeInit, "failed to initialize SQLite", "sqlite", err)
	}

	return d, nil
}

// init initializes SQLite specific settings
func (d *SQLiteDatabase) init() error {
	pragmas := []struct {
		name  string
		value string
	}{
		{"synchronous", "NORMAL"},
		{"temp_store", "MEMORY"},
		{"busy_timeout", "5000"},
	}

	for _, pragma := range pragmas {
		query := fmt.Sprintf("PRAGMA %s = %s", pragma.name, pragma.value)
		if _, err := d.ExecContext(context.Background(), query); err != nil {
			return fmt.Errorf("failed to set %s: %w", pragma.name, err)
		}
	}

	return nil
}

// Path returns the database file path
func (d *SQLiteDatabase) Path() string {
	return d.path
}

// ensureDBDir ensures database directory exists
func ensureDBDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(path), 0755)
}

// addSQLiteParams adds SQLite specific connection parameters
func addSQLiteParams(dsn string) string {
	params := []string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
		"_txlock=immediate",
		"_foreign_keys=1",
	}

	query := "?" + strings.Join(params, "&")
	if strings.Contains(dsn, "?") {
		query = "&" + strings.Join(params, "&")
	}

	return dsn + query
}
