package database

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

// MySQLDatabase represents MySQL specific implementation
type MySQLDatabase struct {
	*Database
}

// NewMySQLDatabase creates new MySQL database instance
func NewMySQLDatabase(dsn string, opts Options, logger *zap.Logger) (Interface, error) {
	// Add parameters; unknown keys are sent as session variables by the driver
	params := []string{
		"charset=utf8mb4",
		"time_zone=%27%2B00%3A00%27",
		"sql_mode=%27STRICT_ALL_TABLES%2CNO_ENGINE_SUBSTITUTION%27",
	}

	// Append params to DSN
	queryStart := "?"
	if strings.Contains(dsn, "?") {
		queryStart = "&"
	}
	dsn += queryStart + strings.Join(params, "&")

	base, err := newDatabase(DriverMySQL, "mysql", dsn, opts, logger)
	if err != nil {
		return nil, err
	}

	return &MySQLDatabase{
		Database: base,
	}, nil
}

// WithTransaction runs fn with READ COMMITTED isolation so conditional
// updates re-check the latest committed row version
func (d *MySQLDatabase) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	return d.withTransaction(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, fn)
}
