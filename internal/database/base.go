package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Database represents the base database implementation
type Database struct {
	db      *sql.DB
	driver  string
	logger  *zap.Logger
	opts    Options
	metrics *metrics
}

// metrics represents database metrics
type metrics struct {
	queryCount  int64
	queryErrors int64
	slowQueries int64
	queryTime   int64
}

// newDatabase creates new base database instance. driver is the logical
// name reported by Driver, sqlDriver the registered database/sql driver.
func newDatabase(driver, sqlDriver, dsn string, opts Options, logger *zap.Logger) (*Database, error) {
	// Set default options
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 25
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 5
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = time.Hour
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	if opts.SlowQueryThreshold <= 0 {
		opts.SlowQueryThreshold = time.Second
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, NewError(CodeConnect, "failed to open database", "open", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, NewError(CodeConnect, "failed to ping database", "open", err)
	}

	return &Database{
		db:      db,
		driver:  driver,
		logger:  logger,
		opts:    opts,
		metrics: &metrics{},
	}, nil
}

// ExecContext executes query and returns result
func (d *Database) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	// Add timeout if not set
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.QueryTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := d.db.ExecContext(ctx, query, args...)
	d.recordMetrics(start, query, err)

	return result, err
}

// QueryContext executes query and returns rows. The query timeout is not
// applied here since the rows outlive this call.
func (d *Database) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := d.db.QueryContext(ctx, query, args...)
	d.recordMetrics(start, query, err)

	return rows, err
}

// QueryRowContext executes query and returns row
func (d *Database) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := d.db.QueryRowContext(ctx, query, args...)
	d.recordMetrics(start, query, row.Err())
	return row
}

// BeginTx starts a transaction
func (d *Database) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return d.db.BeginTx(ctx, opts)
}

// WithTransaction executes a transaction
func (d *Database) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	return d.withTransaction(ctx, nil, fn)
}

// withTransaction runs fn inside a transaction with the given options,
// rolling back on error or panic
func (d *Database) withTransaction(ctx context.Context, opts *sql.TxOptions, fn func(*sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				d.logger.Error("Transaction rollback failed during panic",
					zap.Error(rbErr))
			}
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}

// Ping pings the database
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database connection
func (d *Database) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Stats returns database statistics
func (d *Database) Stats() Stats {
	dbStats := d.db.Stats()
	count := atomic.LoadInt64(&d.metrics.queryCount)

	var avg time.Duration
	if count > 0 {
		avg = time.Duration(atomic.LoadInt64(&d.metrics.queryTime) / count)
	}

	return Stats{
		OpenConnections: dbStats.OpenConnections,
		InUse:           dbStats.InUse,
		Idle:            dbStats.Idle,
		WaitCount:       dbStats.WaitCount,
		WaitDuration:    dbStats.WaitDuration,
		QueryCount:      count,
		QueryErrors:     atomic.LoadInt64(&d.metrics.queryErrors),
		SlowQueries:     atomic.LoadInt64(&d.metrics.slowQueries),
		AvgQueryTime:    avg,
	}
}

// Driver returns the database driver
func (d *Database) Driver() string {
	return d.driver
}

// Unwrap returns the underlying database connection
func (d *Database) Unwrap() *sql.DB {
	return d.db
}

// recordMetrics safely records operation metrics
func (d *Database) recordMetrics(start time.Time, query string, err error) {
	duration := time.Since(start)

	atomic.AddInt64(&d.metrics.queryCount, 1)
	atomic.AddInt64(&d.metrics.queryTime, int64(duration))

	if err != nil && err != sql.ErrNoRows {
		atomic.AddInt64(&d.metrics.queryErrors, 1)
	}

	if duration > d.opts.SlowQueryThreshold {
		atomic.AddInt64(&d.metrics.slowQueries, 1)
		d.logger.Warn("Slow query detected",
			zap.String("driver", d.driver),
			zap.String("query", query),
			zap.Duration("duration", duration))
	}
}
