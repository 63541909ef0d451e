// Package sqlstore implements store.Store over a SQL database. Timestamps
// are stored as unix milliseconds; the seq column breaks created_at ties in
// insertion order.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"devdispatch/internal/database"
	"devdispatch/internal/store"
	"devdispatch/internal/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const columns = `id, device_id, command_type, params, status, created_at,
	leased_at, lease_expires_at, completed_at, output, ttl_seconds, expires_at`

// querier is satisfied by both database.Interface and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the SQL command store
type Store struct {
	db     database.Interface
	q      querier
	inTx   bool
	logger *zap.Logger
}

// _ implements store.Store
var _ store.Store = (*Store)(nil)

// New creates a store over an already migrated database
func New(db database.Interface, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		q:      db,
		logger: logger,
	}
}

// Insert persists a new PENDING command
func (s *Store) Insert(ctx context.Context, cmd *types.Command) (string, error) {
	if cmd == nil {
		return "", types.StoreFailure("insert", errors.New("nil command"))
	}
	id := cmd.ID
	if id == "" {
		id = uuid.New().String()
	}

	query := `INSERT INTO commands (id, device_id, command_type, params, status, created_at, ttl_seconds, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	var ttl sql.NullInt64
	if cmd.TTLSeconds != nil {
		ttl = sql.NullInt64{Int64: int64(*cmd.TTLSeconds), Valid: true}
	}

	_, err := s.q.ExecContext(ctx, s.rebind(query),
		id,
		cmd.DeviceID,
		string(cmd.Type),
		rawString(cmd.Params),
		string(types.CommandStatusPending),
		toMillis(cmd.CreatedAt),
		ttl,
		nullMillis(cmd.ExpiresAt),
	)
	if err != nil {
		return "", types.StoreFailure("insert", err)
	}
	return id, nil
}

// FindByID returns a command by id
func (s *Store) FindByID(ctx context.Context, id string) (*types.Command, error) {
	query := `SELECT ` + columns + ` FROM commands WHERE id = ?`

	cmd, err := scanCommand(s.q.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("command %s not found", id)
	}
	if err != nil {
		return nil, types.StoreFailure("find by id", err)
	}
	return cmd, nil
}

// FindOldestEligible returns the oldest eligible PENDING command for a device
func (s *Store) FindOldestEligible(ctx context.Context, deviceID string, now time.Time) (*types.Command, error) {
	query := `SELECT ` + columns + ` FROM commands
		WHERE device_id = ? AND status = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC, seq ASC
		LIMIT 1`

	cmd, err := scanCommand(s.q.QueryRowContext(ctx, s.rebind(query),
		deviceID, string(types.CommandStatusPending), toMillis(now)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.StoreFailure("find oldest eligible", err)
	}
	return cmd, nil
}

// CompareAndSetStatus transitions a command if its status matches expected
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, expected, next types.CommandStatus, fields store.Fields) (bool, error) {
	sets := []string{"status = ?"}
	args := []any{string(next)}

	if fields.ClearLease {
		if fields.LeasedAt == nil {
			sets = append(sets, "leased_at = NULL")
		}
		if fields.LeaseExpiresAt == nil {
			sets = append(sets, "lease_expires_at = NULL")
		}
	}
	if fields.LeasedAt != nil {
		sets = append(sets, "leased_at = ?")
		args = append(args, toMillis(*fields.LeasedAt))
	}
	if fields.LeaseExpiresAt != nil {
		sets = append(sets, "lease_expires_at = ?")
		args = append(args, toMillis(*fields.LeaseExpiresAt))
	}
	if fields.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, toMillis(*fields.CompletedAt))
	}
	if fields.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, rawString(fields.Output))
	}

	query := fmt.Sprintf("UPDATE commands SET %s WHERE id = ? AND status = ?", strings.Join(sets, ", "))
	args = append(args, id, string(expected))

	result, err := s.q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, types.StoreFailure("compare and set status", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, types.StoreFailure("compare and set status", err)
	}
	return n == 1, nil
}

// BulkExpireByTTL expires non-terminal commands past their TTL
func (s *Store) BulkExpireByTTL(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE commands
		SET status = ?, leased_at = NULL, lease_expires_at = NULL
		WHERE status IN (?, ?) AND expires_at IS NOT NULL AND expires_at <= ?`

	return s.execCount(ctx, "bulk expire by ttl", query,
		string(types.CommandStatusExpired),
		string(types.CommandStatusPending),
		string(types.CommandStatusLeased),
		toMillis(now),
	)
}

// BulkReleaseExpiredLeases returns lapsed leases to PENDING
func (s *Store) BulkReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE commands
		SET status = ?, leased_at = NULL, lease_expires_at = NULL
		WHERE status = ? AND lease_expires_at <= ? AND (expires_at IS NULL OR expires_at > ?)`

	ms := toMillis(now)
	return s.execCount(ctx, "bulk release expired leases", query,
		string(types.CommandStatusPending),
		string(types.CommandStatusLeased),
		ms,
		ms,
	)
}

// WithTx runs fn inside a database transaction
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	var fnErr error
	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		fnErr = fn(&Store{
			db:     s.db,
			q:      tx,
			inTx:   true,
			logger: s.logger,
		})
		return fnErr
	})
	if err != nil && fnErr == nil {
		// begin or commit failed
		return types.StoreFailure("transaction", err)
	}
	return err
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return types.StoreFailure("ping", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}

func (s *Store) execCount(ctx context.Context, op, query string, args ...any) (int64, error) {
	result, err := s.q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, types.StoreFailure(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, types.StoreFailure(op, err)
	}
	if n > 0 {
		s.logger.Debug("Swept commands", zap.String("op", op), zap.Int64("count", n))
	}
	return n, nil
}

func (s *Store) rebind(query string) string {
	return database.Rebind(s.db.Driver(), query)
}
