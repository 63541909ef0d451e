package sqlstore

import (
	"database/sql"
	"encoding/json"
	"time"

	"devdispatch/internal/types"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*types.Command, error) {
	var (
		cmd            types.Command
		cmdType        string
		status         string
		params         sql.NullString
		output         sql.NullString
		createdAt      int64
		leasedAt       sql.NullInt64
		leaseExpiresAt sql.NullInt64
		completedAt    sql.NullInt64
		ttlSeconds     sql.NullInt64
		expiresAt      sql.NullInt64
	)

	err := row.Scan(
		&cmd.ID,
		&cmd.DeviceID,
		&cmdType,
		&params,
		&status,
		&createdAt,
		&leasedAt,
		&leaseExpiresAt,
		&completedAt,
		&output,
		&ttlSeconds,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}

	cmd.Type = types.CommandType(cmdType)
	cmd.Status = types.CommandStatus(status)
	cmd.CreatedAt = fromMillis(createdAt)
	cmd.LeasedAt = fromNullMillis(leasedAt)
	cmd.LeaseExpiresAt = fromNullMillis(leaseExpiresAt)
	cmd.CompletedAt = fromNullMillis(completedAt)
	cmd.ExpiresAt = fromNullMillis(expiresAt)
	if params.Valid {
		cmd.Params = json.RawMessage(params.String)
	}
	if output.Valid {
		cmd.Output = json.RawMessage(output.String)
	}
	if ttlSeconds.Valid {
		ttl := int(ttlSeconds.Int64)
		cmd.TTLSeconds = &ttl
	}

	return &cmd, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func rawString(b json.RawMessage) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
