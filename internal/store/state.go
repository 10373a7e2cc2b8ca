package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// SetState upserts a sync_state value.
func SetState(ctx context.Context, q Querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// GetState returns a sync_state value and whether it was present.
func GetState(ctx context.Context, q Querier, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// GetStateInt64 reads an integer sync_state value, returning def when absent.
func GetStateInt64(ctx context.Context, q Querier, key string, def int64) (int64, error) {
	v, ok, err := GetState(ctx, q, key)
	if err != nil || !ok {
		return def, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// SetStateInt64 stores an integer sync_state value.
func SetStateInt64(ctx context.Context, q Querier, key string, v int64) error {
	return SetState(ctx, q, key, strconv.FormatInt(v, 10))
}
