package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetCheckpoint upserts a sync checkpoint value.
func (db *DB) SetCheckpoint(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return classify("set checkpoint", err)
}

// Checkpoint returns a sync checkpoint value and whether it was set.
func (db *DB) Checkpoint(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.GetContext(ctx, &value, `SELECT value FROM sync_state WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("checkpoint %q: %w", key, err)
	}
	return value, true, nil
}
