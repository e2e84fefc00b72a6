package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// AddTombstone records that the user deleted the provider message remoteID on line.
func (db *DB) AddTombstone(ctx context.Context, line string, remoteID int64) error {
	return addTombstone(ctx, db, line, remoteID)
}

func addTombstone(ctx context.Context, q sqlx.ExecerContext, line string, remoteID int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tombstones (line, remote_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(line, remote_id) DO NOTHING`,
		line, remoteID, time.Now().UnixMilli())
	return classify("add tombstone", err)
}

// TombstoneExists reports whether remoteID on line was deleted locally.
func (db *DB) TombstoneExists(ctx context.Context, line string, remoteID int64) (bool, error) {
	return tombstoneExists(ctx, db, line, remoteID)
}

// TombstoneExists checks within the transaction.
func (tx *Tx) TombstoneExists(ctx context.Context, line string, remoteID int64) (bool, error) {
	return tombstoneExists(ctx, tx.tx, line, remoteID)
}

func tombstoneExists(ctx context.Context, q sqlx.QueryerContext, line string, remoteID int64) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q, &exists, `
		SELECT EXISTS (SELECT 1 FROM tombstones WHERE line = ? AND remote_id = ?)`, line, remoteID)
	if err != nil {
		return false, classify("tombstone lookup", err)
	}
	return exists, nil
}
