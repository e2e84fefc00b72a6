package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// PurgeResult counts the rows removed from each table by PurgeLinesOutside.
type PurgeResult struct {
	Messages   int64
	Tombstones int64
	Archived   int64
	Drafts     int64
}

// Total is the number of rows removed across all tables.
func (r PurgeResult) Total() int64 {
	return r.Messages + r.Tombstones + r.Archived + r.Drafts
}

// PurgeLinesOutside removes every row of every table whose line is not in
// allowed, in a single transaction. It runs whenever the configured line set
// shrinks.
func (db *DB) PurgeLinesOutside(ctx context.Context, allowed []string) (PurgeResult, error) {
	var res PurgeResult
	err := db.WithTx(ctx, func(tx *Tx) error {
		targets := []struct {
			table string
			n     *int64
		}{
			{"messages", &res.Messages},
			{"tombstones", &res.Tombstones},
			{"archived", &res.Archived},
			{"drafts", &res.Drafts},
		}
		for _, t := range targets {
			n, err := deleteOutside(ctx, tx.tx, t.table, allowed)
			if err != nil {
				return err
			}
			*t.n = n
		}
		return nil
	})
	if err != nil {
		return PurgeResult{}, err
	}
	return res, nil
}

// deleteOutside deletes rows of table whose line column is not in allowed.
// table is always one of our own table names, never user input.
func deleteOutside(ctx context.Context, q sqlx.ExtContext, table string, allowed []string) (int64, error) {
	query := `DELETE FROM ` + table
	var args []any
	if len(allowed) > 0 {
		var err error
		query, args, err = sqlx.In(query+` WHERE line NOT IN (?)`, allowed)
		if err != nil {
			return 0, fmt.Errorf("purge %s: %w", table, err)
		}
		query = q.Rebind(query)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify("purge "+table, err)
	}
	return res.RowsAffected()
}
