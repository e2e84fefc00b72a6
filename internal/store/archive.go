package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetArchived records the archived flag for a conversation. The latest write wins.
func (db *DB) SetArchived(ctx context.Context, conv ConversationID, archived bool) error {
	if err := checkConversation(conv); err != nil {
		return &ConstraintError{Op: "set archived", Err: err}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO archived (line, contact, archived, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(line, contact) DO UPDATE SET
			archived = excluded.archived,
			updated_at = excluded.updated_at`,
		conv.Line, conv.Contact, archived, time.Now().UnixMilli())
	return classify("set archived", err)
}

// IsArchived reports the archived flag of a conversation; unknown conversations are not archived.
func (db *DB) IsArchived(ctx context.Context, conv ConversationID) (bool, error) {
	var archived bool
	err := db.GetContext(ctx, &archived,
		`SELECT archived FROM archived WHERE line = ? AND contact = ?`, conv.Line, conv.Contact)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is archived %s: %w", conv, err)
	}
	return archived, nil
}

func checkConversation(conv ConversationID) error {
	if err := ValidatePhone("line", conv.Line); err != nil {
		return err
	}
	return ValidatePhone("contact", conv.Contact)
}
