package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveDraft replaces the draft of a conversation. The draft text is kept in
// the drafts table and mirrored by a single draft-state message row so it
// sorts first in the conversation. Empty text deletes the draft.
func (db *DB) SaveDraft(ctx context.Context, conv ConversationID, text string) error {
	if err := checkConversation(conv); err != nil {
		return &ConstraintError{Op: "save draft", Err: err}
	}
	return db.WithTx(ctx, func(tx *Tx) error {
		if err := deleteDraft(ctx, tx, conv); err != nil {
			return err
		}
		if text == "" {
			return nil
		}
		now := time.Now()
		if _, err := tx.tx.ExecContext(ctx, `
			INSERT INTO drafts (line, contact, text, updated_at) VALUES (?, ?, ?, ?)`,
			conv.Line, conv.Contact, text, now.UnixMilli()); err != nil {
			return classify("save draft", err)
		}
		_, err := insertMessage(ctx, tx.tx, &Message{
			Timestamp:    now,
			Direction:    Outgoing,
			Conversation: conv,
			Text:         text,
			State:        StateDraft,
		})
		return err
	})
}

// GetDraft returns the draft text of a conversation, or "" if there is none.
func (db *DB) GetDraft(ctx context.Context, conv ConversationID) (string, error) {
	var text string
	err := db.GetContext(ctx, &text,
		`SELECT text FROM drafts WHERE line = ? AND contact = ?`, conv.Line, conv.Contact)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get draft %s: %w", conv, err)
	}
	return text, nil
}

// DeleteDraft removes the draft text and the draft message row of a conversation.
func (db *DB) DeleteDraft(ctx context.Context, conv ConversationID) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		return deleteDraft(ctx, tx, conv)
	})
}

// DeleteDraft removes the draft within the transaction.
func (tx *Tx) DeleteDraft(ctx context.Context, conv ConversationID) error {
	return deleteDraft(ctx, tx, conv)
}

func deleteDraft(ctx context.Context, tx *Tx, conv ConversationID) error {
	if _, err := tx.tx.ExecContext(ctx,
		`DELETE FROM drafts WHERE line = ? AND contact = ?`, conv.Line, conv.Contact); err != nil {
		return classify("delete draft", err)
	}
	_, err := tx.tx.ExecContext(ctx,
		`DELETE FROM messages WHERE line = ? AND contact = ? AND state = 'draft'`, conv.Line, conv.Contact)
	return classify("delete draft", err)
}
