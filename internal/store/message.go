package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrStateConflict is returned when a delivery transition is attempted from a
// state that does not allow it.
var ErrStateConflict = errors.New("message is not in the expected delivery state")

// InsertMessage persists a new message and returns its local ID. Invalid phone
// numbers or an impossible state combination yield a ConstraintError.
func (db *DB) InsertMessage(ctx context.Context, m *Message) (int64, error) {
	return insertMessage(ctx, db, m)
}

// InsertMessage inserts within the transaction.
func (tx *Tx) InsertMessage(ctx context.Context, m *Message) (int64, error) {
	return insertMessage(ctx, tx.tx, m)
}

func insertMessage(ctx context.Context, q sqlx.ExtContext, m *Message) (int64, error) {
	if err := checkMessage(m); err != nil {
		return 0, &ConstraintError{Op: "insert message", Err: err}
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var remoteID *int64
	if m.RemoteID != 0 {
		remoteID = &m.RemoteID
	}
	unread := m.Unread && m.Direction == Incoming

	res, err := q.ExecContext(ctx, `
		INSERT INTO messages (remote_id, line, contact, timestamp, direction, text, unread, deleted, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		remoteID, m.Conversation.Line, m.Conversation.Contact, ts.UnixMilli(),
		string(m.Direction), m.Text, unread, m.Deleted, string(m.State), time.Now().UnixMilli())
	if err != nil {
		return 0, classify("insert message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	m.LocalID = id
	m.Timestamp = time.UnixMilli(ts.UnixMilli())
	m.Unread = unread
	return id, nil
}

func checkMessage(m *Message) error {
	if err := ValidatePhone("line", m.Conversation.Line); err != nil {
		return err
	}
	if err := ValidatePhone("contact", m.Conversation.Contact); err != nil {
		return err
	}
	switch m.Direction {
	case Incoming:
		if m.State != StateSent {
			return fmt.Errorf("incoming message in state %q", m.State)
		}
	case Outgoing:
		switch m.State {
		case StateDraft, StateQueued, StateSent, StateFailed:
		default:
			return fmt.Errorf("unknown state %q", m.State)
		}
	default:
		return fmt.Errorf("unknown direction %q", m.Direction)
	}
	if m.State == StateDraft && m.RemoteID != 0 {
		return errors.New("draft with a remote id")
	}
	return nil
}

// GetMessage returns a message by local ID, or nil if it does not exist.
func (db *DB) GetMessage(ctx context.Context, localID int64) (*Message, error) {
	return getMessage(ctx, db, localID)
}

func getMessage(ctx context.Context, q sqlx.QueryerContext, localID int64) (*Message, error) {
	var r messageRow
	err := sqlx.GetContext(ctx, q, &r, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, localID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", localID, err)
	}
	return r.toMessage(), nil
}

// FindByRemoteID returns the message the provider knows as remoteID on line,
// including locally deleted rows, or nil.
func (db *DB) FindByRemoteID(ctx context.Context, line string, remoteID int64) (*Message, error) {
	return findByRemoteID(ctx, db, line, remoteID)
}

// FindByRemoteID looks the message up within the transaction.
func (tx *Tx) FindByRemoteID(ctx context.Context, line string, remoteID int64) (*Message, error) {
	return findByRemoteID(ctx, tx.tx, line, remoteID)
}

func findByRemoteID(ctx context.Context, q sqlx.QueryerContext, line string, remoteID int64) (*Message, error) {
	var r messageRow
	err := sqlx.GetContext(ctx, q, &r,
		`SELECT `+messageColumns+` FROM messages WHERE line = ? AND remote_id = ?`, line, remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find remote message %s/%d: %w", line, remoteID, err)
	}
	return r.toMessage(), nil
}

// ListConversation returns the visible messages of a conversation. Messages
// still being delivered come first, then the display order of Compare. An
// empty filter matches everything; limit <= 0 means no limit.
func (db *DB) ListConversation(ctx context.Context, conv ConversationID, filter string, limit int) ([]*Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE line = ? AND contact = ? AND deleted = 0`
	args := []any{conv.Line, conv.Contact}
	if filter != "" {
		q += ` AND text LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(filter)+"%")
	}
	q += ` ORDER BY (state = 'queued') DESC, (state = 'draft') DESC, timestamp DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []messageRow
	if err := db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list conversation %s: %w", conv, err)
	}
	msgs := make([]*Message, 0, len(rows))
	for i := range rows {
		msgs = append(msgs, rows[i].toMessage())
	}
	return msgs, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// MostRecent returns the first visible message of a conversation in display
// order, or nil for an empty conversation.
func (db *DB) MostRecent(ctx context.Context, conv ConversationID) (*Message, error) {
	var r messageRow
	err := db.GetContext(ctx, &r, `
		SELECT `+messageColumns+` FROM messages
		WHERE line = ? AND contact = ? AND deleted = 0
		ORDER BY (state = 'draft') DESC, timestamp DESC, id DESC
		LIMIT 1`, conv.Line, conv.Contact)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("most recent %s: %w", conv, err)
	}
	return r.toMessage(), nil
}

// MostRecentOutgoingTimestamp returns the time of the newest confirmed
// outgoing message in the conversation, or the zero time if there is none.
func (db *DB) MostRecentOutgoingTimestamp(ctx context.Context, conv ConversationID) (time.Time, error) {
	var ts sql.NullInt64
	err := db.GetContext(ctx, &ts, `
		SELECT MAX(timestamp) FROM messages
		WHERE line = ? AND contact = ? AND direction = 'outgoing' AND state = 'sent'`,
		conv.Line, conv.Contact)
	if err != nil {
		return time.Time{}, fmt.Errorf("most recent outgoing %s: %w", conv, err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ts.Int64), nil
}

// MostRecentOutgoingTimestampForLine is MostRecentOutgoingTimestamp across
// every conversation of a line.
func (db *DB) MostRecentOutgoingTimestampForLine(ctx context.Context, line string) (time.Time, error) {
	var ts sql.NullInt64
	err := db.GetContext(ctx, &ts, `
		SELECT MAX(timestamp) FROM messages
		WHERE line = ? AND direction = 'outgoing' AND state = 'sent'`, line)
	if err != nil {
		return time.Time{}, fmt.Errorf("most recent outgoing on %s: %w", line, err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ts.Int64), nil
}

// ConversationIDs returns the distinct conversations with visible messages
// on any of the given lines.
func (db *DB) ConversationIDs(ctx context.Context, lines []string) ([]ConversationID, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	q, args, err := sqlx.In(`
		SELECT DISTINCT line, contact FROM messages
		WHERE deleted = 0 AND line IN (?)
		ORDER BY line, contact`, lines)
	if err != nil {
		return nil, fmt.Errorf("conversation ids: %w", err)
	}
	var rows []struct {
		Line    string `db:"line"`
		Contact string `db:"contact"`
	}
	if err := db.SelectContext(ctx, &rows, db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("conversation ids: %w", err)
	}
	ids := make([]ConversationID, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, ConversationID{Line: r.Line, Contact: r.Contact})
	}
	return ids, nil
}

// ListInFlight returns every message still marked as being delivered.
func (db *DB) ListInFlight(ctx context.Context) ([]*Message, error) {
	var rows []messageRow
	if err := db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+` FROM messages
		WHERE state = 'queued' ORDER BY id ASC`); err != nil {
		return nil, fmt.Errorf("list in-flight: %w", err)
	}
	msgs := make([]*Message, 0, len(rows))
	for i := range rows {
		msgs = append(msgs, rows[i].toMessage())
	}
	return msgs, nil
}

// MarkConversationRead clears the unread flag on every message of the conversation.
func (db *DB) MarkConversationRead(ctx context.Context, conv ConversationID) error {
	_, err := db.ExecContext(ctx, `
		UPDATE messages SET unread = 0
		WHERE line = ? AND contact = ? AND unread = 1`, conv.Line, conv.Contact)
	return classify("mark read", err)
}

// MarkConversationUnread sets the unread flag on the incoming messages of the
// conversation.
func (db *DB) MarkConversationUnread(ctx context.Context, conv ConversationID) error {
	_, err := db.ExecContext(ctx, `
		UPDATE messages SET unread = 1
		WHERE line = ? AND contact = ? AND direction = 'incoming' AND deleted = 0`,
		conv.Line, conv.Contact)
	return classify("mark unread", err)
}

// MarkDeliveryInProgress moves a failed outgoing message back to queued.
func (db *DB) MarkDeliveryInProgress(ctx context.Context, localID int64) error {
	return db.transition(ctx, "mark in progress", localID, `
		UPDATE messages SET state = 'queued'
		WHERE id = ? AND state = 'failed' AND deleted = 0`)
}

// MarkSendFailed moves a queued message to failed. Its text is kept.
func (db *DB) MarkSendFailed(ctx context.Context, localID int64) error {
	return db.transition(ctx, "mark failed", localID, `
		UPDATE messages SET state = 'failed'
		WHERE id = ? AND state = 'queued'`)
}

func (db *DB) transition(ctx context.Context, op string, localID int64, query string) error {
	res, err := db.ExecContext(ctx, query, localID)
	if err != nil {
		return classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 1 {
		return nil
	}
	m, err := db.GetMessage(ctx, localID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%s %d: %w", op, localID, ErrNotFound)
	}
	return fmt.Errorf("%s %d (state %s): %w", op, localID, m.State, ErrStateConflict)
}

// MarkSent confirms a queued message in place with the provider's identity
// and timestamp. If a sync already mirrored the confirmed copy as its own
// row, that copy is dropped so only the original row remains.
func (db *DB) MarkSent(ctx context.Context, localID, remoteID int64, ts time.Time) error {
	if remoteID <= 0 {
		return &ConstraintError{Op: "mark sent", Err: fmt.Errorf("remote id %d", remoteID)}
	}
	return db.WithTx(ctx, func(tx *Tx) error {
		m, err := getMessage(ctx, tx.tx, localID)
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("mark sent %d: %w", localID, ErrNotFound)
		}
		if m.State != StateQueued {
			return fmt.Errorf("mark sent %d (state %s): %w", localID, m.State, ErrStateConflict)
		}
		if _, err := tx.tx.ExecContext(ctx, `
			DELETE FROM messages WHERE line = ? AND remote_id = ? AND id <> ?`,
			m.Conversation.Line, remoteID, localID); err != nil {
			return classify("mark sent", err)
		}
		_, err = tx.tx.ExecContext(ctx, `
			UPDATE messages SET state = 'sent', remote_id = ?, timestamp = ?, unread = 0
			WHERE id = ?`, remoteID, ts.UnixMilli(), localID)
		return classify("mark sent", err)
	})
}

// DeleteMessage hides a message and, if the provider knows it, records a
// tombstone so later syncs do not bring it back.
func (db *DB) DeleteMessage(ctx context.Context, localID int64) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		m, err := getMessage(ctx, tx.tx, localID)
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("delete message %d: %w", localID, ErrNotFound)
		}
		if m.State == StateDraft {
			return deleteDraft(ctx, tx, m.Conversation)
		}
		if m.RemoteID == 0 {
			_, err := tx.tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, localID)
			return classify("delete message", err)
		}
		if err := addTombstone(ctx, tx.tx, m.Conversation.Line, m.RemoteID); err != nil {
			return err
		}
		_, err = tx.tx.ExecContext(ctx, `UPDATE messages SET deleted = 1, unread = 0 WHERE id = ?`, localID)
		return classify("delete message", err)
	})
}

// DeleteConversation removes a conversation from every view. Provider-known
// messages are tombstoned; purely local rows, the draft and the archive flag
// are removed outright.
func (db *DB) DeleteConversation(ctx context.Context, conv ConversationID) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		now := time.Now().UnixMilli()
		stmts := []struct {
			query string
			args  []any
		}{
			{`INSERT OR IGNORE INTO tombstones (line, remote_id, created_at)
				SELECT line, remote_id, ? FROM messages
				WHERE line = ? AND contact = ? AND remote_id IS NOT NULL`,
				[]any{now, conv.Line, conv.Contact}},
			{`UPDATE messages SET deleted = 1, unread = 0
				WHERE line = ? AND contact = ? AND remote_id IS NOT NULL`,
				[]any{conv.Line, conv.Contact}},
			{`DELETE FROM messages WHERE line = ? AND contact = ? AND remote_id IS NULL`,
				[]any{conv.Line, conv.Contact}},
			{`DELETE FROM drafts WHERE line = ? AND contact = ?`, []any{conv.Line, conv.Contact}},
			{`DELETE FROM archived WHERE line = ? AND contact = ?`, []any{conv.Line, conv.Contact}},
		}
		for _, s := range stmts {
			if _, err := tx.tx.ExecContext(ctx, s.query, s.args...); err != nil {
				return classify("delete conversation", err)
			}
		}
		return nil
	})
}

// RestoreConversation undoes DeleteConversation and DeleteMessage for the
// provider-known messages of a conversation: their tombstones are cleared and
// the rows become visible again. It returns the number of restored messages.
func (db *DB) RestoreConversation(ctx context.Context, conv ConversationID) (int64, error) {
	var restored int64
	err := db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, `
			DELETE FROM tombstones WHERE line = ? AND remote_id IN (
				SELECT remote_id FROM messages
				WHERE line = ? AND contact = ? AND deleted = 1 AND remote_id IS NOT NULL)`,
			conv.Line, conv.Line, conv.Contact); err != nil {
			return classify("restore conversation", err)
		}
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE messages SET deleted = 0 WHERE line = ? AND contact = ? AND deleted = 1`,
			conv.Line, conv.Contact)
		if err != nil {
			return classify("restore conversation", err)
		}
		restored, err = res.RowsAffected()
		return err
	})
	return restored, err
}

