package sync

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/matheus3301/voipsms/internal/remote"
	"github.com/matheus3301/voipsms/internal/store"
	"go.uber.org/zap"
)

// UnreadNotice reports a conversation that gained unread incoming messages.
type UnreadNotice struct {
	Conversation store.ConversationID
	NewUnread    int
	Latest       *store.Message
}

// LineResult counts what happened to each message of one line's batch.
type LineResult struct {
	Line              string
	Inserted          int
	SkippedTombstoned int
	SkippedExisting   int
	Rejected          int
	Unread            []UnreadNotice
}

// Reconciler merges remote batches into the store without duplicating rows
// and without bringing back messages the user deleted.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

// Apply reconciles one batch for line in a single transaction. Messages that
// are not in the store any more are left alone: absence from a bounded
// remote window never deletes anything locally.
func (r *Reconciler) Apply(ctx context.Context, line string, batch []remote.Message) (*LineResult, error) {
	res := &LineResult{Line: line}
	unread := map[store.ConversationID]*UnreadNotice{}

	err := r.db.WithTx(ctx, func(tx *store.Tx) error {
		// Reset in case WithTx is ever retried.
		*res = LineResult{Line: line}
		clear(unread)

		for _, rm := range batch {
			conv, ok := r.accept(line, rm)
			if !ok {
				res.Rejected++
				continue
			}

			tombstoned, err := tx.TombstoneExists(ctx, line, rm.RemoteID)
			if err != nil {
				return err
			}
			if tombstoned {
				res.SkippedTombstoned++
				continue
			}
			existing, err := tx.FindByRemoteID(ctx, line, rm.RemoteID)
			if err != nil {
				return err
			}
			if existing != nil {
				res.SkippedExisting++
				continue
			}

			m := &store.Message{
				RemoteID:     rm.RemoteID,
				Timestamp:    rm.Timestamp,
				Direction:    rm.Direction,
				Conversation: conv,
				Text:         strings.TrimSuffix(rm.Text, "\n"),
				Unread:       rm.Direction == store.Incoming,
				State:        store.StateSent,
			}
			if _, err := tx.InsertMessage(ctx, m); err != nil {
				return fmt.Errorf("reconcile %s/%d: %w", line, rm.RemoteID, err)
			}
			res.Inserted++

			if m.Unread {
				n := unread[conv]
				if n == nil {
					n = &UnreadNotice{Conversation: conv}
					unread[conv] = n
				}
				n.NewUnread++
				if n.Latest == nil || store.Compare(m, n.Latest) < 0 {
					n.Latest = m
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, n := range unread {
		res.Unread = append(res.Unread, *n)
	}
	slices.SortFunc(res.Unread, func(a, b UnreadNotice) int {
		return strings.Compare(a.Conversation.String(), b.Conversation.String())
	})
	return res, nil
}

// accept validates a remote message against the line it was fetched for.
func (r *Reconciler) accept(line string, rm remote.Message) (store.ConversationID, bool) {
	if rm.Line != line {
		r.logger.Warn("remote message for another line", zap.String("line", line), zap.String("message_line", rm.Line), zap.Int64("remote_id", rm.RemoteID))
		return store.ConversationID{}, false
	}
	if rm.RemoteID <= 0 {
		r.logger.Warn("remote message without id", zap.String("line", line))
		return store.ConversationID{}, false
	}
	if rm.Direction != store.Incoming && rm.Direction != store.Outgoing {
		r.logger.Warn("remote message with unknown direction", zap.String("line", line), zap.Int64("remote_id", rm.RemoteID))
		return store.ConversationID{}, false
	}
	conv, err := store.NewConversationID(rm.Line, rm.Contact)
	if err != nil {
		r.logger.Warn("remote message rejected", zap.String("line", line), zap.Int64("remote_id", rm.RemoteID), zap.Error(err))
		return store.ConversationID{}, false
	}
	return conv, true
}
