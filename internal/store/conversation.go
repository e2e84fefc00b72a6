package store

import (
	"context"
	"slices"
)

// Conversations summarizes every conversation on the given lines, most
// recent first. Archived conversations are skipped unless includeArchived.
func (db *DB) Conversations(ctx context.Context, lines []string, includeArchived bool) ([]Conversation, error) {
	ids, err := db.ConversationIDs(ctx, lines)
	if err != nil {
		return nil, err
	}

	convs := make([]Conversation, 0, len(ids))
	for _, id := range ids {
		archived, err := db.IsArchived(ctx, id)
		if err != nil {
			return nil, err
		}
		if archived && !includeArchived {
			continue
		}
		latest, err := db.MostRecent(ctx, id)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			continue
		}
		var unread int
		if err := db.GetContext(ctx, &unread, `
			SELECT COUNT(*) FROM messages
			WHERE line = ? AND contact = ? AND unread = 1 AND deleted = 0 AND direction = 'incoming'`,
			id.Line, id.Contact); err != nil {
			return nil, err
		}
		draft, err := db.GetDraft(ctx, id)
		if err != nil {
			return nil, err
		}
		convs = append(convs, Conversation{
			ID:          id,
			Latest:      latest,
			UnreadCount: unread,
			Archived:    archived,
			Draft:       draft,
		})
	}

	slices.SortStableFunc(convs, func(a, b Conversation) int {
		return Compare(a.Latest, b.Latest)
	})
	return convs, nil
}

// MessageCount returns the number of visible messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages WHERE deleted = 0`)
	return count, err
}
