package sync

import (
	"context"
	"testing"
	"time"

	"github.com/matheus3301/voipsms/internal/remote"
	"github.com/matheus3301/voipsms/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcilerInsertsNewMessage(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	ctx := context.Background()

	res, err := r.Apply(ctx, line, []remote.Message{hi()})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	require.Len(t, res.Unread, 1)
	assert.Equal(t, conv, res.Unread[0].Conversation)
	assert.Equal(t, 1, res.Unread[0].NewUnread)

	msgs, err := db.ListConversation(ctx, conv, "", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.True(t, m.Delivered())
	assert.True(t, m.Unread)
	assert.False(t, m.DeliveryInProgress())
	assert.False(t, m.IsDraft())
	assert.Equal(t, int64(1), m.RemoteID)
	assert.Equal(t, "Hi", m.Text)
}

func TestReconcilerIsIdempotent(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	ctx := context.Background()

	batch := []remote.Message{
		hi(),
		{RemoteID: 2, Timestamp: now.Add(-30 * time.Minute), Direction: store.Outgoing, Line: line, Contact: contact, Text: "Hey"},
		{RemoteID: 3, Timestamp: now.Add(-10 * time.Minute), Direction: store.Incoming, Line: line, Contact: "8005550199", Text: "Other"},
	}
	_, err := r.Apply(ctx, line, batch)
	require.NoError(t, err)
	first := snapshot(t, db)

	res, err := r.Apply(ctx, line, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 3, res.SkippedExisting)
	assert.Empty(t, res.Unread)
	assert.Equal(t, first, snapshot(t, db))
}

func TestReconcilerDeduplicatesWithinBatch(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)

	res, err := r.Apply(context.Background(), line, []remote.Message{hi(), hi()})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.SkippedExisting)
}

func TestReconcilerSkipsTombstoned(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	ctx := context.Background()

	require.NoError(t, db.AddTombstone(ctx, line, 1))
	res, err := r.Apply(ctx, line, []remote.Message{hi()})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.SkippedTombstoned)

	found, err := db.FindByRemoteID(ctx, line, 1)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestReconcilerOutgoingIsRead(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	ctx := context.Background()

	out := hi()
	out.Direction = store.Outgoing
	res, err := r.Apply(ctx, line, []remote.Message{out})
	require.NoError(t, err)
	assert.Empty(t, res.Unread)

	m, err := db.FindByRemoteID(ctx, line, 1)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.False(t, m.Unread)
	assert.True(t, m.Delivered())
}

func TestReconcilerTrimsOneTrailingNewline(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	ctx := context.Background()

	m := hi()
	m.Text = "Hi\n\n"
	_, err := r.Apply(ctx, line, []remote.Message{m})
	require.NoError(t, err)

	got, err := db.FindByRemoteID(ctx, line, 1)
	require.NoError(t, err)
	assert.Equal(t, "Hi\n", got.Text)
}

func TestReconcilerRejectsForeignAndMalformed(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	ctx := context.Background()

	foreign := hi()
	foreign.Line = line2
	badContact := hi()
	badContact.RemoteID = 5
	badContact.Contact = "SHORTCODE"
	noID := hi()
	noID.RemoteID = 0
	good := hi()
	good.RemoteID = 6

	res, err := r.Apply(ctx, line, []remote.Message{foreign, badContact, noID, good})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rejected)
	assert.Equal(t, 1, res.Inserted)
}

func TestReconcilerNeverDeletesOnAbsence(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	ctx := context.Background()

	_, err := r.Apply(ctx, line, []remote.Message{hi()})
	require.NoError(t, err)
	_, err = r.Apply(ctx, line, nil)
	require.NoError(t, err)

	msgs, err := db.ListConversation(ctx, conv, "", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

// snapshot captures the visible rows in a comparable form.
func snapshot(t *testing.T, db *store.DB) []store.Message {
	t.Helper()
	ctx := context.Background()
	ids, err := db.ConversationIDs(ctx, []string{line, line2})
	require.NoError(t, err)
	var out []store.Message
	for _, id := range ids {
		msgs, err := db.ListConversation(ctx, id, "", 0)
		require.NoError(t, err)
		for _, m := range msgs {
			out = append(out, *m)
		}
	}
	return out
}
