package store

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var conv = ConversationID{Line: "6135551234", Contact: "5145553495"}

func incoming(remoteID int64, ts int64, text string) *Message {
	return &Message{
		RemoteID:     remoteID,
		Timestamp:    time.UnixMilli(ts),
		Direction:    Incoming,
		Conversation: conv,
		Text:         text,
		Unread:       true,
		State:        StateSent,
	}
}

func outgoing(state State, ts int64, text string) *Message {
	return &Message{
		Timestamp:    time.UnixMilli(ts),
		Direction:    Outgoing,
		Conversation: conv,
		Text:         text,
		State:        state,
	}
}

func mustInsert(t *testing.T, db *DB, m *Message) int64 {
	t.Helper()
	id, err := db.InsertMessage(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already migrated; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

// TestMigrateSchemaRejectsBadRows verifies the schema itself enforces the
// invariants even for writes that bypass InsertMessage.
func TestMigrateSchemaRejectsBadRows(t *testing.T) {
	db := testDB(t)

	bad := []struct {
		desc  string
		query string
		args  []any
	}{
		{"non-digit line", "INSERT INTO messages (line, contact, timestamp, direction, state) VALUES (?, ?, ?, ?, ?)", []any{"613-555", "5145553495", 1, "incoming", "sent"}},
		{"empty contact", "INSERT INTO messages (line, contact, timestamp, direction, state) VALUES (?, ?, ?, ?, ?)", []any{"6135551234", "", 1, "incoming", "sent"}},
		{"unknown state", "INSERT INTO messages (line, contact, timestamp, direction, state) VALUES (?, ?, ?, ?, ?)", []any{"6135551234", "5145553495", 1, "outgoing", "pending"}},
		{"queued incoming", "INSERT INTO messages (line, contact, timestamp, direction, state) VALUES (?, ?, ?, ?, ?)", []any{"6135551234", "5145553495", 1, "incoming", "queued"}},
	}
	for _, op := range bad {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err == nil {
				t.Fatalf("%s: insert succeeded, want CHECK failure", op.desc)
			}
		})
	}
}

func TestInsertRejectsInvalidPhone(t *testing.T) {
	db := testDB(t)

	m := incoming(1, 1000, "hi")
	m.Conversation.Contact = "514-555-3495"
	_, err := db.InsertMessage(context.Background(), m)

	var cErr *ConstraintError
	if !errors.As(err, &cErr) {
		t.Fatalf("err = %v, want ConstraintError", err)
	}
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "contact" {
		t.Errorf("err = %v, want wrapped ValidationError on contact", err)
	}
}

func TestNewConversationID(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		contact string
		wantErr bool
	}{
		{"valid", "6135551234", "5145553495", false},
		{"empty line", "", "5145553495", true},
		{"plus sign", "+16135551234", "5145553495", true},
		{"spaces", "6135551234", "514 555 3495", true},
		{"letters", "6135551234", "CALLME", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConversationID(tt.line, tt.contact)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewConversationID(%q, %q) error = %v, wantErr %v", tt.line, tt.contact, err, tt.wantErr)
			}
		})
	}
}

func TestOutgoingIsAlwaysRead(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := outgoing(StateSent, 1000, "sent by me")
	m.RemoteID = 7
	m.Unread = true
	id := mustInsert(t, db, m)

	// Force the column past the write-time guard; the read path must still hide it.
	if _, err := db.Exec(`UPDATE messages SET unread = 1 WHERE id = ?`, id); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetMessage(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Unread {
		t.Error("outgoing message reported unread")
	}
}

func TestFindByRemoteIDAndUniqueness(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id := mustInsert(t, db, incoming(1, 1000, "Hi"))

	got, err := db.FindByRemoteID(ctx, conv.Line, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.LocalID != id {
		t.Fatalf("FindByRemoteID = %+v, want local id %d", got, id)
	}

	missing, err := db.FindByRemoteID(ctx, "6135550000", 1)
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("remote id matched on another line")
	}

	_, err = db.InsertMessage(ctx, incoming(1, 2000, "dup"))
	var cErr *ConstraintError
	if !errors.As(err, &cErr) {
		t.Errorf("duplicate remote id err = %v, want ConstraintError", err)
	}
}

func TestListConversationOrder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	old := mustInsert(t, db, incoming(1, 1000, "old"))
	newer := mustInsert(t, db, incoming(2, 3000, "newer"))
	tieA := mustInsert(t, db, incoming(3, 2000, "tie a"))
	tieB := mustInsert(t, db, incoming(4, 2000, "tie b"))
	queued := mustInsert(t, db, outgoing(StateQueued, 500, "in flight"))
	if err := db.SaveDraft(ctx, conv, "draft text"); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListConversation(ctx, conv, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 6 {
		t.Fatalf("got %d messages, want 6", len(msgs))
	}
	if msgs[0].LocalID != queued {
		t.Errorf("first = %d, want queued %d pinned first", msgs[0].LocalID, queued)
	}
	if !msgs[1].IsDraft() {
		t.Errorf("second state = %s, want draft", msgs[1].State)
	}
	want := []int64{newer, tieB, tieA, old}
	for i, id := range want {
		if msgs[i+2].LocalID != id {
			t.Errorf("msgs[%d] = %d, want %d", i+2, msgs[i+2].LocalID, id)
		}
	}

	filtered, err := db.ListConversation(ctx, conv, "TIE", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 2 {
		t.Errorf("filter TIE got %d, want 2", len(filtered))
	}

	limited, err := db.ListConversation(ctx, conv, "", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 3 {
		t.Errorf("limit 3 got %d", len(limited))
	}
}

func TestListConversationFilterEscapesWildcards(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	mustInsert(t, db, incoming(1, 1000, "100% sure"))
	mustInsert(t, db, incoming(2, 2000, "100 sure"))

	got, err := db.ListConversation(ctx, conv, "100%", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].RemoteID != 1 {
		t.Errorf("filter 100%% matched %d rows, want only the literal match", len(got))
	}
}

func TestCompareIsStrictTotalOrder(t *testing.T) {
	base := time.UnixMilli(5000)
	msgs := []*Message{
		{LocalID: 1, Timestamp: base, State: StateSent},
		{LocalID: 2, Timestamp: base, State: StateSent},
		{LocalID: 3, Timestamp: base.Add(time.Second), State: StateSent},
		{LocalID: 4, Timestamp: base.Add(-time.Hour), State: StateDraft},
		{LocalID: 5, Timestamp: base.Add(-time.Second), State: StateFailed},
	}
	for _, a := range msgs {
		if Compare(a, a) != 0 {
			t.Errorf("Compare(%d, %d) != 0", a.LocalID, a.LocalID)
		}
		for _, b := range msgs {
			if a == b {
				continue
			}
			ab, ba := Compare(a, b), Compare(b, a)
			if ab == 0 || ab != -ba {
				t.Errorf("Compare(%d,%d)=%d Compare(%d,%d)=%d, want antisymmetric non-zero", a.LocalID, b.LocalID, ab, b.LocalID, a.LocalID, ba)
			}
		}
	}

	sorted := slices.Clone(msgs)
	slices.SortFunc(sorted, Compare)
	var got []int64
	for _, m := range sorted {
		got = append(got, m.LocalID)
	}
	want := []int64{4, 3, 2, 1, 5}
	if !slices.Equal(got, want) {
		t.Errorf("sorted = %v, want %v", got, want)
	}
}

func TestMostRecentAndOutgoingTimestamp(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	ts, err := db.MostRecentOutgoingTimestamp(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if !ts.IsZero() {
		t.Errorf("empty conversation outgoing ts = %v, want zero", ts)
	}

	sent := outgoing(StateSent, 2000, "confirmed")
	sent.RemoteID = 10
	mustInsert(t, db, sent)
	mustInsert(t, db, outgoing(StateFailed, 4000, "failed later"))
	latest := mustInsert(t, db, incoming(11, 3000, "reply"))

	ts, err = db.MostRecentOutgoingTimestamp(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if ts.UnixMilli() != 2000 {
		t.Errorf("outgoing ts = %d, want 2000 (failed sends do not count)", ts.UnixMilli())
	}
	lineTS, err := db.MostRecentOutgoingTimestampForLine(ctx, conv.Line)
	if err != nil {
		t.Fatal(err)
	}
	if lineTS.UnixMilli() != 2000 {
		t.Errorf("line outgoing ts = %d, want 2000", lineTS.UnixMilli())
	}

	m, err := db.MostRecent(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if m.Text != "failed later" {
		t.Errorf("most recent = %q (id %d vs reply %d)", m.Text, m.LocalID, latest)
	}
}

func TestDeliveryTransitions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id := mustInsert(t, db, outgoing(StateQueued, 1000, "hello"))

	if err := db.MarkDeliveryInProgress(ctx, id); !errors.Is(err, ErrStateConflict) {
		t.Errorf("queued -> queued err = %v, want ErrStateConflict", err)
	}
	if err := db.MarkSendFailed(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkSendFailed(ctx, id); !errors.Is(err, ErrStateConflict) {
		t.Errorf("failed -> failed err = %v, want ErrStateConflict", err)
	}
	if err := db.MarkDeliveryInProgress(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkSent(ctx, id, 42, time.UnixMilli(9000)); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Delivered() || m.DeliveryInProgress() || m.RemoteID != 42 || m.Timestamp.UnixMilli() != 9000 {
		t.Errorf("after MarkSent got %+v", m)
	}
	if m.Text != "hello" {
		t.Errorf("text = %q, want hello", m.Text)
	}

	if err := db.MarkSendFailed(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing row err = %v, want ErrNotFound", err)
	}
}

func TestMarkSentDropsMirroredDuplicate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	provisional := mustInsert(t, db, outgoing(StateQueued, 1000, "hello"))
	// A sync raced the acknowledgement and mirrored the confirmed copy.
	mirrored := outgoing(StateSent, 1500, "hello")
	mirrored.RemoteID = 42
	mustInsert(t, db, mirrored)

	if err := db.MarkSent(ctx, provisional, 42, time.UnixMilli(1500)); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListConversation(ctx, conv, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].LocalID != provisional {
		t.Fatalf("got %d rows, want only provisional row %d", len(msgs), provisional)
	}
}

func TestDeleteMessageTombstones(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	remote := mustInsert(t, db, incoming(1, 1000, "remote"))
	local := mustInsert(t, db, outgoing(StateFailed, 2000, "never sent"))

	if err := db.DeleteMessage(ctx, remote); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteMessage(ctx, local); err != nil {
		t.Fatal(err)
	}

	ok, err := db.TombstoneExists(ctx, conv.Line, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("tombstone missing for deleted remote message")
	}
	var tombstones int
	if err := db.Get(&tombstones, `SELECT COUNT(*) FROM tombstones`); err != nil {
		t.Fatal(err)
	}
	if tombstones != 1 {
		t.Errorf("tombstones = %d, want 1 (none for local-only messages)", tombstones)
	}

	msgs, err := db.ListConversation(ctx, conv, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d visible messages after delete, want 0", len(msgs))
	}

	if err := db.DeleteMessage(ctx, 12345); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete missing err = %v, want ErrNotFound", err)
	}
}

func TestDeleteAndRestoreConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	mustInsert(t, db, incoming(1, 1000, "a"))
	mustInsert(t, db, incoming(2, 2000, "b"))
	mustInsert(t, db, outgoing(StateFailed, 3000, "local only"))
	if err := db.SaveDraft(ctx, conv, "draft"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetArchived(ctx, conv, true); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}

	ids, err := db.ConversationIDs(ctx, []string{conv.Line})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("conversation still listed: %v", ids)
	}
	for _, rid := range []int64{1, 2} {
		ok, err := db.TombstoneExists(ctx, conv.Line, rid)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Errorf("no tombstone for remote id %d", rid)
		}
	}
	if d, _ := db.GetDraft(ctx, conv); d != "" {
		t.Errorf("draft = %q, want removed", d)
	}
	if a, _ := db.IsArchived(ctx, conv); a {
		t.Error("archive flag survived conversation delete")
	}

	n, err := db.RestoreConversation(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("restored %d, want 2", n)
	}
	ok, err := db.TombstoneExists(ctx, conv.Line, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("tombstone kept after restore")
	}
}

func TestArchivedUpsert(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.SetArchived(ctx, conv, true); err != nil {
		t.Fatal(err)
	}
	if err := db.SetArchived(ctx, conv, false); err != nil {
		t.Fatal(err)
	}
	archived, err := db.IsArchived(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if archived {
		t.Error("latest write (false) did not win")
	}
}

func TestDraftReplaceAndDelete(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.SaveDraft(ctx, conv, "first"); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveDraft(ctx, conv, "second"); err != nil {
		t.Fatal(err)
	}
	text, err := db.GetDraft(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if text != "second" {
		t.Errorf("draft = %q, want second", text)
	}
	msgs, err := db.ListConversation(ctx, conv, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !msgs[0].IsDraft() || msgs[0].Text != "second" {
		t.Errorf("draft rows = %+v, want a single draft row", msgs)
	}

	if err := db.SaveDraft(ctx, conv, ""); err != nil {
		t.Fatal(err)
	}
	msgs, err = db.ListConversation(ctx, conv, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("empty draft left %d rows", len(msgs))
	}
}

func TestDeleteDraftMessageClearsDraft(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.SaveDraft(ctx, conv, "unsent"); err != nil {
		t.Fatal(err)
	}
	msgs, err := db.ListConversation(ctx, conv, "", 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ListConversation() = %v, %v; want the draft row", msgs, err)
	}
	if err := db.DeleteMessage(ctx, msgs[0].LocalID); err != nil {
		t.Fatalf("DeleteMessage(draft) error = %v", err)
	}

	if text, err := db.GetDraft(ctx, conv); err != nil || text != "" {
		t.Errorf("GetDraft() = %q, %v; want no draft", text, err)
	}
	convs, err := db.Conversations(ctx, []string{conv.Line}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Errorf("Conversations() = %+v, want none", convs)
	}
}

func TestPurgeLinesOutside(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	other := ConversationID{Line: "6135550000", Contact: "5145553495"}
	mustInsert(t, db, incoming(1, 1000, "keep"))
	gone := incoming(1, 1000, "purge")
	gone.Conversation = other
	mustInsert(t, db, gone)
	for _, c := range []ConversationID{conv, other} {
		if err := db.AddTombstone(ctx, c.Line, 99); err != nil {
			t.Fatal(err)
		}
		if err := db.SetArchived(ctx, c, true); err != nil {
			t.Fatal(err)
		}
		if err := db.SaveDraft(ctx, c, "draft"); err != nil {
			t.Fatal(err)
		}
	}

	res, err := db.PurgeLinesOutside(ctx, []string{conv.Line})
	if err != nil {
		t.Fatal(err)
	}
	// The other line loses its mirrored message and its draft row.
	if res.Messages != 2 || res.Tombstones != 1 || res.Archived != 1 || res.Drafts != 1 {
		t.Errorf("purge result = %+v", res)
	}

	ids, err := db.ConversationIDs(ctx, []string{conv.Line, other.Line})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != conv {
		t.Errorf("remaining conversations = %v, want only %v", ids, conv)
	}
	if ok, _ := db.TombstoneExists(ctx, conv.Line, 99); !ok {
		t.Error("tombstone of kept line was purged")
	}
	if d, _ := db.GetDraft(ctx, conv); d != "draft" {
		t.Error("draft of kept line was purged")
	}

	res, err = db.PurgeLinesOutside(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total() == 0 {
		t.Error("empty allowed set should purge everything")
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, ok, err := db.Checkpoint(ctx, "full_sync:6135551234")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("unset checkpoint reported present")
	}
	if err := db.SetCheckpoint(ctx, "full_sync:6135551234", "1000"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint(ctx, "full_sync:6135551234", "2000"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := db.Checkpoint(ctx, "full_sync:6135551234")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || v != "2000" {
		t.Errorf("checkpoint = %q,%v want 2000,true", v, ok)
	}
}

func TestConversationsSummary(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	second := ConversationID{Line: conv.Line, Contact: "8005550199"}
	mustInsert(t, db, incoming(1, 1000, "older conversation"))
	mustInsert(t, db, incoming(2, 1100, "still unread"))
	m := incoming(3, 5000, "newer conversation")
	m.Conversation = second
	mustInsert(t, db, m)
	if err := db.SetArchived(ctx, second, true); err != nil {
		t.Fatal(err)
	}

	convs, err := db.Conversations(ctx, []string{conv.Line}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].ID != conv {
		t.Fatalf("unarchived = %+v, want only %v", convs, conv)
	}
	if convs[0].UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", convs[0].UnreadCount)
	}

	convs, err = db.Conversations(ctx, []string{conv.Line}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 || convs[0].ID != second || !convs[0].Archived {
		t.Errorf("with archived = %+v, want %v first", convs, second)
	}
}
