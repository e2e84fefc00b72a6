package store

import (
	"cmp"
	"time"
)

// Direction tells whether a message was received on or sent from a line.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// State is the delivery lifecycle of a message. Exactly one state holds at a
// time; incoming messages are always StateSent.
type State string

const (
	StateDraft  State = "draft"
	StateQueued State = "queued"
	StateSent   State = "sent"
	StateFailed State = "failed"
)

// ConversationID groups messages exchanged between one of our lines and a contact.
type ConversationID struct {
	Line    string
	Contact string
}

// NewConversationID validates both numbers and returns the conversation key.
func NewConversationID(line, contact string) (ConversationID, error) {
	if err := ValidatePhone("line", line); err != nil {
		return ConversationID{}, err
	}
	if err := ValidatePhone("contact", contact); err != nil {
		return ConversationID{}, err
	}
	return ConversationID{Line: line, Contact: contact}, nil
}

func (c ConversationID) String() string {
	return c.Line + ":" + c.Contact
}

// Message is a single SMS, either mirrored from the provider or composed locally.
type Message struct {
	LocalID      int64
	RemoteID     int64 // 0 until the provider assigns one
	Timestamp    time.Time
	Direction    Direction
	Conversation ConversationID
	Text         string
	Unread       bool
	Deleted      bool
	State        State
}

func (m *Message) IsDraft() bool            { return m.State == StateDraft }
func (m *Message) DeliveryInProgress() bool { return m.State == StateQueued }
func (m *Message) Delivered() bool          { return m.State == StateSent }
func (m *Message) Failed() bool             { return m.State == StateFailed }

// Compare orders messages for display: drafts first, then newest first, then
// the most recently inserted row first.
func Compare(a, b *Message) int {
	if a.IsDraft() != b.IsDraft() {
		if a.IsDraft() {
			return -1
		}
		return 1
	}
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(b.LocalID, a.LocalID)
}

// Conversation summarizes one conversation for list views.
type Conversation struct {
	ID          ConversationID
	Latest      *Message
	UnreadCount int
	Archived    bool
	Draft       string
}

// messageRow is the sqlx scan target for the messages table.
type messageRow struct {
	ID        int64  `db:"id"`
	RemoteID  *int64 `db:"remote_id"`
	Line      string `db:"line"`
	Contact   string `db:"contact"`
	Timestamp int64  `db:"timestamp"`
	Direction string `db:"direction"`
	Text      string `db:"text"`
	Unread    bool   `db:"unread"`
	Deleted   bool   `db:"deleted"`
	State     string `db:"state"`
}

func (r *messageRow) toMessage() *Message {
	m := &Message{
		LocalID:      r.ID,
		Timestamp:    time.UnixMilli(r.Timestamp),
		Direction:    Direction(r.Direction),
		Conversation: ConversationID{Line: r.Line, Contact: r.Contact},
		Text:         r.Text,
		Unread:       r.Unread,
		Deleted:      r.Deleted,
		State:        State(r.State),
	}
	if r.RemoteID != nil {
		m.RemoteID = *r.RemoteID
	}
	// Outgoing messages are read no matter what the row says.
	if m.Direction == Outgoing {
		m.Unread = false
	}
	return m
}

const messageColumns = `id, remote_id, line, contact, timestamp, direction, text, unread, deleted, state`
