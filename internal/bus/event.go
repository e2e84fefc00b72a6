package bus

import "time"

// Event kinds published by the daemon. Subscribers filter by prefix, so
// "conversation." receives every conversation notice.
const (
	KindUnread        = "conversation.unread"
	KindStatusChanged = "session.status_changed"
	KindSyncFinished  = "sync.finished"
	KindSendFinished  = "delivery.finished"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}
