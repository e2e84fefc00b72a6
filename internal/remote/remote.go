// Package remote defines what the engine needs from an SMS provider.
package remote

import (
	"context"
	"time"

	"github.com/matheus3301/voipsms/internal/store"
)

// Message is one SMS as reported by the provider.
type Message struct {
	RemoteID  int64
	Timestamp time.Time
	Direction store.Direction
	Line      string
	Contact   string
	Text      string
}

// Ack is the provider's confirmation of an accepted send.
type Ack struct {
	RemoteID  int64
	Timestamp time.Time
}

// Fetcher lists the messages of a line newer than since.
// It fails with *NetworkError or *AuthError.
type Fetcher interface {
	FetchMessages(ctx context.Context, line string, since time.Time) ([]Message, error)
}

// Sender submits one SMS segment.
// It fails with *NetworkError, *AuthError or *RejectedError.
type Sender interface {
	SendMessage(ctx context.Context, line, contact, text string) (Ack, error)
}

// Client is a provider that can both fetch and send.
type Client interface {
	Fetcher
	Sender
}
