package sync

import (
	"context"
	"path/filepath"
	"slices"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/voipsms/internal/remote"
	"github.com/matheus3301/voipsms/internal/store"
)

const (
	line    = "6135551234"
	line2   = "6135550000"
	contact = "5145553495"
)

var (
	conv = store.ConversationID{Line: line, Contact: contact}
	now  = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func hi() remote.Message {
	return remote.Message{
		RemoteID:  1,
		Timestamp: now.Add(-time.Hour),
		Direction: store.Incoming,
		Line:      line,
		Contact:   contact,
		Text:      "Hi",
	}
}

type fetchCall struct {
	Line  string
	Since time.Time
}

// fakeFetcher serves canned batches per line. When block is set, every fetch
// announces itself on started and waits for block to close.
type fakeFetcher struct {
	mu      gosync.Mutex
	batches map[string][]remote.Message
	errs    map[string]error
	calls   []fetchCall
	block   chan struct{}
	started chan string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		batches: map[string][]remote.Message{},
		errs:    map[string]error{},
		started: make(chan string, 16),
	}
}

func (f *fakeFetcher) FetchMessages(ctx context.Context, l string, since time.Time) ([]remote.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{Line: l, Since: since})
	block := f.block
	batch := slices.Clone(f.batches[l])
	err := f.errs[l]
	f.mu.Unlock()

	if block != nil {
		f.started <- l
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &remote.NetworkError{Op: "getSMS", Err: ctx.Err()}
		}
	}
	return batch, err
}

func (f *fakeFetcher) set(l string, batch ...remote.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[l] = batch
}

func (f *fakeFetcher) fail(l string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[l] = err
}

func (f *fakeFetcher) callsFor(l string) []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fetchCall
	for _, c := range f.calls {
		if c.Line == l {
			out = append(out, c)
		}
	}
	return out
}

// settingsBox is a mutable Settings source standing in for the live config.
type settingsBox struct {
	mu gosync.Mutex
	s  Settings
}

func newSettings(lines ...string) *settingsBox {
	return &settingsBox{s: Settings{
		Lines:         lines,
		Retention:     90 * 24 * time.Hour,
		PartialBuffer: 2 * time.Hour,
		Workers:       2,
	}}
}

func (b *settingsBox) get() Settings {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.s
	s.Lines = slices.Clone(b.s.Lines)
	return s
}

func (b *settingsBox) setLines(lines ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.Lines = lines
}
