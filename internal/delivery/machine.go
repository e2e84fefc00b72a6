// Package delivery moves outgoing messages from draft to a confirmed send.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/voipsms/internal/bus"
	"github.com/matheus3301/voipsms/internal/metrics"
	"github.com/matheus3301/voipsms/internal/remote"
	"github.com/matheus3301/voipsms/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrNotResubmittable is returned when Resubmit targets a message that
	// is not in the failed state.
	ErrNotResubmittable = errors.New("only failed messages can be resubmitted")
	// ErrEarlierSegmentFailed marks segments that were not attempted because
	// a previous segment of the same send failed.
	ErrEarlierSegmentFailed = errors.New("an earlier segment failed")
)

// Outcome is the final state of one outgoing row.
type Outcome struct {
	LocalID   int64
	RemoteID  int64
	State     store.State
	Err       error
	Retryable bool
}

// Result reports every segment of a send, in order.
type Result struct {
	Conversation store.ConversationID
	Outcomes     []Outcome
}

// Err returns the first segment error, if any.
func (r *Result) Err() error {
	for _, o := range r.Outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}

// Machine drives outgoing rows through Queued to Sent or Failed. Sends to
// the same conversation are serialized so segments never interleave.
type Machine struct {
	db      *store.DB
	sender  remote.Sender
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	convs map[store.ConversationID]*sync.Mutex
}

// NewMachine creates a delivery machine. b and m may be nil.
func NewMachine(db *store.DB, sender remote.Sender, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		db:      db,
		sender:  sender,
		bus:     b,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		convs:   make(map[store.ConversationID]*sync.Mutex),
	}
}

func (d *Machine) lock(conv store.ConversationID) func() {
	d.mu.Lock()
	l, ok := d.convs[conv]
	if !ok {
		l = &sync.Mutex{}
		d.convs[conv] = l
	}
	d.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Compose saves text as the conversation's draft. Empty text clears it.
func (d *Machine) Compose(ctx context.Context, conv store.ConversationID, text string) error {
	if _, err := store.NewConversationID(conv.Line, conv.Contact); err != nil {
		return err
	}
	unlock := d.lock(conv)
	defer unlock()
	return d.db.SaveDraft(ctx, conv, text)
}

// Send splits text into segments, records them all as queued, and submits
// them in order. A segment failure fails every later segment without
// submitting it. Per-segment failures are reported in the result; the
// returned error is reserved for validation and storage failures.
func (d *Machine) Send(ctx context.Context, conv store.ConversationID, text string) (*Result, error) {
	if _, err := store.NewConversationID(conv.Line, conv.Contact); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, &store.ValidationError{Field: "text", Value: text, Reason: "must not be empty"}
	}
	segments := Segments(text, MaxSegmentLength)

	unlock := d.lock(conv)
	defer unlock()

	queued := make([]*store.Message, 0, len(segments))
	err := d.db.WithTx(ctx, func(tx *store.Tx) error {
		queued = queued[:0]
		ts := d.now()
		for _, seg := range segments {
			m := &store.Message{
				Timestamp:    ts,
				Direction:    store.Outgoing,
				Conversation: conv,
				Text:         seg,
				State:        store.StateQueued,
			}
			if _, err := tx.InsertMessage(ctx, m); err != nil {
				return err
			}
			queued = append(queued, m)
		}
		return tx.DeleteDraft(ctx, conv)
	})
	if err != nil {
		return nil, fmt.Errorf("queue send: %w", err)
	}

	res := &Result{Conversation: conv}
	for i, m := range queued {
		o, err := d.deliver(ctx, m)
		res.Outcomes = append(res.Outcomes, o)
		if err != nil || o.State == store.StateFailed {
			d.abandon(ctx, res, queued[i+1:])
			d.publish(res)
			return res, err
		}
	}
	d.publish(res)
	return res, nil
}

// abandon fails segments that will not be submitted.
func (d *Machine) abandon(ctx context.Context, res *Result, rest []*store.Message) {
	for _, m := range rest {
		o, err := d.fail(ctx, m, ErrEarlierSegmentFailed)
		if err != nil {
			d.logger.Warn("unsent segment not settled", zap.Int64("local_id", m.LocalID), zap.Error(err))
		}
		res.Outcomes = append(res.Outcomes, o)
	}
}

// Resubmit sends a failed message again under the same local ID.
func (d *Machine) Resubmit(ctx context.Context, localID int64) (*Result, error) {
	m, err := d.db.GetMessage(ctx, localID)
	if err != nil {
		return nil, err
	}
	if m == nil || m.Deleted {
		return nil, fmt.Errorf("resubmit %d: %w", localID, store.ErrNotFound)
	}
	if m.Direction != store.Outgoing || !m.Failed() {
		return nil, fmt.Errorf("resubmit %d (state %s): %w", localID, m.State, ErrNotResubmittable)
	}

	unlock := d.lock(m.Conversation)
	defer unlock()

	if err := d.db.MarkDeliveryInProgress(ctx, localID); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return nil, fmt.Errorf("resubmit %d: %w", localID, ErrNotResubmittable)
		}
		return nil, err
	}
	m.State = store.StateQueued

	o, err := d.deliver(ctx, m)
	res := &Result{Conversation: m.Conversation, Outcomes: []Outcome{o}}
	d.publish(res)
	return res, err
}

// RecoverInFlight fails every row left queued by a previous process. Their
// fate at the provider is unknown, so the user decides whether to resubmit.
func (d *Machine) RecoverInFlight(ctx context.Context) (int, error) {
	msgs, err := d.db.ListInFlight(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if err := d.db.MarkSendFailed(ctx, m.LocalID); err != nil {
			if errors.Is(err, store.ErrStateConflict) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		d.logger.Warn("marked interrupted sends as failed", zap.Int("count", n))
	}
	return n, nil
}

// deliver submits one queued row and settles it. Store updates ignore
// cancellation so a row never stays queued after the provider answered. The
// returned error is set only when the row could not be settled as sent; the
// row is then failed and the outcome says so.
func (d *Machine) deliver(ctx context.Context, m *store.Message) (Outcome, error) {
	ack, err := d.sender.SendMessage(ctx, m.Conversation.Line, m.Conversation.Contact, m.Text)
	if err != nil {
		d.logger.Warn("send failed",
			zap.Int64("local_id", m.LocalID),
			zap.String("conversation", m.Conversation.String()),
			zap.Bool("retryable", remote.Retryable(err)),
			zap.Error(err))
		return d.fail(ctx, m, err)
	}

	sctx := context.WithoutCancel(ctx)
	ts := ack.Timestamp
	if ts.IsZero() {
		ts = d.now()
	}
	if err := d.db.MarkSent(sctx, m.LocalID, ack.RemoteID, ts); err != nil {
		if errors.Is(err, store.ErrNotFound) && ack.RemoteID > 0 {
			return d.sentButRemoved(sctx, m, ack.RemoteID)
		}
		err = fmt.Errorf("confirm send %d: %w", m.LocalID, err)
		d.logger.Error("provider accepted send that could not be confirmed",
			zap.Int64("local_id", m.LocalID),
			zap.Int64("remote_id", ack.RemoteID),
			zap.Error(err))
		if ferr := d.db.MarkSendFailed(sctx, m.LocalID); ferr != nil && !errors.Is(ferr, store.ErrStateConflict) {
			d.logger.Warn("unconfirmed send not settled", zap.Int64("local_id", m.LocalID), zap.Error(ferr))
		}
		d.metrics.SendOutcome(string(store.StateFailed))
		return Outcome{LocalID: m.LocalID, RemoteID: ack.RemoteID, State: store.StateFailed, Err: err}, err
	}
	d.metrics.SendOutcome(string(store.StateSent))
	d.logger.Info("message sent", zap.Int64("local_id", m.LocalID), zap.Int64("remote_id", ack.RemoteID))
	return Outcome{LocalID: m.LocalID, RemoteID: ack.RemoteID, State: store.StateSent}, nil
}

// sentButRemoved handles a row deleted while its send was in flight. The
// provider copy is tombstoned so the next sync does not bring it back.
func (d *Machine) sentButRemoved(ctx context.Context, m *store.Message, remoteID int64) (Outcome, error) {
	if err := d.db.AddTombstone(ctx, m.Conversation.Line, remoteID); err != nil {
		return Outcome{LocalID: m.LocalID, RemoteID: remoteID, State: store.StateSent, Err: err}, err
	}
	d.metrics.SendOutcome(string(store.StateSent))
	d.logger.Info("message sent after its row was deleted",
		zap.Int64("local_id", m.LocalID), zap.Int64("remote_id", remoteID))
	return Outcome{LocalID: m.LocalID, RemoteID: remoteID, State: store.StateSent}, nil
}

// fail settles m as failed. A row deleted in the meantime has nothing left
// to settle.
func (d *Machine) fail(ctx context.Context, m *store.Message, cause error) (Outcome, error) {
	o := Outcome{
		LocalID:   m.LocalID,
		State:     store.StateFailed,
		Err:       cause,
		Retryable: remote.Retryable(cause),
	}
	err := d.db.MarkSendFailed(context.WithoutCancel(ctx), m.LocalID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return o, fmt.Errorf("fail send %d: %w", m.LocalID, err)
	}
	d.metrics.SendOutcome(string(store.StateFailed))
	return o, nil
}

func (d *Machine) publish(res *Result) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(bus.Event{Kind: bus.KindSendFinished, Payload: res})
}
