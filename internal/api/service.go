package api

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/voipsms/internal/bus"
	"github.com/matheus3301/voipsms/internal/delivery"
	"github.com/matheus3301/voipsms/internal/status"
	"github.com/matheus3301/voipsms/internal/store"
	intsync "github.com/matheus3301/voipsms/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// defaultListLimit bounds ListConversation when the caller sends no limit.
const defaultListLimit = 200

// Deps are the collaborators of a Service. Lines returns the currently
// configured lines.
type Deps struct {
	Session     string
	DB          *store.DB
	Coordinator *intsync.Coordinator
	Delivery    *delivery.Machine
	Status      *status.Machine
	Bus         *bus.Bus
	Lines       func() []string
	Logger      *zap.Logger
}

// Service implements MessagingServer on top of the engine.
type Service struct {
	Deps
	startedAt time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

var _ MessagingServer = (*Service)(nil)

// NewService creates the Messaging service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{Deps: d, startedAt: time.Now(), closed: make(chan struct{})}
}

// Close ends open WatchUnread streams so a graceful server stop does not
// wait on them.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func reply(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func empty() (*structpb.Struct, error) {
	return &structpb.Struct{}, nil
}

func (s *Service) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap := s.Status.Snapshot()
	count, err := s.DB.MessageCount(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	lines := []any{}
	for _, l := range s.Lines() {
		lines = append(lines, l)
	}
	return reply(map[string]any{
		"session":          s.Session,
		"state":            string(snap.State),
		"since":            formatTime(snap.Since),
		"reason":           snap.Reason,
		"uptime_ms":        time.Since(s.startedAt).Milliseconds(),
		"message_count":    count,
		"lines":            lines,
		"sync_in_progress": s.Coordinator.InProgress(),
	})
}

func syncRequest(in *structpb.Struct) intsync.Request {
	a := args{in}
	return intsync.Request{
		Lines:   a.strings("lines"),
		Mode:    intsync.Mode(a.str("mode")),
		Contact: a.str("contact"),
	}
}

func (s *Service) Sync(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.Coordinator.Sync(ctx, syncRequest(in))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(syncResultFields(res))
}

func (s *Service) TrySync(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.Coordinator.TrySync(ctx, syncRequest(in))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(syncResultFields(res))
}

func (s *Service) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := args{in}
	conv, err := a.conversation()
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.Delivery.Send(ctx, conv, a.str("text"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(deliveryResultFields(res))
}

func (s *Service) Resubmit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, ok := args{in}.int64("local_id")
	if !ok || id <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "local_id is required")
	}
	res, err := s.Delivery.Resubmit(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(deliveryResultFields(res))
}

func (s *Service) Compose(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := args{in}
	conv, err := a.conversation()
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.Delivery.Compose(ctx, conv, a.str("text")); err != nil {
		return nil, toStatus(err)
	}
	return empty()
}

func (s *Service) ListConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := args{in}
	conv, err := a.conversation()
	if err != nil {
		return nil, toStatus(err)
	}
	limit := defaultListLimit
	if n, ok := a.int64("limit"); ok && n > 0 {
		limit = int(n)
	}
	msgs, err := s.DB.ListConversation(ctx, conv, a.str("filter"), limit+1)
	if err != nil {
		return nil, toStatus(err)
	}
	more := len(msgs) > limit
	if more {
		msgs = msgs[:limit]
	}
	return reply(map[string]any{
		"messages": messagesFields(msgs),
		"has_more": more,
	})
}

func (s *Service) ListConversations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	convs, err := s.DB.Conversations(ctx, s.Lines(), args{in}.boolean("archived"))
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]any, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationFields(c))
	}
	return reply(map[string]any{"conversations": out})
}

// conversationOp validates the conversation of in and applies fn to it.
func (s *Service) conversationOp(ctx context.Context, in *structpb.Struct, fn func(context.Context, store.ConversationID) error) (*structpb.Struct, error) {
	conv, err := args{in}.conversation()
	if err != nil {
		return nil, toStatus(err)
	}
	if err := fn(ctx, conv); err != nil {
		return nil, toStatus(err)
	}
	return empty()
}

func (s *Service) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.conversationOp(ctx, in, s.DB.MarkConversationRead)
}

func (s *Service) MarkUnread(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.conversationOp(ctx, in, s.DB.MarkConversationUnread)
}

func (s *Service) DeleteConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.conversationOp(ctx, in, s.DB.DeleteConversation)
}

func (s *Service) DeleteMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, ok := args{in}.int64("local_id")
	if !ok || id <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "local_id is required")
	}
	if err := s.DB.DeleteMessage(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return empty()
}

func (s *Service) RestoreConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	conv, err := args{in}.conversation()
	if err != nil {
		return nil, toStatus(err)
	}
	n, err := s.DB.RestoreConversation(ctx, conv)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"restored": n})
}

func (s *Service) SetArchived(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	archived := args{in}.boolean("archived")
	return s.conversationOp(ctx, in, func(ctx context.Context, conv store.ConversationID) error {
		return s.DB.SetArchived(ctx, conv, archived)
	})
}

// WatchUnread streams one message per conversation that gained unread
// incoming messages. An optional "line" field narrows the stream.
func (s *Service) WatchUnread(in *structpb.Struct, stream grpc.ServerStream) error {
	line := args{in}.str("line")
	ch, unsub := s.Bus.Subscribe(bus.KindUnread, 256)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			n, ok := evt.Payload.(intsync.UnreadNotice)
			if !ok || (line != "" && n.Conversation.Line != line) {
				continue
			}
			fields := unreadFields(n)
			fields["event_id"] = evt.ID
			fields["occurred_at"] = formatTime(evt.Timestamp)
			msg, err := structpb.NewStruct(fields)
			if err != nil {
				s.Logger.Warn("encode unread notice", zap.Error(err))
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		case <-s.closed:
			return nil
		}
	}
}
