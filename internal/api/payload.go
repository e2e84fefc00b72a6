package api

import (
	"math"
	"time"

	"github.com/matheus3301/voipsms/internal/delivery"
	"github.com/matheus3301/voipsms/internal/store"
	intsync "github.com/matheus3301/voipsms/internal/sync"
	"google.golang.org/protobuf/types/known/structpb"
)

// args reads typed request fields. Missing fields read as zero values.
type args struct {
	s *structpb.Struct
}

func (a args) field(key string) *structpb.Value {
	return a.s.GetFields()[key]
}

func (a args) str(key string) string { return a.field(key).GetStringValue() }

func (a args) boolean(key string) bool { return a.field(key).GetBoolValue() }

func (a args) int64(key string) (int64, bool) {
	v := a.field(key)
	if v == nil {
		return 0, false
	}
	n := v.GetNumberValue()
	if n != math.Trunc(n) {
		return 0, false
	}
	return int64(n), true
}

func (a args) strings(key string) []string {
	var out []string
	for _, v := range a.field(key).GetListValue().GetValues() {
		out = append(out, v.GetStringValue())
	}
	return out
}

func (a args) conversation() (store.ConversationID, error) {
	return store.NewConversationID(a.str("line"), a.str("contact"))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func messageFields(m *store.Message) map[string]any {
	if m == nil {
		return nil
	}
	return map[string]any{
		"local_id":  m.LocalID,
		"remote_id": m.RemoteID,
		"timestamp": formatTime(m.Timestamp),
		"direction": string(m.Direction),
		"line":      m.Conversation.Line,
		"contact":   m.Conversation.Contact,
		"text":      m.Text,
		"unread":    m.Unread,
		"state":     string(m.State),
	}
}

func messagesFields(msgs []*store.Message) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageFields(m))
	}
	return out
}

func conversationFields(c store.Conversation) map[string]any {
	return map[string]any{
		"line":         c.ID.Line,
		"contact":      c.ID.Contact,
		"latest":       messageFields(c.Latest),
		"unread_count": c.UnreadCount,
		"archived":     c.Archived,
		"draft":        c.Draft,
	}
}

func unreadFields(n intsync.UnreadNotice) map[string]any {
	return map[string]any{
		"line":       n.Conversation.Line,
		"contact":    n.Conversation.Contact,
		"new_unread": n.NewUnread,
		"latest":     messageFields(n.Latest),
	}
}

func syncResultFields(res *intsync.Result) map[string]any {
	lines := make([]any, 0, len(res.Lines))
	for _, l := range res.Lines {
		lines = append(lines, l)
	}
	perLine := make(map[string]any, len(res.PerLine))
	for line, lr := range res.PerLine {
		perLine[line] = map[string]any{
			"inserted":           lr.Inserted,
			"skipped_tombstoned": lr.SkippedTombstoned,
			"skipped_existing":   lr.SkippedExisting,
			"rejected":           lr.Rejected,
		}
	}
	failed := make(map[string]any, len(res.PerLineErrors))
	for line, err := range res.PerLineErrors {
		failed[line] = err.Error()
	}
	unread := make([]any, 0, len(res.Unread))
	for _, n := range res.Unread {
		unread = append(unread, unreadFields(n))
	}
	return map[string]any{
		"run_id":       res.RunID,
		"mode":         string(res.Mode),
		"lines":        lines,
		"per_line":     perLine,
		"failed_lines": failed,
		"new_messages": res.NewMessageCount,
		"unread":       unread,
		"cancelled":    res.Cancelled,
		"started":      formatTime(res.Started),
		"finished":     formatTime(res.Finished),
	}
}

func deliveryResultFields(res *delivery.Result) map[string]any {
	outcomes := make([]any, 0, len(res.Outcomes))
	for _, o := range res.Outcomes {
		f := map[string]any{
			"local_id":  o.LocalID,
			"remote_id": o.RemoteID,
			"state":     string(o.State),
			"retryable": o.Retryable,
		}
		if o.Err != nil {
			f["error"] = o.Err.Error()
		}
		outcomes = append(outcomes, f)
	}
	return map[string]any{
		"line":     res.Conversation.Line,
		"contact":  res.Conversation.Contact,
		"outcomes": outcomes,
	}
}
