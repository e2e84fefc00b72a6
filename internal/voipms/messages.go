package voipms

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/voipsms/internal/remote"
	"github.com/matheus3301/voipsms/internal/store"
)

type statusReader interface {
	status() string
}

type smsListResponse struct {
	Status string   `json:"status"`
	SMS    []rawSMS `json:"sms"`
}

func (r *smsListResponse) status() string { return r.Status }

// UnmarshalJSON tolerates "sms" being absent or not a list, which the API
// does for no_sms and error replies.
func (r *smsListResponse) UnmarshalJSON(b []byte) error {
	var head struct {
		Status string          `json:"status"`
		SMS    json.RawMessage `json:"sms"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	r.Status = head.Status
	r.SMS = nil
	if head.Status != "success" || len(head.SMS) == 0 {
		return nil
	}
	return json.Unmarshal(head.SMS, &r.SMS)
}

type sendResponse struct {
	Status string      `json:"status"`
	SMS    json.Number `json:"sms"`
}

func (r *sendResponse) status() string { return r.Status }

// rawSMS is one getSMS row. Every field arrives as a string.
type rawSMS struct {
	ID      string `json:"id"`
	Date    string `json:"date"`
	Type    string `json:"type"`
	DID     string `json:"did"`
	Contact string `json:"contact"`
	Message string `json:"message"`
}

func (s rawSMS) toRemote() (remote.Message, error) {
	id, err := strconv.ParseInt(s.ID, 10, 64)
	if err != nil || id <= 0 {
		return remote.Message{}, fmt.Errorf("bad id %q", s.ID)
	}
	ts, err := time.ParseInLocation(timeLayout, s.Date, time.UTC)
	if err != nil {
		return remote.Message{}, fmt.Errorf("bad date %q: %w", s.Date, err)
	}
	var dir store.Direction
	switch s.Type {
	case "1":
		dir = store.Incoming
	case "0":
		dir = store.Outgoing
	default:
		return remote.Message{}, fmt.Errorf("bad type %q", s.Type)
	}
	return remote.Message{
		RemoteID:  id,
		Timestamp: ts,
		Direction: dir,
		Line:      s.DID,
		Contact:   s.Contact,
		Text:      s.Message,
	}, nil
}
