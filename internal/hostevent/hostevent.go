// Package hostevent defines the lifecycle events delivered by the host
// and decodes them once at the boundary. Everything downstream works
// with these types instead of probing loose property bags.
package hostevent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flitsinc/go-autopilot/internal/classify"
)

type Kind string

const (
	KindSessionIdle    Kind = "session.idle"
	KindSessionError   Kind = "session.error"
	KindSessionDeleted Kind = "session.deleted"
	KindMessageUpdated Kind = "message.updated"
)

// Message carries a user message update. Time is unix milliseconds as
// sent by hosts.
type Message struct {
	ID        string              `json:"id,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	Role      string              `json:"role,omitempty"`
	Text      string              `json:"text,omitempty"`
	Time      int64               `json:"time,omitempty"`
	Error     *classify.ErrorInfo `json:"error,omitempty"`
}

// Event is a single host lifecycle event. Fields other than Type are
// populated per kind; decoding keeps unknown kinds so callers can log
// and drop them.
type Event struct {
	Type      Kind                `json:"type"`
	SessionID string              `json:"session_id,omitempty"`
	Error     *classify.ErrorInfo `json:"error,omitempty"`
	Message   *Message            `json:"message,omitempty"`
}

// Decode parses a raw host event envelope.
func Decode(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode host event: %w", err)
	}
	if strings.TrimSpace(string(evt.Type)) == "" {
		return Event{}, fmt.Errorf("decode host event: missing type")
	}
	return evt, nil
}

// ResolveSessionID extracts the session the event belongs to. Explicit
// session fields outrank ids inferred from the nested message info; an
// event that resolves to nothing is dropped by the caller.
func (e Event) ResolveSessionID() (string, bool) {
	if e.SessionID != "" {
		return e.SessionID, true
	}
	if e.Message != nil {
		if e.Message.SessionID != "" {
			return e.Message.SessionID, true
		}
		if e.Message.ID != "" {
			return e.Message.ID, true
		}
	}
	return "", false
}

// MessageTime converts the millisecond timestamp on a message update.
// Zero when absent.
func (m *Message) MessageTime() time.Time {
	if m == nil || m.Time == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Time).UTC()
}
