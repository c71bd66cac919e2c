package telemetry

import "time"

// Session lifecycle event types.
const (
	EventSessionCreated       = "session_created"
	EventSessionTouched       = "session_touched"
	EventSessionEvicted       = "session_evicted"
	EventSessionDeleted       = "session_deleted"
	EventSessionLimitExceeded = "session_limit_exceeded"
)

// Event is a session lifecycle event. Events are informational only; nothing reads them back
// to make admission decisions.
type Event struct {
	Type      string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	DeviceID  string            `json:"device_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
