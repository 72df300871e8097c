package stores

import "time"

// AuditEntry is one recorded control-plane action: a module toggle, a
// container operation, a backup, a config change.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventLevel classifies stream events.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// Event is one entry of the stream history: a status change or notable
// occurrence surfaced to connected clients.
type Event struct {
	ID        int64      `json:"id"`
	Level     EventLevel `json:"level"`
	Subject   string     `json:"subject,omitempty"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}
