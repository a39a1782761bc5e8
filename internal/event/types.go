package event

import "github.com/opencode-ai/nexus/pkg/types"

// EventType identifies the kind of event on the bus. Lifecycle events and
// chat events share one bus but are independent producers; ordering is
// guaranteed per subscriber, not across producers.
type EventType string

const (
	ServerStarting EventType = "server.starting"
	ServerStarted  EventType = "server.started"
	ServerReady    EventType = "server.ready"
	ServerDegraded EventType = "server.degraded"
	ServerRestored EventType = "server.restored"
	ServerStopping EventType = "server.stopping"
	ServerStopped  EventType = "server.stopped"
	ServerError    EventType = "server.error"

	ConfigUpdated EventType = "config.updated"

	SessionCreated EventType = "session.created"
	SessionDeleted EventType = "session.deleted"

	MessageCreated   EventType = "message.created"
	MessageDelta     EventType = "message.delta"
	MessageCompleted EventType = "message.completed"
	MessageError     EventType = "message.error"

	StorageWarning EventType = "storage.warning"

	// BusOverflow is synthesized per-subscriber when its buffer overflows.
	// It never enters the global sequence; its Seq is always zero.
	BusOverflow EventType = "bus.overflow"
)

// ServerStartedData is the payload for server.started events.
type ServerStartedData struct {
	PID int `json:"pid"`
}

// ServerReadyData is the payload for server.ready events.
type ServerReadyData struct {
	URL string `json:"url"`
}

// ServerErrorData is the payload for server.error events.
type ServerErrorData struct {
	Reason string `json:"reason"`
}

// ConfigUpdatedData is the payload for config.updated events.
type ConfigUpdatedData struct {
	Path string `json:"path"`
	// Applied is false when the server was running and the new launch
	// config is deferred until the next start.
	Applied bool `json:"applied"`
}

// SessionData is the payload for session.created and session.deleted.
type SessionData struct {
	Session types.ChatSession `json:"session"`
}

// MessageData is the payload for message.created, message.completed and
// message.error events. The embedded message is a snapshot.
type MessageData struct {
	Message types.ChatMessage `json:"message"`
	Reason  string            `json:"reason,omitempty"`
}

// MessageDeltaData is the payload for message.delta events. Content carries
// the cumulative text so far, so a late subscriber can render from the
// latest event alone; Delta is just the new fragment.
type MessageDeltaData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Content   string `json:"content"`
	Delta     string `json:"delta"`
}

// StorageWarningData is the payload for storage.warning events, emitted
// when a durable write fails and chat continues in-memory only.
type StorageWarningData struct {
	SessionID string `json:"sessionID,omitempty"`
	Reason    string `json:"reason"`
}

// OverflowData is the payload for bus.overflow events.
type OverflowData struct {
	Message string `json:"message"`
	Dropped uint64 `json:"dropped"`
}
