// Package agent defines the contract the core expects from an external
// LLM agent runtime, plus the sanitization applied to its output before
// anything reaches a user.
package agent

import "context"

// Event kinds emitted by the runtime's event stream.
const (
	EventPartUpdated    = "part.updated"
	EventMessageUpdated = "message.updated"
	EventSessionIdle    = "session.idle"
)

// Event is one entry on the runtime event stream. Consumers filter by
// (SessionID, MessageID); fields beyond the addressed pair are set only
// where the kind carries them.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id,omitempty"`
	PartID    string `json:"part_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Delta     string `json:"delta,omitempty"` // incremental text; preferred over Text when present
	Error     string `json:"error,omitempty"` // on message.updated, optional error payload
}

// MessagePart is one ordered fragment of a canonical message.
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// MessageRecord is the canonical form of a completed message, fetched
// after the stream ends to guard against partial or out-of-order
// streaming.
type MessageRecord struct {
	Error string        `json:"error,omitempty"`
	Parts []MessagePart `json:"parts"`
}

// Runtime is the external agent runtime the session manager drives.
// Every call accepts a deadline via ctx; implementations must not
// block past cancellation.
type Runtime interface {
	// CreateSession opens a new session and returns its opaque ID.
	CreateSession(ctx context.Context, title string) (string, error)

	// GetSession verifies a session ID is still valid. A non-nil error
	// means the session is stale or unknown and must be replaced.
	GetSession(ctx context.Context, sessionID string) error

	// DeleteSession discards a session. Best-effort; used when a stale
	// ID is recovered.
	DeleteSession(ctx context.Context, sessionID string) error

	// PromptAsync submits a prompt and returns as soon as it is
	// accepted. Results arrive on the event stream addressed by
	// (sessionID, messageID); the messageID is host-generated.
	PromptAsync(ctx context.Context, sessionID, messageID, text string) error

	// Events subscribes to the runtime event stream. The channel closes
	// when ctx is cancelled or the stream ends.
	Events(ctx context.Context) (<-chan Event, error)

	// GetMessage fetches the canonical completed message.
	GetMessage(ctx context.Context, sessionID, messageID string) (*MessageRecord, error)

	// Abort interrupts whatever the session is doing. Best-effort.
	Abort(ctx context.Context, sessionID string) error
}
