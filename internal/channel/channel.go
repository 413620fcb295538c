// Package channel defines the transport contract the core consumes
// and the registry that routes outbound text to the right transport
// with sanitization, chunking, pacing, and an outbox fallback.
package channel

import (
	"context"
	"time"

	"github.com/pocketbrain/pocketbrain/internal/store"
)

// Callbacks are how a channel pushes into the core. Both are invoked
// from the channel's own receive goroutine.
type Callbacks struct {
	// OnMessage delivers one inbound (or echo-of-self) message.
	OnMessage func(msg store.Message)

	// OnChatMetadata reports chat identity updates: display name
	// changes and activity timestamps.
	OnChatMetadata func(chatJID, name string, lastActivity time.Time)
}

// Channel is one messaging transport. Implementations own their
// connection lifecycle and wire-format quirks; the core hands them
// plain text.
type Channel interface {
	Name() string

	// Owns reports whether this channel accepts sends for the JID.
	Owns(jid string) bool

	Connect(ctx context.Context) error
	Disconnect() error

	// Send delivers one chunk of plain text. Length-limit splitting
	// happens in the registry before Send is called.
	Send(ctx context.Context, jid, text string) error

	// SetTyping toggles the typing indicator. Best effort; channels
	// without the concept return nil.
	SetTyping(ctx context.Context, jid string, on bool) error

	SetCallbacks(cb Callbacks)
}
