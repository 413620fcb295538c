// Package mock provides a loopback channel for tests and local
// development: injected messages arrive like real inbound traffic and
// sends are captured for inspection.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pocketbrain/pocketbrain/internal/channel"
	"github.com/pocketbrain/pocketbrain/internal/store"
)

// Sent is one captured outbound send.
type Sent struct {
	JID  string
	Text string
}

// Channel is an in-memory transport. Safe for concurrent use.
type Channel struct {
	name string

	mu        sync.Mutex
	cb        channel.Callbacks
	connected bool
	sent      []Sent
	sendErr   error
	seq       int
}

var _ channel.Channel = (*Channel)(nil)

// New creates a mock channel named name. It owns every JID with the
// suffix "@mock".
func New(name string) *Channel {
	return &Channel{name: name}
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) Owns(jid string) bool {
	return len(jid) > 5 && jid[len(jid)-5:] == "@mock"
}

func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *Channel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *Channel) Send(ctx context.Context, jid, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if !c.connected {
		return fmt.Errorf("mock channel %s not connected", c.name)
	}
	c.sent = append(c.sent, Sent{JID: jid, Text: text})
	return nil
}

func (c *Channel) SetTyping(ctx context.Context, jid string, on bool) error { return nil }

func (c *Channel) SetCallbacks(cb channel.Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

// FailSends makes subsequent sends return err; nil restores delivery.
func (c *Channel) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// SentMessages returns a copy of everything sent so far.
func (c *Channel) SentMessages() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	copy(out, c.sent)
	return out
}

// Inject simulates an inbound message from sender in chat jid and
// returns the message ID it was assigned.
func (c *Channel) Inject(jid, sender, text string) string {
	c.mu.Lock()
	c.seq++
	id := fmt.Sprintf("mock-%d", c.seq)
	cb := c.cb
	c.mu.Unlock()

	if cb.OnMessage != nil {
		cb.OnMessage(store.Message{
			ChatJID:    jid,
			ID:         id,
			Sender:     sender,
			SenderName: sender,
			Content:    text,
			Timestamp:  store.TimestampFormat(time.Now()),
		})
	}
	if cb.OnChatMetadata != nil {
		cb.OnChatMetadata(jid, "", time.Now())
	}
	return id
}
