package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pocketbrain/pocketbrain/internal/agent"
	"github.com/pocketbrain/pocketbrain/internal/store"
)

const (
	// outboxDrainInterval paces retry sweeps for undelivered messages.
	outboxDrainInterval = 30 * time.Second
	// maxOutboxAttempts bounds redelivery; entries past it are dropped.
	maxOutboxAttempts = 10
)

// Registry fans outbound text to whichever channel owns the JID. All
// sends pass through one sanitization and pacing path, so callers
// never talk to a Channel directly.
type Registry struct {
	store     *store.Store
	channels  []Channel
	limiters  map[string]*rate.Limiter
	maxChunk  int
	log       *slog.Logger
}

// NewRegistry creates a registry over the given channels. sendPerMin
// caps each channel's outbound rate; maxChunk bounds a single Send.
func NewRegistry(st *store.Store, channels []Channel, sendPerMin, maxChunk int) *Registry {
	if sendPerMin < 1 {
		sendPerMin = 60
	}
	if maxChunk < 1 {
		maxChunk = 4000
	}
	limiters := make(map[string]*rate.Limiter, len(channels))
	for _, ch := range channels {
		limiters[ch.Name()] = rate.NewLimiter(rate.Every(time.Minute/time.Duration(sendPerMin)), 1)
	}
	return &Registry{
		store:    st,
		channels: channels,
		limiters: limiters,
		maxChunk: maxChunk,
		log:      slog.Default().With("component", "channel"),
	}
}

// SetCallbacks registers the core's inbound handlers on every channel.
func (r *Registry) SetCallbacks(cb Callbacks) {
	for _, ch := range r.channels {
		ch.SetCallbacks(cb)
	}
}

// Connect brings every channel up.
func (r *Registry) Connect(ctx context.Context) error {
	for _, ch := range r.channels {
		if err := ch.Connect(ctx); err != nil {
			return fmt.Errorf("connect channel %s: %w", ch.Name(), err)
		}
	}
	return nil
}

// Disconnect tears every channel down. Errors are logged, not
// returned; shutdown proceeds regardless.
func (r *Registry) Disconnect() {
	for _, ch := range r.channels {
		if err := ch.Disconnect(); err != nil {
			r.log.Warn("channel disconnect failed", "channel", ch.Name(), "error", err)
		}
	}
}

func (r *Registry) owner(jid string) Channel {
	for _, ch := range r.channels {
		if ch.Owns(jid) {
			return ch
		}
	}
	return nil
}

// Deliver sanitizes, chunks, paces, and sends text to the chat.
// Internal blocks are stripped; text that sanitizes to nothing is
// suppressed. A transport failure stages the text in the outbox
// instead of surfacing an error, so callers treat Deliver as final.
func (r *Registry) Deliver(ctx context.Context, chatJID, text string) error {
	clean := agent.StripInternal(text)
	if clean == "" {
		return nil
	}
	ch := r.owner(chatJID)
	if ch == nil {
		return fmt.Errorf("no channel owns jid %s", chatJID)
	}
	lim := r.limiters[ch.Name()]

	for i, chunk := range splitChunks(clean, r.maxChunk) {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		if err := ch.Send(ctx, chatJID, chunk); err != nil {
			r.log.Warn("send failed, staging to outbox",
				"channel", ch.Name(), "chat_jid", chatJID, "chunk", i, "error", err)
			rest := strings.Join(splitChunks(clean, r.maxChunk)[i:], "")
			if oerr := r.store.OutboxEnqueue(ctx, store.OutboxEntry{
				Channel: ch.Name(), UserID: chatJID, Text: rest,
			}); oerr != nil {
				return fmt.Errorf("send and outbox both failed: %w", oerr)
			}
			return nil
		}
	}
	return nil
}

// SetTyping toggles the typing indicator on the owning channel.
func (r *Registry) SetTyping(ctx context.Context, chatJID string, on bool) {
	ch := r.owner(chatJID)
	if ch == nil {
		return
	}
	if err := ch.SetTyping(ctx, chatJID, on); err != nil {
		r.log.Debug("set typing failed", "chat_jid", chatJID, "error", err)
	}
}

// DrainOutbox retries staged messages until ctx is cancelled.
func (r *Registry) DrainOutbox(ctx context.Context) error {
	ticker := time.NewTicker(outboxDrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, ch := range r.channels {
				r.drainChannel(ctx, ch)
			}
		}
	}
}

func (r *Registry) drainChannel(ctx context.Context, ch Channel) {
	pending, err := r.store.OutboxPending(ctx, ch.Name(), time.Now())
	if err != nil {
		r.log.Error("outbox query failed", "channel", ch.Name(), "error", err)
		return
	}
	lim := r.limiters[ch.Name()]
	for _, e := range pending {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		if err := ch.Send(ctx, e.UserID, e.Text); err != nil {
			attempts := e.Attempts + 1
			if attempts >= maxOutboxAttempts {
				r.log.Error("outbox entry dropped after max attempts",
					"channel", ch.Name(), "chat_jid", e.UserID, "attempts", attempts)
				r.store.OutboxAck(ctx, e.ID)
				continue
			}
			retryAt := time.Now().Add(time.Duration(attempts) * outboxDrainInterval)
			if merr := r.store.OutboxMarkRetry(ctx, e.ID, attempts, retryAt); merr != nil {
				r.log.Error("outbox retry mark failed", "id", e.ID, "error", merr)
			}
			continue
		}
		if err := r.store.OutboxAck(ctx, e.ID); err != nil {
			r.log.Error("outbox ack failed", "id", e.ID, "error", err)
		}
	}
}

// splitChunks cuts text into pieces of at most max bytes, preferring
// newline and then space boundaries so sentences survive intact.
func splitChunks(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}
	var chunks []string
	for len(text) > max {
		cut := max
		if i := strings.LastIndexByte(text[:max], '\n'); i > max/2 {
			cut = i + 1
		} else if i := strings.LastIndexByte(text[:max], ' '); i > max/2 {
			cut = i + 1
		} else {
			// Back off to a rune boundary so multi-byte characters
			// never split across chunks.
			for cut > 0 && !isRuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
