// Package orchestrator owns the inbound loop and the cursor
// discipline: which messages have been seen, which have been answered,
// and when a chat's open session goes idle.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pocketbrain/pocketbrain/internal/channel"
	"github.com/pocketbrain/pocketbrain/internal/config"
	"github.com/pocketbrain/pocketbrain/internal/queue"
	"github.com/pocketbrain/pocketbrain/internal/session"
	"github.com/pocketbrain/pocketbrain/internal/store"
)

// newSessionCommand resets a chat's agent session when received as the
// entire message text.
const newSessionCommand = "/new"

// sessionRunner is the slice of the session manager the orchestrator
// drives.
type sessionRunner interface {
	RunSession(ctx context.Context, in session.Input, onOutput session.OutputFunc) error
	SendFollowUp(ctx context.Context, chatJID, text string) bool
	AbortSession(ctx context.Context, chatJID string)
	AbortIfIdle(ctx context.Context, chatJID string)
	Shutdown(ctx context.Context)
}

// Orchestrator wires inbound messages to queued agent work. It is the
// only mutator of cursors.
type Orchestrator struct {
	store    *store.Store
	queue    *queue.Queue
	sessions sessionRunner
	registry *channel.Registry
	cfg      *config.Config
	log      *slog.Logger

	mu         sync.Mutex
	idleTimers map[string]*time.Timer
}

// New creates an orchestrator. Wire its Callbacks into the channel
// registry and its Process into the queue before starting Run.
func New(st *store.Store, q *queue.Queue, sm sessionRunner, reg *channel.Registry, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store:      st,
		queue:      q,
		sessions:   sm,
		registry:   reg,
		cfg:        cfg,
		log:        slog.Default().With("component", "orchestrator"),
		idleTimers: make(map[string]*time.Timer),
	}
}

// Callbacks returns the inbound handlers for channel registration.
func (o *Orchestrator) Callbacks() channel.Callbacks {
	return channel.Callbacks{
		OnMessage:      o.onMessage,
		OnChatMetadata: o.onChatMetadata,
	}
}

// onMessage persists an inbound message. Messages for unregistered
// chats are dropped silently; registration is the opt-in.
func (o *Orchestrator) onMessage(msg store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := o.store.GetChat(ctx, msg.ChatJID); err != nil {
		if !errors.Is(err, store.ErrChatNotFound) {
			o.log.Error("chat lookup failed on inbound message", "chat_jid", msg.ChatJID, "error", err)
		}
		return
	}
	if err := o.store.RecordMessage(ctx, msg); err != nil {
		o.log.Error("message persist failed", "chat_jid", msg.ChatJID, "id", msg.ID, "error", err)
	}
}

// onChatMetadata refreshes a registered chat's display name.
func (o *Orchestrator) onChatMetadata(chatJID, name string, _ time.Time) {
	if name == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chat, err := o.store.GetChat(ctx, chatJID)
	if err != nil || chat.Name == name {
		return
	}
	if err := o.store.RenameChat(ctx, chatJID, name); err != nil {
		o.log.Warn("chat rename failed", "chat_jid", chatJID, "error", err)
	}
}

// Run recovers unfinished work from the previous process, then ticks
// until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Recover(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(o.cfg.OrchestratorInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// Recover enqueues every chat whose processed cursor trails its stored
// messages. Covers the crash window between persisting a message and
// answering it.
func (o *Orchestrator) Recover(ctx context.Context) error {
	chats, err := o.store.ListChats(ctx)
	if err != nil {
		return err
	}
	for _, chat := range chats {
		cursor, err := o.store.ProcessedCursor(ctx, chat.JID)
		if err != nil {
			return err
		}
		pending, err := o.store.MessagesAfter(ctx, chat.JID, cursor)
		if err != nil {
			return err
		}
		if len(actionable(pending)) > 0 {
			o.log.Info("recovering unprocessed messages", "chat_jid", chat.JID, "count", len(pending))
			o.queue.EnqueueMessages(chat.JID)
		}
	}
	return nil
}

// tick advances the global seen cursor over new messages and routes
// each affected chat: follow-up into an open idle session when
// possible, otherwise a queued batch.
func (o *Orchestrator) tick(ctx context.Context) {
	seen, err := o.store.SeenCursor(ctx)
	if err != nil {
		o.log.Error("seen cursor read failed", "error", err)
		return
	}
	batch, err := o.store.MessagesAfterGlobal(ctx, seen)
	if err != nil {
		o.log.Error("global message read failed", "error", err)
		return
	}
	if len(batch) == 0 {
		return
	}
	if err := o.store.SetSeenCursor(ctx, batch[len(batch)-1].Timestamp); err != nil {
		o.log.Error("seen cursor advance failed", "error", err)
		return
	}

	touched := make(map[string]bool)
	for _, m := range batch {
		touched[m.ChatJID] = true
	}
	for jid := range touched {
		o.routeChat(ctx, jid)
	}
}

func (o *Orchestrator) routeChat(ctx context.Context, jid string) {
	cursor, err := o.store.ProcessedCursor(ctx, jid)
	if err != nil {
		o.log.Error("processed cursor read failed", "chat_jid", jid, "error", err)
		return
	}
	pending, err := o.store.MessagesAfter(ctx, jid, cursor)
	if err != nil {
		o.log.Error("pending message read failed", "chat_jid", jid, "error", err)
		return
	}
	act := actionable(pending)
	if len(act) == 0 {
		// Nothing to answer (our own echoes); move the cursor on.
		if len(pending) > 0 {
			o.setProcessed(ctx, jid, pending[len(pending)-1].Timestamp)
		}
		return
	}

	// Session resets must go through the batch path so the old
	// session is torn down before the remainder is processed.
	if containsReset(act) {
		o.queue.EnqueueMessages(jid)
		return
	}

	prompt := session.FormatBatch(act)
	if o.sessions.SendFollowUp(ctx, jid, prompt) {
		o.setProcessed(ctx, jid, pending[len(pending)-1].Timestamp)
		o.touchIdle(jid)
		return
	}
	o.queue.EnqueueMessages(jid)
}

func (o *Orchestrator) setProcessed(ctx context.Context, jid, ts string) {
	if err := o.store.SetProcessedCursor(ctx, jid, ts); err != nil {
		o.log.Error("processed cursor write failed", "chat_jid", jid, "error", err)
	}
}

// actionable filters a pending batch down to messages that warrant an
// agent response: our own outbound echoes do not.
func actionable(msgs []store.Message) []store.Message {
	var out []store.Message
	for _, m := range msgs {
		if m.IsBotMessage {
			continue
		}
		out = append(out, m)
	}
	return out
}

func containsReset(msgs []store.Message) bool {
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == newSessionCommand {
			return true
		}
	}
	return false
}

// touchIdle (re)arms the chat's idle timer. Expiry aborts the session
// only when no prompt is in flight.
func (o *Orchestrator) touchIdle(jid string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.idleTimers[jid]; ok {
		t.Stop()
	}
	o.idleTimers[jid] = time.AfterFunc(o.cfg.IdleTimeout(), func() {
		o.log.Info("idle timeout, aborting session", "chat_jid", jid)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		o.sessions.AbortIfIdle(ctx, jid)
		o.mu.Lock()
		delete(o.idleTimers, jid)
		o.mu.Unlock()
	})
}

// stopIdle cancels the chat's idle timer, if any.
func (o *Orchestrator) stopIdle(jid string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.idleTimers[jid]; ok {
		t.Stop()
		delete(o.idleTimers, jid)
	}
}

// Shutdown stops timers and aborts open sessions so queued jobs can
// drain.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	for jid, t := range o.idleTimers {
		t.Stop()
		delete(o.idleTimers, jid)
	}
	o.mu.Unlock()
	o.sessions.Shutdown(ctx)
}
