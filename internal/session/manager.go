// Package session drives the external agent runtime on behalf of
// individual chats: session create/resume, stale-ID recovery, prompt
// streaming with canonical finalization, follow-up routing, and
// idle-abort. The queue guarantees per-chat exclusivity, so at most
// one prompt is in flight per chat at any moment.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pocketbrain/pocketbrain/internal/agent"
)

// ErrNoSessionID is returned when neither resume nor create yielded a
// usable session.
var ErrNoSessionID = errors.New("no session ID")

// Timeouts bounds the individual runtime calls.
type Timeouts struct {
	Init      time.Duration // get/create session
	Stream    time.Duration // prompt event stream
	Canonical time.Duration // canonical message fetch
}

// DefaultTimeouts matches the documented defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{Init: 15 * time.Second, Stream: 120 * time.Second, Canonical: 30 * time.Second}
}

// Input describes one session run for a chat.
type Input struct {
	ChatJID    string
	ChatFolder string
	IsMain     bool

	// SessionID is the persisted session to resume; empty forces a new
	// session.
	SessionID string

	// Prompt is the formatted batch or task prompt body.
	Prompt string

	// Instructions holds chat-specific instruction file contents,
	// injected only when a new session is created.
	Instructions string

	// ScheduledTask marks autonomous runs; the prompt gets the task
	// marker prepended.
	ScheduledTask bool
}

// Output is one emission from a running session. Exactly one of the
// fields is meaningful: Text carries a result for the user,
// NewSessionID is the session-update marker the caller persists.
type Output struct {
	Text         string
	NewSessionID string
}

// OutputFunc receives streamed outputs. Called from the session's
// goroutine; implementations must be safe for that.
type OutputFunc func(Output)

type activeSession struct {
	chatJID       string
	sessionID     string
	contextPrefix string
	busy          bool
	onOutput      OutputFunc
	end           chan struct{}
	endOnce       sync.Once
}

func (a *activeSession) finish() {
	a.endOnce.Do(func() { close(a.end) })
}

// Manager owns the in-memory ActiveSession map. It is the only mutator
// of that map; everything else goes through HasActive / SendFollowUp /
// AbortSession.
type Manager struct {
	rt       agent.Runtime
	timeouts Timeouts
	log      *slog.Logger

	mu     sync.Mutex
	active map[string]*activeSession // chat JID → open session
}

// NewManager creates a session manager over the given runtime.
func NewManager(rt agent.Runtime, t Timeouts) *Manager {
	return &Manager{
		rt:       rt,
		timeouts: t,
		log:      slog.Default().With("component", "session"),
		active:   make(map[string]*activeSession),
	}
}

// RunSession opens (or resumes) a session for the chat, runs the first
// prompt, emits outputs, and then keeps the session open until
// AbortSession resolves it. A prompt failure returns immediately with
// the error and no session remains registered; the queue decides
// whether to retry.
func (m *Manager) RunSession(ctx context.Context, in Input, onOutput OutputFunc) error {
	sessionID, isNew, err := m.resolveSession(ctx, in)
	if err != nil {
		return err
	}

	prefix := ContextPrefix(in.ChatJID, in.ChatFolder, in.IsMain)
	as := &activeSession{
		chatJID:       in.ChatJID,
		sessionID:     sessionID,
		contextPrefix: prefix,
		busy:          true,
		onOutput:      onOutput,
		end:           make(chan struct{}),
	}

	m.mu.Lock()
	if prev, ok := m.active[in.ChatJID]; ok {
		// The queue should make this impossible; recover anyway.
		m.log.Warn("replacing leftover active session", "chat_jid", in.ChatJID, "session_id", prev.sessionID)
		prev.finish()
	}
	m.active[in.ChatJID] = as
	m.mu.Unlock()

	text, err := m.runPrompt(ctx, sessionID, composeFirstPrompt(prefix, in, isNew))

	m.mu.Lock()
	as.busy = false
	m.mu.Unlock()

	if err != nil {
		m.remove(as)
		return err
	}

	if text != "" {
		onOutput(Output{Text: text})
	}
	onOutput(Output{NewSessionID: sessionID})

	// The session stays open for follow-ups until aborted (idle timer,
	// /new, or shutdown).
	select {
	case <-ctx.Done():
		m.AbortSession(context.WithoutCancel(ctx), in.ChatJID)
		return nil
	case <-as.end:
		return nil
	}
}

// resolveSession validates a persisted ID or creates a fresh session.
func (m *Manager) resolveSession(ctx context.Context, in Input) (id string, isNew bool, err error) {
	if in.SessionID != "" {
		gctx, cancel := context.WithTimeout(ctx, m.timeouts.Init)
		gerr := m.rt.GetSession(gctx, in.SessionID)
		cancel()
		if gerr == nil {
			return in.SessionID, false, nil
		}
		m.log.Warn("persisted session is stale, recreating",
			"chat_folder", in.ChatFolder, "session_id", in.SessionID, "error", gerr)
		// Fire-and-forget cleanup of the stale session.
		stale := in.SessionID
		go func() {
			dctx, cancel := context.WithTimeout(context.Background(), m.timeouts.Init)
			defer cancel()
			if derr := m.rt.DeleteSession(dctx, stale); derr != nil {
				m.log.Debug("stale session delete failed", "session_id", stale, "error", derr)
			}
		}()
	}

	cctx, cancel := context.WithTimeout(ctx, m.timeouts.Init)
	defer cancel()
	created, cerr := m.rt.CreateSession(cctx, in.ChatFolder)
	if cerr != nil {
		return "", false, cerr
	}
	if created == "" {
		return "", false, ErrNoSessionID
	}
	return created, true, nil
}

func composeFirstPrompt(prefix string, in Input, isNew bool) string {
	var b strings.Builder
	if in.ScheduledTask {
		b.WriteString(TaskMarker)
		b.WriteString("\n\n")
	}
	b.WriteString(prefix)
	b.WriteString("\n\n")
	if isNew && in.Instructions != "" {
		b.WriteString(in.Instructions)
		b.WriteString("\n\n")
	}
	b.WriteString(in.Prompt)
	return b.String()
}

// SendFollowUp routes text into the chat's open session. Returns false
// when there is no session or it is busy; acceptance is what gates
// cursor advancement in the orchestrator. The prompt itself runs
// asynchronously and emits through the session's original output
// callback.
func (m *Manager) SendFollowUp(ctx context.Context, chatJID, text string) bool {
	m.mu.Lock()
	as, ok := m.active[chatJID]
	if !ok || as.busy {
		m.mu.Unlock()
		return false
	}
	as.busy = true
	sessionID := as.sessionID
	composed := as.contextPrefix + "\n\n" + text
	m.mu.Unlock()

	// Acceptance advanced the caller's cursor, so the caller's context
	// must not cancel the prompt; the session's own teardown (abort,
	// shutdown) must.
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		select {
		case <-as.end:
			cancel()
		case <-pctx.Done():
		}
	}()

	go func() {
		defer cancel()
		out, err := m.runPrompt(pctx, sessionID, composed)

		m.mu.Lock()
		as.busy = false
		m.mu.Unlock()

		if err != nil {
			// The cursor already advanced on acceptance; the user gets
			// silence this cycle and the next message retries.
			m.log.Error("follow-up prompt failed", "chat_jid", chatJID, "error", err)
			return
		}
		if out != "" {
			as.onOutput(Output{Text: out})
		}
	}()
	return true
}

// HasActive reports whether the chat has an open session.
func (m *Manager) HasActive(chatJID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[chatJID]
	return ok
}

// AbortSession tears down the chat's open session: best-effort runtime
// abort when busy, resolve the end signal, drop the registration.
// Idempotent; aborting a chat with no session is a no-op.
func (m *Manager) AbortSession(ctx context.Context, chatJID string) {
	m.mu.Lock()
	as, ok := m.active[chatJID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, chatJID)
	busy := as.busy
	m.mu.Unlock()

	if busy {
		actx, cancel := context.WithTimeout(ctx, m.timeouts.Init)
		if err := m.rt.Abort(actx, as.sessionID); err != nil {
			m.log.Debug("session abort failed", "chat_jid", chatJID, "error", err)
		}
		cancel()
	}
	as.finish()
}

// AbortIfIdle aborts the chat's session only when no prompt is in
// flight. The idle timer goes through here so it never kills a run
// that is still streaming.
func (m *Manager) AbortIfIdle(ctx context.Context, chatJID string) {
	m.mu.Lock()
	as, ok := m.active[chatJID]
	if !ok || as.busy {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.AbortSession(ctx, chatJID)
}

// Shutdown aborts every open session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	jids := make([]string, 0, len(m.active))
	for jid := range m.active {
		jids = append(jids, jid)
	}
	m.mu.Unlock()

	for _, jid := range jids {
		m.AbortSession(ctx, jid)
	}
}

func (m *Manager) remove(as *activeSession) {
	m.mu.Lock()
	if cur, ok := m.active[as.chatJID]; ok && cur == as {
		delete(m.active, as.chatJID)
	}
	m.mu.Unlock()
	as.finish()
}
