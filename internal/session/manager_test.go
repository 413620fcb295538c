package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketbrain/pocketbrain/internal/agent"
)

// fakeRuntime scripts the runtime side of the prompt protocol. Each
// PromptAsync replays the configured event sequence onto the stream
// and serves the canonical record on GetMessage.
type fakeRuntime struct {
	mu sync.Mutex

	staleIDs    map[string]bool
	createdIDs  []string
	deleted     []string
	aborted     []string
	prompts     []string
	promptErr   error
	canonical   *agent.MessageRecord
	canonicalOK bool
	streamErr   string
	noIdle      bool
	streamCtxs  []context.Context

	events chan agent.Event
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		staleIDs:    make(map[string]bool),
		createdIDs:  []string{"new-session-1"},
		canonical:   &agent.MessageRecord{Parts: []agent.MessagePart{{Type: "text", Text: "canonical reply"}}},
		canonicalOK: true,
		events:      make(chan agent.Event, 16),
	}
}

func (f *fakeRuntime) CreateSession(ctx context.Context, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createdIDs) == 0 {
		return "", errors.New("create exhausted")
	}
	id := f.createdIDs[0]
	f.createdIDs = f.createdIDs[1:]
	return id, nil
}

func (f *fakeRuntime) GetSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.staleIDs[sessionID] {
		return errors.New("session gone")
	}
	return nil
}

func (f *fakeRuntime) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sessionID)
	return nil
}

func (f *fakeRuntime) PromptAsync(ctx context.Context, sessionID, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promptErr != nil {
		return f.promptErr
	}
	f.prompts = append(f.prompts, text)

	f.events <- agent.Event{Type: agent.EventPartUpdated, SessionID: sessionID,
		MessageID: messageID, PartID: "p1", Delta: "streamed "}
	f.events <- agent.Event{Type: agent.EventPartUpdated, SessionID: sessionID,
		MessageID: messageID, PartID: "p1", Delta: "reply"}
	f.events <- agent.Event{Type: agent.EventMessageUpdated, SessionID: sessionID,
		MessageID: messageID, Error: f.streamErr}
	if !f.noIdle {
		f.events <- agent.Event{Type: agent.EventSessionIdle, SessionID: sessionID}
	}
	return nil
}

func (f *fakeRuntime) Events(ctx context.Context) (<-chan agent.Event, error) {
	f.mu.Lock()
	f.streamCtxs = append(f.streamCtxs, ctx)
	f.mu.Unlock()
	return f.events, nil
}

func (f *fakeRuntime) streamContexts() []context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]context.Context(nil), f.streamCtxs...)
}

func (f *fakeRuntime) GetMessage(ctx context.Context, sessionID, messageID string) (*agent.MessageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.canonicalOK {
		return nil, errors.New("canonical unavailable")
	}
	return f.canonical, nil
}

func (f *fakeRuntime) promptTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func (f *fakeRuntime) Abort(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, sessionID)
	return nil
}

func testTimeouts() Timeouts {
	return Timeouts{Init: time.Second, Stream: 2 * time.Second, Canonical: time.Second}
}

// run starts RunSession on a goroutine and returns collected outputs
// after the first prompt completes, plus a stop func resolving the
// session.
func run(t *testing.T, m *Manager, in Input) (outputs func() []Output, stop func() error) {
	t.Helper()
	var mu sync.Mutex
	var outs []Output
	marker := make(chan struct{}, 1)
	errCh := make(chan error, 1)

	go func() {
		errCh <- m.RunSession(context.Background(), in, func(o Output) {
			mu.Lock()
			outs = append(outs, o)
			mu.Unlock()
			if o.NewSessionID != "" {
				select {
				case marker <- struct{}{}:
				default:
				}
			}
		})
	}()

	select {
	case <-marker:
	case err := <-errCh:
		t.Fatalf("session ended before emitting its marker: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session output")
	}

	outputs = func() []Output {
		mu.Lock()
		defer mu.Unlock()
		return append([]Output(nil), outs...)
	}
	stop = func() error {
		m.AbortSession(context.Background(), in.ChatJID)
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("session did not end after abort")
			return nil
		}
	}
	return outputs, stop
}

// TestRunSession_NewSession: no persisted ID, a fresh session is
// created and its ID emitted; canonical text wins over streamed.
func TestRunSession_NewSession(t *testing.T) {
	rt := newFakeRuntime()
	m := NewManager(rt, testTimeouts())

	outputs, stop := run(t, m, Input{
		ChatJID: "a@mock", ChatFolder: "a", Prompt: "hello",
		Instructions: "be nice",
	})
	require.NoError(t, stop())

	outs := outputs()
	require.Len(t, outs, 2)
	assert.Equal(t, "canonical reply", outs[0].Text)
	assert.Equal(t, "new-session-1", outs[1].NewSessionID)

	// New session: instructions and the context prefix are in the
	// first prompt.
	require.Len(t, rt.prompts, 1)
	assert.Contains(t, rt.prompts[0], "<pocketbrain_context>")
	assert.Contains(t, rt.prompts[0], "be nice")
	assert.Contains(t, rt.prompts[0], "hello")
}

// TestRunSession_StaleRecovery: a dead persisted ID is deleted
// fire-and-forget and replaced with a fresh session.
func TestRunSession_StaleRecovery(t *testing.T) {
	rt := newFakeRuntime()
	rt.staleIDs["old-dead"] = true
	m := NewManager(rt, testTimeouts())

	outputs, stop := run(t, m, Input{
		ChatJID: "a@mock", ChatFolder: "a", SessionID: "old-dead", Prompt: "hi",
	})
	require.NoError(t, stop())

	outs := outputs()
	require.Len(t, outs, 2)
	assert.Equal(t, "new-session-1", outs[1].NewSessionID)

	// The delete goroutine is fire-and-forget; give it a moment.
	assert.Eventually(t, func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return len(rt.deleted) == 1 && rt.deleted[0] == "old-dead"
	}, 2*time.Second, 10*time.Millisecond)
}

// TestRunSession_ValidResume: a live persisted ID is reused and no
// instructions are injected.
func TestRunSession_ValidResume(t *testing.T) {
	rt := newFakeRuntime()
	m := NewManager(rt, testTimeouts())

	outputs, stop := run(t, m, Input{
		ChatJID: "a@mock", ChatFolder: "a", SessionID: "live-1",
		Prompt: "hi", Instructions: "be nice",
	})
	require.NoError(t, stop())

	outs := outputs()
	assert.Equal(t, "live-1", outs[1].NewSessionID)
	require.Len(t, rt.prompts, 1)
	assert.NotContains(t, rt.prompts[0], "be nice")
}

// TestRunSession_CanonicalErrorWins: an error on the canonical record
// fails the run even when the stream looked clean.
func TestRunSession_CanonicalErrorWins(t *testing.T) {
	rt := newFakeRuntime()
	rt.canonical = &agent.MessageRecord{Error: "model exploded"}
	m := NewManager(rt, testTimeouts())

	err := m.RunSession(context.Background(), Input{
		ChatJID: "a@mock", ChatFolder: "a", Prompt: "hi",
	}, func(Output) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")
	assert.False(t, m.HasActive("a@mock"), "failed run must not leave a registered session")
}

// TestRunSession_StreamedFallback: canonical fetch failing falls back
// to the streamed text.
func TestRunSession_StreamedFallback(t *testing.T) {
	rt := newFakeRuntime()
	rt.canonicalOK = false
	m := NewManager(rt, testTimeouts())

	outputs, stop := run(t, m, Input{ChatJID: "a@mock", ChatFolder: "a", Prompt: "hi"})
	require.NoError(t, stop())
	assert.Equal(t, "streamed reply", outputs()[0].Text)
}

// TestRunSession_ScheduledTaskMarker: autonomous runs carry the task
// marker ahead of everything else.
func TestRunSession_ScheduledTaskMarker(t *testing.T) {
	rt := newFakeRuntime()
	m := NewManager(rt, testTimeouts())

	_, stop := run(t, m, Input{
		ChatJID: "a@mock", ChatFolder: "a", Prompt: "do the thing", ScheduledTask: true,
	})
	require.NoError(t, stop())

	require.Len(t, rt.prompts, 1)
	assert.True(t, strings.HasPrefix(rt.prompts[0], TaskMarker))
}

// TestSendFollowUp covers accept, busy-reject, and no-session-reject.
func TestSendFollowUp(t *testing.T) {
	rt := newFakeRuntime()
	m := NewManager(rt, testTimeouts())

	assert.False(t, m.SendFollowUp(context.Background(), "a@mock", "early"),
		"no session yet")

	outputs, stop := run(t, m, Input{ChatJID: "a@mock", ChatFolder: "a", Prompt: "hi"})

	require.True(t, m.SendFollowUp(context.Background(), "a@mock", "follow-up text"))

	assert.Eventually(t, func() bool {
		return len(outputs()) >= 3 && len(rt.promptTexts()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// The follow-up prompt re-injects the context prefix.
	prompts := rt.promptTexts()
	assert.Contains(t, prompts[1], "<pocketbrain_context>")
	assert.Contains(t, prompts[1], "follow-up text")

	require.NoError(t, stop())
	assert.False(t, m.SendFollowUp(context.Background(), "a@mock", "after abort"))
}

// TestSendFollowUp_AbortCancelsPrompt: tearing the session down must
// cancel an in-flight follow-up's stream subscription rather than
// leaving it to run out its own timeout.
func TestSendFollowUp_AbortCancelsPrompt(t *testing.T) {
	rt := newFakeRuntime()
	m := NewManager(rt, testTimeouts())

	_, stop := run(t, m, Input{ChatJID: "a@mock", ChatFolder: "a", Prompt: "hi"})

	// The follow-up's events never reach idle, so its stream sits open
	// until cancelled.
	rt.mu.Lock()
	rt.noIdle = true
	rt.mu.Unlock()
	require.True(t, m.SendFollowUp(context.Background(), "a@mock", "never answered"))

	require.NoError(t, stop())

	assert.Eventually(t, func() bool {
		ctxs := rt.streamContexts()
		return len(ctxs) == 2 && ctxs[1].Err() != nil
	}, time.Second, 10*time.Millisecond)
}

// TestAbortSession_Idempotent: aborting twice, or with no session, is
// harmless.
func TestAbortSession_Idempotent(t *testing.T) {
	rt := newFakeRuntime()
	m := NewManager(rt, testTimeouts())

	m.AbortSession(context.Background(), "nobody@mock")

	_, stop := run(t, m, Input{ChatJID: "a@mock", ChatFolder: "a", Prompt: "hi"})
	require.NoError(t, stop())
	m.AbortSession(context.Background(), "a@mock")
	assert.False(t, m.HasActive("a@mock"))
}

// TestAbortIfIdle_SkipsBusy: the idle path must never kill a session
// with a prompt in flight.
func TestAbortIfIdle_SkipsBusy(t *testing.T) {
	rt := newFakeRuntime()
	m := NewManager(rt, testTimeouts())

	_, stop := run(t, m, Input{ChatJID: "a@mock", ChatFolder: "a", Prompt: "hi"})

	// Mark busy by hand to simulate an in-flight follow-up.
	m.mu.Lock()
	m.active["a@mock"].busy = true
	m.mu.Unlock()

	m.AbortIfIdle(context.Background(), "a@mock")
	assert.True(t, m.HasActive("a@mock"))

	m.mu.Lock()
	m.active["a@mock"].busy = false
	m.mu.Unlock()

	m.AbortIfIdle(context.Background(), "a@mock")
	assert.False(t, m.HasActive("a@mock"))
	require.NoError(t, stop())
}
