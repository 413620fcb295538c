package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pocketbrain/pocketbrain/internal/agent"
)

// overallPromptTimeout bounds a single prompt end to end when the
// caller sets no tighter deadline.
const overallPromptTimeout = 5 * time.Minute

// streamResult is what collectStream hands to finalization.
type streamResult struct {
	text      string
	sawTarget bool
	streamErr string
	timedOut  bool
}

// runPrompt submits one prompt to an existing session and returns the
// finalized reply text. The stream is consumed for liveness; the
// canonical message fetched afterwards is authoritative because event
// streams may arrive partial or out of order.
func (m *Manager) runPrompt(ctx context.Context, sessionID, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, overallPromptTimeout)
	defer cancel()

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()

	events, err := m.rt.Events(streamCtx)
	if err != nil {
		return "", fmt.Errorf("subscribe to event stream: %w", err)
	}

	messageID := uuid.NewString()
	if err := m.rt.PromptAsync(ctx, sessionID, messageID, text); err != nil {
		return "", fmt.Errorf("submit prompt: %w", err)
	}

	res := m.collectStream(streamCtx, events, sessionID, messageID)
	stopStream()

	return m.finalize(ctx, sessionID, messageID, res)
}

// collectStream consumes runtime events addressed to (sessionID,
// messageID) until the session goes idle after the target message was
// seen, the stream times out, or ctx is cancelled.
func (m *Manager) collectStream(ctx context.Context, events <-chan agent.Event, sessionID, messageID string) streamResult {
	var res streamResult
	var order []string
	parts := make(map[string]*strings.Builder)

	deadline := time.NewTimer(m.timeouts.Stream)
	defer deadline.Stop()

	assemble := func() {
		var b strings.Builder
		for _, id := range order {
			b.WriteString(parts[id].String())
		}
		res.text = b.String()
	}

	for {
		select {
		case <-ctx.Done():
			assemble()
			return res
		case <-deadline.C:
			res.timedOut = true
			assemble()
			return res
		case ev, ok := <-events:
			if !ok {
				assemble()
				return res
			}
			if ev.SessionID != sessionID {
				continue
			}
			switch ev.Type {
			case agent.EventPartUpdated:
				if ev.MessageID != messageID {
					continue
				}
				b, seen := parts[ev.PartID]
				if !seen {
					b = &strings.Builder{}
					parts[ev.PartID] = b
					order = append(order, ev.PartID)
				}
				if ev.Delta != "" {
					b.WriteString(ev.Delta)
				} else {
					b.Reset()
					b.WriteString(ev.Text)
				}
			case agent.EventMessageUpdated:
				if ev.MessageID != messageID {
					continue
				}
				res.sawTarget = true
				if ev.Error != "" {
					res.streamErr = ev.Error
				}
			case agent.EventSessionIdle:
				// Idle before the target message means the prompt has
				// not started yet; keep waiting.
				if res.sawTarget {
					assemble()
					return res
				}
			}
		}
	}
}

// finalize fetches the canonical message and applies error precedence:
// canonical error, then recorded stream error, then success.
func (m *Manager) finalize(ctx context.Context, sessionID, messageID string, res streamResult) (string, error) {
	canonical := ""
	canonicalErr := ""

	fctx, cancel := context.WithTimeout(ctx, m.timeouts.Canonical)
	rec, err := m.rt.GetMessage(fctx, sessionID, messageID)
	cancel()
	if err != nil {
		m.log.Warn("canonical message fetch failed, falling back to streamed text",
			"session_id", sessionID, "error", err)
	} else {
		canonicalErr = rec.Error
		var b strings.Builder
		for _, p := range rec.Parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		canonical = b.String()
	}

	if canonicalErr != "" {
		return "", errors.New(canonicalErr)
	}
	if res.streamErr != "" {
		if res.timedOut {
			return "", fmt.Errorf("%s (stream timeout)", res.streamErr)
		}
		return "", errors.New(res.streamErr)
	}

	text := canonical
	if text == "" {
		text = res.text
	}
	if text == "" && !res.sawTarget {
		if res.timedOut {
			return "", errors.New("stream ended without target message (stream timeout)")
		}
		return "", errors.New("stream ended without target message")
	}
	return text, nil
}
