package opencode

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/pocketbrain/pocketbrain/internal/agent"
)

// wireEvent is the server's envelope: a type tag plus a free-form
// properties object whose shape depends on the type.
type wireEvent struct {
	Type       string `json:"type"`
	Properties struct {
		SessionID string `json:"sessionID"`
		Delta     string `json:"delta,omitempty"`
		Part      struct {
			ID        string `json:"id"`
			SessionID string `json:"sessionID"`
			MessageID string `json:"messageID"`
			Type      string `json:"type"`
			Text      string `json:"text"`
		} `json:"part"`
		Info struct {
			ID        string `json:"id"`
			SessionID string `json:"sessionID"`
			Error     string `json:"error,omitempty"`
		} `json:"info"`
	} `json:"properties"`
}

// readSSE parses a text/event-stream body and forwards decoded events
// until the stream ends or ctx is cancelled.
func readSSE(ctx context.Context, body io.Reader, out chan<- agent.Event) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	flush := func() {
		if data.Len() == 0 {
			return
		}
		payload := data.String()
		data.Reset()

		var we wireEvent
		if err := json.Unmarshal([]byte(payload), &we); err != nil {
			slog.Debug("skipping unparseable stream event", "error", err)
			return
		}
		ev, ok := mapEvent(we)
		if !ok {
			return
		}
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// comment or field we don't use (id:, event:, retry:)
		}
	}
	flush()
	return scanner.Err()
}

func mapEvent(we wireEvent) (agent.Event, bool) {
	switch we.Type {
	case agent.EventPartUpdated:
		p := we.Properties.Part
		if p.Type != "text" {
			return agent.Event{}, false
		}
		return agent.Event{
			Type:      agent.EventPartUpdated,
			SessionID: p.SessionID,
			MessageID: p.MessageID,
			PartID:    p.ID,
			Text:      p.Text,
			Delta:     we.Properties.Delta,
		}, true
	case agent.EventMessageUpdated:
		info := we.Properties.Info
		return agent.Event{
			Type:      agent.EventMessageUpdated,
			SessionID: info.SessionID,
			MessageID: info.ID,
			Error:     info.Error,
		}, true
	case agent.EventSessionIdle:
		return agent.Event{
			Type:      agent.EventSessionIdle,
			SessionID: we.Properties.SessionID,
		}, true
	default:
		return agent.Event{}, false
	}
}
