// Package opencode adapts an OpenCode-style agent server to the
// agent.Runtime contract: plain HTTP for session control and a
// server-sent-events stream for prompt results.
package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pocketbrain/pocketbrain/internal/agent"
)

// Compile-time check that Client satisfies agent.Runtime.
var _ agent.Runtime = (*Client)(nil)

// Client talks to one agent server instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the server at baseURL. The token, when set,
// is sent as a bearer credential on every request.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// No global timeout: the SSE stream is long-lived. Per-call
		// deadlines come from the caller's context.
		http: &http.Client{},
	}
}

type sessionInfo struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// CreateSession opens a new session titled title.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	body, _ := json.Marshal(map[string]string{"title": title})
	var info sessionInfo
	if err := c.do(ctx, http.MethodPost, "/session", body, &info); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if info.ID == "" {
		return "", fmt.Errorf("create session: server returned no session ID")
	}
	return info.ID, nil
}

// GetSession verifies the session still exists on the server.
func (c *Client) GetSession(ctx context.Context, sessionID string) error {
	if err := c.do(ctx, http.MethodGet, "/session/"+sessionID, nil, &sessionInfo{}); err != nil {
		return fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteSession discards a session on the server.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.do(ctx, http.MethodDelete, "/session/"+sessionID, nil, nil); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// PromptAsync submits a prompt. The server accepts with 2xx before the
// agent finishes; results arrive on the event stream.
func (c *Client) PromptAsync(ctx context.Context, sessionID, messageID, text string) error {
	body, _ := json.Marshal(map[string]any{
		"messageID": messageID,
		"parts":     []map[string]string{{"type": "text", "text": text}},
	})
	if err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/prompt_async", body, nil); err != nil {
		return fmt.Errorf("prompt session %s: %w", sessionID, err)
	}
	return nil
}

// GetMessage fetches the canonical completed message.
func (c *Client) GetMessage(ctx context.Context, sessionID, messageID string) (*agent.MessageRecord, error) {
	var wire struct {
		Info struct {
			Error string `json:"error,omitempty"`
		} `json:"info"`
		Parts []agent.MessagePart `json:"parts"`
	}
	if err := c.do(ctx, http.MethodGet, "/session/"+sessionID+"/message/"+messageID, nil, &wire); err != nil {
		return nil, fmt.Errorf("get message %s/%s: %w", sessionID, messageID, err)
	}
	return &agent.MessageRecord{Error: wire.Info.Error, Parts: wire.Parts}, nil
}

// Abort interrupts the session. Best-effort.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	if err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/abort", nil, nil); err != nil {
		return fmt.Errorf("abort session %s: %w", sessionID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// reconnectDelay spaces out stream reconnect attempts.
const reconnectDelay = 2 * time.Second

// Events subscribes to the server's SSE stream. The returned channel
// stays open across transport hiccups (the client reconnects) and
// closes when ctx is cancelled.
func (c *Client) Events(ctx context.Context) (<-chan agent.Event, error) {
	out := make(chan agent.Event, 64)
	go func() {
		defer close(out)
		for {
			if err := c.streamOnce(ctx, out); err != nil {
				if ctx.Err() != nil {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}()
	return out, nil
}

func (c *Client) streamOnce(ctx context.Context, out chan<- agent.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: status %d", resp.StatusCode)
	}

	return readSSE(ctx, resp.Body, out)
}
