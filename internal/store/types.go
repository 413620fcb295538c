package store

import "time"

// Chat is a conversation the assistant responds in. The folder slug is
// the chat's filesystem/IPC identity and is immutable for the chat's
// lifetime; at most one chat may be main.
type Chat struct {
	JID     string    `json:"jid"`
	Name    string    `json:"name"`
	Folder  string    `json:"folder"`
	AddedAt time.Time `json:"added_at"`
	IsMain  bool      `json:"is_main"`
}

// Message is an inbound or echo-of-self message observed on a channel.
// Timestamps are fixed-width nanosecond UTC strings; lexicographic
// order equals chronological order within a chat.
type Message struct {
	ChatJID      string `json:"chat_jid"`
	ID           string `json:"id"`
	Sender       string `json:"sender"`
	SenderName   string `json:"sender_name"`
	Content      string `json:"content"`
	Timestamp    string `json:"timestamp"`
	IsFromMe     bool   `json:"is_from_me"`
	IsBotMessage bool   `json:"is_bot_message"`
}

// Schedule kinds for scheduled tasks.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Context modes for scheduled tasks.
const (
	ContextGroup    = "group"    // reuse the chat's persisted session
	ContextIsolated = "isolated" // always force a fresh session
)

// Task statuses.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
)

// ScheduledTask is a persisted job fired by the scheduler.
// Invariant: status=active implies NextRun is non-nil.
type ScheduledTask struct {
	ID           string     `json:"id"`
	ChatFolder   string     `json:"chat_folder"`
	ChatJID      string     `json:"chat_jid"`
	Prompt       string     `json:"prompt"`
	ScheduleKind string     `json:"schedule_kind"`
	ScheduleVal  string     `json:"schedule_value"`
	ContextMode  string     `json:"context_mode"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastResult   string     `json:"last_result,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
}

// OutboxEntry is a pending outbound message retained for channels that
// disconnect. Drained by the channel registry.
type OutboxEntry struct {
	ID        int64
	Channel   string
	UserID    string
	Text      string
	Attempts  int
	NextRetry time.Time
}

// timestampLayout keeps the fractional second at a fixed nine digits.
// RFC3339Nano trims trailing zeros, which breaks string ordering:
// "...05.5Z" sorts before "...05Z" because '.' < 'Z'.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// TimestampFormat renders timestamps the way the store orders them.
func TimestampFormat(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// NormalizeTimestamp re-renders an RFC3339 timestamp string into the
// store's fixed-width layout so mixed-precision inputs from channels
// stay comparable.
func NormalizeTimestamp(s string) (string, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return "", err
	}
	return TimestampFormat(t), nil
}
