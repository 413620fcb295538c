// Package ipc implements the file-based agent-to-host surface: atomic
// envelope writes, the watcher that applies them under path-identity
// authorization, and the per-folder task snapshot.
package ipc

// Envelope types.
const (
	TypeMessage      = "message"
	TypeScheduleTask = "schedule_task"
	TypePauseTask    = "pause_task"
	TypeResumeTask   = "resume_task"
	TypeCancelTask   = "cancel_task"
)

// Envelope is the on-disk JSON shape, a tagged union over Type. Fields
// irrelevant to a given type stay empty. ChatFolder and CreatedBy are
// informational only; authority always comes from the directory the
// file was found in.
type Envelope struct {
	Type string `json:"type"`

	// message
	ChatJID string `json:"chat_jid,omitempty"`
	Text    string `json:"text,omitempty"`
	Sender  string `json:"sender,omitempty"`

	// schedule_task
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`
	TargetJID     string `json:"target_jid,omitempty"`
	CreatedBy     string `json:"created_by,omitempty"`

	// pause_task / resume_task / cancel_task
	TaskID string `json:"task_id,omitempty"`

	ChatFolder string `json:"chat_folder,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}
