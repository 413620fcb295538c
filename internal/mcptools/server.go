// Package mcptools exposes the agent-facing tool surface over MCP
// stdio. Tools never touch the store directly; every action becomes an
// atomic IPC envelope under the calling chat's folder, so the watcher
// applies host-side authorization uniformly no matter who asked.
package mcptools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pocketbrain/pocketbrain/internal/ipc"
	"github.com/pocketbrain/pocketbrain/internal/store"
)

// Server writes tool invocations into one chat folder's IPC tree.
type Server struct {
	root   string // IPC root
	folder string // sanitized chat folder, the caller's identity
	mcp    *server.MCPServer
}

// New creates the tool server for the chat identified by folderLabel.
// The label is reduced to its final path component; values that would
// escape the IPC root are rejected.
func New(ipcRoot, folderLabel, version string) (*Server, error) {
	folder, err := ipc.SanitizeFolder(folderLabel)
	if err != nil {
		return nil, err
	}
	s := &Server{
		root:   ipcRoot,
		folder: folder,
		mcp: server.NewMCPServer("pocketbrain-tools", version,
			server.WithToolCapabilities(false)),
	}
	s.register()
	return s, nil
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) register() {
	s.mcp.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a message to a chat the assistant participates in."),
		mcp.WithString("chat_jid", mcp.Required(), mcp.Description("Target chat JID")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
	), s.sendMessage)

	s.mcp.AddTool(mcp.NewTool("schedule_task",
		mcp.WithDescription("Schedule a recurring or one-shot task. schedule_value is a cron expression, interval milliseconds, or an RFC3339 timestamp depending on schedule_type."),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Prompt the agent runs when the task fires")),
		mcp.WithString("schedule_type", mcp.Required(), mcp.Enum("cron", "interval", "once")),
		mcp.WithString("schedule_value", mcp.Required()),
		mcp.WithString("target_jid", mcp.Required(), mcp.Description("Chat the task belongs to")),
		mcp.WithString("context_mode", mcp.Enum("group", "isolated"),
			mcp.Description("group reuses the chat session, isolated forces a fresh one")),
	), s.scheduleTask)

	s.mcp.AddTool(mcp.NewTool("pause_task",
		mcp.WithDescription("Pause an active scheduled task."),
		mcp.WithString("task_id", mcp.Required()),
	), s.taskAction(ipc.TypePauseTask))

	s.mcp.AddTool(mcp.NewTool("resume_task",
		mcp.WithDescription("Resume a paused task; its next run is recomputed from now."),
		mcp.WithString("task_id", mcp.Required()),
	), s.taskAction(ipc.TypeResumeTask))

	s.mcp.AddTool(mcp.NewTool("cancel_task",
		mcp.WithDescription("Cancel and delete a scheduled task."),
		mcp.WithString("task_id", mcp.Required()),
	), s.taskAction(ipc.TypeCancelTask))

	s.mcp.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List this chat's scheduled tasks."),
	), s.listTasks)
}

func (s *Server) sendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jid, err := req.RequireString("chat_jid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := ipc.WriteEnvelope(filepath.Join(s.root, s.folder, "messages"), &ipc.Envelope{
		Type:       ipc.TypeMessage,
		ChatJID:    jid,
		Text:       text,
		ChatFolder: s.folder,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stage message: %v", err)), nil
	}
	return mcp.NewToolResultText("message staged for delivery: " + filepath.Base(path)), nil
}

func (s *Server) scheduleTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind, err := req.RequireString("schedule_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	value, err := req.RequireString("schedule_value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	target, err := req.RequireString("target_jid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	mode := req.GetString("context_mode", store.ContextGroup)

	_, err = ipc.WriteEnvelope(filepath.Join(s.root, s.folder, "tasks"), &ipc.Envelope{
		Type:          ipc.TypeScheduleTask,
		Prompt:        prompt,
		ScheduleType:  kind,
		ScheduleValue: value,
		ContextMode:   mode,
		TargetJID:     target,
		CreatedBy:     s.folder,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stage task: %v", err)), nil
	}
	return mcp.NewToolResultText("task staged; it appears in current_tasks.json once accepted"), nil
}

func (s *Server) taskAction(actionType string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		_, err = ipc.WriteEnvelope(filepath.Join(s.root, s.folder, "tasks"), &ipc.Envelope{
			Type:       actionType,
			TaskID:     taskID,
			ChatFolder: s.folder,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stage %s: %v", actionType, err)), nil
		}
		return mcp.NewToolResultText(actionType + " staged for task " + taskID), nil
	}
}

// listTasks reads the host-maintained snapshot rather than the store;
// the agent side has no database access.
func (s *Server) listTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := os.ReadFile(filepath.Join(s.root, s.folder, "current_tasks.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return mcp.NewToolResultText("[]"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("read task snapshot: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
