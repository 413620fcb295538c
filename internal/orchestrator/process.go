package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pocketbrain/pocketbrain/internal/queue"
	"github.com/pocketbrain/pocketbrain/internal/session"
	"github.com/pocketbrain/pocketbrain/internal/store"
)

// lastResultLimit bounds what a task run stores as its result.
const lastResultLimit = 500

// Process is the queue's ProcessFunc: one job, per-chat exclusive.
func (o *Orchestrator) Process(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case queue.KindTask:
		return o.processTask(ctx, job.TaskID)
	default:
		return o.processBatch(ctx, job.ChatJID)
	}
}

// processBatch answers a chat's unprocessed messages. The processed
// cursor advances optimistically before the prompt runs; on failure it
// rolls back unless output already reached the user, in which case a
// retry would double-reply.
func (o *Orchestrator) processBatch(ctx context.Context, jid string) error {
	chat, err := o.store.GetChat(ctx, jid)
	if err != nil {
		if errors.Is(err, store.ErrChatNotFound) {
			return nil // unregistered mid-flight
		}
		return err
	}

	previous, err := o.store.ProcessedCursor(ctx, jid)
	if err != nil {
		return err
	}
	pending, err := o.store.MessagesAfter(ctx, jid, previous)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	last := pending[len(pending)-1].Timestamp

	batch := actionable(pending)
	if containsReset(batch) {
		o.log.Info("session reset requested", "chat_jid", jid)
		o.sessions.AbortSession(ctx, jid)
		if err := o.store.ClearSession(ctx, chat.Folder); err != nil {
			return err
		}
		batch = withoutReset(batch)
	}
	if len(batch) == 0 {
		o.setProcessed(ctx, jid, last)
		return nil
	}

	if err := o.store.SetProcessedCursor(ctx, jid, last); err != nil {
		return err
	}

	sessionID, err := o.store.GetSession(ctx, chat.Folder)
	if err != nil {
		return err
	}

	var outputSent atomic.Bool
	onOutput := func(out session.Output) {
		o.emit(chat, out, &outputSent)
	}

	o.registry.SetTyping(ctx, jid, true)
	defer o.registry.SetTyping(context.WithoutCancel(ctx), jid, false)
	o.touchIdle(jid)
	defer o.stopIdle(jid)

	err = o.sessions.RunSession(ctx, session.Input{
		ChatJID:      jid,
		ChatFolder:   chat.Folder,
		IsMain:       chat.IsMain,
		SessionID:    sessionID,
		Prompt:       session.FormatBatch(batch),
		Instructions: o.loadInstructions(chat.Folder),
	}, onOutput)
	if err != nil {
		if outputSent.Load() {
			// The user saw a reply; retrying would send it twice.
			o.log.Warn("session failed after output was delivered, keeping cursor",
				"chat_jid", jid, "error", err)
			return nil
		}
		o.setProcessed(ctx, jid, previous)
		return fmt.Errorf("session run for %s: %w", jid, err)
	}
	return nil
}

// emit delivers one session output: text to the channel, session IDs
// to the store.
func (o *Orchestrator) emit(chat *store.Chat, out session.Output, outputSent *atomic.Bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if out.NewSessionID != "" {
		if err := o.store.SetSession(ctx, chat.Folder, out.NewSessionID); err != nil {
			o.log.Error("session persist failed", "chat_folder", chat.Folder, "error", err)
		}
		return
	}
	if out.Text == "" {
		return
	}
	if err := o.registry.Deliver(ctx, chat.JID, out.Text); err != nil {
		o.log.Error("reply delivery failed", "chat_jid", chat.JID, "error", err)
		return
	}
	outputSent.Store(true)
	o.touchIdle(chat.JID)
}

// processTask runs one scheduled task through the chat's session
// machinery and records the outcome on the task row.
func (o *Orchestrator) processTask(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return nil // cancelled between enqueue and run
		}
		return err
	}
	chat, err := o.store.GetChatByFolder(ctx, task.ChatFolder)
	if err != nil {
		if errors.Is(err, store.ErrChatNotFound) {
			o.recordTaskResult(ctx, taskID, "error: chat not registered")
			return nil
		}
		return err
	}

	sessionID := ""
	if task.ContextMode == store.ContextGroup {
		sessionID, err = o.store.GetSession(ctx, chat.Folder)
		if err != nil {
			return err
		}
	}

	isolated := task.ContextMode == store.ContextIsolated
	var outputSent atomic.Bool
	onOutput := func(out session.Output) {
		if out.Text != "" {
			o.recordTaskResult(context.Background(), taskID, truncate("success: "+out.Text, lastResultLimit))
		}
		if isolated {
			if out.NewSessionID != "" {
				// One-shot context: tear the session down as soon as
				// the run completes so the slot frees.
				go o.sessions.AbortSession(context.Background(), chat.JID)
			}
			if out.Text != "" {
				o.deliverTaskOutput(chat.JID, out.Text, &outputSent)
			}
			return
		}
		o.emit(chat, out, &outputSent)
	}

	o.touchIdle(chat.JID)
	defer o.stopIdle(chat.JID)

	err = o.sessions.RunSession(ctx, session.Input{
		ChatJID:       chat.JID,
		ChatFolder:    chat.Folder,
		IsMain:        chat.IsMain,
		SessionID:     sessionID,
		Prompt:        task.Prompt,
		Instructions:  o.loadInstructions(chat.Folder),
		ScheduledTask: true,
	}, onOutput)
	if err != nil {
		// Task failures do not ride the queue's retry loop: the outcome
		// lands on the row and the task re-attempts at its next
		// scheduled time.
		o.log.Error("task run failed", "task_id", taskID, "chat_jid", chat.JID, "error", err)
		o.recordTaskResult(context.WithoutCancel(ctx), taskID, truncate("error: "+err.Error(), lastResultLimit))
	}
	return nil
}

func (o *Orchestrator) deliverTaskOutput(jid, text string, outputSent *atomic.Bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.registry.Deliver(ctx, jid, text); err != nil {
		o.log.Error("task output delivery failed", "chat_jid", jid, "error", err)
		return
	}
	outputSent.Store(true)
}

// recordTaskResult updates last_run/last_result without disturbing the
// schedule fields the scheduler owns.
func (o *Orchestrator) recordTaskResult(ctx context.Context, taskID, result string) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return // completed-once tasks may already be gone
	}
	now := time.Now()
	task.LastRun = &now
	task.LastResult = result
	if err := o.store.UpdateTask(ctx, task); err != nil {
		o.log.Warn("task result update failed", "task_id", taskID, "error", err)
	}
}

// loadInstructions reads the chat's optional instructions file,
// injected once per new session.
func (o *Orchestrator) loadInstructions(folder string) string {
	data, err := os.ReadFile(o.cfg.InstructionsPath(folder))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func withoutReset(msgs []store.Message) []store.Message {
	var out []store.Message
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == newSessionCommand {
			continue
		}
		out = append(out, m)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
