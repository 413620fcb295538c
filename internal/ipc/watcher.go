package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/pocketbrain/pocketbrain/internal/scheduler"
	"github.com/pocketbrain/pocketbrain/internal/store"
)

// errorRetention bounds how long quarantined envelopes stick around.
const errorRetention = 7 * 24 * time.Hour

// taskNamespace seeds deterministic task IDs. A given (source folder,
// envelope bytes) pair always maps to the same UUID, which combined
// with the store's upsert makes file replay after a crash a no-op.
var taskNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("ipc.pocketbrain"))

// Deliverer sends accepted outbound messages. The channel registry
// implements it; delivery includes sanitization and outbox fallback.
type Deliverer interface {
	Deliver(ctx context.Context, chatJID, text string) error
}

// Watcher applies agent-written envelopes under path-identity
// authorization: the source folder is the directory the file sits in,
// never anything the body claims.
type Watcher struct {
	store    *store.Store
	deliver  Deliverer
	root     string
	interval time.Duration
	loc      *time.Location
	log      *slog.Logger

	watched map[string]bool
}

// NewWatcher creates a watcher over the IPC root directory.
func NewWatcher(st *store.Store, d Deliverer, root string, interval time.Duration, loc *time.Location) *Watcher {
	return &Watcher{
		store:    st,
		deliver:  d,
		root:     root,
		interval: interval,
		loc:      loc,
		log:      slog.Default().With("component", "ipc"),
		watched:  make(map[string]bool),
	}
}

// Run cleans up leftovers from a previous process, then polls every
// interval. Filesystem notifications shorten the latency between an
// agent write and its application but are an optimization only; the
// poll alone is correct.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.root, "errors"), 0o755); err != nil {
		return err
	}
	w.startupCleanup()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable, polling only", "error", err)
		fsw = nil
	} else {
		defer fsw.Close()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var nudge <-chan fsnotify.Event
	if fsw != nil {
		nudge = fsw.Events
	}

	for {
		w.refreshWatches(fsw)
		w.tick(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case ev := <-nudge:
			// Only completed renames matter; atomic writers never
			// produce Create events for final names via Write.
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
		}
	}
}

// startupCleanup removes orphaned temp files from interrupted atomic
// writes and prunes old quarantined envelopes.
func (w *Watcher) startupCleanup() {
	cutoff := time.Now().Add(-errorRetention)
	filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".json.tmp") {
			if rerr := os.Remove(path); rerr == nil {
				w.log.Info("removed stale temp file", "path", path)
			}
			return nil
		}
		if filepath.Dir(path) == filepath.Join(w.root, "errors") {
			if info, ierr := d.Info(); ierr == nil && info.ModTime().Before(cutoff) {
				os.Remove(path)
			}
		}
		return nil
	})
}

func (w *Watcher) refreshWatches(fsw *fsnotify.Watcher) {
	if fsw == nil {
		return
	}
	add := func(dir string) {
		if w.watched[dir] {
			return
		}
		if err := fsw.Add(dir); err == nil {
			w.watched[dir] = true
		}
	}
	add(w.root)
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		add(filepath.Join(w.root, e.Name(), "messages"))
		add(filepath.Join(w.root, e.Name(), "tasks"))
	}
}

func (w *Watcher) tick(ctx context.Context) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		w.log.Error("ipc root unreadable", "root", w.root, "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		folder := e.Name()
		w.processDir(ctx, folder, "messages", w.applyMessage)
		w.processDir(ctx, folder, "tasks", w.applyTask)
	}
}

func (w *Watcher) processDir(ctx context.Context, folder, sub string, apply func(context.Context, string, *Envelope, []byte) error) {
	dir := filepath.Join(w.root, folder, sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return // folder has no such subdir yet
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			w.log.Warn("envelope unreadable", "path", path, "error", err)
			continue
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			w.quarantine(folder, path, err)
			continue
		}
		if err := apply(ctx, folder, &env, raw); err != nil {
			if errors.Is(err, errRetryLater) {
				continue // keep the file for the next tick
			}
			w.quarantine(folder, path, err)
			continue
		}
		// Mutation before delete: replay of an already-applied file is
		// a no-op, a dropped action is not.
		if err := os.Remove(path); err != nil {
			w.log.Warn("applied envelope not removed", "path", path, "error", err)
		}
	}
}

// errRetryLater marks transient failures; the file stays in place.
var errRetryLater = errors.New("retry later")

// quarantine moves a bad envelope into errors/ with the source folder
// prefixed so the origin stays visible.
func (w *Watcher) quarantine(folder, path string, cause error) {
	dest := filepath.Join(w.root, "errors", folder+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.log.Error("quarantine failed", "path", path, "error", err)
		return
	}
	w.log.Warn("envelope quarantined", "path", path, "cause", cause)
}

// applyMessage handles type=message envelopes: send text to a chat the
// source folder is authorized for.
func (w *Watcher) applyMessage(ctx context.Context, folder string, env *Envelope, _ []byte) error {
	if env.Type != TypeMessage {
		return errors.New("expected message envelope in messages/")
	}
	if env.ChatJID == "" || env.Text == "" {
		return errors.New("message envelope requires chat_jid and text")
	}
	target, err := w.store.GetChat(ctx, env.ChatJID)
	if err != nil {
		if errors.Is(err, store.ErrChatNotFound) {
			// Silent reject: delete without quarantine, log the attempt.
			w.log.Warn("message to unknown chat dropped", "source_folder", folder, "chat_jid", env.ChatJID)
			return nil
		}
		return errRetryLater
	}
	ok, err := w.authorized(ctx, folder, target.Folder)
	if err != nil {
		return errRetryLater
	}
	if !ok {
		w.log.Warn("cross-folder message blocked",
			"source_folder", folder, "target_folder", target.Folder, "chat_jid", env.ChatJID)
		return nil
	}
	if err := w.deliver.Deliver(ctx, target.JID, env.Text); err != nil {
		w.log.Warn("ipc message delivery failed", "chat_jid", target.JID, "error", err)
		return errRetryLater
	}
	return nil
}

// authorized reports whether source may act on targetFolder: same
// folder always, any folder when source is the main chat.
func (w *Watcher) authorized(ctx context.Context, source, targetFolder string) (bool, error) {
	if source == targetFolder {
		return true, nil
	}
	main, err := w.store.MainChat(ctx)
	if err != nil {
		return false, err
	}
	return main != nil && main.Folder == source, nil
}

// applyTask dispatches task-action envelopes.
func (w *Watcher) applyTask(ctx context.Context, folder string, env *Envelope, raw []byte) error {
	switch env.Type {
	case TypeScheduleTask:
		return w.applySchedule(ctx, folder, env, raw)
	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		return w.applyTaskAction(ctx, folder, env)
	default:
		return errors.New("unknown task envelope type " + env.Type)
	}
}

func (w *Watcher) applySchedule(ctx context.Context, folder string, env *Envelope, raw []byte) error {
	if env.Prompt == "" || env.ScheduleType == "" || env.ScheduleValue == "" || env.TargetJID == "" {
		return errors.New("schedule_task requires prompt, schedule_type, schedule_value, target_jid")
	}
	target, err := w.store.GetChat(ctx, env.TargetJID)
	if err != nil {
		if errors.Is(err, store.ErrChatNotFound) {
			w.log.Warn("schedule for unknown chat dropped", "source_folder", folder, "target_jid", env.TargetJID)
			return nil
		}
		return errRetryLater
	}
	ok, err := w.authorized(ctx, folder, target.Folder)
	if err != nil {
		return errRetryLater
	}
	if !ok {
		w.log.Warn("cross-folder schedule blocked",
			"source_folder", folder, "target_folder", target.Folder)
		return nil
	}

	now := time.Now()
	if err := scheduler.ValidateSpec(env.ScheduleType, env.ScheduleValue, now); err != nil {
		return err
	}
	next, err := scheduler.FirstRun(env.ScheduleType, env.ScheduleValue, now, w.loc)
	if err != nil {
		return err
	}

	mode := env.ContextMode
	if mode == "" {
		mode = store.ContextGroup
	}
	if mode != store.ContextGroup && mode != store.ContextIsolated {
		return errors.New("invalid context_mode " + mode)
	}

	task := &store.ScheduledTask{
		ID:           taskID(folder, raw),
		ChatFolder:   target.Folder,
		ChatJID:      target.JID,
		Prompt:       env.Prompt,
		ScheduleKind: env.ScheduleType,
		ScheduleVal:  env.ScheduleValue,
		ContextMode:  mode,
		NextRun:      next,
		Status:       store.TaskActive,
	}
	if err := w.store.CreateTask(ctx, task); err != nil {
		return errRetryLater
	}
	w.log.Info("task scheduled via ipc",
		"task_id", task.ID, "chat_folder", target.Folder, "kind", task.ScheduleKind)
	w.writeSnapshot(ctx, target.Folder)
	return nil
}

func (w *Watcher) applyTaskAction(ctx context.Context, folder string, env *Envelope) error {
	if env.TaskID == "" {
		return errors.New(env.Type + " requires task_id")
	}
	task, err := w.store.GetTask(ctx, env.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			// Replay after a crash-before-delete lands here for
			// cancel_task; treating it as applied keeps replay safe.
			w.log.Info("task action on missing task ignored", "task_id", env.TaskID, "type", env.Type)
			return nil
		}
		return errRetryLater
	}
	ok, err := w.authorized(ctx, folder, task.ChatFolder)
	if err != nil {
		return errRetryLater
	}
	if !ok {
		w.log.Warn("cross-folder task action blocked",
			"source_folder", folder, "task_folder", task.ChatFolder, "task_id", task.ID)
		return nil
	}

	switch env.Type {
	case TypePauseTask:
		task.Status = store.TaskPaused
		task.NextRun = nil
		err = w.store.UpdateTask(ctx, task)
	case TypeResumeTask:
		err = scheduler.Resume(ctx, w.store, task, time.Now(), w.loc)
	case TypeCancelTask:
		err = w.store.DeleteTask(ctx, task.ID)
	}
	if err != nil {
		return errRetryLater
	}
	w.log.Info("task action applied", "type", env.Type, "task_id", task.ID)
	w.writeSnapshot(ctx, task.ChatFolder)
	return nil
}

// taskID derives a stable UUID from the envelope's origin and bytes.
func taskID(folder string, raw []byte) string {
	return uuid.NewSHA1(taskNamespace, append([]byte(folder+"\x00"), raw...)).String()
}

// writeSnapshot refreshes <folder>/current_tasks.json so agent-side
// tools can list tasks without querying the host.
func (w *Watcher) writeSnapshot(ctx context.Context, folder string) {
	tasks, err := w.store.ListTasksByFolder(ctx, folder)
	if err != nil {
		w.log.Warn("task snapshot query failed", "folder", folder, "error", err)
		return
	}
	if tasks == nil {
		tasks = []store.ScheduledTask{}
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(w.root, folder, "current_tasks.json")
	if err := WriteAtomic(path, data); err != nil {
		w.log.Warn("task snapshot write failed", "folder", folder, "error", err)
	}
}
