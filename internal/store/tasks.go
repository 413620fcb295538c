package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTaskNotFound is returned when a task lookup misses.
var ErrTaskNotFound = errors.New("task not found")

// CreateTask inserts or replaces a scheduled task. Upsert semantics
// make IPC replay after a crash-before-delete a no-op: the watcher
// derives task IDs deterministically from the envelope, so reapplying
// the same file rewrites the same row.
func (s *Store) CreateTask(ctx context.Context, t *ScheduledTask) error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextGroup
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == TaskActive && t.NextRun == nil {
		return fmt.Errorf("active task %s requires next_run", t.ID)
	}
	_, err := s.exec(ctx,
		`INSERT OR REPLACE INTO tasks
		 (id, chat_folder, chat_jid, prompt, schedule_kind, schedule_value, context_mode,
		  next_run, last_run, last_result, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ChatFolder, t.ChatJID, t.Prompt, t.ScheduleKind, t.ScheduleVal, t.ContextMode,
		nullTime(t.NextRun), nullTime(t.LastRun), t.LastResult, t.Status, TimestampFormat(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTask rewrites a task's mutable fields: schedule results,
// next_run and status. Identity fields never change.
func (s *Store) UpdateTask(ctx context.Context, t *ScheduledTask) error {
	res, err := s.exec(ctx,
		`UPDATE tasks SET next_run = ?, last_run = ?, last_result = ?, status = ? WHERE id = ?`,
		nullTime(t.NextRun), nullTime(t.LastRun), t.LastResult, t.Status, t.ID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes a task. Deleting a missing task is a no-op.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// GetTask fetches one task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]ScheduledTask, error) {
	return s.tasksWhere(ctx, ``)
}

// ListTasksByFolder returns the tasks owned by one chat folder.
func (s *Store) ListTasksByFolder(ctx context.Context, folder string) ([]ScheduledTask, error) {
	return s.tasksWhere(ctx, ` WHERE chat_folder = ?`, folder)
}

// DueTasks returns active tasks whose next_run is at or before now, in
// next_run order.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	return s.tasksWhere(ctx, ` WHERE status = ? AND next_run IS NOT NULL AND next_run <= ? ORDER BY next_run`,
		TaskActive, TimestampFormat(now))
}

const taskSelect = `SELECT id, chat_folder, chat_jid, prompt, schedule_kind, schedule_value,
	context_mode, next_run, last_run, last_result, status, created_at FROM tasks`

func (s *Store) tasksWhere(ctx context.Context, where string, args ...any) ([]ScheduledTask, error) {
	q := taskSelect + where
	if where == `` {
		q += ` ORDER BY created_at DESC`
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(r rowScanner) (ScheduledTask, error) {
	var t ScheduledTask
	var nextRun, lastRun sql.NullString
	var createdAt string
	if err := r.Scan(&t.ID, &t.ChatFolder, &t.ChatJID, &t.Prompt, &t.ScheduleKind,
		&t.ScheduleVal, &t.ContextMode, &nextRun, &lastRun, &t.LastResult,
		&t.Status, &createdAt); err != nil {
		return t, err
	}
	t.NextRun = parseNullTime(nextRun)
	t.LastRun = parseNullTime(lastRun)
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = ts
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return TimestampFormat(*t)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
