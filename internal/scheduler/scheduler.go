package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pocketbrain/pocketbrain/internal/store"
)

// Enqueuer is the queue surface the scheduler needs.
type Enqueuer interface {
	EnqueueTask(chatJID, taskID string)
}

// Scheduler polls for due tasks and hands them to the queue. The
// schedule advances (and persists) before the job is enqueued, so a
// crash between the two at worst skips one run instead of repeating
// it.
type Scheduler struct {
	store    *store.Store
	queue    Enqueuer
	interval time.Duration
	loc      *time.Location
	log      *slog.Logger
}

// New creates a scheduler ticking at interval, evaluating cron
// expressions in loc.
func New(st *store.Store, q Enqueuer, interval time.Duration, loc *time.Location) *Scheduler {
	return &Scheduler{
		store:    st,
		queue:    q,
		interval: interval,
		loc:      loc,
		log:      slog.Default().With("component", "scheduler"),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.log.Error("due task query failed", "error", err)
		return
	}
	for i := range due {
		s.fire(ctx, due[i].ID, now)
	}
}

// fire advances one due task's schedule and enqueues its run. The row
// is re-read first: the due snapshot is stale by the time each task
// fires, and a pause or cancel landing in between must win.
func (s *Scheduler) fire(ctx context.Context, taskID string, now time.Time) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if !errors.Is(err, store.ErrTaskNotFound) {
			s.log.Error("task re-read failed", "task_id", taskID, "error", err)
		}
		return
	}
	if t.Status != store.TaskActive || t.NextRun == nil || t.NextRun.After(now) {
		return
	}

	next, done, err := Advance(t, now, s.loc)
	if err != nil {
		// A task whose schedule no longer parses would refire every
		// tick; park it instead.
		s.log.Error("schedule advance failed, pausing task", "task_id", t.ID, "error", err)
		t.Status = store.TaskPaused
		t.NextRun = nil
		if uerr := s.store.UpdateTask(ctx, t); uerr != nil {
			s.log.Error("pause of broken task failed", "task_id", t.ID, "error", uerr)
		}
		return
	}

	if done {
		t.Status = store.TaskCompleted
		t.NextRun = nil
	} else {
		t.NextRun = next
	}
	if err := s.store.UpdateTask(ctx, t); err != nil {
		s.log.Error("task schedule update failed", "task_id", t.ID, "error", err)
		return
	}

	s.log.Info("task due, enqueueing", "task_id", t.ID, "chat_jid", t.ChatJID, "kind", t.ScheduleKind)
	s.queue.EnqueueTask(t.ChatJID, t.ID)
}

// Resume reactivates a paused task, recomputing next_run from now so a
// long pause does not cause a burst of stale firings.
func Resume(ctx context.Context, st *store.Store, t *store.ScheduledTask, now time.Time, loc *time.Location) error {
	next, err := FirstRun(t.ScheduleKind, t.ScheduleVal, now, loc)
	if err != nil {
		return err
	}
	t.Status = store.TaskActive
	t.NextRun = next
	return st.UpdateTask(ctx, t)
}
