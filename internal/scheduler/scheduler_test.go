package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketbrain/pocketbrain/internal/store"
)

type enqueueRecorder struct {
	mu    sync.Mutex
	tasks []string
}

func (e *enqueueRecorder) EnqueueTask(chatJID, taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, taskID)
}

func (e *enqueueRecorder) enqueued() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.tasks...)
}

func newSchedulerEnv(t *testing.T) (*Scheduler, *store.Store, *enqueueRecorder) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rec := &enqueueRecorder{}
	return New(st, rec, time.Minute, time.UTC), st, rec
}

// TestTick_FiresDueTaskOnce: a due interval task is enqueued exactly
// once per firing instant; the advanced next_run keeps an immediate
// second tick from refiring it.
func TestTick_FiresDueTaskOnce(t *testing.T) {
	s, st, rec := newSchedulerEnv(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	due := now.Add(-5 * time.Second)
	require.NoError(t, st.CreateTask(ctx, &store.ScheduledTask{
		ID: "t1", ChatFolder: "a", ChatJID: "a@mock", Prompt: "p",
		ScheduleKind: store.ScheduleInterval, ScheduleVal: "60000", NextRun: &due,
	}))

	s.tick(ctx, now)
	assert.Equal(t, []string{"t1"}, rec.enqueued())

	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskActive, task.Status)
	require.NotNil(t, task.NextRun)
	// Advanced on the original grid, not re-anchored at now.
	assert.True(t, task.NextRun.Equal(due.Add(time.Minute)),
		"next_run %v, want %v", task.NextRun, due.Add(time.Minute))

	s.tick(ctx, now)
	assert.Equal(t, []string{"t1"}, rec.enqueued(), "no refire before next_run")
}

// TestFire_SkipsPausedTask: a pause landing between the due snapshot
// and the fire wins; the stale snapshot must not be written back or
// enqueued.
func TestFire_SkipsPausedTask(t *testing.T) {
	s, st, rec := newSchedulerEnv(t)
	ctx := context.Background()

	now := time.Now().UTC()
	due := now.Add(-time.Second)
	require.NoError(t, st.CreateTask(ctx, &store.ScheduledTask{
		ID: "t1", ChatFolder: "a", ChatJID: "a@mock", Prompt: "p",
		ScheduleKind: store.ScheduleInterval, ScheduleVal: "60000", NextRun: &due,
	}))

	snapshot, err := st.DueTasks(ctx, now)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)

	// Pause arrives after the snapshot was taken.
	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	task.Status = store.TaskPaused
	task.NextRun = nil
	require.NoError(t, st.UpdateTask(ctx, task))

	s.fire(ctx, snapshot[0].ID, now)

	assert.Empty(t, rec.enqueued())
	task, err = st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskPaused, task.Status)
	assert.Nil(t, task.NextRun)
}

// TestFire_SkipsCancelledTask: a cancel between snapshot and fire
// leaves nothing to run.
func TestFire_SkipsCancelledTask(t *testing.T) {
	s, st, rec := newSchedulerEnv(t)
	ctx := context.Background()

	now := time.Now().UTC()
	due := now.Add(-time.Second)
	require.NoError(t, st.CreateTask(ctx, &store.ScheduledTask{
		ID: "t1", ChatFolder: "a", ChatJID: "a@mock", Prompt: "p",
		ScheduleKind: store.ScheduleInterval, ScheduleVal: "60000", NextRun: &due,
	}))
	require.NoError(t, st.DeleteTask(ctx, "t1"))

	s.fire(ctx, "t1", now)
	assert.Empty(t, rec.enqueued())
}

// TestTick_OnceTaskCompletes: a once task fires on its single instant
// and never again.
func TestTick_OnceTaskCompletes(t *testing.T) {
	s, st, rec := newSchedulerEnv(t)
	ctx := context.Background()

	now := time.Now().UTC()
	at := now.Add(-time.Second)
	require.NoError(t, st.CreateTask(ctx, &store.ScheduledTask{
		ID: "t1", ChatFolder: "a", ChatJID: "a@mock", Prompt: "p",
		ScheduleKind: store.ScheduleOnce, ScheduleVal: at.Format(time.RFC3339),
		NextRun: &at,
	}))

	s.tick(ctx, now)
	assert.Equal(t, []string{"t1"}, rec.enqueued())

	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Nil(t, task.NextRun)

	s.tick(ctx, now.Add(time.Minute))
	assert.Equal(t, []string{"t1"}, rec.enqueued())
}
