package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects processed jobs and lets tests gate job completion.
type recorder struct {
	mu      sync.Mutex
	jobs    []Job
	release chan struct{} // when set, jobs block until it closes
	fail    map[string]int
}

func (r *recorder) process(ctx context.Context, job Job) error {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	release := r.release
	var err error
	if r.fail != nil {
		key := job.ChatJID + "/" + job.TaskID
		if n := r.fail[key]; n > 0 {
			r.fail[key] = n - 1
			err = errors.New("scripted failure")
		}
	}
	r.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (r *recorder) processed() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Job(nil), r.jobs...)
}

func TestQueue_ProcessesMessages(t *testing.T) {
	rec := &recorder{}
	q := New(rec.process, 2, 3, time.Millisecond)
	q.Start(context.Background())

	q.EnqueueMessages("a@mock")
	assert.Eventually(t, func() bool { return len(rec.processed()) == 1 }, time.Second, 5*time.Millisecond)
	got := rec.processed()[0]
	assert.Equal(t, "a@mock", got.ChatJID)
	assert.Equal(t, KindMessages, got.Kind)

	q.Shutdown(time.Second)
}

// TestQueue_ConcurrencyBound: with one slot, two busy chats never run
// at the same time and the second runs after the first finishes.
func TestQueue_ConcurrencyBound(t *testing.T) {
	release := make(chan struct{})
	rec := &recorder{release: release}
	q := New(rec.process, 1, 3, time.Millisecond)
	q.Start(context.Background())

	q.EnqueueMessages("a@mock")
	assert.Eventually(t, func() bool { return len(rec.processed()) == 1 }, time.Second, 5*time.Millisecond)

	q.EnqueueMessages("b@mock")
	// b must wait for the slot.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.processed(), 1)
	running, waiting := q.Depth()
	assert.Equal(t, 1, running)
	assert.Equal(t, 1, waiting)

	close(release)
	assert.Eventually(t, func() bool { return len(rec.processed()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "b@mock", rec.processed()[1].ChatJID)

	q.Shutdown(time.Second)
}

// TestQueue_TasksDrainBeforeMessages: within one chat, queued task
// jobs run ahead of the pending message batch.
func TestQueue_TasksDrainBeforeMessages(t *testing.T) {
	release := make(chan struct{})
	rec := &recorder{release: release}
	q := New(rec.process, 1, 3, time.Millisecond)
	q.Start(context.Background())

	// Occupy the only slot with another chat so a@mock accumulates.
	q.EnqueueMessages("blocker@mock")
	assert.Eventually(t, func() bool { return len(rec.processed()) == 1 }, time.Second, 5*time.Millisecond)

	q.EnqueueMessages("a@mock")
	q.EnqueueTask("a@mock", "t1")
	q.EnqueueTask("a@mock", "t2")
	close(release)

	assert.Eventually(t, func() bool { return len(rec.processed()) == 4 }, time.Second, 5*time.Millisecond)
	jobs := rec.processed()[1:]
	require.Len(t, jobs, 3)
	assert.Equal(t, "t1", jobs[0].TaskID)
	assert.Equal(t, "t2", jobs[1].TaskID)
	assert.Equal(t, KindMessages, jobs[2].Kind)

	q.Shutdown(time.Second)
}

// TestQueue_MessageJobsCollapse: repeated message enqueues for one
// chat fold into a single pending job.
func TestQueue_MessageJobsCollapse(t *testing.T) {
	release := make(chan struct{})
	rec := &recorder{release: release}
	q := New(rec.process, 1, 3, time.Millisecond)
	q.Start(context.Background())

	q.EnqueueMessages("blocker@mock")
	assert.Eventually(t, func() bool { return len(rec.processed()) == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		q.EnqueueMessages("a@mock")
	}
	close(release)

	assert.Eventually(t, func() bool { return len(rec.processed()) >= 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.processed(), 2)

	q.Shutdown(time.Second)
}

// TestQueue_TaskDedupe: the same task ID queued twice runs once.
func TestQueue_TaskDedupe(t *testing.T) {
	release := make(chan struct{})
	rec := &recorder{release: release}
	q := New(rec.process, 1, 3, time.Millisecond)
	q.Start(context.Background())

	q.EnqueueMessages("blocker@mock")
	assert.Eventually(t, func() bool { return len(rec.processed()) == 1 }, time.Second, 5*time.Millisecond)

	q.EnqueueTask("a@mock", "t1")
	q.EnqueueTask("a@mock", "t1")
	close(release)

	assert.Eventually(t, func() bool { return len(rec.processed()) >= 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.processed(), 2)

	q.Shutdown(time.Second)
}

// TestQueue_RetryBackoff: a failing job retries with growing delays
// and succeeds once the fault clears.
func TestQueue_RetryBackoff(t *testing.T) {
	rec := &recorder{fail: map[string]int{"a@mock/": 2}}
	q := New(rec.process, 1, 5, time.Millisecond)
	q.Start(context.Background())

	start := time.Now()
	q.EnqueueMessages("a@mock")

	assert.Eventually(t, func() bool { return len(rec.processed()) == 3 }, time.Second, time.Millisecond)
	// Two backoffs: 1ms + 2ms minimum.
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Millisecond)

	q.Shutdown(time.Second)
}

// TestQueue_RetriesExhausted: a job that keeps failing gets exactly
// maxRetries backoffs (the initial run plus maxRetries retries) and is
// then dropped, not retried forever.
func TestQueue_RetriesExhausted(t *testing.T) {
	rec := &recorder{fail: map[string]int{"a@mock/": 100}}
	q := New(rec.process, 1, 3, time.Millisecond)
	q.Start(context.Background())

	q.EnqueueMessages("a@mock")
	assert.Eventually(t, func() bool { return len(rec.processed()) == 4 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.processed(), 4)

	q.Shutdown(time.Second)
}

// TestQueue_ShutdownStopsAdmission: enqueues after shutdown are
// silently dropped and Shutdown returns once workers drain.
func TestQueue_ShutdownStopsAdmission(t *testing.T) {
	var count atomic.Int32
	q := New(func(ctx context.Context, job Job) error {
		count.Add(1)
		return nil
	}, 2, 3, time.Millisecond)
	q.Start(context.Background())

	q.EnqueueMessages("a@mock")
	assert.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 5*time.Millisecond)

	q.Shutdown(time.Second)
	q.EnqueueMessages("b@mock")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}
