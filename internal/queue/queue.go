// Package queue serializes agent work per chat. Each chat owns at most
// one in-flight job at a time, the number of concurrently working
// chats is capped, and failed jobs retry with exponential backoff.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobKind discriminates what a queued job asks the processor to do.
type JobKind int

const (
	// KindMessages asks the processor to drain the chat's unprocessed
	// messages. At most one such job is pending per chat; new arrivals
	// fold into the pending one.
	KindMessages JobKind = iota
	// KindTask runs one scheduled task.
	KindTask
)

// Job is one unit of chat work.
type Job struct {
	ChatJID string
	Kind    JobKind
	TaskID  string // set for KindTask
}

// ProcessFunc executes a job. It may block for a long time (an open
// session holds the chat's slot until the session is aborted). A
// returned error triggers backoff and retry.
type ProcessFunc func(ctx context.Context, job Job) error

type chatState struct {
	running         bool
	queued          bool
	pendingMessages bool
	pendingTasks    []Job
}

// popLocked returns the next job for the chat, tasks before messages.
func (cs *chatState) popLocked(jid string) (Job, bool) {
	if len(cs.pendingTasks) > 0 {
		job := cs.pendingTasks[0]
		cs.pendingTasks = cs.pendingTasks[1:]
		return job, true
	}
	if cs.pendingMessages {
		cs.pendingMessages = false
		return Job{ChatJID: jid, Kind: KindMessages}, true
	}
	return Job{}, false
}

func (cs *chatState) hasWorkLocked() bool {
	return cs.pendingMessages || len(cs.pendingTasks) > 0
}

// Queue dispatches jobs to the processor with per-chat exclusivity and
// a global concurrency bound.
type Queue struct {
	process       ProcessFunc
	maxConcurrent int
	maxRetries    int
	baseRetry     time.Duration
	log           *slog.Logger

	mu          sync.Mutex
	chats       map[string]*chatState
	waiting     []string // chat JIDs with work but no free slot, FIFO
	activeCount int
	closed      bool
	ctx         context.Context

	wg sync.WaitGroup
}

// New creates a queue. Jobs run against the context passed to Start.
func New(process ProcessFunc, maxConcurrent, maxRetries int, baseRetry time.Duration) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		process:       process,
		maxConcurrent: maxConcurrent,
		maxRetries:    maxRetries,
		baseRetry:     baseRetry,
		log:           slog.Default().With("component", "queue"),
		chats:         make(map[string]*chatState),
		ctx:           context.Background(),
	}
}

// Start binds the queue's job context. Enqueues before Start run
// against context.Background.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	q.ctx = ctx
	q.mu.Unlock()
}

// EnqueueMessages records that the chat has unprocessed messages.
// Collapses into an already-pending messages job for the same chat.
func (q *Queue) EnqueueMessages(chatJID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	cs := q.chat(chatJID)
	cs.pendingMessages = true
	q.scheduleLocked(chatJID, cs)
}

// EnqueueTask queues one scheduled task run for the chat. Task jobs
// drain before message jobs. A task already pending for the chat is
// not queued twice.
func (q *Queue) EnqueueTask(chatJID, taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	cs := q.chat(chatJID)
	for _, j := range cs.pendingTasks {
		if j.TaskID == taskID {
			return
		}
	}
	cs.pendingTasks = append(cs.pendingTasks, Job{ChatJID: chatJID, Kind: KindTask, TaskID: taskID})
	q.scheduleLocked(chatJID, cs)
}

// Busy reports whether the chat currently holds a slot.
func (q *Queue) Busy(chatJID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	cs, ok := q.chats[chatJID]
	return ok && cs.running
}

// Depth returns queued-but-not-running chats plus running ones, for
// status output.
func (q *Queue) Depth() (running, waiting int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount, len(q.waiting)
}

// Shutdown stops accepting work and waits up to grace for in-flight
// jobs to finish. Callers abort open sessions first so blocked jobs
// return.
func (q *Queue) Shutdown(grace time.Duration) {
	q.mu.Lock()
	q.closed = true
	q.waiting = nil
	for _, cs := range q.chats {
		cs.pendingMessages = false
		cs.pendingTasks = nil
		cs.queued = false
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		q.log.Warn("shutdown grace period expired with jobs still running")
	}
}

func (q *Queue) chat(jid string) *chatState {
	cs, ok := q.chats[jid]
	if !ok {
		cs = &chatState{}
		q.chats[jid] = cs
	}
	return cs
}

// scheduleLocked starts a worker for the chat if a slot is free, or
// parks it in the waiting list. A chat already running picks up new
// work from its own loop.
func (q *Queue) scheduleLocked(jid string, cs *chatState) {
	if cs.running || cs.queued {
		return
	}
	if q.activeCount < q.maxConcurrent {
		q.activeCount++
		cs.running = true
		q.wg.Add(1)
		go q.runChat(jid, cs)
		return
	}
	cs.queued = true
	q.waiting = append(q.waiting, jid)
}

// promoteLocked hands the freed slot to the oldest waiting chat.
func (q *Queue) promoteLocked() {
	for len(q.waiting) > 0 {
		jid := q.waiting[0]
		q.waiting = q.waiting[1:]
		cs, ok := q.chats[jid]
		if !ok {
			continue
		}
		cs.queued = false
		if !cs.hasWorkLocked() {
			continue
		}
		q.activeCount++
		cs.running = true
		q.wg.Add(1)
		go q.runChat(jid, cs)
		return
	}
}

func (q *Queue) runChat(jid string, cs *chatState) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		ctx := q.ctx
		job, ok := cs.popLocked(jid)
		if !ok || q.closed {
			cs.running = false
			q.activeCount--
			q.promoteLocked()
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		q.runJob(ctx, job)
	}
}

// runJob executes one job with retry. Failed attempt n waits
// baseRetry * 2^(n-1) before re-running; the job gets maxRetries
// backoffs (maxRetries+1 runs total) before it is dropped.
func (q *Queue) runJob(ctx context.Context, job Job) {
	for attempt := 1; ; attempt++ {
		err := q.process(ctx, job)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt > q.maxRetries {
			q.log.Error("job abandoned after retries exhausted",
				"chat_jid", job.ChatJID, "kind", job.Kind, "task_id", job.TaskID,
				"attempts", attempt, "error", err)
			return
		}
		delay := q.baseRetry << (attempt - 1)
		q.log.Warn("job failed, will retry",
			"chat_jid", job.ChatJID, "kind", job.Kind, "task_id", job.TaskID,
			"attempt", attempt, "retry_in", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
