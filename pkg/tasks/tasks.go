package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lattix-ai/lattix/pkg/logger"
)

// State is the lifecycle state of a background task. Tasks move
// queued -> running -> one of completed, failed, or cancelled.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// TaskFunc is the unit of work a task runs. Cancellation is cooperative:
// the function must honor ctx and return promptly once it is done.
type TaskFunc func(ctx context.Context) (any, error)

// Task is a point-in-time snapshot of a background task. Result is set once
// the task completes; Err once it fails.
type Task struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	Result      any       `json:"result,omitempty"`
	Err         string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

type task struct {
	snapshot Task
	fn       TaskFunc
	cancel   context.CancelFunc
	ctx      context.Context
}

// Manager runs submitted functions on a bounded worker pool and tracks
// their lifecycle for polling. Finished tasks are retained up to a cap, then
// evicted oldest first.
//
// A Manager should be created using NewManager and shut down with Close.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*task
	order []string

	queue   chan *task
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	retention int
	closed    bool
}

// NewManagerParams defines the configuration for creating a Manager.
// Workers bounds concurrent task execution, QueueSize bounds tasks waiting
// to run, and Retention bounds how many finished tasks stay pollable.
type NewManagerParams struct {
	Workers   int
	QueueSize int
	Retention int
}

// NewManager creates a Manager and starts its worker pool.
func NewManager(params NewManagerParams) *Manager {
	workers := params.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := params.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	retention := params.Retention
	if retention <= 0 {
		retention = 256
	}

	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		tasks:     make(map[string]*task),
		queue:     make(chan *task, queueSize),
		baseCtx:   ctx,
		stop:      stop,
		retention: retention,
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Submit queues fn for execution and returns its task ID. It fails when the
// queue is full or the manager is closed; the caller may retry later.
func (m *Manager) Submit(fn TaskFunc) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("submit requires a task function")
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	t := &task{
		snapshot: Task{
			ID:          uuid.NewString(),
			State:       StateQueued,
			SubmittedAt: time.Now(),
		},
		fn:     fn,
		cancel: cancel,
		ctx:    ctx,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", fmt.Errorf("task manager is closed")
	}
	// The send happens under the lock so Close cannot close the queue
	// between the closed check and the send.
	select {
	case m.queue <- t:
	default:
		m.mu.Unlock()
		cancel()
		return "", fmt.Errorf("task queue is full")
	}
	m.tasks[t.snapshot.ID] = t
	m.order = append(m.order, t.snapshot.ID)
	m.evictLocked()
	m.mu.Unlock()
	return t.snapshot.ID, nil
}

// Status returns a snapshot of the task, or false if the ID is unknown or
// already evicted.
func (m *Manager) Status(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.snapshot, true
}

// Cancel requests cooperative cancellation of a task. A queued task is
// cancelled before it starts; a running task stops at its next context
// check and reports cancelled once the current unit of work drains.
// Cancelling a finished or unknown task returns false.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.snapshot.State.Terminal() {
		return false
	}
	t.cancel()
	return true
}

// Close stops accepting work, cancels all pending and running tasks, and
// waits for the workers to drain.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.stop()
	close(m.queue)
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for t := range m.queue {
		m.run(t)
	}
}

func (m *Manager) run(t *task) {
	defer t.cancel()

	m.mu.Lock()
	if err := t.ctx.Err(); err != nil {
		t.snapshot.State = StateCancelled
		t.snapshot.FinishedAt = time.Now()
		m.mu.Unlock()
		return
	}
	t.snapshot.State = StateRunning
	t.snapshot.StartedAt = time.Now()
	id := t.snapshot.ID
	m.mu.Unlock()

	result, err := t.fn(t.ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	t.snapshot.FinishedAt = time.Now()
	switch {
	case t.ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)):
		t.snapshot.State = StateCancelled
	case err != nil:
		t.snapshot.State = StateFailed
		t.snapshot.Err = err.Error()
		logger.Warn("[Tasks] Task failed", "task", id, "error", err)
	default:
		t.snapshot.State = StateCompleted
		t.snapshot.Result = result
	}
}

// evictLocked drops the oldest finished tasks beyond the retention cap.
// Queued and running tasks are never evicted.
func (m *Manager) evictLocked() {
	excess := len(m.order) - m.retention
	if excess <= 0 {
		return
	}
	kept := m.order[:0]
	for _, id := range m.order {
		t, ok := m.tasks[id]
		if !ok {
			continue
		}
		if excess > 0 && t.snapshot.State.Terminal() {
			delete(m.tasks, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}
