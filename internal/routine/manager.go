// Package routine supervises the named background loops each process
// runs (subscription refresh, reconcile cadence, session lifecycle,
// heartbeats). One task per id; lifecycle hooks observe start, stop,
// and failure.
package routine

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Handler processes work bound to an id-specific context.
type Handler func(ctx context.Context) error

var (
	ErrEmptyID       = errors.New("routine: empty id")
	ErrNilHandler    = errors.New("routine: nil handler")
	ErrAlreadyExists = errors.New("routine: task already running")
	ErrNotFound      = errors.New("routine: task not found")
)

// Manager tracks running tasks by id.
type Manager struct {
	baseCtx context.Context
	mu      sync.RWMutex
	tasks   map[string]*Task
}

// Task wraps a handler, its runtime state, and lifecycle callbacks.
type Task struct {
	ID      string
	Handler Handler

	OnStart func(string)
	OnDone  func(string)
	OnError func(string, error)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds a manager whose tasks inherit from ctx.
func NewManager(ctx context.Context) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Manager{baseCtx: ctx, tasks: make(map[string]*Task)}
}

// Run starts a bare id/handler pair.
func (m *Manager) Run(id string, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	return m.RunTask(&Task{ID: id, Handler: handler})
}

// RunEvery starts a task that invokes fn immediately and then on every
// interval tick until the context is done. Errors from fn are reported
// through OnError-style semantics by wrapping fn at the call site; a
// periodic task itself only exits with the context.
func (m *Manager) RunEvery(id string, interval time.Duration, fn Handler) error {
	return m.Run(id, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
			}
		}
	})
}

// RunTask starts the provided task and wires up bookkeeping.
func (m *Manager) RunTask(task *Task) error {
	if task == nil || task.Handler == nil {
		return ErrNilHandler
	}
	if task.ID == "" {
		return ErrEmptyID
	}

	m.mu.Lock()
	if _, exists := m.tasks[task.ID]; exists {
		m.mu.Unlock()
		return ErrAlreadyExists
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	task.cancel = cancel
	task.done = make(chan struct{})
	m.tasks[task.ID] = task
	m.mu.Unlock()

	go m.run(task, ctx)
	return nil
}

// Running lists the ids of live tasks.
func (m *Manager) Running() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels one task and waits for it to finish.
func (m *Manager) Shutdown(id string) error {
	if id == "" {
		return ErrEmptyID
	}
	m.mu.RLock()
	task, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	task.cancel()
	<-task.done
	return nil
}

// ShutdownAll cancels every task and waits for all of them.
func (m *Manager) ShutdownAll() error {
	m.mu.RLock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.RUnlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
	return nil
}

func (m *Manager) run(task *Task, ctx context.Context) {
	defer func() {
		// Deregister before signaling done so a waiter in Shutdown sees
		// a consistent Running() and the id is immediately reusable.
		m.cleanup(task.ID, task)
		if task.OnDone != nil {
			task.OnDone(task.ID)
		}
		close(task.done)
	}()
	if task.OnStart != nil {
		task.OnStart(task.ID)
	}
	if err := task.Handler(ctx); err != nil && !errors.Is(err, context.Canceled) && task.OnError != nil {
		task.OnError(task.ID, err)
	}
}

func (m *Manager) cleanup(id string, task *Task) {
	m.mu.Lock()
	if current, ok := m.tasks[id]; ok && current == task {
		delete(m.tasks, id)
	}
	m.mu.Unlock()
}
