// Package task is the Task Manager (C5): a fire-and-forget async job
// registry. Every task runs in its own goroutine; ids come from a
// monotonic counter rendered as decimal strings and are never reused,
// never cancelled, and never garbage-collected, matching the original's
// greenthread-backed TaskManager.
package task

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/wormhole/pkg/log"
	"github.com/cuemby/wormhole/pkg/types"
	"github.com/cuemby/wormhole/pkg/wherr"
)

// Manager tracks every task for the lifetime of the process.
type Manager struct {
	mu     sync.RWMutex
	tasks  map[string]*types.Task
	nextID atomic.Int64
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{tasks: make(map[string]*types.Task)}
}

// Add starts callback in its own goroutine and returns a task tracking it.
// The task transitions to successful on a nil return, or to error carrying
// the error's message otherwise.
func (m *Manager) Add(callback func() error) *types.Task {
	id := fmt.Sprintf("%d", m.nextID.Add(1)-1)
	t := &types.Task{ID: id, State: types.TaskDoing, Message: fmt.Sprintf("Task %s is doing", id)}

	m.mu.Lock()
	m.tasks[id] = t
	m.mu.Unlock()

	go m.run(t, callback)

	return t
}

func (m *Manager) run(t *types.Task, callback func() error) {
	err := callback()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		t.State = types.TaskError
		t.Message = fmt.Sprintf("Task %s is error with %s", t.ID, err.Error())
		log.WithTaskID(t.ID).Error().Err(err).Msg("task failed")
		return
	}
	t.State = types.TaskSuccessful
	t.Message = fmt.Sprintf("Task %s is successful", t.ID)
}

// Query returns the current state of a tracked task, or FakeSuccessTask for
// the reserved id "-1".
func (m *Manager) Query(id string) (types.Task, error) {
	if id == types.FakeSuccessTaskID {
		m.mu.RLock()
		t, ok := m.tasks[id]
		m.mu.RUnlock()
		if ok {
			return *t, nil
		}
		return types.FakeSuccessTask, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return types.Task{}, wherr.New(wherr.KindNotFound, fmt.Sprintf("task %s not found", id))
	}
	return *t, nil
}

// CountTasksByState implements metrics.TaskCounts.
func (m *Manager) CountTasksByState() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, t := range m.tasks {
		counts[string(t.State)]++
	}
	return counts
}
