package worker

import (
	"context"
	"sync"
	"time"

	"github.com/3liz/qjazz-sub000/internal/broker"
)

// revokedRetention bounds how long revoked job ids are remembered so that
// late pickups and status queries still see the revocation.
const revokedRetention = 24 * time.Hour

// taskTable tracks the tasks this worker holds: reserved (picked up, not
// yet started), active (running, cancellable) and revoked ids.
type taskTable struct {
	mu       sync.Mutex
	reserved map[string]struct{}
	active   map[string]context.CancelFunc
	revoked  map[string]time.Time
}

func newTaskTable() *taskTable {
	return &taskTable{
		reserved: make(map[string]struct{}),
		active:   make(map[string]context.CancelFunc),
		revoked:  make(map[string]time.Time),
	}
}

// reserve claims a task at pickup. It refuses tasks revoked while still
// queued.
func (t *taskTable) reserve(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.revoked[jobID]; ok {
		return false
	}
	t.reserved[jobID] = struct{}{}
	return true
}

// activate moves a reserved task to running state.
func (t *taskTable) activate(jobID string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reserved, jobID)
	t.active[jobID] = cancel
}

// finish drops a task from the table.
func (t *taskTable) finish(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reserved, jobID)
	delete(t.active, jobID)
}

// revoke marks a task revoked and cancels it when running.
func (t *taskTable) revoke(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for id, at := range t.revoked {
		if now.Sub(at) > revokedRetention {
			delete(t.revoked, id)
		}
	}
	t.revoked[jobID] = now
	if cancel, ok := t.active[jobID]; ok {
		cancel()
	}
}

// wasRevoked reports whether the task was revoked on this worker.
func (t *taskTable) wasRevoked(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.revoked[jobID]
	return ok
}

// state reports this worker's local view of the task. TaskAbsent means
// the worker does not hold it; the caller may still find it scheduled on
// the queue.
func (t *taskTable) state(jobID string) broker.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.revoked[jobID]; ok {
		return broker.TaskRevoked
	}
	if _, ok := t.active[jobID]; ok {
		return broker.TaskActive
	}
	if _, ok := t.reserved[jobID]; ok {
		return broker.TaskReserved
	}
	return broker.TaskAbsent
}
