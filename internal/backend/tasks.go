package backend

import (
	"sync"

	"github.com/VizierDB/web-api-async-sub004/internal/apperrors"
)

// Tasks is the task_id -> handle map a backend keeps for accepted tasks.
// Insert, Release and Get are atomic with respect to each other, so when
// completion and cancellation race for the same task exactly one Release
// wins.
type Tasks[H any] struct {
	mu    sync.RWMutex
	tasks map[string]H
}

// NewTasks creates an empty task map.
func NewTasks[H any]() *Tasks[H] {
	return &Tasks[H]{tasks: make(map[string]H)}
}

// Insert adds a task. Returns a conflict error if the id is present.
func (t *Tasks[H]) Insert(taskID string, h H) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.tasks[taskID]; exists {
		return apperrors.Conflict("task", taskID, "task already running")
	}
	t.tasks[taskID] = h
	return nil
}

// Release removes a task and returns its handle. Only the first caller for
// a given insert gets ok == true.
func (t *Tasks[H]) Release(taskID string) (H, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, exists := t.tasks[taskID]
	if exists {
		delete(t.tasks, taskID)
	}
	return h, exists
}

// Get returns a task's handle.
func (t *Tasks[H]) Get(taskID string) (H, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, exists := t.tasks[taskID]
	return h, exists
}

// Len returns the number of tracked tasks.
func (t *Tasks[H]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tasks)
}

// IDs returns all tracked task ids.
func (t *Tasks[H]) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.tasks))
	for id := range t.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a copy of the map.
func (t *Tasks[H]) Snapshot() map[string]H {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]H, len(t.tasks))
	for id, h := range t.tasks {
		result[id] = h
	}
	return result
}
