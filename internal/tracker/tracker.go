// Package tracker keeps the engine's task table and implements the
// controller callbacks that move tasks through their states.
package tracker

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/apperrors"
	"github.com/VizierDB/web-api-async-sub004/internal/controller"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

// Task is the engine's record of one submitted command.
type Task struct {
	ID         string           `json:"id"`
	ProjectID  string           `json:"projectId"`
	Command    task.Command     `json:"command"`
	State      task.State       `json:"state"`
	CreatedAt  time.Time        `json:"createdAt"`
	StartedAt  *time.Time       `json:"startedAt,omitempty"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
	Outputs    *task.Outputs    `json:"outputs,omitempty"`
	Provenance *task.Provenance `json:"provenance,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	return &c
}

// MetricsRecorder is an optional interface for recording task outcomes.
type MetricsRecorder interface {
	RecordTaskCompleted(ctx context.Context, packageID string, state task.State, durationSeconds float64)
}

// Tracker is the engine-side controller. Each task reaches exactly one
// terminal state; later updates are answered with Unchanged and updates
// for unknown tasks with Unknown.
type Tracker struct {
	mu         sync.Mutex
	tasks      map[string]*Task
	onFinished func(taskID string)
	publisher  Publisher
	metrics    MetricsRecorder
	logger     *slog.Logger
}

// New creates an empty tracker. onFinished runs after a task reached
// SUCCESS or ERROR through the controller path. All arguments may be nil.
func New(onFinished func(taskID string), publisher Publisher, metrics MetricsRecorder) *Tracker {
	return &Tracker{
		tasks:      make(map[string]*Task),
		onFinished: onFinished,
		publisher:  publisher,
		metrics:    metrics,
		logger:     slog.With("component", "tracker"),
	}
}

// Track adds a task. The task's State must already be set.
func (tr *Tracker) Track(t *Task) error {
	if !t.State.IsValid() {
		return apperrors.Validation("state", fmt.Sprintf("invalid state %q", t.State))
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if _, exists := tr.tasks[t.ID]; exists {
		return apperrors.Conflict("task", t.ID, "already exists")
	}
	t = t.clone()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.State == task.StateRunning && t.StartedAt == nil {
		started := t.CreatedAt
		t.StartedAt = &started
	}
	tr.tasks[t.ID] = t
	return nil
}

// Forget removes a task regardless of its state.
func (tr *Tracker) Forget(taskID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.tasks, taskID)
}

// Get returns a copy of a task.
func (tr *Tracker) Get(taskID string) (*Task, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.tasks[taskID]
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}
	return t.clone(), nil
}

// List returns copies of the tasks of a project, oldest first. An empty
// projectID lists every task.
func (tr *Tracker) List(projectID string) []*Task {
	tr.mu.Lock()
	list := make([]*Task, 0, len(tr.tasks))
	for _, t := range tr.tasks {
		if projectID == "" || t.ProjectID == projectID {
			list = append(list, t.clone())
		}
	}
	tr.mu.Unlock()

	slices.SortFunc(list, func(a, b *Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}

// Active returns the number of tasks that are not in a terminal state.
func (tr *Tracker) Active() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	var n int
	for _, t := range tr.tasks {
		if !t.State.IsTerminal() {
			n++
		}
	}
	return n
}

// Prune removes terminal tasks that finished more than olderThan ago and
// returns how many were removed.
func (tr *Tracker) Prune(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	tr.mu.Lock()
	defer tr.mu.Unlock()

	var n int
	for id, t := range tr.tasks {
		if t.State.IsTerminal() && t.FinishedAt != nil && t.FinishedAt.Before(cutoff) {
			delete(tr.tasks, id)
			n++
		}
	}
	return n
}

// SetRunning implements controller.Controller.
func (tr *Tracker) SetRunning(_ context.Context, taskID string, startedAt time.Time) (controller.Result, error) {
	tr.mu.Lock()
	t, ok := tr.tasks[taskID]
	if !ok {
		tr.mu.Unlock()
		return controller.Unknown, nil
	}
	if t.State != task.StatePending {
		tr.mu.Unlock()
		return controller.Unchanged, nil
	}
	at := controller.Timestamp(startedAt)
	t.State = task.StateRunning
	t.StartedAt = &at
	snapshot := t.clone()
	tr.mu.Unlock()

	tr.logger.Debug("Task running", "taskId", taskID)
	tr.publish(snapshot)
	return controller.Changed, nil
}

// SetSuccess implements controller.Controller.
func (tr *Tracker) SetSuccess(ctx context.Context, taskID string, finishedAt time.Time, outputs task.Outputs, provenance task.Provenance) (controller.Result, error) {
	return tr.finish(ctx, taskID, task.StateSuccess, finishedAt, outputs, &provenance)
}

// SetError implements controller.Controller.
func (tr *Tracker) SetError(ctx context.Context, taskID string, finishedAt time.Time, outputs task.Outputs) (controller.Result, error) {
	return tr.finish(ctx, taskID, task.StateError, finishedAt, outputs, nil)
}

func (tr *Tracker) finish(ctx context.Context, taskID string, state task.State, finishedAt time.Time, outputs task.Outputs, provenance *task.Provenance) (controller.Result, error) {
	tr.mu.Lock()
	t, ok := tr.tasks[taskID]
	if !ok {
		tr.mu.Unlock()
		return controller.Unknown, nil
	}
	if t.State.IsTerminal() {
		tr.mu.Unlock()
		return controller.Unchanged, nil
	}
	at := controller.Timestamp(finishedAt)
	t.State = state
	t.FinishedAt = &at
	t.Outputs = &outputs
	t.Provenance = provenance
	snapshot := t.clone()
	tr.mu.Unlock()

	if tr.onFinished != nil {
		tr.onFinished(taskID)
	}

	tr.logger.Info("Task finished", "taskId", taskID, "state", state)
	tr.record(ctx, snapshot)
	tr.publish(snapshot)
	return controller.Changed, nil
}

// MarkCanceled moves a task that has not finished to CANCELED.
func (tr *Tracker) MarkCanceled(ctx context.Context, taskID string) controller.Result {
	tr.mu.Lock()
	t, ok := tr.tasks[taskID]
	if !ok {
		tr.mu.Unlock()
		return controller.Unknown
	}
	if t.State.IsTerminal() {
		tr.mu.Unlock()
		return controller.Unchanged
	}
	at := time.Now().UTC()
	t.State = task.StateCanceled
	t.FinishedAt = &at
	snapshot := t.clone()
	tr.mu.Unlock()

	tr.logger.Info("Task canceled", "taskId", taskID)
	tr.record(ctx, snapshot)
	tr.publish(snapshot)
	return controller.Changed
}

func (tr *Tracker) record(ctx context.Context, t *Task) {
	if tr.metrics == nil {
		return
	}
	var duration float64
	if t.StartedAt != nil && t.FinishedAt != nil {
		duration = t.FinishedAt.Sub(*t.StartedAt).Seconds()
	}
	tr.metrics.RecordTaskCompleted(ctx, t.Command.PackageID, t.State, duration)
}

func (tr *Tracker) publish(t *Task) {
	if tr.publisher == nil {
		return
	}
	if err := tr.publisher.Publish(BuildEvent(t)); err != nil {
		tr.logger.Warn("Failed to publish task event", "taskId", t.ID, "state", t.State, "error", err)
	}
}

var _ controller.Controller = (*Tracker)(nil)
