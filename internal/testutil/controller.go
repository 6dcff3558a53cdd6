package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/controller"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

// Call is one controller invocation seen by a Recorder.
type Call struct {
	TaskID     string
	State      task.State
	At         time.Time
	Outputs    task.Outputs
	Provenance task.Provenance
}

// Recorder is a controller.Controller that records every call.
type Recorder struct {
	mu     sync.Mutex
	calls  []Call
	result controller.Result
}

// NewRecorder creates a recorder that answers Changed.
func NewRecorder() *Recorder {
	return &Recorder{result: controller.Changed}
}

// SetResult changes the answer to subsequent calls.
func (r *Recorder) SetResult(result controller.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = result
}

func (r *Recorder) record(c Call) controller.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return r.result
}

// SetRunning implements controller.Controller.
func (r *Recorder) SetRunning(_ context.Context, taskID string, startedAt time.Time) (controller.Result, error) {
	return r.record(Call{TaskID: taskID, State: task.StateRunning, At: controller.Timestamp(startedAt)}), nil
}

// SetSuccess implements controller.Controller.
func (r *Recorder) SetSuccess(_ context.Context, taskID string, finishedAt time.Time, outputs task.Outputs, provenance task.Provenance) (controller.Result, error) {
	return r.record(Call{
		TaskID:     taskID,
		State:      task.StateSuccess,
		At:         controller.Timestamp(finishedAt),
		Outputs:    outputs,
		Provenance: provenance,
	}), nil
}

// SetError implements controller.Controller.
func (r *Recorder) SetError(_ context.Context, taskID string, finishedAt time.Time, outputs task.Outputs) (controller.Result, error) {
	return r.record(Call{TaskID: taskID, State: task.StateError, At: controller.Timestamp(finishedAt), Outputs: outputs}), nil
}

// Calls returns a copy of all recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Len returns the number of recorded calls.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// States returns the states reported for a task, in order.
func (r *Recorder) States(taskID string) []task.State {
	var states []task.State
	for _, c := range r.Calls() {
		if c.TaskID == taskID {
			states = append(states, c.State)
		}
	}
	return states
}

// Terminal returns the last terminal call for a task.
func (r *Recorder) Terminal(taskID string) (Call, bool) {
	calls := r.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].TaskID == taskID && calls[i].State.IsTerminal() {
			return calls[i], true
		}
	}
	return Call{}, false
}

var _ controller.Controller = (*Recorder)(nil)
