// Package controller defines the callback protocol backends use to report
// task state transitions to the workflow that owns a task.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

// Result is the outcome of a state update.
type Result int

const (
	Unknown   Result = iota // task or owning project is unknown
	Unchanged               // update was accepted but changed nothing
	Changed                 // state changed
)

func (r Result) String() string {
	switch r {
	case Changed:
		return "changed"
	case Unchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// Controller receives task state transitions. A zero timestamp means now.
type Controller interface {
	SetRunning(ctx context.Context, taskID string, startedAt time.Time) (Result, error)
	SetSuccess(ctx context.Context, taskID string, finishedAt time.Time, outputs task.Outputs, provenance task.Provenance) (Result, error)
	SetError(ctx context.Context, taskID string, finishedAt time.Time, outputs task.Outputs) (Result, error)
}

// StateUpdate is the wire form of one state transition.
type StateUpdate struct {
	State      task.State       `json:"state"`
	StartedAt  *time.Time       `json:"startedAt,omitempty"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
	Outputs    *task.Outputs    `json:"outputs,omitempty"`
	Provenance *task.Provenance `json:"provenance,omitempty"`
}

// UpdateResponse is the reply to a StateUpdate. Result is positive when the
// state changed.
type UpdateResponse struct {
	Result int `json:"result"`
}

// Report delivers the terminal state of an execution result.
func Report(ctx context.Context, c Controller, taskID string, res *task.ExecResult) (Result, error) {
	if res.IsSuccess {
		return c.SetSuccess(ctx, taskID, time.Time{}, res.Outputs, res.Provenance)
	}
	return c.SetError(ctx, taskID, time.Time{}, res.Outputs)
}

// Apply calls the Controller method matching u.State.
func Apply(ctx context.Context, c Controller, taskID string, u StateUpdate) (Result, error) {
	var outputs task.Outputs
	if u.Outputs != nil {
		outputs = *u.Outputs
	}
	switch u.State {
	case task.StateRunning:
		return c.SetRunning(ctx, taskID, deref(u.StartedAt))
	case task.StateSuccess:
		var prov task.Provenance
		if u.Provenance != nil {
			prov = *u.Provenance
		}
		return c.SetSuccess(ctx, taskID, deref(u.FinishedAt), outputs, prov)
	case task.StateError:
		return c.SetError(ctx, taskID, deref(u.FinishedAt), outputs)
	default:
		return Unknown, fmt.Errorf("unsupported state %q", u.State)
	}
}

// Timestamp returns t, or the current time if t is zero.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
