// Package backend defines the execution strategy interface shared by the
// in-process, queue and container backends.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/VizierDB/web-api-async-sub004/internal/controller"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

// Kind names a backend variant.
type Kind string

// Backend variants.
const (
	KindInProcess Kind = "inprocess"
	KindQueue     Kind = "queue"
	KindContainer Kind = "container"
)

// ParseKind validates a backend name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindInProcess, KindQueue, KindContainer:
		return k, nil
	default:
		return "", fmt.Errorf("unknown backend %q (want inprocess, queue or container)", s)
	}
}

// ErrNotRunning is returned by CancelTask when the backend no longer holds
// the task: it finished, was already canceled or was never accepted.
var ErrNotRunning = errors.New("task is not running")

// TaskHandle identifies one execution attempt. A handle is passed to exactly
// one ExecuteAsynchronously call and never reused.
type TaskHandle struct {
	TaskID     string
	ProjectID  string
	Controller controller.Controller
}

// Backend runs commands. The outcome of an asynchronous execution is
// reported exactly once through the handle's controller, unless the task
// is canceled first, in which case it is never reported.
type Backend interface {
	// CanExecuteSynchronously reports whether a synchronous processor is
	// registered for the command's package and command.
	CanExecuteSynchronously(cmd task.Command) bool

	// ExecuteSynchronously runs cmd inline. It fails with a validation
	// error if CanExecuteSynchronously is false.
	ExecuteSynchronously(ctx context.Context, cmd task.Command, tctx *task.Context) (*task.ExecResult, error)

	// ExecuteAsynchronously dispatches cmd and returns without waiting for
	// the task.
	ExecuteAsynchronously(ctx context.Context, handle TaskHandle, cmd task.Command, tctx *task.Context) error

	// CancelTask stops a task that has not reported a terminal state. When
	// the task already finished it returns ErrNotRunning and the result
	// that finished it stands. Backends without a revocation channel
	// return an apperrors.ErrUnsupported error.
	CancelTask(ctx context.Context, taskID string) error

	// InitialTaskState is the state a caller assigns before the backend
	// reports anything: RUNNING or PENDING.
	InitialTaskState() task.State

	// Lock guards caller state that interacts with the backend.
	Lock() sync.Locker

	// TaskFinished is called when a terminal state for taskID arrived
	// through the controller path.
	TaskFinished(taskID string)
}

// NoLock is a sync.Locker that does nothing.
type NoLock struct{}

func (NoLock) Lock()   {}
func (NoLock) Unlock() {}

// MetricsRecorder is an optional interface for recording task metrics.
type MetricsRecorder interface {
	RecordTaskStarted(ctx context.Context, backend Kind, packageID string)
	RecordTaskFinished(ctx context.Context, backend Kind, packageID string, state task.State, durationSeconds float64)
}
