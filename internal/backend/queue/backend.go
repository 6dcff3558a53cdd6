// Package queue dispatches tasks to remote workers through named queues.
//
// The engine publishes one Message per task on the queue its command is
// routed to. Workers consume messages, execute them and report back to the
// engine through a remote controller.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/apperrors"
	"github.com/VizierDB/web-api-async-sub004/internal/backend"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

// Router selects the queue for a command.
type Router interface {
	Queue(cmd task.Command) string
}

type pendingTask struct {
	queue     string
	published time.Time
}

// Backend publishes tasks to a Broker. Tasks stay pending until a worker
// reports a terminal state and the caller invokes TaskFinished.
type Backend struct {
	broker      Broker
	router      Router
	synchronous *backend.SynchronousEngine
	logger      *slog.Logger

	pending *backend.Tasks[pendingTask]
}

// New creates a queue backend. synchronous may be nil.
func New(broker Broker, router Router, synchronous *backend.SynchronousEngine) *Backend {
	return &Backend{
		broker:      broker,
		router:      router,
		synchronous: synchronous,
		logger:      slog.With("component", "queue"),
		pending:     backend.NewTasks[pendingTask](),
	}
}

// CanExecuteSynchronously implements backend.Backend.
func (b *Backend) CanExecuteSynchronously(cmd task.Command) bool {
	return b.synchronous.CanExecute(cmd)
}

// ExecuteSynchronously implements backend.Backend.
func (b *Backend) ExecuteSynchronously(ctx context.Context, cmd task.Command, tctx *task.Context) (*task.ExecResult, error) {
	return b.synchronous.Execute(ctx, cmd, tctx)
}

// ExecuteAsynchronously implements backend.Backend.
func (b *Backend) ExecuteAsynchronously(ctx context.Context, handle backend.TaskHandle, cmd task.Command, tctx *task.Context) error {
	queue := b.router.Queue(cmd)
	if err := b.pending.Insert(handle.TaskID, pendingTask{queue: queue, published: time.Now()}); err != nil {
		return err
	}

	if err := b.broker.Publish(ctx, queue, NewMessage(handle, cmd, tctx)); err != nil {
		b.pending.Release(handle.TaskID)
		return apperrors.Internal("queue.publish", err)
	}
	b.logger.Info("Task published", "taskId", handle.TaskID, "queue", queue, "command", cmd.String())
	return nil
}

// CancelTask implements backend.Backend. Published messages cannot be
// revoked.
func (b *Backend) CancelTask(context.Context, string) error {
	return apperrors.Unsupported("queue.cancel", "tasks dispatched to a queue cannot be canceled")
}

// InitialTaskState implements backend.Backend. Tasks wait on the queue
// until a worker picks them up.
func (b *Backend) InitialTaskState() task.State {
	return task.StatePending
}

// Lock implements backend.Backend. Execution state lives in the workers.
func (b *Backend) Lock() sync.Locker {
	return backend.NoLock{}
}

// TaskFinished implements backend.Backend.
func (b *Backend) TaskFinished(taskID string) {
	if p, ok := b.pending.Release(taskID); ok {
		b.logger.Debug("Task finished", "taskId", taskID, "queue", p.queue, "duration", time.Since(p.published))
	}
}

// Pending returns the number of published tasks without a terminal state.
func (b *Backend) Pending() int {
	return b.pending.Len()
}

var _ backend.Backend = (*Backend)(nil)
