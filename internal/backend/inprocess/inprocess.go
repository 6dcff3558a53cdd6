// Package inprocess runs each task on its own goroutine inside the engine
// process.
package inprocess

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/backend"
	"github.com/VizierDB/web-api-async-sub004/internal/controller"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

var errClosed = errors.New("backend is closed")

// worker is the running-task handle used for cancellation.
type worker struct {
	packageID string
	cancel    context.CancelFunc
	started   time.Time
}

// Backend executes tasks on a bounded pool of goroutines. Each worker gets
// its own console and a context that CancelTask cancels. Completion and
// cancellation both release the task from the running map; whichever
// release wins decides the outcome, so a canceled task is never reported.
//
// Goroutines cannot be killed. A processor that ignores its context keeps
// running after cancellation, but its result is discarded.
type Backend struct {
	processors  map[string]task.Processor
	synchronous *backend.SynchronousEngine
	config      Config
	metrics     backend.MetricsRecorder
	logger      *slog.Logger

	tasks *backend.Tasks[*worker]
	slots chan struct{}
	lock  sync.Mutex

	// mu orders task admission against Close.
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// New creates an in-process backend. processors maps package ids to the
// processor that runs them asynchronously; synchronous may be nil.
func New(cfg Config, processors map[string]task.Processor, synchronous *backend.SynchronousEngine, metrics backend.MetricsRecorder) *Backend {
	cfg = cfg.withDefaults()
	b := &Backend{
		processors:  processors,
		synchronous: synchronous,
		config:      cfg,
		metrics:     metrics,
		logger:      slog.With("component", "inprocess"),
		tasks:       backend.NewTasks[*worker](),
		slots:       make(chan struct{}, cfg.MaxWorkers),
	}
	b.logger.Info("Backend started", "maxWorkers", cfg.MaxWorkers, "packages", len(processors))
	return b
}

// CanExecuteSynchronously implements backend.Backend.
func (b *Backend) CanExecuteSynchronously(cmd task.Command) bool {
	return b.synchronous.CanExecute(cmd)
}

// ExecuteSynchronously implements backend.Backend.
func (b *Backend) ExecuteSynchronously(ctx context.Context, cmd task.Command, tctx *task.Context) (*task.ExecResult, error) {
	return b.synchronous.Execute(ctx, cmd, tctx)
}

// ExecuteAsynchronously implements backend.Backend. A command for an
// unregistered package is reported as an error right away and no worker
// is started.
func (b *Backend) ExecuteAsynchronously(ctx context.Context, handle backend.TaskHandle, cmd task.Command, tctx *task.Context) error {
	if b.isClosed() {
		return errClosed
	}
	logger := b.logger.With("taskId", handle.TaskID, "command", cmd.String())

	p, ok := b.processors[cmd.PackageID]
	if !ok {
		outputs := task.ErrorOutputs(&task.UnknownPackageError{PackageID: cmd.PackageID})
		if _, err := handle.Controller.SetError(ctx, handle.TaskID, time.Time{}, outputs); err != nil {
			logger.Warn("Failed to report unknown package", "error", err)
		}
		logger.Info("Task rejected, unknown package")
		return nil
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &worker{packageID: cmd.PackageID, cancel: cancel, started: time.Now()}
	if err := b.accept(handle.TaskID, w); err != nil {
		cancel()
		return err
	}
	go b.run(wctx, logger, w, handle, cmd, tctx, p)
	return nil
}

// accept registers a worker and counts it towards Close's wait, unless the
// backend closed in the meantime.
func (b *Backend) accept(taskID string, w *worker) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errClosed
	}
	if err := b.tasks.Insert(taskID, w); err != nil {
		return err
	}
	b.wg.Add(1)
	return nil
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// run waits for a worker slot, executes the task and reports its result if
// the task was not canceled in the meantime.
func (b *Backend) run(ctx context.Context, logger *slog.Logger, w *worker, handle backend.TaskHandle, cmd task.Command, tctx *task.Context, p task.Processor) {
	defer b.wg.Done()
	defer w.cancel()

	select {
	case b.slots <- struct{}{}:
	case <-ctx.Done():
		logger.Debug("Task canceled before start")
		return
	}
	defer func() { <-b.slots }()

	if ctx.Err() != nil {
		return
	}
	if b.metrics != nil {
		b.metrics.RecordTaskStarted(ctx, backend.KindInProcess, cmd.PackageID)
	}

	console := task.NewConsole(nil, nil)
	res := task.Exec(task.WithConsole(ctx, console), cmd, tctx, p)

	if _, won := b.tasks.Release(handle.TaskID); !won {
		logger.Debug("Task result discarded, task was canceled")
		return
	}

	state := task.StateSuccess
	if !res.IsSuccess {
		state = task.StateError
	}
	if b.metrics != nil {
		b.metrics.RecordTaskFinished(ctx, backend.KindInProcess, cmd.PackageID, state, time.Since(w.started).Seconds())
	}
	if _, err := controller.Report(ctx, handle.Controller, handle.TaskID, res); err != nil {
		logger.Warn("Failed to report task result", "state", state, "error", err)
		return
	}
	logger.Info("Task finished", "state", state, "duration", time.Since(w.started))
}

// CancelTask implements backend.Backend. A task whose worker already
// released it is left alone and backend.ErrNotRunning is returned.
func (b *Backend) CancelTask(ctx context.Context, taskID string) error {
	w, ok := b.tasks.Release(taskID)
	if !ok {
		return backend.ErrNotRunning
	}
	w.cancel()
	if b.metrics != nil {
		b.metrics.RecordTaskFinished(ctx, backend.KindInProcess, w.packageID, task.StateCanceled, time.Since(w.started).Seconds())
	}
	b.logger.Info("Task canceled", "taskId", taskID)
	return nil
}

// InitialTaskState implements backend.Backend.
func (b *Backend) InitialTaskState() task.State {
	return task.StateRunning
}

// Lock implements backend.Backend.
func (b *Backend) Lock() sync.Locker {
	return &b.lock
}

// TaskFinished implements backend.Backend. Workers report their own results
// so there is nothing to clean up.
func (b *Backend) TaskFinished(string) {}

// Running returns the number of accepted tasks that have not finished.
func (b *Backend) Running() int {
	return b.tasks.Len()
}

// Close cancels all running tasks and waits for their workers to return.
// The context deadline controls how long to wait.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ids := b.tasks.IDs()
	b.mu.Unlock()

	b.logger.Info("Backend shutting down", "running", len(ids))
	for _, id := range ids {
		if w, ok := b.tasks.Release(id); ok {
			w.cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Backend shutdown complete")
		return nil
	case <-ctx.Done():
		b.logger.Warn("Backend shutdown timed out")
		return ctx.Err()
	}
}

var _ backend.Backend = (*Backend)(nil)
