package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/VizierDB/web-api-async-sub004/internal/backend"
	"github.com/VizierDB/web-api-async-sub004/internal/controller"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

// WorkerStats contains worker statistics.
type WorkerStats struct {
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Worker consumes messages and executes them against its Env. Every
// consumed message produces a RUNNING update followed by exactly one
// terminal update on the Env's controller.
type Worker struct {
	env     *Env
	broker  Broker
	config  WorkerConfig
	metrics backend.MetricsRecorder
	logger  *slog.Logger

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	wg sync.WaitGroup
}

// NewWorker creates a worker. Without configured queues it consumes every
// queue the Env's wiring routes to. metrics may be nil.
func NewWorker(env *Env, broker Broker, cfg WorkerConfig, metrics backend.MetricsRecorder) *Worker {
	if len(cfg.Queues) == 0 {
		cfg.Queues = env.Queues
	}
	return &Worker{
		env:     env,
		broker:  broker,
		config:  cfg.withDefaults(),
		metrics: metrics,
		logger:  slog.With("component", "worker"),
	}
}

// Run starts the consumers and blocks until ctx is done or the broker is
// closed. Tasks already consumed run to completion.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started", "queues", w.config.Queues, "consumers", w.config.Consumers)
	for _, queue := range w.config.Queues {
		for range w.config.Consumers {
			w.wg.Add(1)
			go w.consume(ctx, queue)
		}
	}
	w.wg.Wait()
	w.logger.Info("Worker stopped",
		"processed", w.processed.Load(),
		"succeeded", w.succeeded.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

func (w *Worker) consume(ctx context.Context, queue string) {
	defer w.wg.Done()
	for {
		msg, err := w.next(ctx, queue)
		if err != nil {
			if ctx.Err() == nil && !IsClosed(err) {
				w.logger.Error("Consumer stopped", "queue", queue, "error", err)
			}
			return
		}
		w.Execute(context.WithoutCancel(ctx), msg)
	}
}

// next consumes one message, backing off while the broker is unreachable.
func (w *Worker) next(ctx context.Context, queue string) (*Message, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = w.config.MaxBackoff
	policy.MaxElapsedTime = 0

	var msg *Message
	op := func() error {
		m, err := w.broker.Consume(ctx, queue)
		if err != nil {
			if IsClosed(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			w.logger.Warn("Consume failed, retrying", "queue", queue, "error", err)
			return err
		}
		msg = m
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return msg, nil
}

// Execute runs one message and reports its outcome.
func (w *Worker) Execute(ctx context.Context, msg *Message) {
	logger := w.logger.With("taskId", msg.TaskID, "command", msg.Command.String())
	ctrl := w.env.Controller

	if _, err := ctrl.SetRunning(ctx, msg.TaskID, time.Time{}); err != nil {
		logger.Warn("Failed to report running state", "error", err)
	}

	start := time.Now()
	if w.metrics != nil {
		w.metrics.RecordTaskStarted(ctx, backend.KindQueue, msg.Command.PackageID)
	}
	res := w.run(ctx, msg)

	state := task.StateSuccess
	w.processed.Add(1)
	if res.IsSuccess {
		w.succeeded.Add(1)
	} else {
		state = task.StateError
		w.failed.Add(1)
	}
	if w.metrics != nil {
		w.metrics.RecordTaskFinished(ctx, backend.KindQueue, msg.Command.PackageID, state, time.Since(start).Seconds())
	}

	if _, err := controller.Report(ctx, ctrl, msg.TaskID, res); err != nil {
		logger.Warn("Failed to report task result", "state", state, "error", err)
		return
	}
	logger.Info("Task finished", "state", state, "duration", time.Since(start))
}

func (w *Worker) run(ctx context.Context, msg *Message) *task.ExecResult {
	p, ok := w.env.Processors[msg.Command.PackageID]
	if !ok {
		return task.Failure(task.ErrorOutputs(&task.UnknownPackageError{PackageID: msg.Command.PackageID}))
	}
	tctx, err := w.env.TaskContext(msg)
	if err != nil {
		return task.Failure(task.ErrorOutputs(err))
	}
	console := task.NewConsole(nil, nil)
	return task.Exec(task.WithConsole(ctx, console), msg.Command, tctx, p)
}

// Stats returns current worker statistics.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Processed: w.processed.Load(),
		Succeeded: w.succeeded.Load(),
		Failed:    w.failed.Load(),
	}
}
