package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/VizierDB/web-api-async-sub004/internal/backend"
	"github.com/VizierDB/web-api-async-sub004/internal/backend/queue"
	"github.com/VizierDB/web-api-async-sub004/internal/dispatcher"
	"github.com/VizierDB/web-api-async-sub004/internal/engine"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
	"github.com/VizierDB/web-api-async-sub004/internal/tracker"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/tasks take
// - Traffic: Request/task throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (active tasks, queue depths)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Task metrics as seen by the engine (Latency, Traffic, Errors, Saturation)
	TaskDuration    metric.Float64Histogram
	TasksTotal      metric.Int64Counter
	TaskErrorsTotal metric.Int64Counter
	TasksCanceled   metric.Int64Counter
	TasksActive     metric.Int64UpDownCounter

	// Execution metrics as seen by a backend or worker
	ExecutionDuration metric.Float64Histogram
	ExecutionsRunning metric.Int64UpDownCounter

	// Queue metrics
	QueuePublished metric.Int64Counter
	QueueDropped   metric.Int64Counter
	QueueDepth     metric.Int64Gauge

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("vizier")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Task metrics
	m.TaskDuration, err = meter.Float64Histogram(
		"task_duration_seconds",
		metric.WithDescription("Time from task start to its terminal state in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TasksTotal, err = meter.Int64Counter(
		"tasks_total",
		metric.WithDescription("Total number of tasks submitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TaskErrorsTotal, err = meter.Int64Counter(
		"task_errors_total",
		metric.WithDescription("Total number of tasks that finished in ERROR"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TasksCanceled, err = meter.Int64Counter(
		"tasks_canceled_total",
		metric.WithDescription("Total number of canceled tasks"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TasksActive, err = meter.Int64UpDownCounter(
		"tasks_active",
		metric.WithDescription("Number of tasks not yet in a terminal state (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Execution metrics
	m.ExecutionDuration, err = meter.Float64Histogram(
		"execution_duration_seconds",
		metric.WithDescription("Processor execution time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ExecutionsRunning, err = meter.Int64UpDownCounter(
		"executions_running",
		metric.WithDescription("Number of processors currently executing (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Queue metrics
	m.QueuePublished, err = meter.Int64Counter(
		"queue_published_total",
		metric.WithDescription("Total messages published to task queues"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueDropped, err = meter.Int64Counter(
		"queue_dropped_total",
		metric.WithDescription("Total messages rejected because a queue was full"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge(
		"queue_depth",
		metric.WithDescription("Current number of messages waiting in a queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Event delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordTaskSubmitted records a task accepted by the engine.
func (m *Metrics) RecordTaskSubmitted(ctx context.Context, kind backend.Kind, packageID string) {
	m.TasksTotal.Add(ctx, 1, metric.WithAttributes(backendAttr(string(kind)), packageAttr(packageID)))
	m.TasksActive.Add(ctx, 1, metric.WithAttributes(packageAttr(packageID)))
}

// RecordTaskCompleted records a task reaching a terminal state.
func (m *Metrics) RecordTaskCompleted(ctx context.Context, packageID string, state task.State, durationSeconds float64) {
	attrs := metric.WithAttributes(packageAttr(packageID), stateAttr(string(state)))
	m.TaskDuration.Record(ctx, durationSeconds, attrs)
	m.TasksActive.Add(ctx, -1, metric.WithAttributes(packageAttr(packageID)))

	switch state {
	case task.StateError:
		m.TaskErrorsTotal.Add(ctx, 1, attrs)
	case task.StateCanceled:
		m.TasksCanceled.Add(ctx, 1, attrs)
	}
}

// RecordTaskStarted records a processor starting on a backend.
func (m *Metrics) RecordTaskStarted(ctx context.Context, kind backend.Kind, packageID string) {
	m.ExecutionsRunning.Add(ctx, 1, metric.WithAttributes(backendAttr(string(kind)), packageAttr(packageID)))
}

// RecordTaskFinished records a processor finishing on a backend.
func (m *Metrics) RecordTaskFinished(ctx context.Context, kind backend.Kind, packageID string, state task.State, durationSeconds float64) {
	m.ExecutionsRunning.Add(ctx, -1, metric.WithAttributes(backendAttr(string(kind)), packageAttr(packageID)))
	m.ExecutionDuration.Record(ctx, durationSeconds, metric.WithAttributes(
		backendAttr(string(kind)),
		packageAttr(packageID),
		stateAttr(string(state)),
	))
}

// RecordQueuePublished records a message published to a queue.
func (m *Metrics) RecordQueuePublished(ctx context.Context, queue string) {
	m.QueuePublished.Add(ctx, 1, metric.WithAttributes(queueAttr(queue)))
}

// RecordQueueDropped records a message rejected by a full queue.
func (m *Metrics) RecordQueueDropped(ctx context.Context, queue string) {
	m.QueueDropped.Add(ctx, 1, metric.WithAttributes(queueAttr(queue)))
}

// RecordQueueDepth records the number of messages waiting in a queue.
func (m *Metrics) RecordQueueDepth(ctx context.Context, queue string, depth int64) {
	m.QueueDepth.Record(ctx, depth, metric.WithAttributes(queueAttr(queue)))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}

var (
	_ backend.MetricsRecorder    = (*Metrics)(nil)
	_ queue.MetricsRecorder      = (*Metrics)(nil)
	_ dispatcher.MetricsRecorder = (*Metrics)(nil)
	_ engine.MetricsRecorder     = (*Metrics)(nil)
	_ tracker.MetricsRecorder    = (*Metrics)(nil)
)
