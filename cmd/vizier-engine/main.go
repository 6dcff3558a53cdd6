// vizier-engine is the HTTP API server that accepts and tracks tasks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/api"
	"github.com/VizierDB/web-api-async-sub004/internal/backend"
	"github.com/VizierDB/web-api-async-sub004/internal/backend/container"
	"github.com/VizierDB/web-api-async-sub004/internal/backend/container/docker"
	"github.com/VizierDB/web-api-async-sub004/internal/backend/inprocess"
	"github.com/VizierDB/web-api-async-sub004/internal/backend/queue"
	"github.com/VizierDB/web-api-async-sub004/internal/config"
	"github.com/VizierDB/web-api-async-sub004/internal/datastore"
	"github.com/VizierDB/web-api-async-sub004/internal/dispatcher"
	"github.com/VizierDB/web-api-async-sub004/internal/engine"
	"github.com/VizierDB/web-api-async-sub004/internal/health"
	"github.com/VizierDB/web-api-async-sub004/internal/observability"
	"github.com/VizierDB/web-api-async-sub004/internal/packages"
	"github.com/VizierDB/web-api-async-sub004/internal/tracker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

// execution is the backend selected at startup together with what it
// needs at shutdown.
type execution struct {
	backend backend.Backend
	kind    backend.Kind
	broker  *queue.MemoryBroker
	check   health.ReadinessChecker
	close   func(ctx context.Context) error
}

func newExecution(ctx context.Context, cfg *config.EngineConfig, metrics *observability.Metrics) (*execution, error) {
	wiring, err := packages.Load(cfg.RegistryFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load processors: %w", err)
	}
	synchronous := backend.NewSynchronousEngine(wiring.Synchronous)

	switch cfg.Backend {
	case "inprocess":
		b := inprocess.New(inprocess.LoadConfigFromEnv(), wiring.Processors, synchronous, metrics)
		return &execution{backend: b, kind: backend.KindInProcess, close: b.Close}, nil

	case "queue":
		broker := queue.NewMemoryBroker(queue.LoadBrokerConfigFromEnv(), metrics)
		b := queue.New(broker, wiring, synchronous)
		return &execution{backend: b, kind: backend.KindQueue, broker: broker, check: broker, close: broker.Close}, nil

	case "container":
		if config.GetEnv("SIDECAR_MODE", "docker") == "static" {
			projects, err := container.NewStaticProjects(container.LoadStaticConfigFromEnv())
			if err != nil {
				return nil, err
			}
			return &execution{backend: container.New(projects), kind: backend.KindContainer}, nil
		}

		dockerCfg := docker.LoadConfigFromEnv()
		if dockerCfg.SigningKey == "" {
			dockerCfg.SigningKey = cfg.CallbackKey
		}
		projects, err := docker.NewProjectCache(ctx, dockerCfg)
		if err != nil {
			return nil, err
		}
		slog.Info("Connected to Docker daemon")
		return &execution{
			backend: container.New(projects),
			kind:    backend.KindContainer,
			check:   projects,
			close:   func(context.Context) error { return projects.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg := config.LoadEngineConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	exec, err := newExecution(ctx, cfg, metrics)
	if err != nil {
		return err
	}

	stores, err := datastore.NewFS(cfg.DataDir)
	if err != nil {
		return err
	}

	// Task events go to subscribers through the callback dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)
	publisher := dispatcher.NewPublisher(eventDispatcher, dispatcher.LoadSubscribersFromEnv())

	tasks := tracker.New(exec.backend.TaskFinished, publisher, metrics)
	service := engine.NewService(exec.backend, exec.kind, tasks, stores, metrics)

	healthChecker := health.NewChecker()
	if exec.check != nil {
		healthChecker.Register("backend", exec.check)
	}

	router := api.NewRouter(api.RouterConfig{
		Service:       service,
		Controller:    tasks,
		Broker:        exec.broker,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.APIKey,
		CallbackKey:   cfg.CallbackKey,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}
	slog.Info("Execution backend ready", "backend", exec.kind)

	// The long-poll consume endpoint holds requests for up to a minute
	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	pruneCtx, stopPrune := context.WithCancel(ctx)
	defer stopPrune()
	go prune(pruneCtx, tasks, cfg.PruneInterval, cfg.TaskRetention)

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()
	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting requests and stop the backend
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)
	stopPrune()

	if exec.close != nil {
		backendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := exec.close(backendCtx); err != nil {
			slog.Warn("Backend shutdown error", "error", err)
		}
		cancel()
	}

	// Phase 3: Drain task events
	slog.Info("Draining event dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
	slog.Info("Shutdown complete", "activeTasks", tasks.Active())
	return nil
}

// prune drops finished tasks older than retention until ctx is done.
func prune(ctx context.Context, tasks *tracker.Tracker, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := tasks.Prune(retention); n > 0 {
				slog.Info("Pruned finished tasks", "count", n)
			}
		}
	}
}
