// vizier-worker consumes tasks from the engine's queues and reports their
// results back to the engine.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/backend/queue"
	"github.com/VizierDB/web-api-async-sub004/internal/config"
	"github.com/VizierDB/web-api-async-sub004/internal/observability"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	workerCfg := queue.LoadWorkerConfigFromEnv()
	env, err := queue.NewEnv(queue.LoadEnvConfigFromEnv())
	if err != nil {
		return err
	}

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	metricsPort := config.GetEnv("METRICS_PORT", "9091")
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + metricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting metrics server", "port", metricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	broker := queue.NewHTTPBroker(workerCfg.BrokerURL, workerCfg.PollWait)
	defer broker.Close(context.Background())

	slog.Info("Consuming from engine", "broker", workerCfg.BrokerURL)
	return queue.NewWorker(env, broker, workerCfg, metrics).Run(ctx)
}
