// vizier-sidecar executes the tasks of one project inside its container.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/config"
	"github.com/VizierDB/web-api-async-sub004/internal/sidecar"
)

func main() {
	// Used by Docker health checks, exits 0 when the local server is ready
	if len(os.Args) > 1 && os.Args[1] == "-check-ready" {
		if sidecar.CheckReady(config.GetIntEnv("SIDECAR_PORT", 8090)) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Sidecar failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := sidecar.LoadConfigFromEnv()

	server, err := sidecar.NewFromConfig(cfg, nil)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting sidecar", "projectId", cfg.ProjectID, "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Close(ctx); err != nil {
		slog.Warn("Sidecar shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
	return nil
}
