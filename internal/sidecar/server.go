// Package sidecar serves one project's tasks over HTTP. It runs them with
// an in-process backend and reports results to the engine through a
// remote controller.
package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/api"
	"github.com/VizierDB/web-api-async-sub004/internal/apperrors"
	"github.com/VizierDB/web-api-async-sub004/internal/backend"
	"github.com/VizierDB/web-api-async-sub004/internal/backend/container"
	"github.com/VizierDB/web-api-async-sub004/internal/backend/inprocess"
	"github.com/VizierDB/web-api-async-sub004/internal/controller"
	"github.com/VizierDB/web-api-async-sub004/internal/datastore"
	"github.com/VizierDB/web-api-async-sub004/internal/packages"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// Server executes the tasks of one project.
type Server struct {
	projectID  string
	backend    *inprocess.Backend
	stores     datastore.Factory
	controller controller.Controller
	logger     *slog.Logger
	draining   atomic.Bool
}

// New creates a sidecar server. stores may be nil.
func New(projectID string, b *inprocess.Backend, stores datastore.Factory, c controller.Controller) *Server {
	return &Server{
		projectID:  projectID,
		backend:    b,
		stores:     stores,
		controller: c,
		logger:     slog.With("component", "sidecar", "projectId", projectID),
	}
}

// NewFromConfig wires a server from its configuration: processors from the
// registry, the project's datastore and a remote controller.
func NewFromConfig(cfg Config, metrics backend.MetricsRecorder) (*Server, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PROJECT_ID is required")
	}
	wiring, err := packages.Load(cfg.RegistryFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load processors: %w", err)
	}
	stores, err := datastore.NewFS(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	b := inprocess.New(cfg.InProcess, wiring.Processors, backend.NewSynchronousEngine(wiring.Synchronous), metrics)
	return New(cfg.ProjectID, b, stores, controller.NewRemote(cfg.Controller)), nil
}

// Handler returns the sidecar's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /readyz", s.readyz)
	mux.HandleFunc("GET /v1/status", s.status)
	mux.HandleFunc("POST /v1/tasks", s.executeTask)
	mux.HandleFunc("DELETE /v1/tasks/{taskId}", s.cancelTask)

	var h http.Handler = mux
	h = api.LoggingMiddleware()(h)
	h = api.RecoveryMiddleware()(h)
	return h
}

func (s *Server) executeTask(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeError(w, http.StatusServiceUnavailable, "sidecar is shutting down")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req container.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}
	if req.ProjectID != "" && req.ProjectID != s.projectID {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("sidecar serves project %s, not %s", s.projectID, req.ProjectID))
		return
	}

	tctx, err := s.taskContext(&req)
	if err != nil {
		s.handleError(w, err)
		return
	}

	handle := backend.TaskHandle{TaskID: req.TaskID, ProjectID: s.projectID, Controller: s.controller}
	if err := s.backend.ExecuteAsynchronously(r.Context(), handle, req.Command, tctx); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) taskContext(req *container.TaskRequest) (*task.Context, error) {
	req.ProjectID = s.projectID
	tctx := req.TaskContext()
	if s.stores == nil {
		return tctx, nil
	}
	ds, err := s.stores.Datastore(s.projectID)
	if err != nil {
		return nil, apperrors.Internal("sidecar.datastore", err)
	}
	fs, err := s.stores.Filestore(s.projectID)
	if err != nil {
		return nil, apperrors.Internal("sidecar.filestore", err)
	}
	return tctx.WithStores(ds, fs), nil
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	err := s.backend.CancelTask(r.Context(), r.PathValue("taskId"))
	if err != nil && !errors.Is(err, backend.ErrNotRunning) {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, container.SidecarStatus{ProjectID: s.projectID, Running: s.backend.Running()})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		writeError(w, http.StatusServiceUnavailable, "sidecar is shutting down")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		s.logger.Error("Request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

// Close stops accepting tasks and cancels the running ones.
func (s *Server) Close(ctx context.Context) error {
	s.draining.Store(true)
	return s.backend.Close(ctx)
}

// CheckReady reports whether a sidecar listening on port answers its
// readiness probe. Container health checks run it through -check-ready.
func CheckReady(port int) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/readyz")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
