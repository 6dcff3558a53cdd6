// Package api provides the HTTP API handlers and routing for the engine.
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/VizierDB/web-api-async-sub004/internal/apperrors"
	"github.com/VizierDB/web-api-async-sub004/internal/controller"
	"github.com/VizierDB/web-api-async-sub004/internal/engine"
	"github.com/VizierDB/web-api-async-sub004/internal/health"
	"github.com/VizierDB/web-api-async-sub004/pkg/cloudevent"
)

// maxRequestBodySize limits request bodies to prevent memory exhaustion.
// Task outputs arrive through state updates and can be large.
const maxRequestBodySize = 16 << 20 // 16 MB

// Handler contains HTTP handlers for the engine API
type Handler struct {
	svc         *engine.Service
	controller  controller.Controller
	health      *health.Checker
	callbackKey string
}

// NewHandler creates a new API handler. c receives state updates posted
// by remote workers and sidecars.
func NewHandler(svc *engine.Service, c controller.Controller, healthChecker *health.Checker, callbackKey string) *Handler {
	return &Handler{
		svc:         svc,
		controller:  c,
		health:      healthChecker,
		callbackKey: callbackKey,
	}
}

// SubmitTask handles POST /v1/projects/{projectId}/tasks
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	t, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, t)
}

// ExecuteCommand handles POST /v1/projects/{projectId}/commands/execute
func (h *Handler) ExecuteCommand(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	res, err := h.svc.Execute(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (*engine.Request, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return nil, false
	}
	req.ProjectID = r.PathValue("projectId")
	return &req, true
}

// ListTasks handles GET /v1/projects/{projectId}/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.List(r.Context(), r.PathValue("projectId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetTask handles GET /v1/tasks/{taskId}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "Task ID is required")
		return
	}

	t, err := h.svc.Get(r.Context(), taskID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, t)
}

// CancelTask handles DELETE /v1/tasks/{taskId}
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "Task ID is required")
		return
	}

	t, err := h.svc.Cancel(r.Context(), taskID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, t)
}

// UpdateTask handles PUT /v1/tasks/{taskId}, the controller callback used
// by remote workers and sidecars. Unknown tasks answer 404, which the
// caller reads as an Unknown result.
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "Task ID is required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body: "+err.Error())
		return
	}
	if h.callbackKey != "" && !cloudevent.Verify(body, h.callbackKey, r.Header.Get(cloudevent.SignatureHeader)) {
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var update controller.StateUpdate
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	result, err := controller.Apply(r.Context(), h.controller, taskID, update)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if result == controller.Unknown {
		writeError(w, http.StatusNotFound, "task "+taskID+" not found")
		return
	}

	resp := controller.UpdateResponse{}
	if result == controller.Changed {
		resp.Result = 1
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if a dependency (docker daemon, broker) is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 && status != http.StatusNotImplemented {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
