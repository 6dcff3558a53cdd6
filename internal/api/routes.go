package api

import (
	"net/http"

	"github.com/VizierDB/web-api-async-sub004/internal/backend/queue"
	"github.com/VizierDB/web-api-async-sub004/internal/controller"
	"github.com/VizierDB/web-api-async-sub004/internal/engine"
	"github.com/VizierDB/web-api-async-sub004/internal/health"
	"github.com/VizierDB/web-api-async-sub004/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service       *engine.Service
	Controller    controller.Controller
	Broker        *queue.MemoryBroker // nil unless the queue backend is used
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
	CallbackKey   string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Service, cfg.Controller, cfg.HealthChecker, cfg.CallbackKey)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Controller callback - authenticated by body signature
	mux.HandleFunc("PUT /v1/tasks/{taskId}", handler.UpdateTask)

	// Internal endpoints - no auth (network-isolated)
	if cfg.Broker != nil {
		queues := NewQueueHandler(cfg.Broker)
		mux.HandleFunc("GET /internal/queues", queues.Stats)
		mux.HandleFunc("POST /internal/queues/{queue}/messages", queues.Publish)
		mux.HandleFunc("GET /internal/queues/{queue}/messages/next", queues.Next)
	}

	// Task endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/projects/{projectId}/tasks", authMiddleware(http.HandlerFunc(handler.SubmitTask)))
	mux.Handle("GET /v1/projects/{projectId}/tasks", authMiddleware(http.HandlerFunc(handler.ListTasks)))
	mux.Handle("POST /v1/projects/{projectId}/commands/execute", authMiddleware(http.HandlerFunc(handler.ExecuteCommand)))
	mux.Handle("GET /v1/tasks/{taskId}", authMiddleware(http.HandlerFunc(handler.GetTask)))
	mux.Handle("DELETE /v1/tasks/{taskId}", authMiddleware(http.HandlerFunc(handler.CancelTask)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RequestIDMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
