package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/backend/queue"
)

// Long-poll limits for the consume endpoint.
const (
	defaultPollWait = 30 * time.Second
	maxPollWait     = 60 * time.Second
)

// QueueHandler serves a MemoryBroker to remote workers.
type QueueHandler struct {
	broker *queue.MemoryBroker
}

// NewQueueHandler creates handlers for the broker endpoints.
func NewQueueHandler(broker *queue.MemoryBroker) *QueueHandler {
	return &QueueHandler{broker: broker}
}

// Publish handles POST /internal/queues/{queue}/messages
func (h *QueueHandler) Publish(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var msg queue.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid message: " + err.Error()})
		return
	}

	err := h.broker.Publish(r.Context(), r.PathValue("queue"), &msg)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
}

// Next handles GET /internal/queues/{queue}/messages/next?wait=30s. It
// answers 200 with a message, 204 when the wait elapsed and 410 once the
// broker is closed.
func (h *QueueHandler) Next(w http.ResponseWriter, r *http.Request) {
	wait := defaultPollWait
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid wait duration"})
			return
		}
		wait = min(d, maxPollWait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	msg, err := h.broker.Consume(ctx, r.PathValue("queue"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, msg)
	case errors.Is(err, queue.ErrClosed):
		w.WriteHeader(http.StatusGone)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// Stats handles GET /internal/queues
func (h *QueueHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.broker.Stats())
}
