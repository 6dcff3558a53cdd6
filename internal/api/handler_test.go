package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/backend"
	"github.com/VizierDB/web-api-async-sub004/internal/backend/inprocess"
	"github.com/VizierDB/web-api-async-sub004/internal/backend/queue"
	"github.com/VizierDB/web-api-async-sub004/internal/controller"
	"github.com/VizierDB/web-api-async-sub004/internal/engine"
	"github.com/VizierDB/web-api-async-sub004/internal/health"
	"github.com/VizierDB/web-api-async-sub004/internal/packages/markdown"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
	"github.com/VizierDB/web-api-async-sub004/internal/testutil"
	"github.com/VizierDB/web-api-async-sub004/internal/tracker"
	"github.com/VizierDB/web-api-async-sub004/pkg/cloudevent"
)

// waitForCancel blocks until its context is canceled.
var waitForCancel = task.ProcessorFunc(func(ctx context.Context, _ string, _ task.Arguments, _ *task.Context) (*task.ExecResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
})

type testEnv struct {
	router  http.Handler
	tracker *tracker.Tracker
	broker  *queue.MemoryBroker
}

func newTestEnv(t *testing.T, b backend.Backend, kind backend.Kind, apiKey, callbackKey string) *testEnv {
	t.Helper()
	if b == nil {
		ib := inprocess.New(inprocess.Config{}, map[string]task.Processor{
			"markdown": markdown.Processor{},
			"wait":     waitForCancel,
		}, backend.NewSynchronousEngine(map[string]map[string]task.Processor{
			"markdown": {"code": markdown.Processor{}},
		}), nil)
		t.Cleanup(func() { _ = ib.Close(context.Background()) })
		b = ib
	}

	tr := tracker.New(b.TaskFinished, nil, nil)
	broker := queue.NewMemoryBroker(queue.BrokerConfig{BufferSize: 2}, nil)
	router := NewRouter(RouterConfig{
		Service:       engine.NewService(b, kind, tr, nil, nil),
		Controller:    tr,
		Broker:        broker,
		HealthChecker: health.NewChecker(),
		APIKey:        apiKey,
		CallbackKey:   callbackKey,
	})
	return &testEnv{router: router, tracker: tr, broker: broker}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return v
}

const markdownTask = `{"taskId": "t1", "command": {"packageId": "markdown", "commandId": "code", "arguments": [{"id": "source", "value": "# Hi"}]}}`

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(),
	}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	response := decode[health.Response](t, w)
	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_DockerUnavailable(t *testing.T) {
	t.Parallel()
	checker := health.NewChecker()
	checker.Register("docker", nil)
	handler := &Handler{health: checker}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	response := decode[health.Response](t, w)
	if response.Status != health.StatusUnhealthy {
		t.Errorf("Expected status unhealthy, got %s", response.Status)
	}
}

func TestRouter_SubmitAndGet(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, backend.KindInProcess, "", "")

	w := env.do(t, http.MethodPost, "/v1/projects/p1/tasks", markdownTask)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	submitted := decode[tracker.Task](t, w)
	if submitted.ID != "t1" || submitted.ProjectID != "p1" {
		t.Errorf("Unexpected task %+v", submitted)
	}

	testutil.MustWaitFor(t, func() bool {
		got, err := env.tracker.Get("t1")
		return err == nil && got.State == task.StateSuccess
	})

	w = env.do(t, http.MethodGet, "/v1/tasks/t1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	got := decode[tracker.Task](t, w)
	if got.State != task.StateSuccess || got.Outputs == nil || len(got.Outputs.Stdout) != 1 {
		t.Errorf("Unexpected task %+v", got)
	}

	w = env.do(t, http.MethodGet, "/v1/projects/p1/tasks", "")
	list := decode[engine.ListResponse](t, w)
	if len(list.Tasks) != 1 {
		t.Errorf("Expected 1 task, got %d", len(list.Tasks))
	}

	if w := env.do(t, http.MethodPost, "/v1/projects/p1/tasks", markdownTask); w.Code != http.StatusConflict {
		t.Errorf("Expected status %d for duplicate, got %d", http.StatusConflict, w.Code)
	}
	if w := env.do(t, http.MethodGet, "/v1/tasks/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestRouter_SubmitInvalid(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, backend.KindInProcess, "", "")

	tests := []struct {
		name string
		path string
		body string
	}{
		{"malformed json", "/v1/projects/p1/tasks", `{"taskId": t1}`},
		{"empty body", "/v1/projects/p1/tasks", ` `},
		{"missing command", "/v1/projects/p1/tasks", `{"taskId": "t1"}`},
		{"bad project", "/v1/projects/-p1/tasks", markdownTask},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := env.do(t, http.MethodPost, tt.path, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
			}
			if resp := decode[map[string]string](t, w); resp["error"] == "" {
				t.Error("Expected error message in response")
			}
		})
	}
}

func TestRouter_Execute(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, backend.KindInProcess, "", "")

	w := env.do(t, http.MethodPost, "/v1/projects/p1/commands/execute", markdownTask)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	res := decode[task.ExecResult](t, w)
	if !res.IsSuccess || len(res.Outputs.Stdout) != 1 {
		t.Errorf("Unexpected result %+v", res)
	}

	body := `{"command": {"packageId": "wait", "commandId": "forever"}}`
	if w := env.do(t, http.MethodPost, "/v1/projects/p1/commands/execute", body); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestRouter_Cancel(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, backend.KindInProcess, "", "")

	body := `{"taskId": "t1", "command": {"packageId": "wait", "commandId": "forever"}}`
	if w := env.do(t, http.MethodPost, "/v1/projects/p1/tasks", body); w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, w.Code)
	}

	w := env.do(t, http.MethodDelete, "/v1/tasks/t1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if got := decode[tracker.Task](t, w); got.State != task.StateCanceled {
		t.Errorf("Expected CANCELED, got %s", got.State)
	}
}

func TestRouter_CancelUnsupported(t *testing.T) {
	t.Parallel()
	broker := queue.NewMemoryBroker(queue.BrokerConfig{}, nil)
	b := queue.New(broker, routeAll("default"), nil)
	env := newTestEnv(t, b, backend.KindQueue, "", "")

	if w := env.do(t, http.MethodPost, "/v1/projects/p1/tasks", markdownTask); w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/v1/tasks/t1", ""); w.Code != http.StatusNotImplemented {
		t.Errorf("Expected status %d, got %d", http.StatusNotImplemented, w.Code)
	}
	if got, _ := env.tracker.Get("t1"); got.State != task.StatePending {
		t.Errorf("Expected PENDING, got %s", got.State)
	}
}

type routeAll string

func (r routeAll) Queue(task.Command) string { return string(r) }

func TestRouter_UpdateTask(t *testing.T) {
	t.Parallel()
	broker := queue.NewMemoryBroker(queue.BrokerConfig{}, nil)
	b := queue.New(broker, routeAll("default"), nil)
	env := newTestEnv(t, b, backend.KindQueue, "", "secret")

	if w := env.do(t, http.MethodPost, "/v1/projects/p1/tasks", markdownTask); w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, w.Code)
	}

	put := func(id, body string, signed bool) *httptest.ResponseRecorder {
		if !signed {
			return env.do(t, http.MethodPut, "/v1/tasks/"+id, body)
		}
		sig := cloudevent.SignPayload([]byte(body), "secret")
		return env.do(t, http.MethodPut, "/v1/tasks/"+id, body, cloudevent.SignatureHeader, sig)
	}

	running := `{"state": "RUNNING"}`
	if w := put("t1", running, false); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d for unsigned update, got %d", http.StatusUnauthorized, w.Code)
	}

	w := put("t1", running, true)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if resp := decode[controller.UpdateResponse](t, w); resp.Result != 1 {
		t.Errorf("Expected changed result, got %d", resp.Result)
	}

	success := `{"state": "SUCCESS", "finishedAt": "2024-05-01T10:00:00Z", "outputs": {"stdout": [{"type": "text/plain", "value": "4"}], "stderr": []}}`
	if w := put("t1", success, true); w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	w = put("t1", `{"state": "ERROR"}`, true)
	if resp := decode[controller.UpdateResponse](t, w); resp.Result != 0 {
		t.Errorf("Expected unchanged result for late update, got %d", resp.Result)
	}

	got, _ := env.tracker.Get("t1")
	if got.State != task.StateSuccess || got.Outputs.Stdout[0].Value != "4" {
		t.Errorf("Unexpected task %+v", got)
	}
	if b.Pending() != 0 {
		t.Errorf("Expected the finished task to be released, got %d pending", b.Pending())
	}

	if w := put("missing", running, true); w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d for unknown task, got %d", http.StatusNotFound, w.Code)
	}
	if w := put("t1", `{"state": "CANCELED"}`, true); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for unsupported state, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestRouter_Auth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, backend.KindInProcess, "api-key", "")

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic api-key", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer api-key", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var headers []string
			if tt.header != "" {
				headers = []string{"Authorization", tt.header}
			}
			if w := env.do(t, http.MethodGet, "/v1/projects/p1/tasks", "", headers...); w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}

	// Probes stay open.
	if w := env.do(t, http.MethodGet, "/livez", ""); w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestRouter_Queue(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, backend.KindInProcess, "", "")

	msg := `{"task_id": "t1", "project_id": "p1", "command_doc": {"packageId": "markdown", "commandId": "code", "arguments": []}, "context": {}}`
	if w := env.do(t, http.MethodPost, "/internal/queues/default/messages", msg); w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, w.Code)
	}

	w := env.do(t, http.MethodGet, "/internal/queues/default/messages/next?wait=1s", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if got := decode[queue.Message](t, w); got.TaskID != "t1" || got.Command.PackageID != "markdown" {
		t.Errorf("Unexpected message %+v", got)
	}

	start := time.Now()
	if w := env.do(t, http.MethodGet, "/internal/queues/default/messages/next?wait=20ms", ""); w.Code != http.StatusNoContent {
		t.Errorf("Expected status %d on empty queue, got %d", http.StatusNoContent, w.Code)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Expected the long poll to honor the wait parameter")
	}

	if w := env.do(t, http.MethodGet, "/internal/queues/default/messages/next?wait=soon", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for bad wait, got %d", http.StatusBadRequest, w.Code)
	}

	// Buffer size is 2.
	for range 2 {
		_ = env.do(t, http.MethodPost, "/internal/queues/full/messages", msg)
	}
	if w := env.do(t, http.MethodPost, "/internal/queues/full/messages", msg); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d when full, got %d", http.StatusServiceUnavailable, w.Code)
	}

	w = env.do(t, http.MethodGet, "/internal/queues", "")
	if stats := decode[queue.Stats](t, w); stats.Depth["full"] != 2 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = env.broker.Close(ctx)
	_ = env.do(t, http.MethodGet, "/internal/queues/full/messages/next?wait=1s", "")
	_ = env.do(t, http.MethodGet, "/internal/queues/full/messages/next?wait=1s", "")
	if w := env.do(t, http.MethodGet, "/internal/queues/full/messages/next?wait=1s", ""); w.Code != http.StatusGone {
		t.Errorf("Expected status %d after close, got %d", http.StatusGone, w.Code)
	}
}

func TestMiddleware_Logging(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := LoggingMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := ContentTypeMiddleware()(inner)

	tests := []struct {
		method      string
		contentType string
		want        int
	}{
		{http.MethodPost, "text/plain", http.StatusUnsupportedMediaType},
		{http.MethodPut, "application/xml", http.StatusUnsupportedMediaType},
		{http.MethodPost, "application/json", http.StatusOK},
		{http.MethodPost, "application/json; charset=utf-8", http.StatusOK},
		{http.MethodPost, "", http.StatusOK},
		{http.MethodGet, "text/plain", http.StatusOK},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, "/test", strings.NewReader("{}"))
		if tt.contentType != "" {
			req.Header.Set("Content-Type", tt.contentType)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s %q: expected status %d, got %d", tt.method, tt.contentType, tt.want, w.Code)
		}
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORSMiddleware()(inner)

	// Test OPTIONS preflight
	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Methods"), "PUT") {
		t.Error("Expected PUT to be allowed")
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	t.Parallel()
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	if got := w.Header().Get(RequestIDHeader); len(got) != 36 {
		t.Errorf("Expected a generated request id, got %q", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "req-42" {
		t.Errorf("Expected the caller's request id, got %q", got)
	}
}
