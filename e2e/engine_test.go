//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/api"
	"github.com/VizierDB/web-api-async-sub004/internal/backend"
	"github.com/VizierDB/web-api-async-sub004/internal/backend/container"
	"github.com/VizierDB/web-api-async-sub004/internal/backend/inprocess"
	"github.com/VizierDB/web-api-async-sub004/internal/backend/queue"
	"github.com/VizierDB/web-api-async-sub004/internal/controller"
	"github.com/VizierDB/web-api-async-sub004/internal/datastore"
	"github.com/VizierDB/web-api-async-sub004/internal/dispatcher"
	"github.com/VizierDB/web-api-async-sub004/internal/engine"
	"github.com/VizierDB/web-api-async-sub004/internal/health"
	"github.com/VizierDB/web-api-async-sub004/internal/packages"
	"github.com/VizierDB/web-api-async-sub004/internal/sidecar"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
	"github.com/VizierDB/web-api-async-sub004/internal/testutil"
	"github.com/VizierDB/web-api-async-sub004/internal/tracker"
	"github.com/VizierDB/web-api-async-sub004/pkg/cloudevent"
)

const signingKey = "e2e-secret"

// subscriber records the task events it receives.
type subscriber struct {
	mu     sync.Mutex
	events []cloudevent.CloudEvent
}

func (s *subscriber) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var ce cloudevent.CloudEvent
	if err := json.NewDecoder(r.Body).Decode(&ce); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.events = append(s.events, ce)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *subscriber) types(subject string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var types []string
	for _, ce := range s.events {
		if ce.Subject == subject {
			types = append(types, ce.Type)
		}
	}
	return types
}

// engineServer is a running engine. Its address is known before the
// backend is wired so sidecars and workers can call back into it.
type engineServer struct {
	server *httptest.Server
	hook   *httptest.Server
	events *subscriber
	stores datastore.Factory
}

func newEngineServer(t *testing.T) *engineServer {
	t.Helper()
	stores, err := datastore.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create datastore: %v", err)
	}
	events := &subscriber{}
	hook := httptest.NewServer(events)
	t.Cleanup(hook.Close)

	return &engineServer{
		server: httptest.NewUnstartedServer(nil),
		hook:   hook,
		events: events,
		stores: stores,
	}
}

func (e *engineServer) URL() string {
	return "http://" + e.server.Listener.Addr().String()
}

// start wires the engine around b and starts serving.
func (e *engineServer) start(t *testing.T, b backend.Backend, kind backend.Kind, broker *queue.MemoryBroker) {
	t.Helper()
	d := dispatcher.NewMemory(dispatcher.MemoryConfig{BufferSize: 100, Workers: 2}, nil)
	publisher := dispatcher.NewPublisher(d, []dispatcher.Subscriber{{URL: e.hook.URL}})
	tasks := tracker.New(b.TaskFinished, publisher, nil)

	e.server.Config.Handler = api.NewRouter(api.RouterConfig{
		Service:       engine.NewService(b, kind, tasks, e.stores, nil),
		Controller:    tasks,
		Broker:        broker,
		HealthChecker: health.NewChecker(),
		CallbackKey:   signingKey,
	})
	e.server.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.server.Close()
		_ = d.Close(ctx)
	})
}

func (e *engineServer) submit(t *testing.T, projectID, body string) tracker.Task {
	t.Helper()
	resp, err := http.Post(e.URL()+"/v1/projects/"+projectID+"/tasks", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}
	var got tracker.Task
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode task: %v", err)
	}
	return got
}

func (e *engineServer) get(t *testing.T, taskID string) tracker.Task {
	t.Helper()
	resp, err := http.Get(e.URL() + "/v1/tasks/" + taskID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer resp.Body.Close()
	var got tracker.Task
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode task: %v", err)
	}
	return got
}

func (e *engineServer) waitFinished(t *testing.T, taskID string) tracker.Task {
	t.Helper()
	var got tracker.Task
	testutil.MustWaitFor(t, func() bool {
		got = e.get(t, taskID)
		return got.State.IsTerminal()
	}, testutil.WithTimeout(10*time.Second))
	return got
}

func markdownBody(taskID, source string) string {
	return fmt.Sprintf(`{"taskId":%q,"command":{"packageId":"markdown","commandId":"code","arguments":[{"id":"source","value":%q}]}}`, taskID, source)
}

func codeBody(taskID, source string) string {
	return fmt.Sprintf(`{"taskId":%q,"command":{"packageId":"python","commandId":"code","arguments":[{"id":"source","value":%q}]}}`, taskID, source)
}

func expectMarkdown(t *testing.T, got tracker.Task, source string) {
	t.Helper()
	if got.State != task.StateSuccess {
		t.Fatalf("Expected SUCCESS, got %s (%+v)", got.State, got.Outputs)
	}
	if got.Outputs == nil || len(got.Outputs.Stdout) != 1 || got.Outputs.Stdout[0].Value != source {
		t.Errorf("Unexpected outputs %+v", got.Outputs)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("Expected start and finish timestamps")
	}
}

func TestInProcess(t *testing.T) {
	e := newEngineServer(t)
	wiring, err := packages.Load("")
	if err != nil {
		t.Fatalf("Failed to load processors: %v", err)
	}
	b := inprocess.New(inprocess.Config{MaxWorkers: 4}, wiring.Processors, backend.NewSynchronousEngine(wiring.Synchronous), nil)
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	e.start(t, b, backend.KindInProcess, nil)

	e.submit(t, "p1", markdownBody("t1", "# In process"))
	expectMarkdown(t, e.waitFinished(t, "t1"), "# In process")

	testutil.MustWaitFor(t, func() bool {
		types := e.events.types("t1")
		return len(types) == 1 && types[0] == tracker.EventTypeSuccess
	})
}

func TestQueueWithWorker(t *testing.T) {
	e := newEngineServer(t)
	wiring, err := packages.Load("")
	if err != nil {
		t.Fatalf("Failed to load processors: %v", err)
	}
	broker := queue.NewMemoryBroker(queue.BrokerConfig{BufferSize: 10}, nil)
	b := queue.New(broker, wiring, nil)

	e.start(t, b, backend.KindQueue, broker)

	env := &queue.Env{
		Processors: wiring.Processors,
		Stores:     e.stores,
		Controller: controller.NewRemote(controller.RemoteConfig{URL: e.URL(), SigningKey: signingKey}),
		Queues:     wiring.Queues(),
	}
	worker := queue.NewWorker(env, queue.NewHTTPBroker(e.URL(), time.Second), queue.WorkerConfig{Consumers: 1, PollWait: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	submitted := e.submit(t, "p1", markdownBody("t1", "# Queued"))
	if submitted.State != task.StatePending {
		t.Errorf("Expected PENDING on submit, got %s", submitted.State)
	}
	expectMarkdown(t, e.waitFinished(t, "t1"), "# Queued")

	// Workers report RUNNING before the result.
	testutil.MustWaitFor(t, func() bool { return len(e.events.types("t1")) == 2 })
	types := e.events.types("t1")
	if !slices.Contains(types, tracker.EventTypeRunning) || !slices.Contains(types, tracker.EventTypeSuccess) {
		t.Errorf("Expected running and success events, got %v", types)
	}

	// Scripts are routed to their own queue.
	e.submit(t, "p1", codeBody("t2", "print(2+2)"))
	got := e.waitFinished(t, "t2")
	if got.State != task.StateSuccess {
		t.Fatalf("Expected SUCCESS, got %s (%+v)", got.State, got.Outputs)
	}
	if got.Outputs == nil || len(got.Outputs.Stdout) != 1 || got.Outputs.Stdout[0].Value != "4" {
		t.Errorf("Unexpected outputs %+v", got.Outputs)
	}
}

func TestContainerWithSidecar(t *testing.T) {
	e := newEngineServer(t)
	wiring, err := packages.Load("")
	if err != nil {
		t.Fatalf("Failed to load processors: %v", err)
	}

	sidecarBackend := inprocess.New(inprocess.Config{MaxWorkers: 2}, wiring.Processors, nil, nil)
	remote := controller.NewRemote(controller.RemoteConfig{URL: e.URL(), SigningKey: signingKey})
	side := sidecar.New("p1", sidecarBackend, e.stores, remote)
	sidecarServer := httptest.NewServer(side.Handler())
	t.Cleanup(func() {
		sidecarServer.Close()
		_ = side.Close(context.Background())
	})

	projects, err := container.NewStaticProjects(container.StaticConfig{URLTemplate: sidecarServer.URL})
	if err != nil {
		t.Fatalf("NewStaticProjects failed: %v", err)
	}
	e.start(t, container.New(projects), backend.KindContainer, nil)

	e.submit(t, "p1", markdownBody("t1", "# Sidecar"))
	expectMarkdown(t, e.waitFinished(t, "t1"), "# Sidecar")

	// A second task for the same project reuses the sidecar.
	e.submit(t, "p1", markdownBody("t2", "# Again"))
	expectMarkdown(t, e.waitFinished(t, "t2"), "# Again")
}

func TestUnsignedCallbackRejected(t *testing.T) {
	e := newEngineServer(t)
	b := inprocess.New(inprocess.Config{}, nil, nil, nil)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	e.start(t, b, backend.KindInProcess, nil)

	body, _ := json.Marshal(controller.StateUpdate{State: task.StateRunning})
	req, err := http.NewRequest(http.MethodPut, e.URL()+"/v1/tasks/t1", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 for unsigned callback, got %d", resp.StatusCode)
	}
}
