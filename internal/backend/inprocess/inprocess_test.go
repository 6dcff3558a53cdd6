package inprocess

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/apperrors"
	"github.com/VizierDB/web-api-async-sub004/internal/backend"
	"github.com/VizierDB/web-api-async-sub004/internal/packages/script"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
	"github.com/VizierDB/web-api-async-sub004/internal/testutil"
)

type fakeMetrics struct {
	mu       sync.Mutex
	started  int
	finished map[task.State]int
}

func (m *fakeMetrics) RecordTaskStarted(context.Context, backend.Kind, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *fakeMetrics) RecordTaskFinished(_ context.Context, _ backend.Kind, _ string, state task.State, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished == nil {
		m.finished = make(map[task.State]int)
	}
	m.finished[state]++
}

func (m *fakeMetrics) startedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *fakeMetrics) count(state task.State) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished[state]
}

// gate is a processor that blocks until released. It ignores cancellation.
type gate struct {
	release chan struct{}
	entered chan struct{}
}

func newGate() *gate {
	return &gate{release: make(chan struct{}), entered: make(chan struct{}, 16)}
}

func (g *gate) Compute(context.Context, string, task.Arguments, *task.Context) (*task.ExecResult, error) {
	g.entered <- struct{}{}
	<-g.release
	var outputs task.Outputs
	outputs.Print(task.TextOutput("released"))
	return task.Success(outputs, task.Provenance{}), nil
}

func newTestBackend(t *testing.T, cfg Config, processors map[string]task.Processor) (*Backend, *fakeMetrics) {
	t.Helper()
	metrics := &fakeMetrics{}
	b := New(cfg, processors, nil, metrics)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b, metrics
}

func scriptProcessors(t *testing.T) map[string]task.Processor {
	t.Helper()
	p, err := script.New(script.Config{})
	if err != nil {
		t.Fatalf("script.New failed: %v", err)
	}
	return map[string]task.Processor{"python": p}
}

func code(source string) task.Command {
	return task.NewCommand("python", "code", task.Argument{ID: "source", Value: source})
}

func handle(id string, rec *testutil.Recorder) backend.TaskHandle {
	return backend.TaskHandle{TaskID: id, ProjectID: "project-1", Controller: rec}
}

func TestExecuteAsynchronously_UnknownPackage(t *testing.T) {
	t.Parallel()
	b, metrics := newTestBackend(t, Config{}, scriptProcessors(t))
	rec := testutil.NewRecorder()

	err := b.ExecuteAsynchronously(context.Background(), handle("task-1", rec), task.NewCommand("error", "error"), nil)
	if err != nil {
		t.Fatalf("ExecuteAsynchronously failed: %v", err)
	}

	calls := rec.Calls()
	if len(calls) != 1 {
		t.Fatalf("Expected exactly one call, got %d", len(calls))
	}
	if calls[0].State != task.StateError {
		t.Errorf("Expected ERROR, got %s", calls[0].State)
	}
	if len(calls[0].Outputs.Stdout) != 0 {
		t.Errorf("Expected empty stdout, got %v", calls[0].Outputs.Stdout)
	}
	if len(calls[0].Outputs.Stderr) != 1 || !strings.Contains(calls[0].Outputs.Stderr[0].Value.(string), "UnknownPackageError") {
		t.Errorf("Expected UnknownPackageError on stderr, got %v", calls[0].Outputs.Stderr)
	}
	if b.Running() != 0 {
		t.Errorf("Expected no worker, got %d running", b.Running())
	}
	if got := metrics.startedCount(); got != 0 {
		t.Errorf("Expected no started metric, got %d", got)
	}
}

func TestExecuteAsynchronously_Success(t *testing.T) {
	t.Parallel()
	b, metrics := newTestBackend(t, Config{}, scriptProcessors(t))
	rec := testutil.NewRecorder()

	if err := b.ExecuteAsynchronously(context.Background(), handle("task-1", rec), code("print(2+2)"), nil); err != nil {
		t.Fatalf("ExecuteAsynchronously failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool { return rec.Len() == 1 })
	call, ok := rec.Terminal("task-1")
	if !ok || call.State != task.StateSuccess {
		t.Fatalf("Expected SUCCESS, got %+v", rec.Calls())
	}
	if len(call.Outputs.Stdout) != 1 || call.Outputs.Stdout[0] != task.TextOutput("4") {
		t.Errorf("Expected stdout [text 4], got %v", call.Outputs.Stdout)
	}
	if len(call.Outputs.Stderr) != 0 {
		t.Errorf("Expected empty stderr, got %v", call.Outputs.Stderr)
	}
	testutil.MustWaitFor(t, func() bool { return b.Running() == 0 })
	if got := metrics.count(task.StateSuccess); got != 1 {
		t.Errorf("Expected one SUCCESS metric, got %d", got)
	}
}

func TestExecuteAsynchronously_ProcessorFailureIsReported(t *testing.T) {
	t.Parallel()
	b, _ := newTestBackend(t, Config{}, scriptProcessors(t))
	rec := testutil.NewRecorder()

	if err := b.ExecuteAsynchronously(context.Background(), handle("task-1", rec), code(`error("boom")`), nil); err != nil {
		t.Fatalf("ExecuteAsynchronously failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool { return rec.Len() == 1 })
	call, _ := rec.Terminal("task-1")
	if call.State != task.StateError {
		t.Fatalf("Expected ERROR, got %s", call.State)
	}
	if !call.Provenance.IsEmpty() {
		t.Errorf("Expected no provenance on error, got %+v", call.Provenance)
	}
}

func TestCancelTask_BeforeCompletion(t *testing.T) {
	t.Parallel()
	b, metrics := newTestBackend(t, Config{}, scriptProcessors(t))
	rec := testutil.NewRecorder()

	if err := b.ExecuteAsynchronously(context.Background(), handle("task-1", rec), code("sleep(0.5)"), nil); err != nil {
		t.Fatalf("ExecuteAsynchronously failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := b.CancelTask(context.Background(), "task-1"); err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}

	testutil.MustStay(t, time.Second, func() bool { return rec.Len() == 0 })
	if b.Running() != 0 {
		t.Errorf("Expected no running tasks, got %d", b.Running())
	}
	if got := metrics.count(task.StateCanceled); got != 1 {
		t.Errorf("Expected one CANCELED metric, got %d", got)
	}
}

func TestCancelTask_DiscardsNonCooperativeResult(t *testing.T) {
	t.Parallel()
	g := newGate()
	b, _ := newTestBackend(t, Config{}, map[string]task.Processor{"slow": g})
	rec := testutil.NewRecorder()

	if err := b.ExecuteAsynchronously(context.Background(), handle("task-1", rec), task.NewCommand("slow", "run"), nil); err != nil {
		t.Fatalf("ExecuteAsynchronously failed: %v", err)
	}
	<-g.entered
	if err := b.CancelTask(context.Background(), "task-1"); err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}
	close(g.release)

	testutil.MustStay(t, 200*time.Millisecond, func() bool { return rec.Len() == 0 })
}

func TestCancelTask_AfterCompletion(t *testing.T) {
	t.Parallel()
	b, _ := newTestBackend(t, Config{}, scriptProcessors(t))
	rec := testutil.NewRecorder()

	if err := b.ExecuteAsynchronously(context.Background(), handle("task-1", rec), code(`print("done")`), nil); err != nil {
		t.Fatalf("ExecuteAsynchronously failed: %v", err)
	}
	testutil.MustWaitFor(t, func() bool { return rec.Len() == 1 })

	if err := b.CancelTask(context.Background(), "task-1"); !errors.Is(err, backend.ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning for finished task, got %v", err)
	}
	if err := b.CancelTask(context.Background(), "never-submitted"); !errors.Is(err, backend.ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning for unknown task, got %v", err)
	}
	testutil.MustStay(t, 100*time.Millisecond, func() bool { return rec.Len() == 1 })
	if states := rec.States("task-1"); len(states) != 1 || states[0] != task.StateSuccess {
		t.Errorf("Expected [SUCCESS], got %v", states)
	}
}

func TestExecuteAsynchronously_DuplicateTaskID(t *testing.T) {
	t.Parallel()
	g := newGate()
	defer close(g.release)
	b, _ := newTestBackend(t, Config{}, map[string]task.Processor{"slow": g})
	rec := testutil.NewRecorder()

	if err := b.ExecuteAsynchronously(context.Background(), handle("task-1", rec), task.NewCommand("slow", "run"), nil); err != nil {
		t.Fatalf("ExecuteAsynchronously failed: %v", err)
	}
	err := b.ExecuteAsynchronously(context.Background(), handle("task-1", rec), task.NewCommand("slow", "run"), nil)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("Expected conflict, got %v", err)
	}
}

func TestExecuteAsynchronously_PanicIsIsolated(t *testing.T) {
	t.Parallel()
	processors := scriptProcessors(t)
	processors["crash"] = task.ProcessorFunc(func(context.Context, string, task.Arguments, *task.Context) (*task.ExecResult, error) {
		panic("worker exploded")
	})
	b, _ := newTestBackend(t, Config{}, processors)
	rec := testutil.NewRecorder()

	if err := b.ExecuteAsynchronously(context.Background(), handle("crash-1", rec), task.NewCommand("crash", "run"), nil); err != nil {
		t.Fatalf("ExecuteAsynchronously failed: %v", err)
	}
	if err := b.ExecuteAsynchronously(context.Background(), handle("ok-1", rec), code("print(1)"), nil); err != nil {
		t.Fatalf("ExecuteAsynchronously failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool { return rec.Len() == 2 })
	crashed, _ := rec.Terminal("crash-1")
	if crashed.State != task.StateError || !strings.Contains(crashed.Outputs.Stderr[0].Value.(string), "worker exploded") {
		t.Errorf("Expected ERROR with panic message, got %+v", crashed)
	}
	ok, _ := rec.Terminal("ok-1")
	if ok.State != task.StateSuccess {
		t.Errorf("Expected other task to succeed, got %s", ok.State)
	}
}

func TestExecuteAsynchronously_WaitingTaskCanBeCanceled(t *testing.T) {
	t.Parallel()
	g := newGate()
	b, metrics := newTestBackend(t, Config{MaxWorkers: 1}, map[string]task.Processor{"slow": g})
	rec := testutil.NewRecorder()

	if err := b.ExecuteAsynchronously(context.Background(), handle("first", rec), task.NewCommand("slow", "run"), nil); err != nil {
		t.Fatalf("ExecuteAsynchronously failed: %v", err)
	}
	<-g.entered
	if err := b.ExecuteAsynchronously(context.Background(), handle("second", rec), task.NewCommand("slow", "run"), nil); err != nil {
		t.Fatalf("ExecuteAsynchronously failed: %v", err)
	}
	if b.Running() != 2 {
		t.Fatalf("Expected 2 accepted tasks, got %d", b.Running())
	}

	if err := b.CancelTask(context.Background(), "second"); err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}
	close(g.release)

	testutil.MustWaitFor(t, func() bool { return rec.Len() == 1 })
	testutil.MustStay(t, 100*time.Millisecond, func() bool { return rec.Len() == 1 })
	if states := rec.States("second"); len(states) != 0 {
		t.Errorf("Expected canceled task never to report, got %v", states)
	}
	if got := metrics.startedCount(); got != 1 {
		t.Errorf("Expected only the first task to start, got %d", got)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	b, _ := newTestBackend(t, Config{}, scriptProcessors(t))
	rec := testutil.NewRecorder()

	if err := b.ExecuteAsynchronously(context.Background(), handle("task-1", rec), code("sleep(10)"), nil); err != nil {
		t.Fatalf("ExecuteAsynchronously failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if rec.Len() != 0 {
		t.Errorf("Expected no callbacks after close, got %v", rec.Calls())
	}
	if err := b.ExecuteAsynchronously(context.Background(), handle("task-2", rec), code("print(1)"), nil); err == nil {
		t.Error("Expected error after close")
	}
}

func TestClose_ConcurrentSubmissions(t *testing.T) {
	t.Parallel()
	b, _ := newTestBackend(t, Config{MaxWorkers: 4}, scriptProcessors(t))
	rec := testutil.NewRecorder()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := "task-" + strconv.Itoa(i)
			if err := b.ExecuteAsynchronously(context.Background(), handle(id, rec), code("sleep(10)"), nil); err != nil && !errors.Is(err, errClosed) {
				t.Errorf("Unexpected error for %s: %v", id, err)
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	wg.Wait()

	if b.Running() != 0 {
		t.Errorf("Expected no task admitted after close, got %d", b.Running())
	}
	if rec.Len() != 0 {
		t.Errorf("Expected no callbacks after close, got %v", rec.Calls())
	}
}

func TestSynchronous(t *testing.T) {
	t.Parallel()
	echo := task.ProcessorFunc(func(_ context.Context, commandID string, _ task.Arguments, _ *task.Context) (*task.ExecResult, error) {
		var outputs task.Outputs
		outputs.Print(task.TextOutput(commandID))
		return task.Success(outputs, task.Provenance{}), nil
	})
	engine := backend.NewSynchronousEngine(map[string]map[string]task.Processor{"vizual": {"update_cell": echo}})
	b := New(Config{}, nil, engine, nil)

	if !b.CanExecuteSynchronously(task.NewCommand("vizual", "update_cell")) {
		t.Error("Expected update_cell to be synchronous")
	}
	if b.CanExecuteSynchronously(task.NewCommand("vizual", "drop")) {
		t.Error("Expected drop not to be synchronous")
	}
	res, err := b.ExecuteSynchronously(context.Background(), task.NewCommand("vizual", "update_cell"), nil)
	if err != nil {
		t.Fatalf("ExecuteSynchronously failed: %v", err)
	}
	if !res.IsSuccess || res.Outputs.Stdout[0] != task.TextOutput("update_cell") {
		t.Errorf("Unexpected result %+v", res)
	}
	if _, err := b.ExecuteSynchronously(context.Background(), task.NewCommand("vizual", "drop"), nil); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if b.InitialTaskState() != task.StateRunning {
		t.Errorf("Expected RUNNING initial state, got %s", b.InitialTaskState())
	}
}
