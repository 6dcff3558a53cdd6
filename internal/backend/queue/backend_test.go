package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/VizierDB/web-api-async-sub004/internal/apperrors"
	"github.com/VizierDB/web-api-async-sub004/internal/backend"
	"github.com/VizierDB/web-api-async-sub004/internal/registry"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
	"github.com/VizierDB/web-api-async-sub004/internal/testutil"
)

type failingBroker struct{ Broker }

func (failingBroker) Publish(context.Context, string, *Message) error {
	return ErrQueueFull
}

func testRoutes() *registry.Config {
	return &registry.Config{Routes: map[string]map[string]string{
		"python": {"*": "python"},
	}}
}

func TestBackend_ExecuteAsynchronouslyPublishes(t *testing.T) {
	t.Parallel()
	broker := NewMemoryBroker(BrokerConfig{}, nil)
	defer broker.Close(context.Background())
	b := New(broker, testRoutes(), nil)
	rec := testutil.NewRecorder()

	tctx := task.NewContext("project-1", map[string]task.ArtifactDescriptor{
		"People": {Identifier: "ds-1", ArtifactType: task.DatasetType},
		"model":  {Identifier: "obj-1", ArtifactType: "application/octet-stream"},
	})
	handle := backend.TaskHandle{TaskID: "task-1", ProjectID: "project-1", Controller: rec}
	cmd := task.NewCommand("python", "code", task.Argument{ID: "source", Value: "print(1)"})

	if err := b.ExecuteAsynchronously(context.Background(), handle, cmd, tctx); err != nil {
		t.Fatalf("ExecuteAsynchronously failed: %v", err)
	}
	if rec.Len() != 0 {
		t.Errorf("Expected no controller calls from the engine side, got %d", rec.Len())
	}
	if b.Pending() != 1 {
		t.Errorf("Expected 1 pending task, got %d", b.Pending())
	}

	msg, err := broker.Consume(context.Background(), "python")
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if msg.TaskID != "task-1" || msg.ProjectID != "project-1" {
		t.Errorf("Unexpected message ids %+v", msg)
	}
	if msg.Context["people"] != "ds-1" || msg.ArtifactTypes["model"] != "application/octet-stream" {
		t.Errorf("Unexpected context %v / %v", msg.Context, msg.ArtifactTypes)
	}
	rebuilt := msg.TaskContext()
	if d, err := rebuilt.Object("model"); err != nil || d.Identifier != "obj-1" {
		t.Errorf("Expected object to survive the round trip, got %+v (%v)", d, err)
	}

	if err := b.ExecuteAsynchronously(context.Background(), handle, cmd, tctx); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("Expected conflict for duplicate task, got %v", err)
	}

	b.TaskFinished("task-1")
	if b.Pending() != 0 {
		t.Errorf("Expected no pending tasks, got %d", b.Pending())
	}
}

func TestBackend_DefaultQueue(t *testing.T) {
	t.Parallel()
	broker := NewMemoryBroker(BrokerConfig{}, nil)
	defer broker.Close(context.Background())
	b := New(broker, testRoutes(), nil)

	handle := backend.TaskHandle{TaskID: "task-1", ProjectID: "p", Controller: testutil.NewRecorder()}
	if err := b.ExecuteAsynchronously(context.Background(), handle, task.NewCommand("sample", "basic_sample"), nil); err != nil {
		t.Fatalf("ExecuteAsynchronously failed: %v", err)
	}
	if depth := broker.Stats().Depth[registry.DefaultQueue]; depth != 1 {
		t.Errorf("Expected message on default queue, depth %d", depth)
	}
}

func TestBackend_PublishFailureReleasesTask(t *testing.T) {
	t.Parallel()
	b := New(failingBroker{}, testRoutes(), nil)
	handle := backend.TaskHandle{TaskID: "task-1", ProjectID: "p", Controller: testutil.NewRecorder()}

	err := b.ExecuteAsynchronously(context.Background(), handle, task.NewCommand("python", "code"), nil)
	if !errors.Is(err, apperrors.ErrInternal) || !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected internal error wrapping ErrQueueFull, got %v", err)
	}
	if b.Pending() != 0 {
		t.Errorf("Expected failed publish to release the task, got %d pending", b.Pending())
	}
}

func TestBackend_Contract(t *testing.T) {
	t.Parallel()
	b := New(failingBroker{}, testRoutes(), nil)

	if err := b.CancelTask(context.Background(), "task-1"); !errors.Is(err, apperrors.ErrUnsupported) {
		t.Errorf("Expected unsupported cancel, got %v", err)
	}
	if b.InitialTaskState() != task.StatePending {
		t.Errorf("Expected PENDING, got %s", b.InitialTaskState())
	}
	if _, ok := b.Lock().(backend.NoLock); !ok {
		t.Errorf("Expected a no-op lock, got %T", b.Lock())
	}
	if b.CanExecuteSynchronously(task.NewCommand("python", "code")) {
		t.Error("Expected no synchronous commands")
	}
}
