// Package container forwards tasks to per-project execution sidecars.
//
// Every project has its own sidecar that runs tasks in-process and reports
// back to the engine through a remote controller. The backend only keeps
// track of which sidecar a task was sent to so it can be canceled.
package container

import (
	"context"
	"log/slog"
	"sync"

	"github.com/VizierDB/web-api-async-sub004/internal/apperrors"
	"github.com/VizierDB/web-api-async-sub004/internal/backend"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

// TaskRequest is the body of a task submission to a sidecar.
type TaskRequest struct {
	TaskID        string            `json:"taskId"`
	ProjectID     string            `json:"projectId"`
	Command       task.Command      `json:"command"`
	Context       map[string]string `json:"context"`
	ArtifactTypes map[string]string `json:"artifactTypes,omitempty"`
	Resources     map[string]any    `json:"resources,omitempty"`
}

// NewTaskRequest builds the submission for one task.
func NewTaskRequest(handle backend.TaskHandle, cmd task.Command, tctx *task.Context) *TaskRequest {
	req := &TaskRequest{
		TaskID:    handle.TaskID,
		ProjectID: handle.ProjectID,
		Command:   cmd,
		Context:   map[string]string{},
	}
	if tctx != nil {
		req.Context = tctx.Identifiers()
		req.ArtifactTypes = tctx.ArtifactTypes()
		req.Resources = tctx.Resources
	}
	return req
}

// TaskContext rebuilds the task context without stores.
func (r *TaskRequest) TaskContext() *task.Context {
	tctx := task.ContextFromIdentifiers(r.ProjectID, r.Context, r.ArtifactTypes)
	tctx.Resources = r.Resources
	return tctx
}

// ProjectHandle is the execution endpoint of one project.
type ProjectHandle interface {
	ExecuteTask(ctx context.Context, req *TaskRequest) error
	CancelTask(ctx context.Context, taskID string) error
}

// ProjectCache resolves the handle for a project, starting its sidecar if
// needed.
type ProjectCache interface {
	GetProject(ctx context.Context, projectID string) (ProjectHandle, error)
}

// Backend forwards tasks to project sidecars. No commands run
// synchronously.
type Backend struct {
	projects ProjectCache
	logger   *slog.Logger

	tasks *backend.Tasks[ProjectHandle]
}

// New creates a container backend.
func New(projects ProjectCache) *Backend {
	return &Backend{
		projects: projects,
		logger:   slog.With("component", "container"),
		tasks:    backend.NewTasks[ProjectHandle](),
	}
}

// CanExecuteSynchronously implements backend.Backend.
func (b *Backend) CanExecuteSynchronously(task.Command) bool {
	return false
}

// ExecuteSynchronously implements backend.Backend.
func (b *Backend) ExecuteSynchronously(_ context.Context, cmd task.Command, _ *task.Context) (*task.ExecResult, error) {
	return nil, apperrors.Validation("command", "command "+cmd.String()+" cannot be executed synchronously")
}

// ExecuteAsynchronously implements backend.Backend. The task is tracked
// before it is forwarded so that a cancel arriving during the request finds
// it.
func (b *Backend) ExecuteAsynchronously(ctx context.Context, handle backend.TaskHandle, cmd task.Command, tctx *task.Context) error {
	project, err := b.projects.GetProject(ctx, handle.ProjectID)
	if err != nil {
		return apperrors.Internal("container.project", err)
	}
	if err := b.tasks.Insert(handle.TaskID, project); err != nil {
		return err
	}

	if err := project.ExecuteTask(ctx, NewTaskRequest(handle, cmd, tctx)); err != nil {
		b.tasks.Release(handle.TaskID)
		return apperrors.Internal("container.execute", err)
	}
	b.logger.Info("Task forwarded", "taskId", handle.TaskID, "projectId", handle.ProjectID, "command", cmd.String())
	return nil
}

// CancelTask implements backend.Backend. The sidecar is told to stop the
// task in the background; its failure to do so is only logged. Tasks that
// already reported are not forwarded and return backend.ErrNotRunning.
func (b *Backend) CancelTask(ctx context.Context, taskID string) error {
	project, ok := b.tasks.Release(taskID)
	if !ok {
		return backend.ErrNotRunning
	}
	go func() {
		if err := project.CancelTask(context.WithoutCancel(ctx), taskID); err != nil {
			b.logger.Warn("Failed to cancel task on sidecar", "taskId", taskID, "error", err)
		}
	}()
	return nil
}

// InitialTaskState implements backend.Backend.
func (b *Backend) InitialTaskState() task.State {
	return task.StateRunning
}

// Lock implements backend.Backend.
func (b *Backend) Lock() sync.Locker {
	return backend.NoLock{}
}

// TaskFinished implements backend.Backend.
func (b *Backend) TaskFinished(taskID string) {
	b.tasks.Release(taskID)
}

// Running returns the number of forwarded tasks without a terminal state.
func (b *Backend) Running() int {
	return b.tasks.Len()
}

var _ backend.Backend = (*Backend)(nil)
