// Package engine accepts commands for projects and hands them to the
// configured backend, keeping the task table current.
package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/VizierDB/web-api-async-sub004/internal/apperrors"
	"github.com/VizierDB/web-api-async-sub004/internal/backend"
	"github.com/VizierDB/web-api-async-sub004/internal/datastore"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
	"github.com/VizierDB/web-api-async-sub004/internal/tracker"
)

// Request asks for one command to run in a project. An empty TaskID is
// replaced by a generated one.
type Request struct {
	TaskID    string                             `json:"taskId,omitempty"`
	ProjectID string                             `json:"projectId"`
	Command   task.Command                       `json:"command"`
	Context   map[string]task.ArtifactDescriptor `json:"context,omitempty"`
	Resources map[string]any                     `json:"resources,omitempty"`
}

// ListResponse is the list of a project's tasks.
type ListResponse struct {
	Tasks []*tracker.Task `json:"tasks"`
}

// MetricsRecorder is an optional interface for recording submissions.
type MetricsRecorder interface {
	RecordTaskSubmitted(ctx context.Context, backend backend.Kind, packageID string)
}

// Service runs commands on a backend and tracks their state. The tracker
// must be the controller that receives the backend's callbacks.
type Service struct {
	backend backend.Backend
	kind    backend.Kind
	tracker *tracker.Tracker
	stores  datastore.Factory
	metrics MetricsRecorder
	logger  *slog.Logger
}

// NewService creates a service. stores and metrics may be nil.
func NewService(b backend.Backend, kind backend.Kind, tr *tracker.Tracker, stores datastore.Factory, metrics MetricsRecorder) *Service {
	return &Service{
		backend: b,
		kind:    kind,
		tracker: tr,
		stores:  stores,
		metrics: metrics,
		logger:  slog.With("component", "engine"),
	}
}

// Submit validates a request and starts the command asynchronously. A
// command for an unregistered package is accepted and reported as ERROR
// by the backend.
func (s *Service) Submit(ctx context.Context, req *Request) (*tracker.Task, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}

	tctx, err := s.taskContext(req.ProjectID, req.Context, req.Resources)
	if err != nil {
		return nil, err
	}

	logger := slog.With("taskId", req.TaskID, "projectId", req.ProjectID, "command", req.Command.String())

	lock := s.backend.Lock()
	lock.Lock()
	defer lock.Unlock()

	err = s.tracker.Track(&tracker.Task{
		ID:        req.TaskID,
		ProjectID: req.ProjectID,
		Command:   req.Command,
		State:     s.backend.InitialTaskState(),
	})
	if err != nil {
		return nil, err
	}

	handle := backend.TaskHandle{TaskID: req.TaskID, ProjectID: req.ProjectID, Controller: s.tracker}
	if err := s.backend.ExecuteAsynchronously(ctx, handle, req.Command, tctx); err != nil {
		s.tracker.Forget(req.TaskID)
		logger.Error("Task failed to start", "error", err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordTaskSubmitted(ctx, s.kind, req.Command.PackageID)
	}
	logger.Info("Task submitted")

	return s.tracker.Get(req.TaskID)
}

// Execute runs a command inline. Only commands with a synchronous
// processor can run this way.
func (s *Service) Execute(ctx context.Context, req *Request) (*task.ExecResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if !s.backend.CanExecuteSynchronously(req.Command) {
		return nil, apperrors.Validation("command", "command "+req.Command.String()+" cannot be executed synchronously")
	}
	tctx, err := s.taskContext(req.ProjectID, req.Context, req.Resources)
	if err != nil {
		return nil, err
	}
	return s.backend.ExecuteSynchronously(ctx, req.Command, tctx)
}

// Cancel stops a task. Canceling a finished task changes nothing.
func (s *Service) Cancel(ctx context.Context, taskID string) (*tracker.Task, error) {
	t, err := s.tracker.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.State.IsTerminal() {
		return t, nil
	}

	logger := slog.With("taskId", taskID)

	lock := s.backend.Lock()
	lock.Lock()
	defer lock.Unlock()

	err = s.backend.CancelTask(ctx, taskID)
	if errors.Is(err, backend.ErrNotRunning) {
		// The worker finished first; its report decides the state.
		logger.Debug("Task already finished, cancel ignored")
		return s.tracker.Get(taskID)
	}
	if err != nil {
		logger.Error("Task cancellation failed", "error", err)
		return nil, err
	}
	s.tracker.MarkCanceled(ctx, taskID)
	logger.Info("Task cancelled")

	return s.tracker.Get(taskID)
}

// Get returns a task.
func (s *Service) Get(_ context.Context, taskID string) (*tracker.Task, error) {
	return s.tracker.Get(taskID)
}

// List returns the tasks of a project, oldest first.
func (s *Service) List(_ context.Context, projectID string) (*ListResponse, error) {
	if err := validateID("projectId", projectID, true); err != nil {
		return nil, err
	}
	return &ListResponse{Tasks: s.tracker.List(projectID)}, nil
}

// Backend returns the kind of backend tasks run on.
func (s *Service) Backend() backend.Kind {
	return s.kind
}

func (s *Service) taskContext(projectID string, artifacts map[string]task.ArtifactDescriptor, resources map[string]any) (*task.Context, error) {
	tctx := task.NewContext(projectID, artifacts)
	tctx.Resources = resources
	if s.stores == nil {
		return tctx, nil
	}

	ds, err := s.stores.Datastore(projectID)
	if err != nil {
		return nil, apperrors.Internal("engine.datastore", err)
	}
	fs, err := s.stores.Filestore(projectID)
	if err != nil {
		return nil, apperrors.Internal("engine.filestore", err)
	}
	return tctx.WithStores(ds, fs), nil
}
