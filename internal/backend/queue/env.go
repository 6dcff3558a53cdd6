package queue

import (
	"fmt"

	"github.com/VizierDB/web-api-async-sub004/internal/controller"
	"github.com/VizierDB/web-api-async-sub004/internal/datastore"
	"github.com/VizierDB/web-api-async-sub004/internal/packages"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

// Env is the execution environment of a worker process. It is built once
// at startup and shared by all consumers.
type Env struct {
	Processors map[string]task.Processor // package -> processor
	Stores     datastore.Factory
	Controller controller.Controller
	Queues     []string // every queue the wiring routes to
}

// NewEnv builds a worker environment from its configuration.
func NewEnv(cfg EnvConfig) (*Env, error) {
	wiring, err := packages.Load(cfg.RegistryFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load processors: %w", err)
	}
	stores, err := datastore.NewFS(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return &Env{
		Processors: wiring.Processors,
		Stores:     stores,
		Controller: controller.NewRemote(cfg.Controller),
		Queues:     wiring.Queues(),
	}, nil
}

// TaskContext binds a message's context to the project's stores.
func (e *Env) TaskContext(msg *Message) (*task.Context, error) {
	tctx := msg.TaskContext()
	if e.Stores == nil {
		return tctx, nil
	}
	ds, err := e.Stores.Datastore(msg.ProjectID)
	if err != nil {
		return nil, err
	}
	fs, err := e.Stores.Filestore(msg.ProjectID)
	if err != nil {
		return nil, err
	}
	return tctx.WithStores(ds, fs), nil
}
