package backend

import (
	"context"
	"fmt"

	"github.com/VizierDB/web-api-async-sub004/internal/apperrors"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

// SynchronousEngine maps package and command to the processors that run
// inline. A nil engine supports nothing.
type SynchronousEngine struct {
	commands map[string]map[string]task.Processor
}

// NewSynchronousEngine creates an engine from package -> command -> processor.
func NewSynchronousEngine(commands map[string]map[string]task.Processor) *SynchronousEngine {
	e := &SynchronousEngine{commands: make(map[string]map[string]task.Processor, len(commands))}
	for pkg, cmds := range commands {
		for cmd, p := range cmds {
			e.Register(pkg, cmd, p)
		}
	}
	return e
}

// Register adds a synchronous processor for one command.
func (e *SynchronousEngine) Register(packageID, commandID string, p task.Processor) {
	if e.commands[packageID] == nil {
		e.commands[packageID] = make(map[string]task.Processor)
	}
	e.commands[packageID][commandID] = p
}

// CanExecute reports whether cmd has a synchronous processor.
func (e *SynchronousEngine) CanExecute(cmd task.Command) bool {
	return e.processor(cmd) != nil
}

// Execute runs cmd inline.
func (e *SynchronousEngine) Execute(ctx context.Context, cmd task.Command, tctx *task.Context) (*task.ExecResult, error) {
	p := e.processor(cmd)
	if p == nil {
		return nil, apperrors.Validation("command", fmt.Sprintf("command %s cannot be executed synchronously", cmd))
	}
	return task.Exec(ctx, cmd, tctx, p), nil
}

func (e *SynchronousEngine) processor(cmd task.Command) task.Processor {
	if e == nil {
		return nil
	}
	return e.commands[cmd.PackageID][cmd.CommandID]
}
