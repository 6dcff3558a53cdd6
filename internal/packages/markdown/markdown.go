// Package markdown renders markdown cells.
package markdown

import (
	"context"

	"github.com/VizierDB/web-api-async-sub004/internal/registry"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

// Kind is the registry kind of the markdown processor.
const Kind = "markdown"

// Command and argument names.
const (
	CommandCode = "code"
	ArgSource   = "source"
)

// Processor echoes the cell source as a markdown output.
type Processor struct{}

// Compute implements task.Processor.
func (Processor) Compute(_ context.Context, commandID string, args task.Arguments, _ *task.Context) (*task.ExecResult, error) {
	if commandID != CommandCode {
		return task.Fail(task.Outputs{}, &task.UnknownCommandError{PackageID: Kind, CommandID: commandID}), nil
	}
	source, err := args.Require(ArgSource)
	if err != nil {
		return task.Fail(task.Outputs{}, err), nil
	}
	var outputs task.Outputs
	outputs.Print(task.MarkdownOutput(source.String()))
	return task.Success(outputs, task.Provenance{}), nil
}

// Package registers the "markdown" processor kind.
type Package struct{}

// Register implements registry.Package.
func (Package) Register(r *registry.Registry) {
	r.Register(Kind, registry.Static(Processor{}))
}
