// Package script runs cell code in a sandboxed Lua interpreter.
//
// Each task gets a fresh interpreter bound to the task context, so canceling
// the task aborts the script at its next instruction. Only the base, table,
// string and math libraries are loaded; file and module loading is removed.
package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/VizierDB/web-api-async-sub004/internal/registry"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

// Kind is the registry kind of the script processor.
const Kind = "lua"

// Command and argument names.
const (
	CommandCode = "code"
	ArgSource   = "source"
)

// Config is the HCL configuration of a script processor block.
type Config struct {
	CallStackSize int    `hcl:"call_stack_size,optional"`
	Timeout       string `hcl:"timeout,optional"`
}

// ScriptError is a runtime or syntax error raised by a script.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string {
	return e.Message
}

// Processor executes Lua cells.
type Processor struct {
	callStackSize int
	timeout       time.Duration
}

// New creates a script processor.
func New(cfg Config) (*Processor, error) {
	p := &Processor{callStackSize: cfg.CallStackSize}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", cfg.Timeout, err)
		}
		p.timeout = d
	}
	return p, nil
}

// Package registers the "lua" processor kind.
type Package struct{}

// Register implements registry.Package.
func (Package) Register(r *registry.Registry) {
	r.Register(Kind, registry.Typed(func(cfg Config) (task.Processor, error) {
		return New(cfg)
	}))
}

// Compute implements task.Processor.
func (p *Processor) Compute(ctx context.Context, commandID string, args task.Arguments, tctx *task.Context) (*task.ExecResult, error) {
	if commandID != CommandCode {
		return task.Fail(task.Outputs{}, &task.UnknownCommandError{PackageID: Kind, CommandID: commandID}), nil
	}
	source, err := args.Require(ArgSource)
	if err != nil {
		return task.Fail(task.Outputs{}, err), nil
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	console := task.ConsoleFrom(ctx)
	s := newSession(ctx, tctx, console)
	outputs, err := task.WithCapture(console, func(c *task.Capture) error {
		return p.run(s, c, source.String())
	})
	if err != nil {
		return task.Fail(outputs, err), nil
	}
	return task.Success(outputs, s.provenance), nil
}

func (p *Processor) run(s *session, c *task.Capture, source string) error {
	opts := lua.Options{SkipOpenLibs: true}
	if p.callStackSize > 0 {
		opts.CallStackSize = p.callStackSize
	}
	L := lua.NewState(opts)
	defer L.Close()

	openSafeLibraries(L)
	sandbox(L)
	s.capture = c
	s.install(L)

	L.SetContext(s.ctx)
	if err := doWithRecovery(L, source); err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

// sandbox removes the base functions that reach the filesystem or load
// arbitrary chunks.
func sandbox(L *lua.LState) {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}
}

// doWithRecovery executes source, converting interpreter panics into
// errors.
func doWithRecovery(L *lua.LState, source string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	if err := L.DoString(source); err != nil {
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) && apiErr.Object != nil {
			return &ScriptError{Message: apiErr.Object.String()}
		}
		return err
	}
	return nil
}

var _ task.Processor = (*Processor)(nil)
