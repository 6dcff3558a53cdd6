package task

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Processor implements the commands of one package.
//
// Expected domain errors (unknown artifact, bad argument) are reported as a
// failed ExecResult with a stderr entry. A returned error is reserved for
// unexpected failures; Exec converts it into a failed result.
type Processor interface {
	Compute(ctx context.Context, commandID string, args Arguments, tctx *Context) (*ExecResult, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, commandID string, args Arguments, tctx *Context) (*ExecResult, error)

// Compute calls f.
func (f ProcessorFunc) Compute(ctx context.Context, commandID string, args Arguments, tctx *Context) (*ExecResult, error) {
	return f(ctx, commandID, args, tctx)
}

// Exec runs cmd on p and always returns exactly one result. Returned errors
// and panics become failed results whose stderr holds the formatted error.
// A nil processor yields an UnknownPackageError result.
func Exec(ctx context.Context, cmd Command, tctx *Context, p Processor) (result *ExecResult) {
	defer func() {
		if r := recover(); r != nil {
			result = Failure(ErrorOutputs(&PanicError{Value: r, Stack: debug.Stack()}))
		}
	}()

	if p == nil {
		return Failure(ErrorOutputs(&UnknownPackageError{PackageID: cmd.PackageID}))
	}
	if tctx == nil {
		tctx = NewContext("", nil)
	}

	res, err := p.Compute(ctx, cmd.CommandID, cmd.Arguments, tctx)
	if err != nil {
		return Failure(ErrorOutputs(err))
	}
	if res == nil {
		return Failure(ErrorOutputs(fmt.Errorf("processor for %s returned no result", cmd)))
	}
	if !res.IsSuccess {
		res.Provenance = Provenance{}
	}
	return res
}
