package task

import (
	"errors"
	"fmt"
	"reflect"
)

// UnknownPackageError is returned when no processor is registered for a
// package.
type UnknownPackageError struct {
	PackageID string
}

func (e *UnknownPackageError) Error() string {
	return fmt.Sprintf("unknown package '%s'", e.PackageID)
}

// UnknownCommandError is returned by a processor for a command it does not
// implement.
type UnknownCommandError struct {
	PackageID string
	CommandID string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command '%s' for package '%s'", e.CommandID, e.PackageID)
}

// UnknownArtifactError is returned when a name does not resolve in the
// task context.
type UnknownArtifactError struct {
	Kind string // "dataset" or "object"
	Name string
}

func (e *UnknownArtifactError) Error() string {
	return fmt.Sprintf("unknown %s '%s'", e.Kind, e.Name)
}

// InvalidArgumentError reports a missing or malformed command argument.
type InvalidArgumentError struct {
	Argument string
	Reason   string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument '%s': %s", e.Argument, e.Reason)
}

// PanicError wraps a value recovered from a processor panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	if err, ok := e.Value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(e.Value)
}

// FormatError renders err as "<TypeName>: <message>" for stderr. The name
// is that of the first error in the chain not created by errors or fmt.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	return errorName(err) + ": " + err.Error()
}

func errorName(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if t.PkgPath() == "errors" || t.PkgPath() == "fmt" || t.Name() == "" {
			continue
		}
		return t.Name()
	}
	return "Error"
}
