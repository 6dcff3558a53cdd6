// Package packages lists the processor packages compiled into the vizier
// binaries and the registry file used when none is configured.
package packages

import (
	_ "embed"

	"github.com/VizierDB/web-api-async-sub004/internal/packages/markdown"
	"github.com/VizierDB/web-api-async-sub004/internal/packages/sample"
	"github.com/VizierDB/web-api-async-sub004/internal/packages/script"
	"github.com/VizierDB/web-api-async-sub004/internal/registry"
)

//go:embed default.hcl
var defaultRegistry []byte

// All is the definitive list of built-in processor packages.
func All() []registry.Package {
	return []registry.Package{
		markdown.Package{},
		sample.Package{},
		script.Package{},
	}
}

// NewRegistry returns a registry with every built-in package registered.
func NewRegistry() *registry.Registry {
	return registry.NewWith(All()...)
}

// Load builds the processor wiring from the registry file at path, or from
// the built-in default when path is empty.
func Load(path string) (*registry.Config, error) {
	r := NewRegistry()
	if path == "" {
		return r.Load(defaultRegistry, "default.hcl")
	}
	return r.LoadFile(path)
}
