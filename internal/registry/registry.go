// Package registry builds processors from a declarative HCL description.
//
// Processor kinds are registered in code by packages; a registry file then
// binds package ids to kinds and their typed configuration:
//
//	processor "python" {
//	  kind = "lua"
//	}
//
//	synchronous "vizual" "update_cell" {
//	  kind = "vizual"
//	}
//
//	route "python" "*" {
//	  queue = "python"
//	}
package registry

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"

	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

// Constructor builds a processor from the remaining attributes of its
// configuration block.
type Constructor func(body hcl.Body, ectx *hcl.EvalContext) (task.Processor, error)

// Package is implemented by every built-in processor package.
type Package interface {
	Register(r *Registry)
}

// Registry maps processor kinds to constructors.
type Registry struct {
	constructors map[string]Constructor
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// NewWith creates a registry with the given packages registered.
func NewWith(packages ...Package) *Registry {
	r := New()
	for _, p := range packages {
		p.Register(r)
	}
	return r
}

// Register adds a processor kind. It panics if the kind is taken.
func (r *Registry) Register(kind string, c Constructor) {
	if _, exists := r.constructors[kind]; exists {
		panic(fmt.Sprintf("processor kind '%s' already registered", kind))
	}
	slog.Debug("Registering processor kind.", "kind", kind)
	r.constructors[kind] = c
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	return slices.Sorted(maps.Keys(r.constructors))
}

// Build constructs a processor of the given kind.
func (r *Registry) Build(kind string, body hcl.Body, ectx *hcl.EvalContext) (task.Processor, error) {
	c, ok := r.constructors[kind]
	if !ok {
		return nil, fmt.Errorf("unknown processor kind '%s' (registered: %v)", kind, r.Kinds())
	}
	if body == nil {
		body = hcl.EmptyBody()
	}
	return c(body, ectx)
}

// Typed adapts a constructor that takes a configuration struct. The struct
// is decoded from the block with gohcl, so it uses `hcl:"name,optional"`
// tags.
func Typed[C any](build func(cfg C) (task.Processor, error)) Constructor {
	return func(body hcl.Body, ectx *hcl.EvalContext) (task.Processor, error) {
		var cfg C
		if diags := gohcl.DecodeBody(body, ectx, &cfg); diags.HasErrors() {
			return nil, diags
		}
		return build(cfg)
	}
}

// Static adapts a processor that takes no configuration.
func Static(p task.Processor) Constructor {
	return Typed(func(struct{}) (task.Processor, error) {
		return p, nil
	})
}
