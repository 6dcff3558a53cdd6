package registry

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

// DefaultQueue receives commands without a route.
const DefaultQueue = "vizier"

// Config is the processor wiring described by a registry file.
type Config struct {
	Processors  map[string]task.Processor            // package -> processor
	Synchronous map[string]map[string]task.Processor // package -> command -> processor
	Routes      map[string]map[string]string         // package -> command ("*" = any) -> queue
}

// Queue returns the queue a command is routed to.
func (c *Config) Queue(cmd task.Command) string {
	routes := c.Routes[cmd.PackageID]
	if q, ok := routes[cmd.CommandID]; ok {
		return q
	}
	if q, ok := routes["*"]; ok {
		return q
	}
	return DefaultQueue
}

// Queues returns the default queue followed by every other queue a route
// names, sorted.
func (c *Config) Queues() []string {
	seen := map[string]bool{DefaultQueue: true}
	var routed []string
	for _, cmds := range c.Routes {
		for _, q := range cmds {
			if !seen[q] {
				seen[q] = true
				routed = append(routed, q)
			}
		}
	}
	slices.Sort(routed)
	return append([]string{DefaultQueue}, routed...)
}

type hclFile struct {
	Processors  []*hclProcessor   `hcl:"processor,block"`
	Synchronous []*hclSynchronous `hcl:"synchronous,block"`
	Routes      []*hclRoute       `hcl:"route,block"`
}

type hclProcessor struct {
	Package string   `hcl:"package,label"`
	Kind    string   `hcl:"kind"`
	Config  hcl.Body `hcl:",remain"`
}

type hclSynchronous struct {
	Package string   `hcl:"package,label"`
	Command string   `hcl:"command,label"`
	Kind    string   `hcl:"kind"`
	Config  hcl.Body `hcl:",remain"`
}

type hclRoute struct {
	Package string `hcl:"package,label"`
	Command string `hcl:"command,label"`
	Queue   string `hcl:"queue"`
}

// LoadFile reads and loads a registry file.
func (r *Registry) LoadFile(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	return r.Load(src, path)
}

// Load parses a registry description and builds its processors.
func (r *Registry) Load(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse registry file %s: %w", filename, diags)
	}

	ectx := EvalContext()
	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, ectx, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode registry file %s: %w", filename, diags)
	}

	cfg := &Config{
		Processors:  make(map[string]task.Processor),
		Synchronous: make(map[string]map[string]task.Processor),
		Routes:      make(map[string]map[string]string),
	}

	for _, block := range parsed.Processors {
		if _, exists := cfg.Processors[block.Package]; exists {
			return nil, fmt.Errorf("%s: duplicate processor for package '%s'", filename, block.Package)
		}
		p, err := r.Build(block.Kind, block.Config, ectx)
		if err != nil {
			return nil, fmt.Errorf("%s: processor '%s': %w", filename, block.Package, err)
		}
		cfg.Processors[block.Package] = p
	}

	for _, block := range parsed.Synchronous {
		cmds := cfg.Synchronous[block.Package]
		if cmds == nil {
			cmds = make(map[string]task.Processor)
			cfg.Synchronous[block.Package] = cmds
		}
		if _, exists := cmds[block.Command]; exists {
			return nil, fmt.Errorf("%s: duplicate synchronous processor for '%s.%s'", filename, block.Package, block.Command)
		}
		p, err := r.Build(block.Kind, block.Config, ectx)
		if err != nil {
			return nil, fmt.Errorf("%s: synchronous '%s.%s': %w", filename, block.Package, block.Command, err)
		}
		cmds[block.Command] = p
	}

	for _, block := range parsed.Routes {
		if block.Queue == "" {
			return nil, fmt.Errorf("%s: route '%s.%s' has an empty queue", filename, block.Package, block.Command)
		}
		cmds := cfg.Routes[block.Package]
		if cmds == nil {
			cmds = make(map[string]string)
			cfg.Routes[block.Package] = cmds
		}
		cmds[block.Command] = block.Queue
	}

	slog.Debug("Registry file loaded.",
		"file", filename,
		"processors", len(cfg.Processors),
		"synchronous", len(cfg.Synchronous),
		"routes", len(cfg.Routes),
	)
	return cfg, nil
}

// EvalContext exposes the process environment as the `env` object.
func EvalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if ok && hclsyntax.ValidIdentifier(name) {
			env[name] = cty.StringVal(value)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
		},
	}
}
