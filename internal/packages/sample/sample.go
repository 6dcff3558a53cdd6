// Package sample draws uniform random samples from datasets.
package sample

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/VizierDB/web-api-async-sub004/internal/registry"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

// Kind is the registry kind of the sampling processor.
const Kind = "sample"

// Command and argument names.
const (
	CommandBasicSample = "basic_sample"

	ArgInputDataset  = "input_dataset"
	ArgOutputDataset = "output_dataset"
	ArgSampleRate    = "sample_rate"
)

const defaultPreviewRows = 10

// Config is the HCL configuration of a sampling processor block.
type Config struct {
	Seed        uint64 `hcl:"seed,optional"`         // 0 draws a random seed per task
	PreviewRows int    `hcl:"preview_rows,optional"` // rows in the dataset view output
}

// Processor implements the sampling commands.
type Processor struct {
	seed        uint64
	previewRows int
}

// New creates a sampling processor.
func New(cfg Config) *Processor {
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = defaultPreviewRows
	}
	return &Processor{seed: cfg.Seed, previewRows: cfg.PreviewRows}
}

// Package registers the "sample" processor kind.
type Package struct{}

// Register implements registry.Package.
func (Package) Register(r *registry.Registry) {
	r.Register(Kind, registry.Typed(func(cfg Config) (task.Processor, error) {
		return New(cfg), nil
	}))
}

// Compute implements task.Processor.
func (p *Processor) Compute(ctx context.Context, commandID string, args task.Arguments, tctx *task.Context) (*task.ExecResult, error) {
	if commandID != CommandBasicSample {
		return task.Fail(task.Outputs{}, &task.UnknownCommandError{PackageID: Kind, CommandID: commandID}), nil
	}
	return p.basicSample(ctx, args, tctx)
}

func (p *Processor) basicSample(ctx context.Context, args task.Arguments, tctx *task.Context) (*task.ExecResult, error) {
	input, err := args.Require(ArgInputDataset)
	if err != nil {
		return task.Fail(task.Outputs{}, err), nil
	}
	inputName := strings.ToLower(input.String())
	outputName := args.String(ArgOutputDataset)
	if outputName == "" {
		outputName = inputName + "_sample"
	}
	outputName = strings.ToLower(outputName)

	rate, ok := args.Float(ArgSampleRate)
	if !ok {
		return task.Fail(task.Outputs{}, &task.InvalidArgumentError{Argument: ArgSampleRate, Reason: "missing value"}), nil
	}
	if rate < 0 || rate > 1 {
		return task.Fail(task.Outputs{}, &task.InvalidArgumentError{
			Argument: ArgSampleRate,
			Reason:   fmt.Sprintf("sampling rate must be between 0.0 and 1.0, got %g", rate),
		}), nil
	}

	descriptor, err := tctx.Dataset(inputName)
	if err != nil {
		return task.Fail(task.Outputs{}, err), nil
	}
	if tctx.Datastore == nil {
		return nil, fmt.Errorf("no datastore is bound to project %q", tctx.ProjectID)
	}
	ds, err := tctx.Datastore.GetDataset(ctx, descriptor.Identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset '%s': %w", inputName, err)
	}

	rng := p.rand()
	var rows [][]any
	for _, row := range ds.Rows {
		if rng.Float64() < rate {
			rows = append(rows, row)
		}
	}
	sampled, err := tctx.Datastore.CreateDataset(ctx, ds.Columns, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to write dataset '%s': %w", outputName, err)
	}

	var outputs task.Outputs
	outputs.Print(task.DatasetOutput(task.DatasetView{
		ID:       sampled.ID,
		Name:     outputName,
		Columns:  sampled.ColumnNames(),
		Rows:     sampled.Rows[:min(len(sampled.Rows), p.previewRows)],
		RowCount: len(sampled.Rows),
	}))

	var prov task.Provenance
	prov.RecordRead(inputName, &descriptor.Identifier)
	prov.RecordWrite(outputName, &task.ArtifactDescriptor{Identifier: sampled.ID, ArtifactType: task.DatasetType})
	return task.Success(outputs, prov), nil
}

func (p *Processor) rand() *rand.Rand {
	seed := p.seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed))
}

var _ task.Processor = (*Processor)(nil)
