package builder

import (
	"context"
	"fmt"
	"slices"

	"github.com/specialistvlad/splitgridgo/internal/config"
	"github.com/specialistvlad/splitgridgo/internal/ctxlog"
	"github.com/specialistvlad/splitgridgo/internal/delegate"
	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/graph"
	"github.com/specialistvlad/splitgridgo/internal/interp"
	"github.com/specialistvlad/splitgridgo/internal/kernels"
	"github.com/specialistvlad/splitgridgo/internal/partition"
	"github.com/specialistvlad/splitgridgo/internal/registry"
)

// Builder builds interpreters from runtime descriptions.
type Builder struct {
	reg *registry.Registry
}

// New creates a Builder resolving operators through reg.
func New(reg *registry.Registry) *Builder {
	return &Builder{reg: reg}
}

// Build constructs and allocates an interpreter that executes model on
// unit. Accelerator interpreters are transformed by the accelerator
// delegate. CoExecution is built with BuildCoExecutor instead.
func (b *Builder) Build(ctx context.Context, model *config.Model, unit device.Unit) (*interp.Interpreter, error) {
	if unit != device.CPU && unit != device.Accelerator {
		return nil, fmt.Errorf("builder: cannot build a single interpreter for %s", unit)
	}
	var d graph.Delegate
	if unit == device.Accelerator {
		ops, err := b.delegateOps(model.Accelerator.Ops)
		if err != nil {
			return nil, err
		}
		d = delegate.New(delegate.Options{
			Ops:                 ops,
			AllowDynamicTensors: model.Accelerator.AllowDynamic,
			Logger:              ctxlog.FromContext(ctx),
		})
	}
	return b.build(ctx, model, unit, d)
}

// BuildCoExecutor builds a CPU and an accelerator copy of model and pairs
// them. The accelerator copy never delegates concatenations, since the
// device split merges them on the host.
func (b *Builder) BuildCoExecutor(ctx context.Context, model *config.Model) (*partition.CoExecutor, error) {
	logger := ctxlog.FromContext(ctx)
	cpu, err := b.build(ctx, model, device.CPU, nil)
	if err != nil {
		return nil, err
	}
	ops, err := b.delegateOps(model.Accelerator.Ops)
	if err != nil {
		return nil, err
	}
	ops = slices.DeleteFunc(ops, func(code int) bool { return code == kernels.BuiltinConcatenation })
	acc, err := b.build(ctx, model, device.Accelerator, delegate.New(delegate.Options{
		Ops:                 ops,
		AllowDynamicTensors: true,
		Logger:              logger,
	}))
	if err != nil {
		return nil, err
	}
	return partition.NewCoExecutor(cpu, acc, logger)
}

func (b *Builder) delegateOps(kinds []string) ([]int, error) {
	if len(kinds) == 0 {
		return slices.Clone(delegate.DefaultOps), nil
	}
	ops := make([]int, 0, len(kinds))
	for _, kind := range kinds {
		reg, err := b.reg.Lookup(kind)
		if err != nil {
			return nil, fmt.Errorf("builder: accelerator ops: %w", err)
		}
		if reg.Custom {
			return nil, fmt.Errorf("builder: accelerator cannot claim custom operator %s", reg.Name)
		}
		ops = append(ops, reg.Code)
	}
	return ops, nil
}

func (b *Builder) build(ctx context.Context, model *config.Model, unit device.Unit, d graph.Delegate) (*interp.Interpreter, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Build: Starting interpreter construction.", "unit", unit, "subgraphs", len(model.Subgraphs))

	it := interp.New(fmt.Sprintf("model-%s", unit), unit, logger)
	for _, sg := range model.Subgraphs {
		s, _ := it.AddSubgraph(sg.Name)
		if err := declareTensors(s, model); err != nil {
			return nil, fmt.Errorf("builder: subgraph %s: %w", sg.Name, err)
		}
		if err := b.addNodes(s, sg, model); err != nil {
			return nil, fmt.Errorf("builder: subgraph %s: %w", sg.Name, err)
		}
		if err := declareIO(s, sg, model); err != nil {
			return nil, fmt.Errorf("builder: subgraph %s: %w", sg.Name, err)
		}
	}
	logger.Debug("Build: Subgraphs constructed.")

	if err := registerShared(it, model); err != nil {
		return nil, err
	}
	if d != nil {
		if err := it.ApplyTransformation(d); err != nil {
			return nil, fmt.Errorf("builder: applying %s: %w", d.Name(), err)
		}
		logger.Debug("Build: Delegate applied.", "delegate", d.Name())
	}
	if err := it.AllocateAll(); err != nil {
		return nil, fmt.Errorf("builder: allocating %s interpreter: %w", unit, err)
	}
	logger.Debug("Build: Interpreter construction successful.", "unit", unit)
	return it, nil
}

// registerShared shares every output of the first subgraph that a later
// subgraph takes as input.
func registerShared(it *interp.Interpreter, model *config.Model) error {
	if len(model.Subgraphs) < 2 {
		return nil
	}
	first := model.Subgraphs[0]
	for _, name := range first.Outputs {
		idx, _ := model.TensorIndex(name)
		var readers []int
		for i, sg := range model.Subgraphs[1:] {
			if slices.Contains(sg.Inputs, name) {
				readers = append(readers, i+1)
			}
		}
		if len(readers) == 0 {
			continue
		}
		if err := it.RegisterSharedTensor(idx, readers...); err != nil {
			return fmt.Errorf("builder: %w", err)
		}
	}
	return nil
}
