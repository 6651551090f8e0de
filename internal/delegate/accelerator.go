// Package delegate provides the accelerator transformation used by the
// accelerator execution loop.
//
// The accelerator is simulated on the host: claimed operators run their
// regular kernels, but their outputs are flagged as living in device memory
// until something asks for a host-readable copy. That keeps the graph
// runtime's delegation path, its undo/redo bookkeeping and the readability
// handshake honest without a real device.
package delegate

import (
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/specialistvlad/splitgridgo/internal/graph"
	"github.com/specialistvlad/splitgridgo/internal/kernels"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

// DefaultOps are the builtin codes the accelerator claims by default.
var DefaultOps = []int{kernels.BuiltinConv2D, kernels.BuiltinConcatenation, kernels.BuiltinAdd}

// Options configures an Accelerator.
type Options struct {
	Name string
	// AllowDynamicTensors keeps the graph mutable after the transformation.
	AllowDynamicTensors bool
	// Ops lists the builtin codes to claim. Nil means DefaultOps.
	Ops    []int
	Logger *slog.Logger
}

// Accelerator claims supported builtin operators and replaces every
// independent run of them with one delegate kernel.
type Accelerator struct {
	name   string
	flags  graph.DelegateFlags
	ops    []int
	logger *slog.Logger

	invocations atomic.Int64
	syncs       atomic.Int64
}

// New creates an Accelerator.
func New(opts Options) *Accelerator {
	if opts.Name == "" {
		opts.Name = "accelerator"
	}
	if opts.Ops == nil {
		opts.Ops = DefaultOps
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Accelerator{
		name:   opts.Name,
		flags:  graph.DelegateFlags{AllowDynamicTensors: opts.AllowDynamicTensors},
		ops:    slices.Clone(opts.Ops),
		logger: opts.Logger.With("delegate", opts.Name),
	}
}

func (a *Accelerator) Name() string               { return a.name }
func (a *Accelerator) Flags() graph.DelegateFlags { return a.flags }

// Invocations counts delegate kernel runs.
func (a *Accelerator) Invocations() int64 { return a.invocations.Load() }

// Syncs counts device-to-host copies requested through EnsureReadable.
func (a *Accelerator) Syncs() int64 { return a.syncs.Load() }

// Prepare claims every supported operator in the plan. A plan without
// supported operators is left alone.
func (a *Accelerator) Prepare(ctx graph.DelegateContext) error {
	plan, err := ctx.ExecutionPlan()
	if err != nil {
		return err
	}
	nodes := make(map[int]*graph.Node)
	var claimed []int
	for _, idx := range plan {
		n, reg, err := ctx.NodeAndRegistration(idx)
		if err != nil {
			return err
		}
		if reg.Custom || !slices.Contains(a.ops, reg.Code) {
			continue
		}
		claimed = append(claimed, idx)
		nodes[idx] = n
	}
	if len(claimed) == 0 {
		a.logger.Debug("No supported operators to claim.")
		return nil
	}

	subsets, err := ctx.PreviewDelegatePartitioning(claimed)
	if err != nil {
		return err
	}
	a.logger.Debug("Claiming operators.", "nodes", claimed, "kernels", len(subsets))
	return ctx.ReplaceNodeSubsetsWithDelegateKernels(a.registration(nodes), claimed, a)
}

func (a *Accelerator) registration(nodes map[int]*graph.Node) *graph.Registration {
	inner := func(n *graph.Node) ([]*graph.Node, error) {
		p, ok := n.Params.(*graph.DelegateParams)
		if !ok {
			return nil, fmt.Errorf("%s: node has no delegate params", a.name)
		}
		out := make([]*graph.Node, 0, len(p.Nodes))
		for _, idx := range p.Nodes {
			in, ok := nodes[idx]
			if !ok {
				return nil, fmt.Errorf("%s: node %d was not claimed", a.name, idx)
			}
			out = append(out, in)
		}
		return out, nil
	}

	return &graph.Registration{
		Name:   a.name,
		Custom: true,
		Prepare: func(ctx graph.KernelContext, n *graph.Node) error {
			claimed, err := inner(n)
			if err != nil {
				return err
			}
			for _, c := range claimed {
				if c.Registration.Prepare == nil {
					continue
				}
				if err := c.Registration.Prepare(ctx, c); err != nil {
					return fmt.Errorf("%s: %s: %w", a.name, c.Name(), err)
				}
			}
			return nil
		},
		Invoke: func(ctx graph.KernelContext, n *graph.Node) error {
			claimed, err := inner(n)
			if err != nil {
				return err
			}
			for _, c := range claimed {
				if err := c.Registration.Invoke(ctx, c); err != nil {
					return fmt.Errorf("%s: %s: %w", a.name, c.Name(), err)
				}
			}
			for _, out := range n.Outputs {
				if t := ctx.Tensor(out); t != nil {
					t.DataIsStale = true
				}
			}
			a.invocations.Add(1)
			return nil
		},
	}
}

// EnsureReadable brings t's host copy up to date. On the simulated device the
// bytes are already on the host, so only the flag changes.
func (a *Accelerator) EnsureReadable(t *tensor.Tensor) error {
	if t.Delegate != a.name {
		return fmt.Errorf("%s: tensor %q belongs to %q", a.name, t.Name, t.Delegate)
	}
	t.DataIsStale = false
	a.syncs.Add(1)
	return nil
}

var (
	_ graph.Delegate     = (*Accelerator)(nil)
	_ graph.BufferReader = (*Accelerator)(nil)
)
