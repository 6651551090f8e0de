package kernels

import (
	"fmt"

	"github.com/specialistvlad/splitgridgo/internal/graph"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

// Add sums two or more same-shaped tensors element-wise.
func Add() *graph.Registration {
	return &graph.Registration{
		Name:    OpAdd,
		Code:    BuiltinAdd,
		Merge:   true,
		Prepare: prepareAdd,
		Invoke:  invokeAdd,
	}
}

func prepareAdd(ctx graph.KernelContext, n *graph.Node) error {
	if len(n.Inputs) < 2 {
		return fmt.Errorf("%s: needs at least two inputs, got %d", n.Name(), len(n.Inputs))
	}
	first, err := input(ctx, n, 0)
	if err != nil {
		return err
	}
	if first.Type != tensor.Float32 && first.Type != tensor.Int32 {
		return fmt.Errorf("%s: type %s is not supported", n.Name(), first.Type)
	}
	for pos := 1; pos < len(n.Inputs); pos++ {
		t, err := input(ctx, n, pos)
		if err != nil {
			return err
		}
		if t.Type != first.Type || !t.SameShape(first.Dims()) {
			return fmt.Errorf("%s: input %d (%s %v) does not match input 0 (%s %v)", n.Name(), pos, t.Type, t.Dims(), first.Type, first.Dims())
		}
	}
	return ctx.ResizeTensor(n.Outputs[0], first.Dims())
}

func invokeAdd(ctx graph.KernelContext, n *graph.Node) error {
	out := ctx.Tensor(n.Outputs[0])
	switch out.Type {
	case tensor.Float32:
		y := out.Float32s()
		copy(y, ctx.Tensor(n.Inputs[0]).Float32s())
		for _, idx := range n.Inputs[1:] {
			for i, v := range ctx.Tensor(idx).Float32s() {
				y[i] += v
			}
		}
	case tensor.Int32:
		y := out.Int32s()
		copy(y, ctx.Tensor(n.Inputs[0]).Int32s())
		for _, idx := range n.Inputs[1:] {
			for i, v := range ctx.Tensor(idx).Int32s() {
				y[i] += v
			}
		}
	default:
		return fmt.Errorf("%s: type %s is not supported", n.Name(), out.Type)
	}
	return nil
}
