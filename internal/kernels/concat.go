package kernels

import (
	"fmt"

	"github.com/specialistvlad/splitgridgo/internal/graph"
)

// ConcatParams configures CONCATENATION. A negative Axis counts from the
// end. Nodes without params concatenate along the last axis.
type ConcatParams struct {
	Axis int
}

// Concatenation joins its inputs along one axis.
func Concatenation() *graph.Registration {
	return &graph.Registration{
		Name:    OpConcatenation,
		Code:    BuiltinConcatenation,
		Prepare: prepareConcat,
		Invoke:  invokeConcat,
	}
}

func concatAxis(n *graph.Node, rank int) (int, error) {
	axis := -1
	if p, ok := n.Params.(*ConcatParams); ok {
		axis = p.Axis
	}
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, fmt.Errorf("%s: axis out of range for rank %d", n.Name(), rank)
	}
	return axis, nil
}

func prepareConcat(ctx graph.KernelContext, n *graph.Node) error {
	if len(n.Inputs) < 2 {
		return fmt.Errorf("%s: needs at least two inputs, got %d", n.Name(), len(n.Inputs))
	}
	first, err := input(ctx, n, 0)
	if err != nil {
		return err
	}
	axis, err := concatAxis(n, first.Rank())
	if err != nil {
		return err
	}
	dims := first.Dims()
	dims[axis] = 0
	for pos := range n.Inputs {
		t, err := input(ctx, n, pos)
		if err != nil {
			return err
		}
		if t.Type != first.Type || t.Rank() != first.Rank() {
			return fmt.Errorf("%s: input %d (%s %v) does not match input 0 (%s %v)", n.Name(), pos, t.Type, t.Dims(), first.Type, first.Dims())
		}
		for d := range dims {
			if d != axis && t.Dim(d) != dims[d] {
				return fmt.Errorf("%s: input %d has dimension %d of %d, want %d", n.Name(), pos, d, t.Dim(d), dims[d])
			}
		}
		dims[axis] += t.Dim(axis)
	}
	return ctx.ResizeTensor(n.Outputs[0], dims)
}

func invokeConcat(ctx graph.KernelContext, n *graph.Node) error {
	out := ctx.Tensor(n.Outputs[0])
	axis, err := concatAxis(n, out.Rank())
	if err != nil {
		return err
	}
	elem, err := out.Type.Size()
	if err != nil {
		return err
	}
	dims := out.Dims()
	outer := product(dims[:axis])
	inner := product(dims[axis+1:]) * elem

	dst := out.Data()
	offset := 0
	for o := 0; o < outer; o++ {
		for _, idx := range n.Inputs {
			t := ctx.Tensor(idx)
			block := t.Dim(axis) * inner
			offset += copy(dst[offset:], t.Data()[o*block:(o+1)*block])
		}
	}
	if offset != out.Bytes() {
		return fmt.Errorf("%s: wrote %d of %d output bytes", n.Name(), offset, out.Bytes())
	}
	return nil
}
