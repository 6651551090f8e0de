package kernels

import (
	"fmt"
	"slices"

	"github.com/specialistvlad/splitgridgo/internal/graph"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

// ReshapeParams carries a static target shape. One entry may be -1.
type ReshapeParams struct {
	Shape []int
}

// Reshape copies its input into an output of a new shape. The target comes
// from an int32 second input when present and readable, else from params.
// When the second input is computed at run time the output must be a
// dynamic tensor; the kernel then resizes it during invoke.
func Reshape() *graph.Registration {
	return &graph.Registration{
		Name:            OpReshape,
		Code:            BuiltinReshape,
		ShapeOnlyInputs: []int{1},
		Prepare:         prepareReshape,
		Invoke:          invokeReshape,
	}
}

func reshapeTarget(ctx graph.KernelContext, n *graph.Node, in *tensor.Tensor) ([]int, bool, error) {
	var shape []int
	if len(n.Inputs) > 1 && n.Inputs[1] != graph.OptionalTensor {
		st := ctx.Tensor(n.Inputs[1])
		if st.Type != tensor.Int32 {
			return nil, false, fmt.Errorf("%s: shape tensor must be int32, got %s", n.Name(), st.Type)
		}
		if st.HasData() {
			for _, v := range st.Int32s() {
				shape = append(shape, int(v))
			}
		}
	}
	if shape == nil {
		if p, ok := n.Params.(*ReshapeParams); ok {
			shape = slices.Clone(p.Shape)
		}
	}
	if shape == nil {
		return nil, false, nil
	}

	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1 && infer >= 0:
			return nil, false, fmt.Errorf("%s: shape %v has more than one -1", n.Name(), shape)
		case d == -1:
			infer = i
		case d < 0:
			return nil, false, fmt.Errorf("%s: shape %v has a negative dimension", n.Name(), shape)
		default:
			known *= d
		}
	}
	total := in.NumElements()
	if infer >= 0 {
		if known == 0 || total%known != 0 {
			return nil, false, fmt.Errorf("%s: cannot infer dimension of %v from %d elements", n.Name(), shape, total)
		}
		shape[infer] = total / known
	} else if known != total {
		return nil, false, fmt.Errorf("%s: shape %v holds %d elements, input has %d", n.Name(), shape, known, total)
	}
	return shape, true, nil
}

func prepareReshape(ctx graph.KernelContext, n *graph.Node) error {
	in, err := input(ctx, n, 0)
	if err != nil {
		return err
	}
	out, err := output(ctx, n)
	if err != nil {
		return err
	}
	if out.Type != in.Type {
		return fmt.Errorf("%s: output type %s differs from input type %s", n.Name(), out.Type, in.Type)
	}
	shape, ok, err := reshapeTarget(ctx, n, in)
	if err != nil {
		return err
	}
	if !ok {
		if out.Kind != tensor.Dynamic {
			return fmt.Errorf("%s: target shape is only known at run time but output %q is not dynamic", n.Name(), out.Name)
		}
		return nil
	}
	return ctx.ResizeTensor(n.Outputs[0], shape)
}

func invokeReshape(ctx graph.KernelContext, n *graph.Node) error {
	in := ctx.Tensor(n.Inputs[0])
	out := ctx.Tensor(n.Outputs[0])
	if out.Kind == tensor.Dynamic {
		shape, ok, err := reshapeTarget(ctx, n, in)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: no target shape available", n.Name())
		}
		if err := ctx.ResizeTensor(n.Outputs[0], shape); err != nil {
			return err
		}
	}
	if in.Bytes() != out.Bytes() {
		return fmt.Errorf("%s: input has %d bytes, output %d", n.Name(), in.Bytes(), out.Bytes())
	}
	copy(out.Data(), in.Data())
	return nil
}
