package kernels

import (
	"fmt"

	"github.com/specialistvlad/splitgridgo/internal/graph"
)

// ConvParams configures CONV_2D.
type ConvParams struct {
	FusedReLU bool
}

// Conv2D is a 1x1 pointwise convolution over NHWC input with stride 1.
// Inputs are [input (N,H,W,Cin), filter (Cout,1,1,Cin), bias (Cout)]; the
// bias is optional.
func Conv2D() *graph.Registration {
	return &graph.Registration{
		Name:    OpConv2D,
		Code:    BuiltinConv2D,
		Prepare: prepareConv,
		Invoke:  invokeConv,
	}
}

func prepareConv(ctx graph.KernelContext, n *graph.Node) error {
	in, err := input(ctx, n, 0)
	if err != nil {
		return err
	}
	filter, err := input(ctx, n, 1)
	if err != nil {
		return err
	}
	out, err := output(ctx, n)
	if err != nil {
		return err
	}
	if err := requireFloat32(n, in, filter, out); err != nil {
		return err
	}
	if in.Rank() != 4 || filter.Rank() != 4 {
		return fmt.Errorf("%s: input and filter must be rank 4, got %v and %v", n.Name(), in.Dims(), filter.Dims())
	}
	if filter.Dim(1) != 1 || filter.Dim(2) != 1 {
		return fmt.Errorf("%s: only 1x1 filters are supported, got %v", n.Name(), filter.Dims())
	}
	if filter.Dim(3) != in.Dim(3) {
		return fmt.Errorf("%s: filter depth %d does not match input channels %d", n.Name(), filter.Dim(3), in.Dim(3))
	}
	if len(n.Inputs) > 2 && n.Inputs[2] != graph.OptionalTensor {
		bias := ctx.Tensor(n.Inputs[2])
		if bias.NumElements() != filter.Dim(0) {
			return fmt.Errorf("%s: bias has %d elements, filter has %d output channels", n.Name(), bias.NumElements(), filter.Dim(0))
		}
	}
	return ctx.ResizeTensor(n.Outputs[0], []int{in.Dim(0), in.Dim(1), in.Dim(2), filter.Dim(0)})
}

func invokeConv(ctx graph.KernelContext, n *graph.Node) error {
	in := ctx.Tensor(n.Inputs[0])
	filter := ctx.Tensor(n.Inputs[1])
	out := ctx.Tensor(n.Outputs[0])

	var bias []float32
	if len(n.Inputs) > 2 && n.Inputs[2] != graph.OptionalTensor {
		bias = ctx.Tensor(n.Inputs[2]).Float32s()
	}
	relu := false
	if p, ok := n.Params.(*ConvParams); ok {
		relu = p.FusedReLU
	}

	cin, cout := in.Dim(3), filter.Dim(0)
	x, w, y := in.Float32s(), filter.Float32s(), out.Float32s()
	positions := len(x) / cin
	for p := 0; p < positions; p++ {
		px := x[p*cin : (p+1)*cin]
		for o := 0; o < cout; o++ {
			var sum float32
			if bias != nil {
				sum = bias[o]
			}
			wo := w[o*cin : (o+1)*cin]
			for c, v := range px {
				sum += v * wo[c]
			}
			if relu && sum < 0 {
				sum = 0
			}
			y[p*cout+o] = sum
		}
	}
	return nil
}
