// Package kernels holds the builtin operators a runtime description can name.
//
// The kernels are plain host implementations over float32 NHWC tensors. They
// exist so graphs can be built and run end to end; nothing here is tuned.
package kernels

import (
	"fmt"

	"github.com/specialistvlad/splitgridgo/internal/graph"
	"github.com/specialistvlad/splitgridgo/internal/registry"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

// Builtin operator codes.
const (
	BuiltinAdd           = 1
	BuiltinConcatenation = 2
	BuiltinConv2D        = 3
	BuiltinReshape       = 22
)

// Operator kind names as they appear in runtime descriptions.
const (
	OpAdd           = "ADD"
	OpConcatenation = "CONCATENATION"
	OpConv2D        = "CONV_2D"
	OpReshape       = "RESHAPE"
)

// Module registers the builtin kernels.
type Module struct{}

func (Module) Register(r *registry.Registry) {
	r.RegisterOp(Conv2D())
	r.RegisterOp(Concatenation())
	r.RegisterOp(Add())
	r.RegisterOp(Reshape())
}

var _ registry.Module = Module{}

// Builtins returns a registry holding only the builtin kernels.
func Builtins() *registry.Registry {
	return registry.New().Load(Module{})
}

func input(ctx graph.KernelContext, n *graph.Node, pos int) (*tensor.Tensor, error) {
	if pos >= len(n.Inputs) || n.Inputs[pos] == graph.OptionalTensor {
		return nil, fmt.Errorf("%s: missing input %d", n.Name(), pos)
	}
	t := ctx.Tensor(n.Inputs[pos])
	if t == nil {
		return nil, fmt.Errorf("%s: input %d refers to unknown tensor %d", n.Name(), pos, n.Inputs[pos])
	}
	return t, nil
}

func output(ctx graph.KernelContext, n *graph.Node) (*tensor.Tensor, error) {
	if len(n.Outputs) == 0 || n.Outputs[0] == graph.OptionalTensor {
		return nil, fmt.Errorf("%s: missing output", n.Name())
	}
	t := ctx.Tensor(n.Outputs[0])
	if t == nil {
		return nil, fmt.Errorf("%s: output refers to unknown tensor %d", n.Name(), n.Outputs[0])
	}
	return t, nil
}

func requireFloat32(n *graph.Node, ts ...*tensor.Tensor) error {
	for _, t := range ts {
		if t.Type != tensor.Float32 {
			return fmt.Errorf("%s: tensor %q has type %s, only float32 is supported", n.Name(), t.Name, t.Type)
		}
	}
	return nil
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}
