package graph

import (
	"log/slog"
	"slices"

	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

// OptionalTensor marks an absent optional input or output.
const OptionalTensor = -1

// Registration describes an operator kind: how to prepare it (shape
// inference, output resizing) and how to invoke it.
type Registration struct {
	Name string
	// Code is the builtin operator code. It is zero for custom operators.
	Code   int
	Custom bool

	Prepare func(ctx KernelContext, n *Node) error
	Invoke  func(ctx KernelContext, n *Node) error

	// ShapeOnlyInputs lists input positions whose bytes may be absent because
	// the kernel reads the shape alone.
	ShapeOnlyInputs []int
	// Merge marks operators that combine two or more upstream tensors
	// element-wise. Pipeline routing uses it to find additive junctions.
	Merge bool
}

func (r *Registration) shapeOnly(pos int) bool {
	return slices.Contains(r.ShapeOnlyInputs, pos)
}

// Node is one operator instance in a subgraph.
type Node struct {
	Inputs        []int
	Outputs       []int
	Intermediates []int
	Temporaries   []int
	InitData      []byte
	Params        any
	Registration  *Registration

	// Delegate is the transformation that claimed this node, if any.
	Delegate Delegate
	UserData any
}

// Name returns the registration name or "<nil>".
func (n *Node) Name() string {
	if n == nil || n.Registration == nil {
		return "<nil>"
	}
	return n.Registration.Name
}

// KernelContext is the capability set a kernel sees while preparing or
// invoking: tensor access and resizing, nothing structural.
type KernelContext interface {
	Tensor(index int) *tensor.Tensor
	NumTensors() int
	ResizeTensor(index int, dims []int) error
	Logger() *slog.Logger
}

type kernelContext struct {
	s *Subgraph
}

func (k *kernelContext) Tensor(index int) *tensor.Tensor {
	if index < 0 || index >= len(k.s.tensors) {
		return nil
	}
	return k.s.tensors[index]
}

func (k *kernelContext) NumTensors() int { return len(k.s.tensors) }

func (k *kernelContext) ResizeTensor(index int, dims []int) error {
	if err := k.s.checkTensorIndices("resize", []int{index}); err != nil {
		return err
	}
	k.s.resizedSinceInvoke = true
	return k.s.resizeTensorImpl(k.s.tensors[index], dims)
}

func (k *kernelContext) Logger() *slog.Logger { return k.s.logger }
