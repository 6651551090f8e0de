package testutil

import (
	"testing"

	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/graph"
	"github.com/specialistvlad/splitgridgo/internal/interp"
	"github.com/specialistvlad/splitgridgo/internal/kernels"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
	"github.com/stretchr/testify/require"
)

// Scale returns a custom operator that multiplies a float32 tensor by k.
func Scale(k float32) *graph.Registration {
	return &graph.Registration{
		Name:   "SCALE",
		Custom: true,
		Prepare: func(ctx graph.KernelContext, n *graph.Node) error {
			return ctx.ResizeTensor(n.Outputs[0], ctx.Tensor(n.Inputs[0]).Dims())
		},
		Invoke: func(ctx graph.KernelContext, n *graph.Node) error {
			in := ctx.Tensor(n.Inputs[0]).Float32s()
			out := ctx.Tensor(n.Outputs[0]).Float32s()
			for i := range in {
				out[i] = k * in[i]
			}
			return nil
		},
	}
}

// Vectors adds n float32 tensors of the given width to s.
func Vectors(t testing.TB, s *graph.Subgraph, n, width int) {
	t.Helper()
	_, err := s.AddTensors(n)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, s.SetTensorParametersReadWrite(i, tensor.Float32, "", []int{width}, nil, false))
	}
}

// DiamondWidth is the tensor width of Diamond.
const DiamondWidth = 4

// Diamond builds four subgraphs over one tensor index space:
//
//	head:  t0 -> x2 -> t1
//	left:  t1 -> x3 -> t2
//	right: t1 -> x5 -> t3
//	merge: ADD(t2, t3) -> t4
//
// so the pipeline output is 16 times its input.
func Diamond(t testing.TB, unit device.Unit) *interp.Interpreter {
	t.Helper()
	it := interp.New("diamond", unit, nil)
	stage := func(name string, ins, outs []int, reg *graph.Registration) {
		s, _ := it.AddSubgraph(name)
		Vectors(t, s, 5, DiamondWidth)
		_, err := s.AddNode(ins, outs, nil, nil, nil, reg)
		require.NoError(t, err)
		require.NoError(t, s.SetInputs(ins))
		require.NoError(t, s.SetOutputs(outs))
	}
	stage("head", []int{0}, []int{1}, Scale(2))
	stage("left", []int{1}, []int{2}, Scale(3))
	stage("right", []int{1}, []int{3}, Scale(5))
	stage("merge", []int{2, 3}, []int{4}, kernels.Add())
	return it
}
