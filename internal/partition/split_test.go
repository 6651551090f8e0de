package partition

import (
	"context"
	"testing"

	"github.com/specialistvlad/splitgridgo/internal/delegate"
	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/graph"
	"github.com/specialistvlad/splitgridgo/internal/handoff"
	"github.com/specialistvlad/splitgridgo/internal/interp"
	"github.com/specialistvlad/splitgridgo/internal/kernels"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const positions = 3

// layerTensors returns filter, bias, conv output, placeholder and concat
// output indices of layer l.
func layerTensors(l int) (filter, bias, convOut, ph, out int) {
	base := 1 + 5*l
	return base, base + 1, base + 2, base + 3, base + 4
}

// buildModel builds one subgraph of stacked conv -> concat(conv, placeholder)
// layers with the given output channel counts and a 4-channel input.
func buildModel(t *testing.T, unit device.Unit, channels ...int) *interp.Interpreter {
	t.Helper()
	it := interp.New("model", unit, nil)
	s, _ := it.AddSubgraph("main")
	_, err := s.AddTensors(1 + 5*len(channels))
	require.NoError(t, err)
	require.NoError(t, s.SetTensorParametersReadWrite(0, tensor.Float32, "input", []int{1, 1, positions, 4}, nil, false))

	cin := 4
	for l, c := range channels {
		filter, bias, convOut, ph, out := layerTensors(l)
		w := make([]float32, c*cin)
		for o := 0; o < c; o++ {
			for i := 0; i < cin; i++ {
				w[o*cin+i] = float32((o+1)*(i+2)%7) - 3
			}
		}
		b := make([]float32, c)
		for o := range b {
			b[o] = float32(o) / 2
		}
		require.NoError(t, s.SetTensorParametersReadOnly(filter, tensor.Float32, "filter", []int{c, 1, 1, cin}, tensor.Float32Bytes(w)))
		require.NoError(t, s.SetTensorParametersReadOnly(bias, tensor.Float32, "bias", []int{c}, tensor.Float32Bytes(b)))
		require.NoError(t, s.SetTensorParametersReadWrite(convOut, tensor.Float32, "conv", []int{1, 1, positions, c}, nil, false))
		require.NoError(t, s.SetTensorParametersReadWrite(ph, tensor.Float32, "placeholder", []int{1, 1, positions, 0}, nil, false))
		require.NoError(t, s.SetTensorParametersReadWrite(out, tensor.Float32, "concat", []int{1, 1, positions, c}, nil, false))

		in := 0
		if l > 0 {
			_, _, _, _, in = layerTensors(l - 1)
		}
		_, err := s.AddNode([]int{in, filter, bias}, []int{convOut}, nil, nil, nil, kernels.Conv2D())
		require.NoError(t, err)
		_, err = s.AddNode([]int{convOut, ph}, []int{out}, nil, nil, nil, kernels.Concatenation())
		require.NoError(t, err)
		cin = c
	}
	_, _, _, _, last := layerTensors(len(channels) - 1)
	require.NoError(t, s.SetInputs([]int{0}))
	require.NoError(t, s.SetOutputs([]int{last}))
	return it
}

func input() []float32 {
	v := make([]float32, positions*4)
	for i := range v {
		v[i] = float32(i%5) - 1
	}
	return v
}

func reference(t *testing.T, channels ...int) []float32 {
	t.Helper()
	it := buildModel(t, device.CPU, channels...)
	require.NoError(t, it.AllocateAll())
	s := it.Subgraph(0)
	copy(s.Tensor(0).Float32s(), input())
	require.NoError(t, s.Invoke(context.Background(), device.CPU))
	return append([]float32(nil), s.Tensor(s.Outputs()[0]).Float32s()...)
}

func TestShares(t *testing.T) {
	for r := 1; r <= 9; r++ {
		cpu, acc, err := Shares(32, r)
		require.NoError(t, err)
		assert.Equal(t, 32, cpu+acc, "ratio %d", r)
		assert.GreaterOrEqual(t, cpu*10, 32*r, "cpu share rounds up")
	}

	cpu, acc, err := Shares(32, 3)
	require.NoError(t, err)
	assert.Equal(t, 10, cpu)
	assert.Equal(t, 22, acc)

	_, _, err = Shares(32, 0)
	assert.ErrorIs(t, err, ErrRatio)
	_, _, err = Shares(32, 10)
	assert.ErrorIs(t, err, ErrRatio)
	_, err = ShareOf(32, 3, device.CoExecution)
	assert.Error(t, err)
}

func TestApplyChannelSplit(t *testing.T) {
	it := buildModel(t, device.CPU, 32)
	s := it.Subgraph(0)
	p := New(handoff.New(nil), nil)
	filter, bias, _, ph, out := layerTensors(0)
	originalRow22 := append([]float32(nil), s.Tensor(filter).Float32s()[22*4:23*4]...)

	err := p.ApplyChannelSplit(s, 3, device.CPU)
	require.ErrorIs(t, err, ErrNoOriginalChannels)

	n, err := p.RecordOriginals(s)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	t.Run("cpu keeps the tail rows", func(t *testing.T) {
		require.NoError(t, p.ApplyChannelSplit(s, 3, device.CPU))
		assert.Equal(t, []int{10, 1, 1, 4}, s.Tensor(filter).Dims())
		assert.Equal(t, []int{10}, s.Tensor(bias).Dims())
		assert.Equal(t, originalRow22, s.Tensor(filter).Float32s()[:4])
		assert.Equal(t, float32(11), s.Tensor(bias).Float32s()[0])
		assert.Equal(t, []int{1, 1, positions, 22}, s.Tensor(ph).Dims())
		assert.Equal(t, tensor.Dynamic, s.Tensor(ph).Kind)
		assert.Contains(t, p.receivers, s.Node(1), "cpu concat becomes a receiver")

		require.NoError(t, it.AllocateAll())
		assert.Equal(t, []int{1, 1, positions, 32}, s.Tensor(out).Dims(), "concat output keeps the full width")
	})

	t.Run("re-split starts from the original data", func(t *testing.T) {
		require.NoError(t, p.ApplyChannelSplit(s, 5, device.Accelerator))
		assert.Equal(t, []int{16, 1, 1, 4}, s.Tensor(filter).Dims())
		assert.Equal(t, []int{1, 1, positions, 16}, s.Tensor(ph).Dims())
		assert.Empty(t, p.receivers)
		assert.Equal(t, kernels.OpConcatenation, s.Node(1).Name())
		assert.Equal(t, float32(0), s.Tensor(bias).Float32s()[0])
	})

	t.Run("restore", func(t *testing.T) {
		require.NoError(t, p.Restore(s))
		assert.Equal(t, []int{32, 1, 1, 4}, s.Tensor(filter).Dims())
		assert.Equal(t, []int{1, 1, positions, 0}, s.Tensor(ph).Dims())
	})

	assert.Error(t, p.ApplyChannelSplit(s, 3, device.CoExecution))
}

func TestFindSites(t *testing.T) {
	it := buildModel(t, device.Accelerator, 8, 6)
	s := it.Subgraph(0)
	require.NoError(t, s.ApplyTransformation(delegate.New(delegate.Options{
		AllowDynamicTensors: true,
		Ops:                 []int{kernels.BuiltinConv2D},
	})))

	sites := FindSites(s)
	require.Len(t, sites, 2)
	filter, bias, convOut, ph, out := layerTensors(1)
	assert.Equal(t, Site{Conv: 2, Concat: 3, Filter: filter, Bias: bias, ConvOut: convOut, Placeholder: ph, ConcatOut: out}, sites[1])
}

func TestMergeChannels(t *testing.T) {
	received, err := tensor.New("received", tensor.Float32, tensor.ArenaRW, []int{1, 2, 5})
	require.NoError(t, err)
	require.NoError(t, received.Bind(tensor.Float32Bytes([]float32{1, 2, 3, 0, 0, 4, 5, 6, 0, 0})))
	slave, err := tensor.New("slave", tensor.Float32, tensor.ArenaRW, []int{1, 2, 2})
	require.NoError(t, err)
	require.NoError(t, slave.Bind(tensor.Float32Bytes([]float32{7, 8, 9, 10})))

	h, err := slave.Lend()
	require.NoError(t, err)
	require.NoError(t, MergeChannels(received, h))
	assert.Equal(t, []float32{1, 2, 3, 7, 8, 4, 5, 6, 9, 10}, received.Float32s())

	wide, err := tensor.New("wide", tensor.Float32, tensor.ArenaRW, []int{1, 2, 6})
	require.NoError(t, err)
	require.NoError(t, wide.Bind(make([]byte, 48)))
	h.Release()
	h, err = wide.Lend()
	require.NoError(t, err)
	assert.Error(t, MergeChannels(received, h))
}

func TestCoExecutorMatchesReference(t *testing.T) {
	channels := []int{32, 12}
	want := reference(t, channels...)

	cpu := buildModel(t, device.CPU, channels...)
	acc := buildModel(t, device.Accelerator, channels...)
	sim := delegate.New(delegate.Options{AllowDynamicTensors: true, Ops: []int{kernels.BuiltinConv2D}})
	require.NoError(t, acc.ApplyTransformation(sim))

	c, err := NewCoExecutor(cpu, acc, nil)
	require.NoError(t, err)
	defer c.Close()

	err = c.Invoke(context.Background(), 0)
	require.Error(t, err, "unconfigured")

	for r := 1; r <= 9; r++ {
		require.NoError(t, c.Configure(r))
		assert.Equal(t, r, c.Ratio())
		assert.Equal(t, graph.Partition{Enabled: true, Ratio: r, Unit: device.Accelerator}, c.Primary().Subgraph(0).Partition())

		s := c.Primary().Subgraph(0)
		copy(s.Tensor(0).Float32s(), input())
		require.NoError(t, c.Invoke(context.Background(), 0), "ratio %d", r)

		out := s.Outputs()[0]
		require.NoError(t, s.EnsureTensorDataIsReadable(out))
		assert.Equal(t, []int{1, 1, positions, 12}, s.Tensor(out).Dims())
		assert.Equal(t, want, s.Tensor(out).Float32s(), "ratio %d", r)
		assert.Zero(t, c.Partitioner().Queue().Len())
	}
	assert.Positive(t, sim.Invocations())

	c.Primary().Subgraph(0).SetPartition(graph.Partition{})
	assert.Zero(t, c.Ratio(), "the ratio is read back from the subgraph")
	assert.ErrorContains(t, c.Invoke(context.Background(), 0), "not configured")
	assert.ErrorIs(t, c.Configure(0), ErrRatio)
}

func TestCoExecutorCancelled(t *testing.T) {
	cpu := buildModel(t, device.CPU, 8)
	acc := buildModel(t, device.Accelerator, 8)
	c, err := NewCoExecutor(cpu, acc, nil)
	require.NoError(t, err)
	require.NoError(t, c.Configure(4))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.Invoke(ctx, 0)
	assert.ErrorIs(t, err, graph.ErrCancelled)
	assert.Zero(t, c.Partitioner().Queue().Len())

	require.NoError(t, c.Invoke(context.Background(), 0), "a cancelled run does not poison the next")
}

func TestNewCoExecutorValidates(t *testing.T) {
	cpu := buildModel(t, device.CPU, 8)
	_, err := NewCoExecutor(cpu, buildModel(t, device.CPU, 8), nil)
	assert.Error(t, err)

	acc := interp.New("empty", device.Accelerator, nil)
	_, err = NewCoExecutor(cpu, acc, nil)
	assert.Error(t, err)
}

func TestCoExecutorRejectsClaimedConcat(t *testing.T) {
	cpu := buildModel(t, device.CPU, 8)
	acc := buildModel(t, device.Accelerator, 8)
	require.NoError(t, acc.ApplyTransformation(delegate.New(delegate.Options{AllowDynamicTensors: true})))
	c, err := NewCoExecutor(cpu, acc, nil)
	require.NoError(t, err)
	assert.ErrorContains(t, c.Configure(3), "claimed by a delegate")
	assert.Zero(t, c.Ratio(), "a failed configuration records no partition")
	assert.False(t, c.Primary().Subgraph(0).Partition().Enabled)
}
