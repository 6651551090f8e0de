package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

func valid() *Model {
	one := float32(1)
	return &Model{
		Runtime: Runtime{Transport: TransportUnix, Scheduler: "/tmp/sched.sock"},
		Tensors: []*Tensor{
			{Name: "in", Type: tensor.Float32, Shape: []int{2}, Kind: tensor.ArenaRW, Fill: &one},
			{Name: "w", Type: tensor.Float32, Shape: []int{2}, Kind: tensor.MmapRO, Data: []float32{1, 2}},
			{Name: "out", Type: tensor.Float32, Shape: []int{2}, Kind: tensor.ArenaRW},
		},
		Subgraphs: []*Subgraph{{
			Name: "main", Inputs: []string{"in"}, Outputs: []string{"out"},
			Ops: []*Op{{Kind: "ADD", Inputs: []string{"in", "w"}, Outputs: []string{"out"}}},
		}},
		Jobs: []*Job{{Name: "all", Unit: device.CPU, Subgraphs: []string{"main"}}},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, valid().Validate())

	tests := []struct {
		name    string
		mutate  func(m *Model)
		message string
	}{
		{"unknown transport", func(m *Model) { m.Runtime.Transport = "tcp" }, `transport "tcp"`},
		{"transport without address", func(m *Model) { m.Runtime.Scheduler = "" }, "needs a scheduler address"},
		{"ratio out of range", func(m *Model) { m.Partition = &Partition{Ratio: 10, Unit: device.CPU} }, "ratio 10"},
		{"duplicate tensor", func(m *Model) { m.Tensors = append(m.Tensors, &Tensor{Name: "w", Kind: tensor.ArenaRW}) }, `tensor "w" is declared twice`},
		{"constant without values", func(m *Model) { m.Tensors[1].Data = nil }, `constant tensor "w"`},
		{"value count", func(m *Model) { m.Tensors[1].Data = []float32{1} }, "1 values for 2 elements"},
		{"unknown op input", func(m *Model) { m.Subgraphs[0].Ops[0].Inputs[1] = "nope" }, `unknown tensor "nope"`},
		{"empty subgraph", func(m *Model) { m.Subgraphs[0].Ops = nil }, "has no operators"},
		{"unknown job subgraph", func(m *Model) { m.Jobs[0].Subgraphs = []string{"other"} }, `unknown subgraph "other"`},
		{"invalid job unit", func(m *Model) { m.Jobs[0].Unit = device.Unit(7) }, "invalid unit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(m)
			err := m.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.ErrorContains(t, err, tt.message)
		})
	}

	t.Run("optional inputs are allowed", func(t *testing.T) {
		m := valid()
		m.Subgraphs[0].Ops[0].Inputs = append(m.Subgraphs[0].Ops[0].Inputs, OptionalInput)
		assert.NoError(t, m.Validate())
	})
}

func TestLookups(t *testing.T) {
	m := valid()
	m.Jobs = append(m.Jobs,
		&Job{Name: "acc", Unit: device.Accelerator, Subgraphs: []string{"main"}},
		&Job{Name: "again", Unit: device.CPU, Subgraphs: []string{"main"}})

	i, ok := m.TensorIndex("out")
	assert.True(t, ok)
	assert.Equal(t, 2, i)
	_, ok = m.TensorIndex("missing")
	assert.False(t, ok)
	i, ok = m.SubgraphIndex("main")
	assert.True(t, ok)
	assert.Zero(t, i)
	assert.Equal(t, []device.Unit{device.CPU, device.Accelerator}, m.Units())

	assert.Equal(t, []float32{1, 1, 1}, m.Tensors[0].Values(3))
	assert.Equal(t, []float32{1, 2}, m.Tensors[1].Values(2))
	assert.False(t, m.Tensors[2].HasValues())
}
