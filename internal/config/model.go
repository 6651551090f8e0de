package config

import (
	"github.com/zclconf/go-cty/cty"

	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

// Scheduler transports.
const (
	TransportNone     = ""
	TransportUnix     = "unix"
	TransportSocketIO = "socketio"
)

// OptionalInput marks an absent operator input.
const OptionalInput = "-"

// Model is the unified, format-agnostic representation of a runtime
// description.
type Model struct {
	// Variables holds the evaluated `variables` attributes.
	Variables   map[string]cty.Value
	Runtime     Runtime
	Partition   *Partition
	Accelerator Accelerator
	// Tensors are in declaration order; a tensor's position is its index in
	// every subgraph.
	Tensors   []*Tensor
	Subgraphs []*Subgraph
	Jobs      []*Job
}

// Runtime describes this runtime's link to the scheduler.
type Runtime struct {
	// ID 0 asks the scheduler for one.
	ID         int
	Scheduler  string
	Transport  string
	Namespace  string
	Iterations int
}

// Partition is the co-execution split used when no scheduler sends a plan.
// Unit is where the default job runs when no job is declared.
type Partition struct {
	Ratio int
	Unit  device.Unit
}

// Accelerator configures the simulated accelerator delegate.
type Accelerator struct {
	// Ops lists operator kinds the delegate claims. Empty means its default.
	Ops          []string
	AllowDynamic bool
}

// Tensor is the format-agnostic representation of a `tensor` block.
type Tensor struct {
	Name      string
	Type      tensor.DataType
	Shape     []int
	Signature []int
	Kind      tensor.AllocationKind
	Variable  bool
	// Data holds explicit values; Fill repeats one value. Constant tensors
	// need one of the two, other tensors use them as initial input values.
	Data []float32
	Fill *float32
}

// HasValues reports whether the tensor carries initial values.
func (t *Tensor) HasValues() bool { return t.Data != nil || t.Fill != nil }

// Values expands Data or Fill to n elements.
func (t *Tensor) Values(n int) []float32 {
	out := make([]float32, n)
	switch {
	case t.Data != nil:
		copy(out, t.Data)
	case t.Fill != nil:
		for i := range out {
			out[i] = *t.Fill
		}
	}
	return out
}

// Subgraph is the format-agnostic representation of a `subgraph` block.
type Subgraph struct {
	Name    string
	Inputs  []string
	Outputs []string
	Ops     []*Op
}

// Op is one operator of a subgraph.
type Op struct {
	Kind    string
	Inputs  []string
	Outputs []string
	// Axis is set for CONCATENATION.
	Axis *int
	// Shape is the static RESHAPE target.
	Shape     []int
	FusedReLU bool
}

// Job runs a contiguous list of subgraphs on one unit.
type Job struct {
	Name      string
	Unit      device.Unit
	Subgraphs []string
}

// TensorIndex returns the index of the named tensor.
func (m *Model) TensorIndex(name string) (int, bool) {
	for i, t := range m.Tensors {
		if t.Name == name {
			return i, true
		}
	}
	return 0, false
}

// SubgraphIndex returns the index of the named subgraph.
func (m *Model) SubgraphIndex(name string) (int, bool) {
	for i, s := range m.Subgraphs {
		if s.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Units returns the units named by the jobs, in first-use order.
func (m *Model) Units() []device.Unit {
	var units []device.Unit
	seen := make(map[device.Unit]bool)
	for _, j := range m.Jobs {
		if !seen[j.Unit] {
			seen[j.Unit] = true
			units = append(units, j.Unit)
		}
	}
	return units
}
