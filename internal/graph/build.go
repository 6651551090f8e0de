package graph

import (
	"fmt"
	"slices"

	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

// AddTensors appends n empty tensor slots and returns the index of the first.
func (s *Subgraph) AddTensors(n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("cannot add %d tensors", n)
	}
	first := len(s.tensors)
	for i := 0; i < n; i++ {
		s.tensors = append(s.tensors, &tensor.Tensor{})
	}
	return first, nil
}

// SetTensorParametersReadOnly turns slot index into a constant tensor backed
// by buf. buf must be exactly the size implied by dims and typ.
func (s *Subgraph) SetTensorParametersReadOnly(index int, typ tensor.DataType, name string, dims []int, buf []byte) error {
	if s.state == StateInvokableAndImmutable {
		return fmt.Errorf("%w: cannot set parameters of tensor %d", ErrImmutable, index)
	}
	if err := s.checkTensorIndices("read-only tensor", []int{index}); err != nil {
		return err
	}
	required, err := tensor.BytesRequired(dims, typ)
	if err != nil {
		return err
	}
	if len(buf) != required {
		return fmt.Errorf("tensor %d (%s): buffer has %d bytes, shape needs %d", index, name, len(buf), required)
	}

	t := s.tensors[index]
	if t.Type != typ || !t.SameShape(dims) || t.Kind != tensor.MmapRO {
		s.state = StateUninvokable
	}
	t.Name, t.Type, t.Kind = name, typ, tensor.MmapRO
	if err := t.SetDims(dims); err != nil {
		return err
	}
	return t.Bind(buf)
}

// SetTensorParametersReadWrite declares an arena-allocated tensor. Variable
// tensors live in the persistent region and are zeroed on every allocation.
// signature may mark resizable dimensions with -1; nil means none.
func (s *Subgraph) SetTensorParametersReadWrite(index int, typ tensor.DataType, name string, dims, signature []int, isVariable bool) error {
	if s.state == StateInvokableAndImmutable {
		return fmt.Errorf("%w: cannot set parameters of tensor %d", ErrImmutable, index)
	}
	if err := s.checkTensorIndices("read-write tensor", []int{index}); err != nil {
		return err
	}
	if signature != nil && len(signature) != len(dims) {
		return fmt.Errorf("tensor %d (%s): signature rank %d differs from shape rank %d", index, name, len(signature), len(dims))
	}

	t := s.tensors[index]
	kind := tensor.ArenaRW
	if isVariable {
		kind = tensor.ArenaPersistent
	}
	t.Name, t.Type, t.Kind, t.IsVariable = name, typ, kind, isVariable
	t.DimsSignature = slices.Clone(signature)
	if err := t.SetDims(dims); err != nil {
		return err
	}
	t.Unbind()
	s.state = StateUninvokable
	return nil
}

// MarkDynamic moves a tensor out of the arena onto its own heap buffer that
// follows every resize.
func (s *Subgraph) MarkDynamic(index int) error {
	if s.state == StateInvokableAndImmutable {
		return fmt.Errorf("%w: cannot make tensor %d dynamic", ErrImmutable, index)
	}
	if err := s.checkTensorIndices("dynamic tensor", []int{index}); err != nil {
		return err
	}
	t := s.tensors[index]
	if t.Kind == tensor.Dynamic {
		return nil
	}
	if t.Kind == tensor.MmapRO {
		return fmt.Errorf("tensor %d (%s): %w", index, t.Name, tensor.ErrFixedSize)
	}
	t.Kind = tensor.Dynamic
	t.Unbind()
	t.Realloc()
	s.state = StateUninvokable
	return nil
}

// SetInputs declares the subgraph inputs.
func (s *Subgraph) SetInputs(inputs []int) error {
	if err := s.checkTensorIndices("inputs", inputs); err != nil {
		return err
	}
	s.inputs = slices.Clone(inputs)
	return nil
}

// SetOutputs declares the subgraph outputs.
func (s *Subgraph) SetOutputs(outputs []int) error {
	if err := s.checkTensorIndices("outputs", outputs); err != nil {
		return err
	}
	s.outputs = slices.Clone(outputs)
	return nil
}

// SetVariables declares the variable tensors.
func (s *Subgraph) SetVariables(variables []int) error {
	if err := s.checkTensorIndices("variables", variables); err != nil {
		return err
	}
	s.variables = slices.Clone(variables)
	return nil
}

// AddNode appends an operator to the node table and to the end of the
// execution plan and returns its index.
func (s *Subgraph) AddNode(inputs, outputs, intermediates []int, initData []byte, params any, reg *Registration) (int, error) {
	if s.state == StateInvokableAndImmutable {
		return 0, fmt.Errorf("%w: AddNode is disallowed", ErrImmutable)
	}
	idx, err := s.addNode(inputs, outputs, intermediates, initData, params, reg)
	if err != nil {
		return 0, err
	}
	s.plan = append(s.plan, idx)
	return idx, nil
}

func (s *Subgraph) addNode(inputs, outputs, intermediates []int, initData []byte, params any, reg *Registration) (int, error) {
	if reg == nil {
		return 0, fmt.Errorf("node %d has no registration", len(s.nodes))
	}
	s.state = StateUninvokable

	if err := s.checkTensorIndices("node inputs", inputs); err != nil {
		return 0, err
	}
	if err := s.checkTensorIndices("node outputs", outputs); err != nil {
		return 0, err
	}
	if err := s.checkTensorIndices("node intermediates", intermediates); err != nil {
		return 0, err
	}
	if !reg.Custom {
		for _, in := range inputs {
			if in != OptionalTensor && slices.Contains(outputs, in) {
				s.consistent = false
				return 0, fmt.Errorf("%s: tensor %d is both input and output of node %d", reg.Name, in, len(s.nodes))
			}
		}
	}

	s.nodes = append(s.nodes, &Node{
		Inputs:        slices.Clone(inputs),
		Outputs:       slices.Clone(outputs),
		Intermediates: slices.Clone(intermediates),
		InitData:      initData,
		Params:        params,
		Registration:  reg,
	})
	return len(s.nodes) - 1, nil
}

// SetExecutionPlan replaces the invocation order. Every entry must name an
// existing node at most once.
func (s *Subgraph) SetExecutionPlan(plan []int) error {
	if s.state == StateInvokableAndImmutable {
		return fmt.Errorf("%w: SetExecutionPlan is disallowed", ErrImmutable)
	}
	seen := make(map[int]bool, len(plan))
	for _, idx := range plan {
		if idx < 0 || idx >= len(s.nodes) {
			return fmt.Errorf("execution plan names node %d, have %d nodes", idx, len(s.nodes))
		}
		if seen[idx] {
			return fmt.Errorf("execution plan names node %d twice", idx)
		}
		seen[idx] = true
	}
	s.plan = slices.Clone(plan)
	s.state = StateUninvokable
	return nil
}
