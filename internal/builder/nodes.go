package builder

import (
	"fmt"
	"slices"

	"github.com/specialistvlad/splitgridgo/internal/config"
	"github.com/specialistvlad/splitgridgo/internal/graph"
	"github.com/specialistvlad/splitgridgo/internal/kernels"
)

// addNodes appends the subgraph's operators in declaration order, which is
// also their execution order.
func (b *Builder) addNodes(s *graph.Subgraph, sg *config.Subgraph, model *config.Model) error {
	for i, op := range sg.Ops {
		reg, err := b.reg.Lookup(op.Kind)
		if err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
		inputs, err := indices(model, op.Inputs, true)
		if err != nil {
			return fmt.Errorf("op %d (%s): %w", i, op.Kind, err)
		}
		outputs, err := indices(model, op.Outputs, false)
		if err != nil {
			return fmt.Errorf("op %d (%s): %w", i, op.Kind, err)
		}
		if _, err := s.AddNode(inputs, outputs, nil, nil, params(reg, op), reg); err != nil {
			return fmt.Errorf("op %d (%s): %w", i, op.Kind, err)
		}
	}
	return nil
}

func params(reg *graph.Registration, op *config.Op) any {
	if reg.Custom {
		return nil
	}
	switch reg.Code {
	case kernels.BuiltinConv2D:
		return &kernels.ConvParams{FusedReLU: op.FusedReLU}
	case kernels.BuiltinConcatenation:
		if op.Axis != nil {
			return &kernels.ConcatParams{Axis: *op.Axis}
		}
	case kernels.BuiltinReshape:
		if op.Shape != nil {
			return &kernels.ReshapeParams{Shape: slices.Clone(op.Shape)}
		}
	}
	return nil
}

// declareIO sets the subgraph's inputs and outputs and the variable tensors
// its operators touch.
func declareIO(s *graph.Subgraph, sg *config.Subgraph, model *config.Model) error {
	inputs, err := indices(model, sg.Inputs, false)
	if err != nil {
		return fmt.Errorf("inputs: %w", err)
	}
	outputs, err := indices(model, sg.Outputs, false)
	if err != nil {
		return fmt.Errorf("outputs: %w", err)
	}
	if err := s.SetInputs(inputs); err != nil {
		return err
	}
	if err := s.SetOutputs(outputs); err != nil {
		return err
	}

	var variables []int
	for _, op := range sg.Ops {
		for _, name := range slices.Concat(op.Inputs, op.Outputs) {
			idx, ok := model.TensorIndex(name)
			if ok && model.Tensors[idx].Variable && !slices.Contains(variables, idx) {
				variables = append(variables, idx)
			}
		}
	}
	slices.Sort(variables)
	return s.SetVariables(variables)
}

// indices resolves tensor names. optional allows config.OptionalInput.
func indices(model *config.Model, names []string, optional bool) ([]int, error) {
	out := make([]int, 0, len(names))
	for _, name := range names {
		if optional && name == config.OptionalInput {
			out = append(out, graph.OptionalTensor)
			continue
		}
		idx, ok := model.TensorIndex(name)
		if !ok {
			return nil, fmt.Errorf("unknown tensor %q", name)
		}
		out = append(out, idx)
	}
	return out, nil
}
