package builder

import (
	"fmt"

	"github.com/specialistvlad/splitgridgo/internal/config"
	"github.com/specialistvlad/splitgridgo/internal/graph"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

// declareTensors gives s the full tensor table of the model. Every subgraph
// shares one index space, so a tensor index means the same tensor in all of
// them.
func declareTensors(s *graph.Subgraph, model *config.Model) error {
	if _, err := s.AddTensors(len(model.Tensors)); err != nil {
		return err
	}
	for i, t := range model.Tensors {
		if t.Kind == tensor.MmapRO {
			buf, err := constantBytes(t)
			if err != nil {
				return err
			}
			if err := s.SetTensorParametersReadOnly(i, t.Type, t.Name, t.Shape, buf); err != nil {
				return fmt.Errorf("tensor %q: %w", t.Name, err)
			}
			continue
		}
		if err := s.SetTensorParametersReadWrite(i, t.Type, t.Name, t.Shape, t.Signature, t.Variable); err != nil {
			return fmt.Errorf("tensor %q: %w", t.Name, err)
		}
		switch t.Kind {
		case tensor.Dynamic:
			if err := s.MarkDynamic(i); err != nil {
				return err
			}
		case tensor.Custom:
			n, err := tensor.BytesRequired(t.Shape, t.Type)
			if err != nil {
				return fmt.Errorf("tensor %q: %w", t.Name, err)
			}
			if err := s.SetCustomAllocation(i, tensor.AlignedBuffer(max(n, 1), 64)); err != nil {
				return err
			}
		}
	}
	return nil
}

func constantBytes(t *config.Tensor) ([]byte, error) {
	values := t.Values(elements(t.Shape))
	switch t.Type {
	case tensor.Float32:
		return tensor.Float32Bytes(values), nil
	case tensor.Int32:
		ints := make([]int32, len(values))
		for i, v := range values {
			ints[i] = int32(v)
		}
		return tensor.Int32Bytes(ints), nil
	default:
		return nil, fmt.Errorf("tensor %q: constants of type %s are not supported", t.Name, t.Type)
	}
}

// FillInputs writes the declared values of every input tensor that carries
// them. The subgraphs must be allocated.
func FillInputs(model *config.Model, subgraphs ...*graph.Subgraph) error {
	for _, s := range subgraphs {
		for _, idx := range s.Inputs() {
			decl := model.Tensors[idx]
			if !decl.HasValues() || decl.Kind == tensor.MmapRO {
				continue
			}
			t := s.Tensor(idx)
			if !t.HasData() {
				return fmt.Errorf("builder: input %q of %s: %w", decl.Name, s.Name(), tensor.ErrNoData)
			}
			switch t.Type {
			case tensor.Float32:
				copy(t.Float32s(), decl.Values(t.NumElements()))
			case tensor.Int32:
				dst := t.Int32s()
				for i, v := range decl.Values(t.NumElements()) {
					dst[i] = int32(v)
				}
			default:
				return fmt.Errorf("builder: input %q has unsupported type %s", decl.Name, t.Type)
			}
		}
	}
	return nil
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
