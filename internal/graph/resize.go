package graph

import (
	"fmt"
	"maps"
	"slices"

	"github.com/specialistvlad/splitgridgo/internal/arena"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

// ResizeInputTensor changes the shape of a tensor ahead of the next
// AllocateTensors. Asking for the current shape of an allocated tensor is a
// no-op; on an immutable graph only that no-op is allowed.
func (s *Subgraph) ResizeInputTensor(index int, dims []int) error {
	if err := s.checkTensorIndices("resize input", []int{index}); err != nil {
		return err
	}
	t := s.tensors[index]
	if t.SameShape(dims) && (t.HasData() || !t.Kind.InArena()) {
		return nil
	}
	if s.state == StateInvokableAndImmutable {
		return fmt.Errorf("%w: ResizeInputTensor of tensor %d", ErrImmutable, index)
	}
	if err := s.resizeTensorImpl(t, dims); err != nil {
		return err
	}
	s.state = StateUninvokable
	return nil
}

// ResizeInputTensorStrict is ResizeInputTensor limited to the dimensions the
// tensor's signature marks with -1.
func (s *Subgraph) ResizeInputTensorStrict(index int, dims []int) error {
	if err := s.checkTensorIndices("resize input", []int{index}); err != nil {
		return err
	}
	t := s.tensors[index]
	sig := t.DimsSignature
	if sig == nil {
		sig = t.Dims()
	}
	if len(sig) != len(dims) {
		return fmt.Errorf("tensor %d (%s): rank %d does not match signature rank %d", index, t.Name, len(dims), len(sig))
	}
	for i, d := range dims {
		if sig[i] != -1 && sig[i] != d {
			return fmt.Errorf("tensor %d (%s): dimension %d is fixed at %d, got %d", index, t.Name, i, sig[i], d)
		}
	}
	return s.ResizeInputTensor(index, dims)
}

// resizeTensorImpl applies a new shape. The byte size is computed before
// anything is touched, so an overflow leaves the tensor as it was. Arena
// tensors lose their binding until the next allocation pass; dynamic ones get
// a heap buffer of the new size.
func (s *Subgraph) resizeTensorImpl(t *tensor.Tensor, dims []int) error {
	if t.Kind == tensor.MmapRO {
		return fmt.Errorf("tensor %q: %w", t.Name, tensor.ErrFixedSize)
	}
	if t.SameShape(dims) && t.HasData() {
		return nil
	}
	if _, err := tensor.BytesRequired(dims, t.Type); err != nil {
		return fmt.Errorf("resize %q: %w", t.Name, err)
	}
	if err := t.SetDims(dims); err != nil {
		return err
	}
	switch t.Kind {
	case tensor.Dynamic:
		t.Realloc()
	case tensor.ArenaRW, tensor.ArenaPersistent:
		t.Unbind()
	}
	return nil
}

// SetCustomAllocation binds a caller-owned buffer to tensor index. The
// buffer is checked against the tensor at every AllocateTensors: it must be
// non-empty, large enough and aligned to arena.Alignment.
func (s *Subgraph) SetCustomAllocation(index int, buf []byte) error {
	if s.state == StateInvokableAndImmutable {
		return fmt.Errorf("%w: cannot set a custom allocation for tensor %d", ErrImmutable, index)
	}
	if err := s.checkTensorIndices("custom allocation", []int{index}); err != nil {
		return err
	}
	t := s.tensors[index]
	if t.Kind == tensor.MmapRO || t.Kind == tensor.Dynamic {
		return fmt.Errorf("tensor %d (%s): %s tensors cannot take a custom allocation", index, t.Name, t.Kind)
	}
	if err := validateCustom(t, buf); err != nil {
		return fmt.Errorf("tensor %d: %w", index, err)
	}
	t.Kind = tensor.Custom
	s.custom[index] = buf
	s.state = StateUninvokable
	return t.Bind(buf)
}

func validateCustom(t *tensor.Tensor, buf []byte) error {
	if len(buf) == 0 {
		return fmt.Errorf("custom allocation for %q is empty", t.Name)
	}
	if len(buf) < t.Bytes() {
		return fmt.Errorf("custom allocation for %q has %d bytes, tensor needs %d", t.Name, len(buf), t.Bytes())
	}
	if !tensor.Aligned(buf, arena.Alignment) {
		return fmt.Errorf("custom allocation for %q is not aligned to %d bytes", t.Name, arena.Alignment)
	}
	return nil
}

func (s *Subgraph) validateCustomAllocations() error {
	for _, idx := range slices.Sorted(maps.Keys(s.custom)) {
		t := s.tensors[idx]
		if err := validateCustom(t, s.custom[idx]); err != nil {
			return fmt.Errorf("tensor %d: %w", idx, err)
		}
		if err := t.Bind(s.custom[idx]); err != nil {
			return err
		}
	}
	return nil
}
