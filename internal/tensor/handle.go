package tensor

import (
	"fmt"
	"slices"
	"sync/atomic"
)

// Handle is a loan of a tensor's buffer to another execution loop. The
// borrower has the bytes to itself until it calls Release or Adopt; the
// lender must not write them in the meantime.
type Handle struct {
	owner    *Tensor
	data     []byte
	dims     []int
	typ      DataType
	released atomic.Bool
}

// Lend hands the current buffer out. It fails when the tensor has no data or
// an earlier loan is still outstanding.
func (t *Tensor) Lend() (*Handle, error) {
	if t.data == nil {
		return nil, fmt.Errorf("lend %q: %w", t.Name, ErrNoData)
	}
	if !t.lent.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("lend %q: %w", t.Name, ErrLent)
	}
	return &Handle{owner: t, data: t.data, dims: slices.Clone(t.dims), typ: t.Type}, nil
}

// Lent reports whether a Handle for this tensor is outstanding.
func (t *Tensor) Lent() bool { return t.lent.Load() }

// Bytes returns the borrowed buffer.
func (h *Handle) Bytes() []byte { return h.data }

// Dims returns the shape the buffer had when it was lent.
func (h *Handle) Dims() []int { return slices.Clone(h.dims) }

// Type returns the element type.
func (h *Handle) Type() DataType { return h.typ }

// Owner names the lending tensor.
func (h *Handle) Owner() string { return h.owner.Name }

// Release returns the loan. Calling it more than once is harmless.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.owner.lent.Store(false)
	}
}

// Adopt makes t refer to the borrowed bytes instead of its own buffer and
// then releases the loan. The old buffer of t is dropped. The byte sizes must
// agree.
func (t *Tensor) Adopt(h *Handle) error {
	if h.released.Load() {
		return fmt.Errorf("adopt into %q: handle from %q already released", t.Name, h.owner.Name)
	}
	if len(h.data) != t.bytes {
		return fmt.Errorf("adopt into %q: handle holds %d bytes, tensor needs %d", t.Name, len(h.data), t.bytes)
	}
	t.data = h.data
	h.Release()
	return nil
}
