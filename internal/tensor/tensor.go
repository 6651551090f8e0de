// Package tensor defines the typed, shaped byte buffers that flow through a
// subgraph, together with the size arithmetic every allocation depends on.
//
// # Invariant
//
// A tensor's Bytes always equals the product of its dimensions times the
// element size of its type. Every method that changes Dims recomputes Bytes
// through BytesRequired, which refuses to produce a size that would overflow
// the native int.
//
// # Ownership
//
// A tensor's buffer is owned by the subgraph that holds the tensor. When a
// buffer has to cross into another execution loop it is lent out as a Handle:
// the tensor refuses a second loan until the Handle is released, and a
// consumer that wants to keep the bytes adopts the Handle instead of copying.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrOverflow is returned when a shape's byte size does not fit in an int.
	ErrOverflow = errors.New("tensor: byte size overflows")
	// ErrFixedSize is returned when resizing an externally mapped tensor.
	ErrFixedSize = errors.New("tensor: attempting to resize a fixed-size tensor")
	// ErrLent is returned when lending a buffer that is already out on loan.
	ErrLent = errors.New("tensor: buffer is already lent")
	// ErrNoData is returned when an operation needs bytes that were never bound.
	ErrNoData = errors.New("tensor: no data bound")
)

// AllocationKind says who provides a tensor's bytes.
type AllocationKind int

const (
	MemNone AllocationKind = iota
	// ArenaRW tensors live in the allocator's scratch region.
	ArenaRW
	// ArenaPersistent tensors live in the allocator's persistent region.
	ArenaPersistent
	// MmapRO tensors point at constant data supplied by the model.
	MmapRO
	// Custom tensors point at a caller supplied buffer.
	Custom
	// Dynamic tensors own a heap buffer sized on every resize.
	Dynamic
)

func (k AllocationKind) String() string {
	switch k {
	case MemNone:
		return "none"
	case ArenaRW:
		return "arena"
	case ArenaPersistent:
		return "persistent"
	case MmapRO:
		return "constant"
	case Custom:
		return "custom"
	case Dynamic:
		return "dynamic"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind accepts the names produced by AllocationKind.String.
func ParseKind(s string) (AllocationKind, error) {
	switch s {
	case "", "arena":
		return ArenaRW, nil
	case "persistent":
		return ArenaPersistent, nil
	case "constant":
		return MmapRO, nil
	case "custom":
		return Custom, nil
	case "dynamic":
		return Dynamic, nil
	}
	return MemNone, fmt.Errorf("unknown allocation kind %q", s)
}

// InArena reports whether the allocator is responsible for this kind.
func (k AllocationKind) InArena() bool {
	return k == ArenaRW || k == ArenaPersistent
}

// BytesRequired returns the byte size of a tensor with the given dims and
// type. A negative dimension or an intermediate product that overflows int
// is an error; no partial result is returned.
func BytesRequired(dims []int, typ DataType) (int, error) {
	size, err := typ.Size()
	if err != nil {
		return 0, err
	}
	count := 1
	for i, d := range dims {
		if d < 0 {
			return 0, fmt.Errorf("tensor: dimension %d is negative (%d)", i, d)
		}
		if count, err = mulChecked(count, d); err != nil {
			return 0, fmt.Errorf("%w: dims %v", err, dims)
		}
	}
	bytes, err := mulChecked(count, size)
	if err != nil {
		return 0, fmt.Errorf("%w: dims %v of %s", err, dims, typ)
	}
	return bytes, nil
}

func mulChecked(a, b int) (int, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a > math.MaxInt/b {
		return 0, ErrOverflow
	}
	return a * b, nil
}

// Tensor is one slot of a subgraph's tensor table.
type Tensor struct {
	Name string
	Type DataType
	Kind AllocationKind

	// DimsSignature holds the declared shape with -1 for dimensions that may
	// change. Nil means every dimension is fixed.
	DimsSignature []int
	IsVariable    bool

	// Delegate names the transformation whose kernel produces this tensor.
	Delegate string
	// DataIsStale is set by a transformation when the host copy lags behind
	// the executor that produced it.
	DataIsStale bool

	dims  []int
	bytes int
	data  []byte
	lent  atomic.Bool
}

// New returns a tensor of the given type and shape with no bytes bound.
func New(name string, typ DataType, kind AllocationKind, dims []int) (*Tensor, error) {
	t := &Tensor{Name: name, Type: typ, Kind: kind}
	if err := t.SetDims(dims); err != nil {
		return nil, err
	}
	return t, nil
}

// Dims returns a copy of the shape.
func (t *Tensor) Dims() []int { return slices.Clone(t.dims) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.dims) }

// Dim returns dimension i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.dims)
	}
	return t.dims[i]
}

// Bytes is the byte size implied by Dims and Type.
func (t *Tensor) Bytes() int { return t.bytes }

// Data returns the bound buffer, or nil.
func (t *Tensor) Data() []byte { return t.data }

// HasData reports whether a buffer is bound.
func (t *Tensor) HasData() bool { return t.data != nil }

// NumElements returns the product of the dimensions.
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.dims {
		n *= d
	}
	return n
}

// SameShape reports whether dims equals the current shape.
func (t *Tensor) SameShape(dims []int) bool { return slices.Equal(t.dims, dims) }

// SetDims replaces the shape and recomputes Bytes. The buffer is untouched,
// so callers that change the size must rebind or reallocate.
func (t *Tensor) SetDims(dims []int) error {
	bytes, err := BytesRequired(dims, t.Type)
	if err != nil {
		return err
	}
	t.dims = slices.Clone(dims)
	t.bytes = bytes
	return nil
}

// Bind points the tensor at buf. buf must hold at least Bytes bytes and is
// trimmed to exactly Bytes.
func (t *Tensor) Bind(buf []byte) error {
	if buf == nil {
		t.data = nil
		return nil
	}
	if len(buf) < t.bytes {
		return fmt.Errorf("tensor %q: buffer of %d bytes is smaller than %d", t.Name, len(buf), t.bytes)
	}
	t.data = buf[:t.bytes:t.bytes]
	return nil
}

// Unbind drops the buffer reference.
func (t *Tensor) Unbind() { t.data = nil }

// Realloc gives a dynamic tensor a fresh heap buffer of Bytes bytes when the
// current one is missing or the wrong size.
func (t *Tensor) Realloc() {
	if t.data != nil && len(t.data) == t.bytes {
		return
	}
	t.data = make([]byte, t.bytes)
}

// Zero clears the bound buffer.
func (t *Tensor) Zero() {
	clear(t.data)
}

// Float32s views the buffer as float32 values without copying.
func (t *Tensor) Float32s() []float32 {
	return Float32View(t.data)
}

// Int32s views the buffer as int32 values without copying.
func (t *Tensor) Int32s() []int32 {
	if len(t.data) < 4 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&t.data[0])), len(t.data)/4)
}

// Float32View reinterprets b as float32 values. b must come from a buffer
// with at least 4-byte alignment, which every allocator in this module
// guarantees.
func Float32View(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// Aligned reports whether the buffer starts on an align-byte boundary.
func Aligned(b []byte, align int) bool {
	if len(b) == 0 {
		return false
	}
	return uintptr(unsafe.Pointer(&b[0]))%uintptr(align) == 0
}

// AlignedBuffer allocates n bytes starting on an align-byte boundary.
func AlignedBuffer(n, align int) []byte {
	raw := make([]byte, n+align)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(align)); rem != 0 {
		off = align - rem
	}
	return raw[off : off+n : off+n]
}

// Float32Bytes returns a new aligned buffer holding values.
func Float32Bytes(values []float32) []byte {
	buf := AlignedBuffer(len(values)*4, 64)
	copy(Float32View(buf), values)
	return buf
}

// Int32Bytes returns a new aligned buffer holding values.
func Int32Bytes(values []int32) []byte {
	buf := AlignedBuffer(len(values)*4, 64)
	if len(values) > 0 {
		copy(unsafe.Slice((*int32)(unsafe.Pointer(&buf[0])), len(values)), values)
	}
	return buf
}
