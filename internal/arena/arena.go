// Package arena is the allocator behind a subgraph's arena tensors.
//
// The allocator works in explicit steps so the lifetime of every region is
// visible to the caller:
//
//	layout, err := a.Plan(requests)     // decide offsets, touch nothing
//	bindings, err := a.Commit(layout)   // size the regions, hand out slices
//	a.ReleaseScratch()                  // give scratch memory back between runs
//	bindings, err = a.ReacquireScratch() // get it back before the next run
//
// Offsets are assigned by appending to the committed layout. A tensor keeps
// its slot across plans while its size is unchanged, so data written into an
// input survives re-planning. How offsets could be packed more tightly is left
// to a smarter planner; this one only guarantees alignment and stability.
package arena

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

// Alignment is the byte alignment of every slot and region.
const Alignment = 64

// ErrReleased is returned by Commit while scratch memory is released.
var ErrReleased = errors.New("arena: scratch memory is released")

// Request asks for Bytes bytes on behalf of tensor index Tensor.
type Request struct {
	Tensor     int
	Bytes      int
	Persistent bool
}

// Slot is a planned placement.
type Slot struct {
	Offset     int
	Size       int
	Persistent bool
}

// Layout maps tensor indices to slots.
type Layout struct {
	Slots          map[int]Slot
	ScratchSize    int
	PersistentSize int
}

// Bindings maps tensor indices to the slices they should bind to.
type Bindings map[int][]byte

// Allocator owns a scratch region and a persistent region.
type Allocator struct {
	pool       *Pool
	committed  Layout
	scratch    []byte
	persistent []byte
	released   bool
}

// New creates an allocator drawing regions from pool. A nil pool gets a
// private one.
func New(pool *Pool) *Allocator {
	if pool == nil {
		pool = NewPool()
	}
	return &Allocator{pool: pool, committed: Layout{Slots: map[int]Slot{}}}
}

// Plan extends the committed layout with the given requests. Requests whose
// tensor already has a slot of the same size and region keep it.
func (a *Allocator) Plan(reqs []Request) (Layout, error) {
	l := Layout{
		Slots:          maps.Clone(a.committed.Slots),
		ScratchSize:    a.committed.ScratchSize,
		PersistentSize: a.committed.PersistentSize,
	}
	for _, r := range reqs {
		if r.Bytes < 0 {
			return Layout{}, fmt.Errorf("arena: tensor %d requests %d bytes", r.Tensor, r.Bytes)
		}
		if s, ok := l.Slots[r.Tensor]; ok && s.Size == r.Bytes && s.Persistent == r.Persistent {
			continue
		}
		size := alignUp(r.Bytes)
		if r.Persistent {
			l.Slots[r.Tensor] = Slot{Offset: l.PersistentSize, Size: r.Bytes, Persistent: true}
			l.PersistentSize += size
		} else {
			l.Slots[r.Tensor] = Slot{Offset: l.ScratchSize, Size: r.Bytes}
			l.ScratchSize += size
		}
	}
	return l, nil
}

// Commit grows the regions to fit l and returns a binding for every slot.
// Bytes already committed are carried over when a region has to grow.
func (a *Allocator) Commit(l Layout) (Bindings, error) {
	if a.released {
		return nil, ErrReleased
	}
	a.scratch = a.grow(a.scratch, l.ScratchSize)
	a.persistent = a.grow(a.persistent, l.PersistentSize)
	a.committed = l
	return a.bindings(func(Slot) bool { return true }), nil
}

// Reset forgets every scratch slot. Persistent slots survive.
func (a *Allocator) Reset() {
	kept := make(map[int]Slot)
	for idx, s := range a.committed.Slots {
		if s.Persistent {
			kept[idx] = s
		}
	}
	a.committed.Slots = kept
	a.committed.ScratchSize = 0
}

// Forget drops the slots of the given tensors. Their space is not reused
// until the next Reset.
func (a *Allocator) Forget(tensors []int) {
	for _, idx := range tensors {
		if s, ok := a.committed.Slots[idx]; ok && !s.Persistent {
			delete(a.committed.Slots, idx)
		}
	}
}

// ReleaseScratch returns the scratch region to the pool. Tensors bound to it
// must not be touched until ReacquireScratch.
func (a *Allocator) ReleaseScratch() {
	if a.released {
		return
	}
	a.pool.Put(a.scratch)
	a.scratch = nil
	a.released = true
}

// ReacquireScratch brings back a zeroed scratch region of the committed size
// and returns the bindings that moved. It returns nil when nothing was
// released.
func (a *Allocator) ReacquireScratch() (Bindings, error) {
	if !a.released {
		return nil, nil
	}
	a.scratch = a.pool.Get(a.committed.ScratchSize)
	a.released = false
	return a.bindings(func(s Slot) bool { return !s.Persistent }), nil
}

// Released reports whether scratch memory is currently given back.
func (a *Allocator) Released() bool { return a.released }

// Committed returns a copy of the committed layout.
func (a *Allocator) Committed() Layout {
	return Layout{
		Slots:          maps.Clone(a.committed.Slots),
		ScratchSize:    a.committed.ScratchSize,
		PersistentSize: a.committed.PersistentSize,
	}
}

// Close returns every region to the pool.
func (a *Allocator) Close() {
	a.pool.Put(a.scratch)
	a.pool.Put(a.persistent)
	a.scratch, a.persistent = nil, nil
	a.committed = Layout{Slots: map[int]Slot{}}
}

func (a *Allocator) grow(region []byte, size int) []byte {
	if size <= len(region) {
		return region
	}
	next := a.pool.Get(size)
	copy(next, region)
	a.pool.Put(region)
	return next
}

func (a *Allocator) bindings(keep func(Slot) bool) Bindings {
	out := make(Bindings, len(a.committed.Slots))
	for _, idx := range slices.Sorted(maps.Keys(a.committed.Slots)) {
		s := a.committed.Slots[idx]
		if !keep(s) {
			continue
		}
		region := a.scratch
		if s.Persistent {
			region = a.persistent
		}
		out[idx] = region[s.Offset : s.Offset+s.Size : s.Offset+s.Size]
	}
	return out
}

func alignUp(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

func alignedAlloc(n int) []byte {
	return tensor.AlignedBuffer(n, Alignment)
}
