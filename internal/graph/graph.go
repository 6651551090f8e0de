// Package graph implements the per-process graph runtime: a subgraph owns a
// tensor table, an operator table and an execution plan, and moves through a
// small state machine as it is built, allocated, transformed and invoked.
//
// # State machine
//
//	Uninvokable ──AllocateTensors──▶ Invokable
//	     ▲                              │
//	     └── AddNode / resize / undo ───┘
//	Invokable ──ApplyTransformation (static shapes)──▶ InvokableAndImmutable
//
// InvokableAndImmutable rejects every structural edit until the
// transformation is undone.
//
// # Capabilities
//
// Kernels receive a KernelContext. A transformation receives a
// DelegateContext, which adds plan inspection and node replacement, and only
// for the duration of ApplyTransformation. A DelegateContext retained past
// that point answers every widened call with ErrForbidden.
//
// # Concurrency
//
// A Subgraph is not safe for concurrent use. Exactly one execution loop
// invokes a given subgraph at a time; cross-loop traffic goes through the
// handoff queue and the pipeline stitcher, which own their own locks.
package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/specialistvlad/splitgridgo/internal/arena"
	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

var (
	ErrImmutable      = errors.New("graph: graph is immutable")
	ErrNotInvokable   = errors.New("graph: graph is not invokable")
	ErrInconsistent   = errors.New("graph: graph is in an inconsistent state")
	ErrDelegateFailed = errors.New("graph: delegate failed")
	ErrForbidden      = errors.New("graph: call is only allowed while a delegate is being applied")
	ErrCancelled      = errors.New("graph: invocation cancelled")
	// ErrHalt may be returned by an Observer to end an invocation early
	// without reporting a failure.
	ErrHalt = errors.New("graph: invocation halted")
)

// State is the invokability of a subgraph.
type State int

const (
	StateUninvokable State = iota
	StateInvokable
	StateInvokableAndImmutable
)

func (s State) String() string {
	switch s {
	case StateUninvokable:
		return "uninvokable"
	case StateInvokable:
		return "invokable"
	case StateInvokableAndImmutable:
		return "invokable-immutable"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Partition is the device-split setting attached to a subgraph.
type Partition struct {
	Enabled bool
	Ratio   int
	Unit    device.Unit
}

// Subgraph is one independently invokable graph.
type Subgraph struct {
	name   string
	logger *slog.Logger

	tensors   []*tensor.Tensor
	nodes     []*Node
	plan      []int
	inputs    []int
	outputs   []int
	variables []int

	state      State
	consistent bool

	alloc            *arena.Allocator
	custom           map[int][]byte
	nextToPrepare    int
	allocatedThrough int
	hasDynamic       bool

	resizedSinceInvoke bool

	delegates          []Delegate
	delegatesUndone    bool
	preDelegationPlan  []int
	preDelegationNodes int

	observer  Observer
	partition Partition
	kctx      kernelContext
}

// New creates an empty subgraph. A nil logger uses slog.Default; a nil pool
// gives the subgraph a private arena pool.
func New(name string, logger *slog.Logger, pool *arena.Pool) *Subgraph {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subgraph{
		name:       name,
		logger:     logger.With("subgraph", name),
		consistent: true,
		alloc:      arena.New(pool),
		custom:     make(map[int][]byte),
	}
	s.kctx.s = s
	return s
}

func (s *Subgraph) Name() string            { return s.name }
func (s *Subgraph) Logger() *slog.Logger    { return s.logger }
func (s *Subgraph) State() State            { return s.state }
func (s *Subgraph) Consistent() bool        { return s.consistent }
func (s *Subgraph) NumTensors() int         { return len(s.tensors) }
func (s *Subgraph) NumNodes() int           { return len(s.nodes) }
func (s *Subgraph) Inputs() []int           { return slices.Clone(s.inputs) }
func (s *Subgraph) Outputs() []int          { return slices.Clone(s.outputs) }
func (s *Subgraph) Variables() []int        { return slices.Clone(s.variables) }
func (s *Subgraph) ExecutionPlan() []int    { return slices.Clone(s.plan) }
func (s *Subgraph) Partition() Partition    { return s.partition }
func (s *Subgraph) HasDynamicTensors() bool { return s.hasDynamic }

// SetPartition records the device-split setting for this subgraph.
func (s *Subgraph) SetPartition(p Partition) { s.partition = p }

// SetObserver installs a hook called after every operator invocation.
func (s *Subgraph) SetObserver(o Observer) { s.observer = o }

// Tensor returns tensor index i, or nil when out of range.
func (s *Subgraph) Tensor(i int) *tensor.Tensor {
	if i < 0 || i >= len(s.tensors) {
		return nil
	}
	return s.tensors[i]
}

// Node returns node index i, or nil when out of range.
func (s *Subgraph) Node(i int) *Node {
	if i < 0 || i >= len(s.nodes) {
		return nil
	}
	return s.nodes[i]
}

// FirstOpName returns the registration name of the first planned operator.
func (s *Subgraph) FirstOpName() string {
	if len(s.plan) == 0 {
		return ""
	}
	return s.nodes[s.plan[0]].Name()
}

// FirstNode returns the first planned operator, or nil for an empty plan.
func (s *Subgraph) FirstNode() *Node {
	if len(s.plan) == 0 {
		return nil
	}
	return s.nodes[s.plan[0]]
}

// ReleaseScratch gives the arena's scratch memory back between runs. The
// next AllocateTensors reacquires it.
func (s *Subgraph) ReleaseScratch() {
	s.alloc.ReleaseScratch()
	for _, t := range s.tensors {
		if t.Kind == tensor.ArenaRW {
			t.Unbind()
		}
	}
}

// Close returns arena memory to the pool.
func (s *Subgraph) Close() {
	s.alloc.Close()
	for _, t := range s.tensors {
		if t.Kind.InArena() {
			t.Unbind()
		}
	}
	s.state = StateUninvokable
}

func (s *Subgraph) checkTensorIndices(label string, indices []int) error {
	for _, i := range indices {
		if i == OptionalTensor {
			continue
		}
		if i < 0 || i >= len(s.tensors) {
			s.consistent = false
			return fmt.Errorf("invalid tensor index %d in %s, max index is %d", i, label, len(s.tensors)-1)
		}
	}
	return nil
}

func (s *Subgraph) anyDynamic(indices []int) bool {
	for _, i := range indices {
		if i != OptionalTensor && s.tensors[i].Kind == tensor.Dynamic {
			return true
		}
	}
	return false
}
