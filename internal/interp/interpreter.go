// Package interp groups the subgraphs of one model into an Interpreter.
//
// Every subgraph of a model carries the full tensor table of the model, so a
// tensor index means the same logical tensor in every subgraph. Shapes that
// are fixed while allocating the first subgraph can be pushed into the later
// ones with RegisterSharedTensor.
package interp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/specialistvlad/splitgridgo/internal/arena"
	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/graph"
)

var (
	// ErrNoSubgraphs is returned by calls that need at least one subgraph.
	ErrNoSubgraphs = errors.New("interp: interpreter has no subgraphs")
	// ErrRatio is returned for a partitioning ratio outside 1..9.
	ErrRatio = errors.New("interp: partitioning ratio must be between 1 and 9")
)

type sharedTensor struct {
	index     int
	subgraphs []int
}

// Interpreter owns the subgraphs of one model instance.
type Interpreter struct {
	name      string
	logger    *slog.Logger
	pool      *arena.Pool
	subgraphs []*graph.Subgraph
	shared    []sharedTensor
	unit      device.Unit
}

// New creates an empty interpreter for execution on unit. All subgraphs draw
// arena memory from one pool.
func New(name string, unit device.Unit, logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{
		name:   name,
		logger: logger.With("interpreter", name, "unit", unit),
		pool:   arena.NewPool(),
		unit:   unit,
	}
}

func (it *Interpreter) Name() string         { return it.name }
func (it *Interpreter) Unit() device.Unit    { return it.unit }
func (it *Interpreter) Logger() *slog.Logger { return it.logger }
func (it *Interpreter) NumSubgraphs() int    { return len(it.subgraphs) }
func (it *Interpreter) Pool() *arena.Pool    { return it.pool }

// AddSubgraph appends an empty subgraph and returns it with its index.
func (it *Interpreter) AddSubgraph(name string) (*graph.Subgraph, int) {
	s := graph.New(name, it.logger, it.pool)
	it.subgraphs = append(it.subgraphs, s)
	return s, len(it.subgraphs) - 1
}

// Subgraph returns subgraph i or nil.
func (it *Interpreter) Subgraph(i int) *graph.Subgraph {
	if i < 0 || i >= len(it.subgraphs) {
		return nil
	}
	return it.subgraphs[i]
}

// Subgraphs returns every subgraph in order.
func (it *Interpreter) Subgraphs() []*graph.Subgraph {
	return append([]*graph.Subgraph(nil), it.subgraphs...)
}

// IndexOf returns the index of s, or -1.
func (it *Interpreter) IndexOf(s *graph.Subgraph) int {
	for i, sg := range it.subgraphs {
		if sg == s {
			return i
		}
	}
	return -1
}

// SetPartitioning records a channel split of ratio tenths on unit for every
// subgraph.
func (it *Interpreter) SetPartitioning(ratio int, unit device.Unit) error {
	if len(it.subgraphs) == 0 {
		return ErrNoSubgraphs
	}
	if ratio < 1 || ratio > 9 {
		return fmt.Errorf("%w: got %d", ErrRatio, ratio)
	}
	if !unit.Valid() {
		return fmt.Errorf("interp: invalid unit %d", int(unit))
	}
	for _, s := range it.subgraphs {
		s.SetPartition(graph.Partition{Enabled: true, Ratio: ratio, Unit: unit})
	}
	it.logger.Debug("Partitioning set.", "ratio", ratio, "splitUnit", unit)
	return nil
}

// RegisterSharedTensor makes the shape of tensor index in subgraph 0 the
// shape of the same tensor in the listed subgraphs. An empty list means all
// later subgraphs.
func (it *Interpreter) RegisterSharedTensor(index int, subgraphs ...int) error {
	if len(it.subgraphs) == 0 {
		return ErrNoSubgraphs
	}
	if it.subgraphs[0].Tensor(index) == nil {
		return fmt.Errorf("interp: shared tensor %d does not exist", index)
	}
	if len(subgraphs) == 0 {
		for i := 1; i < len(it.subgraphs); i++ {
			subgraphs = append(subgraphs, i)
		}
	}
	for _, sg := range subgraphs {
		if sg <= 0 || sg >= len(it.subgraphs) {
			return fmt.Errorf("interp: shared tensor %d names invalid subgraph %d", index, sg)
		}
	}
	it.shared = append(it.shared, sharedTensor{index: index, subgraphs: subgraphs})
	return nil
}

// AllocateAll allocates subgraph 0, copies shared tensor shapes into the
// later subgraphs and then allocates those.
func (it *Interpreter) AllocateAll() error {
	if len(it.subgraphs) == 0 {
		return ErrNoSubgraphs
	}
	if err := it.subgraphs[0].AllocateTensors(); err != nil {
		return fmt.Errorf("subgraph 0 (%s): %w", it.subgraphs[0].Name(), err)
	}
	for _, sh := range it.shared {
		dims := it.subgraphs[0].Tensor(sh.index).Dims()
		for _, sg := range sh.subgraphs {
			if err := it.subgraphs[sg].ResizeInputTensor(sh.index, dims); err != nil {
				return fmt.Errorf("subgraph %d: shared tensor %d: %w", sg, sh.index, err)
			}
		}
	}
	for i, s := range it.subgraphs[1:] {
		if err := s.AllocateTensors(); err != nil {
			return fmt.Errorf("subgraph %d (%s): %w", i+1, s.Name(), err)
		}
	}
	return nil
}

// ApplyTransformation applies d to every subgraph in order.
func (it *Interpreter) ApplyTransformation(d graph.Delegate) error {
	for i, s := range it.subgraphs {
		if err := s.ApplyTransformation(d); err != nil {
			return fmt.Errorf("subgraph %d (%s): %w", i, s.Name(), err)
		}
	}
	return nil
}

// Invoke runs subgraph i on the interpreter's unit.
func (it *Interpreter) Invoke(ctx context.Context, i int) error {
	s := it.Subgraph(i)
	if s == nil {
		return fmt.Errorf("interp: invalid subgraph %d", i)
	}
	return s.Invoke(ctx, it.unit)
}

// Close releases every subgraph's memory.
func (it *Interpreter) Close() {
	for _, s := range it.subgraphs {
		s.Close()
	}
}
