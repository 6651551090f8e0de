// Package stitch moves tensors across subgraph boundaries between two
// invocations of a pipeline.
package stitch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/specialistvlad/splitgridgo/internal/graph"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

var (
	// ErrSizeMismatch is returned when a junction's two tensors differ in
	// byte size. Nothing is copied.
	ErrSizeMismatch = errors.New("stitch: tensor sizes differ")
	// ErrNotEnoughInputs is returned when an additive junction cannot find
	// two upstream tensors.
	ErrNotEnoughInputs = errors.New("stitch: additive junction needs at least two inputs")
)

// Stitcher copies outputs into the next subgraph's inputs and keeps a ledger
// of produced tensors, keyed by tensor index, for later additive merges.
type Stitcher struct {
	logger *slog.Logger

	mu     sync.Mutex
	ledger map[int]ledgerEntry
}

type ledgerEntry struct {
	owner  *graph.Subgraph
	tensor *tensor.Tensor
}

// New creates a Stitcher with an empty ledger.
func New(logger *slog.Logger) *Stitcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stitcher{logger: logger.With("component", "stitcher"), ledger: make(map[int]ledgerEntry)}
}

// ConnectSequential copies src's sole output into dst's first input. Both
// must have the same byte size. The source tensor is recorded in the ledger.
func (st *Stitcher) ConnectSequential(src, dst *graph.Subgraph) error {
	outs, ins := src.Outputs(), dst.Inputs()
	if len(outs) != 1 {
		return fmt.Errorf("stitch: %s must have exactly one output, has %d", src.Name(), len(outs))
	}
	if len(ins) == 0 {
		return fmt.Errorf("stitch: %s has no inputs", dst.Name())
	}
	if err := src.EnsureTensorDataIsReadable(outs[0]); err != nil {
		return err
	}
	from, to := src.Tensor(outs[0]), dst.Tensor(ins[0])
	if from.Bytes() != to.Bytes() {
		return fmt.Errorf("%w: %s output %q has %d bytes, %s input %q has %d",
			ErrSizeMismatch, src.Name(), from.Name, from.Bytes(), dst.Name(), to.Name, to.Bytes())
	}
	if !from.HasData() || !to.HasData() {
		return fmt.Errorf("stitch: %s -> %s: %w", src.Name(), dst.Name(), tensor.ErrNoData)
	}
	n := copy(to.Data(), from.Data())

	st.mu.Lock()
	st.ledger[outs[0]] = ledgerEntry{owner: src, tensor: from}
	st.mu.Unlock()
	st.logger.Debug("Sequential junction.", "from", src.Name(), "to", dst.Name(), "bytes", n)
	return nil
}

// Record adds every output of s to the ledger.
func (st *Stitcher) Record(s *graph.Subgraph) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, idx := range s.Outputs() {
		if err := s.EnsureTensorDataIsReadable(idx); err != nil {
			return err
		}
		st.ledger[idx] = ledgerEntry{owner: s, tensor: s.Tensor(idx)}
	}
	return nil
}

// ConnectRecorded copies the ledger entry for tensor index into dst's first
// input. It joins stages that ran in different interpreters.
func (st *Stitcher) ConnectRecorded(index int, dst *graph.Subgraph) error {
	st.mu.Lock()
	e, ok := st.ledger[index]
	st.mu.Unlock()
	if !ok {
		return fmt.Errorf("stitch: tensor %d has not been produced", index)
	}
	ins := dst.Inputs()
	if len(ins) == 0 {
		return fmt.Errorf("stitch: %s has no inputs", dst.Name())
	}
	to := dst.Tensor(ins[0])
	if e.tensor.Bytes() != to.Bytes() {
		return fmt.Errorf("%w: %s output %q has %d bytes, %s input %q has %d",
			ErrSizeMismatch, e.owner.Name(), e.tensor.Name, e.tensor.Bytes(), dst.Name(), to.Name, to.Bytes())
	}
	if !e.tensor.HasData() || !to.HasData() {
		return fmt.Errorf("stitch: %s -> %s: %w", e.owner.Name(), dst.Name(), tensor.ErrNoData)
	}
	n := copy(to.Data(), e.tensor.Data())
	st.logger.Debug("Recorded junction.", "from", e.owner.Name(), "to", dst.Name(), "bytes", n)
	return nil
}

// Producer returns the subgraph that last recorded tensor index.
func (st *Stitcher) Producer(index int) (*graph.Subgraph, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.ledger[index]
	return e.owner, ok
}

// ConnectAdditive fills the inputs of a merge subgraph from the ledger. At
// least two of dst's inputs must have a ledger entry, and every matched pair
// must agree in size; otherwise nothing is copied.
func (st *Stitcher) ConnectAdditive(dst *graph.Subgraph) error {
	ins := dst.Inputs()
	if len(ins) < 2 {
		return fmt.Errorf("%w: %s declares %d", ErrNotEnoughInputs, dst.Name(), len(ins))
	}

	type pair struct {
		index    int
		from, to *tensor.Tensor
	}
	st.mu.Lock()
	var pairs []pair
	for _, idx := range ins {
		if e, ok := st.ledger[idx]; ok {
			pairs = append(pairs, pair{idx, e.tensor, dst.Tensor(idx)})
		}
	}
	st.mu.Unlock()

	if len(pairs) < 2 {
		return fmt.Errorf("%w: %s found %d in the ledger", ErrNotEnoughInputs, dst.Name(), len(pairs))
	}
	for _, p := range pairs {
		if p.from.Bytes() != p.to.Bytes() {
			return fmt.Errorf("%w: tensor %d has %d bytes upstream and %d in %s",
				ErrSizeMismatch, p.index, p.from.Bytes(), p.to.Bytes(), dst.Name())
		}
		if !p.from.HasData() || !p.to.HasData() {
			return fmt.Errorf("stitch: tensor %d into %s: %w", p.index, dst.Name(), tensor.ErrNoData)
		}
	}
	for _, p := range pairs {
		copy(p.to.Data(), p.from.Data())
	}
	st.logger.Debug("Additive junction.", "to", dst.Name(), "inputs", len(pairs))
	return nil
}

// Reset empties the ledger.
func (st *Stitcher) Reset() {
	st.mu.Lock()
	clear(st.ledger)
	st.mu.Unlock()
}

// Available reports whether tensor index has a ledger entry.
func (st *Stitcher) Available(index int) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.ledger[index]
	return ok
}
