package graph

import (
	"fmt"

	"github.com/specialistvlad/splitgridgo/internal/arena"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

// AllocateTensors prepares every operator it can reach and binds arena
// memory for the prepared range. A graph that is already allocated and has
// no dynamic inputs only reacquires scratch memory that was released.
func (s *Subgraph) AllocateTensors() error {
	if err := s.RedoAllDelegates(); err != nil {
		return err
	}
	if !s.consistent {
		return ErrInconsistent
	}

	if s.state != StateUninvokable && !s.anyDynamic(s.inputs) {
		rebound, err := s.alloc.ReacquireScratch()
		if err != nil {
			return err
		}
		s.bind(rebound)
		return nil
	}

	if _, err := s.alloc.ReacquireScratch(); err != nil {
		return err
	}
	s.nextToPrepare = 0
	s.allocatedThrough = 0
	s.hasDynamic = false
	s.alloc.Reset()

	if err := s.prepareOpsAndTensors(); err != nil {
		return err
	}
	if err := s.validateCustomAllocations(); err != nil {
		return err
	}
	s.state = StateInvokable
	s.ResetVariableTensors()
	s.logger.Debug("Tensors allocated.", "prepared", s.nextToPrepare, "plan", len(s.plan), "dynamic", s.hasDynamic)
	return nil
}

// ResetVariableTensors zeroes every persistent variable tensor.
func (s *Subgraph) ResetVariableTensors() {
	for _, t := range s.tensors {
		if t.IsVariable && t.Kind == tensor.ArenaPersistent {
			t.Zero()
		}
	}
}

// prepareOpsStartingAt runs Prepare for plan entries from first on and
// returns the plan index of the last one prepared. It stops after the first
// operator whose outputs are dynamic, because nothing after it has a known
// shape yet.
func (s *Subgraph) prepareOpsStartingAt(first int) (int, error) {
	if first == 0 {
		s.hasDynamic = false
	}
	last := first - 1
	for i := first; i < len(s.plan); i++ {
		idx := s.plan[i]
		n := s.nodes[idx]
		if n.Registration.Prepare != nil {
			if err := n.Registration.Prepare(&s.kctx, n); err != nil {
				return last, fmt.Errorf("node number %d (%s) failed to prepare: %w", idx, n.Name(), err)
			}
		}
		last = i
		if s.anyDynamic(n.Outputs) {
			s.hasDynamic = true
			break
		}
	}
	return last, nil
}

func (s *Subgraph) prepareOpsAndTensors() error {
	last, err := s.prepareOpsStartingAt(s.nextToPrepare)
	if err != nil {
		return err
	}
	s.nextToPrepare = last + 1

	reqs := s.allocationRequests(s.allocatedThrough, s.nextToPrepare)
	layout, err := s.alloc.Plan(reqs)
	if err != nil {
		return err
	}
	bindings, err := s.alloc.Commit(layout)
	if err != nil {
		return err
	}
	s.bind(bindings)
	s.allocatedThrough = s.nextToPrepare
	return nil
}

// allocationRequests lists the arena tensors touched by plan[from:to], plus
// the graph's own inputs, outputs and variables on the first pass.
func (s *Subgraph) allocationRequests(from, to int) []arena.Request {
	seen := make(map[int]bool)
	var reqs []arena.Request
	add := func(indices []int) {
		for _, i := range indices {
			if i == OptionalTensor || seen[i] {
				continue
			}
			seen[i] = true
			t := s.tensors[i]
			if !t.Kind.InArena() {
				continue
			}
			reqs = append(reqs, arena.Request{Tensor: i, Bytes: t.Bytes(), Persistent: t.Kind == tensor.ArenaPersistent})
		}
	}
	if from == 0 {
		add(s.inputs)
		add(s.outputs)
		add(s.variables)
	}
	for _, idx := range s.plan[from:to] {
		n := s.nodes[idx]
		add(n.Inputs)
		add(n.Outputs)
		add(n.Intermediates)
		add(n.Temporaries)
		// Tensors private to a claimed subset still need host memory.
		if p, ok := n.Params.(*DelegateParams); ok {
			for _, inner := range p.Nodes {
				add(s.nodes[inner].Inputs)
				add(s.nodes[inner].Outputs)
				add(s.nodes[inner].Temporaries)
			}
		}
	}
	return reqs
}

func (s *Subgraph) bind(b arena.Bindings) {
	for idx, buf := range b {
		t := s.tensors[idx]
		if !t.Kind.InArena() || buf == nil && t.Bytes() > 0 {
			continue
		}
		if buf == nil {
			buf = []byte{}
		}
		// Slots come from Plan with exactly t.Bytes() bytes.
		_ = t.Bind(buf)
	}
}

// resetAllocationsFrom forgets arena slots for tensors produced at or after
// plan index from, so the next pass places them again with their new sizes.
func (s *Subgraph) resetAllocationsFrom(from int) {
	var produced []int
	for _, idx := range s.plan[from:] {
		n := s.nodes[idx]
		produced = append(produced, n.Outputs...)
		produced = append(produced, n.Temporaries...)
	}
	s.alloc.Forget(produced)
	s.allocatedThrough = from
}
