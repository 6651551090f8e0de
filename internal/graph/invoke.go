package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/specialistvlad/splitgridgo/internal/device"
)

// NodeEvent describes an operator that has just been invoked.
type NodeEvent struct {
	Subgraph  *Subgraph
	Unit      device.Unit
	PlanIndex int
	NodeIndex int
	Node      *Node
}

// Observer is called after each operator invocation. Returning ErrHalt ends
// the invocation successfully; any other error fails it.
type Observer interface {
	AfterNode(ctx context.Context, ev NodeEvent) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev NodeEvent) error

func (f ObserverFunc) AfterNode(ctx context.Context, ev NodeEvent) error { return f(ctx, ev) }

// Invoke runs the execution plan in order on behalf of unit. ctx is checked
// once per operator; cancellation stops at the next operator boundary and
// leaves already written outputs in place.
func (s *Subgraph) Invoke(ctx context.Context, unit device.Unit) error {
	if !s.consistent {
		return ErrInconsistent
	}
	if s.state == StateUninvokable {
		return fmt.Errorf("%w: call AllocateTensors first", ErrNotInvokable)
	}
	if s.alloc.Released() {
		return fmt.Errorf("%w: scratch memory is released, call AllocateTensors first", ErrNotInvokable)
	}
	logger := s.logger.With("unit", unit)

	for i := 0; i < len(s.plan); i++ {
		if i == s.nextToPrepare {
			if err := s.prepareOpsAndTensors(); err != nil {
				return err
			}
			if s.nextToPrepare <= i {
				return fmt.Errorf("node number %d (%s) was not prepared", s.plan[i], s.nodes[s.plan[i]].Name())
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}

		idx := s.plan[i]
		n := s.nodes[idx]
		for pos, in := range n.Inputs {
			if in == OptionalTensor {
				continue
			}
			if !s.tensors[in].HasData() && !n.Registration.shapeOnly(pos) {
				return fmt.Errorf("node number %d (%s): input tensor %d (%s) has no data", idx, n.Name(), in, s.tensors[in].Name)
			}
			if n.Delegate == nil && s.tensors[in].DataIsStale {
				if err := s.EnsureTensorDataIsReadable(in); err != nil {
					return err
				}
			}
		}

		s.resizedSinceInvoke = false
		if err := n.Registration.Invoke(&s.kctx, n); err != nil {
			return fmt.Errorf("node number %d (%s) failed to invoke: %w", idx, n.Name(), err)
		}
		logger.Debug("Node invoked.", "node", idx, "op", n.Name())

		if s.resizedSinceInvoke && s.anyDynamic(n.Outputs) {
			s.nextToPrepare = i + 1
			if s.allocatedThrough > s.nextToPrepare {
				s.resetAllocationsFrom(s.nextToPrepare)
			}
		}

		if s.observer != nil {
			err := s.observer.AfterNode(ctx, NodeEvent{Subgraph: s, Unit: unit, PlanIndex: i, NodeIndex: idx, Node: n})
			if errors.Is(err, ErrHalt) {
				logger.Debug("Invocation halted by observer.", "node", idx)
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// EnsureTensorDataIsReadable asks the delegate that produced tensor index to
// bring its host copy up to date.
func (s *Subgraph) EnsureTensorDataIsReadable(index int) error {
	if err := s.checkTensorIndices("readable tensor", []int{index}); err != nil {
		return err
	}
	t := s.tensors[index]
	if !t.DataIsStale {
		return nil
	}
	for _, d := range s.delegates {
		if d.Name() != t.Delegate {
			continue
		}
		if r, ok := d.(BufferReader); ok {
			if err := r.EnsureReadable(t); err != nil {
				return fmt.Errorf("tensor %d (%s): %w", index, t.Name, err)
			}
		}
	}
	t.DataIsStale = false
	return nil
}
