package graph

import (
	"fmt"
	"slices"

	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

// DelegateFlags describes what a transformation tolerates.
type DelegateFlags struct {
	// AllowDynamicTensors lets the graph keep tensors whose shape is only
	// known at invoke time. Without it the graph becomes immutable once the
	// transformation is applied.
	AllowDynamicTensors bool
}

// Delegate is a reversible graph transformation that claims operators and
// replaces them with kernels of its own.
type Delegate interface {
	Name() string
	Flags() DelegateFlags
	Prepare(ctx DelegateContext) error
}

// BufferReader is implemented by delegates whose outputs can lag behind on
// the host.
type BufferReader interface {
	EnsureReadable(t *tensor.Tensor) error
}

// DelegateParams is attached as Params to every node that stands in for a
// claimed subset.
type DelegateParams struct {
	Delegate Delegate
	Nodes    []int
	Inputs   []int
	Outputs  []int
}

// DelegateContext widens KernelContext with the structural calls a
// transformation needs. It is only usable during ApplyTransformation.
type DelegateContext interface {
	KernelContext
	ExecutionPlan() ([]int, error)
	NodeAndRegistration(index int) (*Node, *Registration, error)
	PreviewDelegatePartitioning(nodes []int) ([]NodeSubset, error)
	ReplaceNodeSubsetsWithDelegateKernels(reg *Registration, nodes []int, d Delegate) error
}

type delegateContext struct {
	kernelContext
	active bool
}

func (c *delegateContext) ExecutionPlan() ([]int, error) {
	if !c.active {
		return nil, ErrForbidden
	}
	return slices.Clone(c.s.plan), nil
}

func (c *delegateContext) NodeAndRegistration(index int) (*Node, *Registration, error) {
	if !c.active {
		return nil, nil, ErrForbidden
	}
	n := c.s.Node(index)
	if n == nil {
		return nil, nil, fmt.Errorf("invalid node index %d", index)
	}
	return n, n.Registration, nil
}

func (c *delegateContext) PreviewDelegatePartitioning(nodes []int) ([]NodeSubset, error) {
	if !c.active {
		return nil, ErrForbidden
	}
	subsets, err := c.s.partitionIndependentSubsets(nodes)
	if err != nil {
		return nil, err
	}
	var claimed []NodeSubset
	for _, sub := range subsets {
		if sub.Type == SubsetClaimed {
			claimed = append(claimed, sub)
		}
	}
	return claimed, nil
}

func (c *delegateContext) ReplaceNodeSubsetsWithDelegateKernels(reg *Registration, nodes []int, d Delegate) error {
	if !c.active {
		return ErrForbidden
	}
	return c.s.replaceNodeSubsets(reg, nodes, d)
}

type graphSnapshot struct {
	state        State
	plan         []int
	nodeCount    int
	nodeOwners   []Delegate
	tensorOwners []string
	stale        []bool
}

func (s *Subgraph) snapshot() graphSnapshot {
	snap := graphSnapshot{state: s.state, plan: slices.Clone(s.plan), nodeCount: len(s.nodes)}
	for _, n := range s.nodes {
		snap.nodeOwners = append(snap.nodeOwners, n.Delegate)
	}
	for _, t := range s.tensors {
		snap.tensorOwners = append(snap.tensorOwners, t.Delegate)
		snap.stale = append(snap.stale, t.DataIsStale)
	}
	return snap
}

func (s *Subgraph) restore(snap graphSnapshot) {
	s.plan = snap.plan
	s.nodes = s.nodes[:snap.nodeCount]
	for i, n := range s.nodes {
		n.Delegate = snap.nodeOwners[i]
	}
	for i, t := range s.tensors {
		t.Delegate = snap.tensorOwners[i]
		t.DataIsStale = snap.stale[i]
	}
	s.state = snap.state
}

// ApplyTransformation lets d claim operators. On failure the execution plan
// and node table are restored to what they were before the call and the
// returned error wraps ErrDelegateFailed. A transformation that does not
// allow dynamic tensors leaves the graph allocated and immutable.
func (s *Subgraph) ApplyTransformation(d Delegate) error {
	if d == nil {
		return fmt.Errorf("nil delegate")
	}
	if s.state == StateInvokableAndImmutable {
		return fmt.Errorf("%w: a static-shape delegate is already applied", ErrImmutable)
	}
	if err := s.RedoAllDelegates(); err != nil {
		return err
	}
	static := !d.Flags().AllowDynamicTensors
	if static {
		if _, err := s.prepareOpsStartingAt(0); err != nil {
			return err
		}
		if s.hasDynamic {
			return fmt.Errorf("delegate %s only supports static-sized tensors, but the graph has dynamic-sized tensors", d.Name())
		}
	}

	if len(s.delegates) == 0 {
		s.preDelegationPlan = slices.Clone(s.plan)
		s.preDelegationNodes = len(s.nodes)
	}
	snap := s.snapshot()

	dctx := &delegateContext{kernelContext: kernelContext{s: s}, active: true}
	err := d.Prepare(dctx)
	dctx.active = false
	if err != nil {
		s.restore(snap)
		return fmt.Errorf("%w: %s: %w", ErrDelegateFailed, d.Name(), err)
	}

	s.delegates = append(s.delegates, d)
	s.state = StateUninvokable
	if static {
		if err := s.AllocateTensors(); err != nil {
			s.delegates = s.delegates[:len(s.delegates)-1]
			s.restore(snap)
			s.state = StateUninvokable
			return fmt.Errorf("%w: %s: %w", ErrDelegateFailed, d.Name(), err)
		}
		s.state = StateInvokableAndImmutable
	}
	s.logger.Info("Delegate applied.", "delegate", d.Name(), "plan", len(s.plan), "immutable", static)
	return nil
}

func (s *Subgraph) replaceNodeSubsets(reg *Registration, claimed []int, d Delegate) error {
	if reg == nil {
		return fmt.Errorf("delegate %s supplied no kernel registration", d.Name())
	}
	subsets, err := s.partitionIndependentSubsets(claimed)
	if err != nil {
		return err
	}

	plan := make([]int, 0, len(s.plan))
	for _, sub := range subsets {
		if sub.Type == SubsetUnclaimed {
			plan = append(plan, sub.Nodes...)
			continue
		}
		for _, idx := range sub.Nodes {
			s.nodes[idx].Delegate = d
		}
		for _, out := range sub.Outputs {
			s.tensors[out].Delegate = d.Name()
		}
		params := &DelegateParams{Delegate: d, Nodes: sub.Nodes, Inputs: sub.Inputs, Outputs: sub.Outputs}
		idx, err := s.addNode(sub.Inputs, sub.Outputs, nil, nil, params, reg)
		if err != nil {
			return err
		}
		s.nodes[idx].Delegate = d
		plan = append(plan, idx)
	}
	s.plan = plan
	return nil
}

// UndoAllDelegates restores the plan from before the first delegate and drops
// the delegate kernel nodes. The delegates are remembered and come back on
// the next AllocateTensors or ApplyTransformation.
func (s *Subgraph) UndoAllDelegates() error {
	if s.delegatesUndone || len(s.delegates) == 0 {
		return nil
	}
	for i, t := range s.tensors {
		if t.Delegate == "" {
			continue
		}
		if err := s.EnsureTensorDataIsReadable(i); err != nil {
			return err
		}
		t.Delegate = ""
	}
	s.plan = slices.Clone(s.preDelegationPlan)
	s.nodes = s.nodes[:s.preDelegationNodes]
	for _, n := range s.nodes {
		n.Delegate = nil
	}
	s.delegatesUndone = true
	s.state = StateUninvokable
	s.logger.Debug("Delegates undone.", "count", len(s.delegates))
	return nil
}

// RedoAllDelegates re-applies delegates removed by UndoAllDelegates.
func (s *Subgraph) RedoAllDelegates() error {
	if !s.delegatesUndone {
		return nil
	}
	s.delegatesUndone = false
	pending := s.delegates
	s.delegates = nil
	for _, d := range pending {
		if err := s.ApplyTransformation(d); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAllDelegates undoes every delegate and forgets them.
func (s *Subgraph) RemoveAllDelegates() error {
	if err := s.UndoAllDelegates(); err != nil {
		return err
	}
	s.delegates = nil
	s.delegatesUndone = false
	s.state = StateUninvokable
	return nil
}

// Delegates returns the applied delegates in application order.
func (s *Subgraph) Delegates() []Delegate { return slices.Clone(s.delegates) }
