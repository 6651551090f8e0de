package graph

import (
	"fmt"
	"slices"
)

// SubsetType says whether a node subset was claimed by a delegate.
type SubsetType int

const (
	SubsetUnclaimed SubsetType = iota
	SubsetClaimed
)

// NodeSubset is a maximal run of nodes that are either all claimed or all
// unclaimed and whose inputs are available before the subset starts.
type NodeSubset struct {
	Type    SubsetType
	Nodes   []int
	Inputs  []int
	Outputs []int
}

// partitionIndependentSubsets splits the execution plan into alternating
// claimed and unclaimed subsets. A node joins the current subset only once
// every tensor it reads is produced by an earlier subset or earlier in the
// same one, so each subset can run as a single unit. Relative plan order is
// kept within a subset.
func (s *Subgraph) partitionIndependentSubsets(claimed []int) ([]NodeSubset, error) {
	inPlan := make(map[int]bool, len(s.plan))
	for _, idx := range s.plan {
		inPlan[idx] = true
	}
	isClaimed := make(map[int]bool, len(claimed))
	for _, idx := range claimed {
		if !inPlan[idx] {
			return nil, fmt.Errorf("node %d is not in the execution plan", idx)
		}
		isClaimed[idx] = true
	}
	if len(s.plan) == 0 {
		return nil, nil
	}

	producedInPlan := make(map[int]bool)
	for _, idx := range s.plan {
		for _, out := range s.nodes[idx].Outputs {
			producedInPlan[out] = true
		}
	}
	ready := func(t int) bool { return t == OptionalTensor || !producedInPlan[t] }
	available := make(map[int]bool)

	remaining := slices.Clone(s.plan)
	current := isClaimed[remaining[0]]
	var subsets []NodeSubset
	stalled := 0
	for len(remaining) > 0 {
		typ := SubsetUnclaimed
		if current {
			typ = SubsetClaimed
		}
		sub := NodeSubset{Type: typ}
		var rest []int
		for _, idx := range remaining {
			n := s.nodes[idx]
			ok := isClaimed[idx] == current
			for _, in := range n.Inputs {
				if !ok {
					break
				}
				ok = ready(in) || available[in]
			}
			if !ok {
				rest = append(rest, idx)
				continue
			}
			sub.Nodes = append(sub.Nodes, idx)
			for _, out := range n.Outputs {
				available[out] = true
			}
		}
		remaining = rest
		current = !current

		if len(sub.Nodes) == 0 {
			stalled++
			if stalled > 1 {
				return nil, fmt.Errorf("cannot partition execution plan: nodes %v never become ready", remaining)
			}
			continue
		}
		stalled = 0
		s.fillSubsetEdges(&sub)
		subsets = append(subsets, sub)
	}
	return subsets, nil
}

func (s *Subgraph) fillSubsetEdges(sub *NodeSubset) {
	members := make(map[int]bool, len(sub.Nodes))
	produced := make(map[int]bool)
	for _, idx := range sub.Nodes {
		members[idx] = true
		for _, out := range s.nodes[idx].Outputs {
			produced[out] = true
		}
	}

	for _, idx := range sub.Nodes {
		for _, in := range s.nodes[idx].Inputs {
			if in != OptionalTensor && !produced[in] && !slices.Contains(sub.Inputs, in) {
				sub.Inputs = append(sub.Inputs, in)
			}
		}
	}

	consumedOutside := make(map[int]bool)
	for _, idx := range s.plan {
		if members[idx] {
			continue
		}
		for _, in := range s.nodes[idx].Inputs {
			consumedOutside[in] = true
		}
	}
	for _, idx := range sub.Nodes {
		for _, out := range s.nodes[idx].Outputs {
			if out == OptionalTensor || slices.Contains(sub.Outputs, out) {
				continue
			}
			if consumedOutside[out] || slices.Contains(s.outputs, out) {
				sub.Outputs = append(sub.Outputs, out)
			}
		}
	}
}
