package dag

import (
	"fmt"
	"sync"
)

// EdgeKind tells a consumer how data crosses an edge.
type EdgeKind int

const (
	// Sequential edges copy a stage's output into the next stage's input.
	Sequential EdgeKind = iota
	// Additive edges feed a merge stage that takes several upstream outputs.
	Additive
)

func (k EdgeKind) String() string {
	switch k {
	case Sequential:
		return "sequential"
	case Additive:
		return "additive"
	}
	return fmt.Sprintf("EdgeKind(%d)", int(k))
}

// Edge is a directed, typed edge between two stages.
type Edge struct {
	From, To string
	Kind     EdgeKind
}

// Graph is a collection of stages and their typed dependencies.
// All operations on the graph are concurrency-safe.
type Graph struct {
	mutex sync.RWMutex
	nodes map[string]*node
	// order holds node IDs in insertion order so traversals are stable.
	order []string
}

// node is un-exported; callers address stages by ID.
type node struct {
	id  string
	seq int
	// deps holds predecessors and the kind of the edge from each.
	deps map[string]EdgeKind
	// dependents holds successors and the kind of the edge to each.
	dependents map[string]EdgeKind
}
