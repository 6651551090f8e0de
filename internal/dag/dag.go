package dag

import (
	"cmp"
	"fmt"
	"slices"
)

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*node),
	}
}

// AddNode adds a stage with the given ID. Adding an existing ID does nothing.
func (g *Graph) AddNode(id string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = &node{
		id:         id,
		seq:        len(g.order),
		deps:       make(map[string]EdgeKind),
		dependents: make(map[string]EdgeKind),
	}
	g.order = append(g.order, id)
}

// Len returns the number of stages.
func (g *Graph) Len() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return len(g.nodes)
}

// AddEdge creates an edge of the given kind from fromID to toID, meaning toID
// consumes the output of fromID. Both stages must exist. An existing edge
// between the same stages has its kind replaced.
func (g *Graph) AddEdge(fromID, toID string, kind EdgeKind) error {
	if fromID == toID {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", fromID, fromID)
	}
	if kind != Sequential && kind != Additive {
		return fmt.Errorf("invalid edge kind %d", int(kind))
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	fromNode, ok := g.nodes[fromID]
	if !ok {
		return fmt.Errorf("source node not found: %s", fromID)
	}
	toNode, ok := g.nodes[toID]
	if !ok {
		return fmt.Errorf("destination node not found: %s", toID)
	}

	toNode.deps[fromID] = kind
	fromNode.dependents[toID] = kind
	return nil
}

// Dependencies returns the IDs the given stage depends on, in insertion
// order.
func (g *Graph) Dependencies(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return g.sorted(n.deps), nil
}

// Dependents returns the IDs that depend on the given stage, in insertion
// order.
func (g *Graph) Dependents(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return g.sorted(n.dependents), nil
}

// Incoming returns the edges ending at id, in insertion order of their
// sources.
func (g *Graph) Incoming(id string) ([]Edge, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	edges := make([]Edge, 0, len(n.deps))
	for _, from := range g.sorted(n.deps) {
		edges = append(edges, Edge{From: from, To: id, Kind: n.deps[from]})
	}
	return edges, nil
}

func (g *Graph) sorted(set map[string]EdgeKind) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		return cmp.Compare(g.nodes[a].seq, g.nodes[b].seq)
	})
	return ids
}

// DetectCycles checks the graph for any cycles. It returns a non-nil error
// naming a node on the first cycle found.
func (g *Graph) DetectCycles() error {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return g.detectCycles()
}

func (g *Graph) detectCycles() error {
	// permanent: fully visited and not part of a cycle.
	// temporary: on the current recursion stack.
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var visit func(n *node) error
	visit = func(n *node) error {
		if permanent[n.id] {
			return nil
		}
		if temporary[n.id] {
			return fmt.Errorf("cycle detected involving node '%s'", n.id)
		}
		temporary[n.id] = true
		for _, id := range g.sorted(n.dependents) {
			if err := visit(g.nodes[id]); err != nil {
				return err
			}
		}
		delete(temporary, n.id)
		permanent[n.id] = true
		return nil
	}

	for _, id := range g.order {
		if err := visit(g.nodes[id]); err != nil {
			return err
		}
	}
	return nil
}

// TopologicalOrder returns every stage after all of its dependencies. Ties
// are broken by insertion order, so a graph built in pipeline order comes
// back unchanged.
func (g *Graph) TopologicalOrder() ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	pending := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		pending[id] = len(n.deps)
	}
	done := make([]string, 0, len(g.nodes))
	placed := make(map[string]bool, len(g.nodes))
	for len(done) < len(g.order) {
		for _, id := range g.order {
			if placed[id] || pending[id] > 0 {
				continue
			}
			placed[id] = true
			done = append(done, id)
			for dep := range g.nodes[id].dependents {
				pending[dep]--
			}
			break
		}
	}
	return done, nil
}
