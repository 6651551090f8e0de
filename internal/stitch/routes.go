package stitch

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/specialistvlad/splitgridgo/internal/dag"
	"github.com/specialistvlad/splitgridgo/internal/graph"
)

// Rule decides the junction kind of a subgraph from its structure. Rules
// are tried in order; a subgraph no rule matches is sequential.
type Rule struct {
	Name  string
	Match func(s *graph.Subgraph) bool
	Kind  dag.EdgeKind
}

// DefaultRules routes a subgraph whose first operator merges two or more
// inputs through an additive junction.
var DefaultRules = []Rule{
	{Name: "merge-first", Match: MergesFirst, Kind: dag.Additive},
}

// MergesFirst reports whether the first operator of s is a merge with at
// least two inputs. A delegate node is looked through to the first node it
// claimed.
func MergesFirst(s *graph.Subgraph) bool {
	n := s.FirstNode()
	if n == nil {
		return false
	}
	if p, ok := n.Params.(*graph.DelegateParams); ok && len(p.Nodes) > 0 {
		n = s.Node(p.Nodes[0])
	}
	return n.Registration != nil && n.Registration.Merge && len(s.Inputs()) >= 2
}

// Stage is one row of a routing table.
type Stage struct {
	Index int
	Name  string
	Kind  dag.EdgeKind
	// Sources are the subgraph indices feeding this stage. An entry stage
	// has none.
	Sources []int
}

// Entry reports whether the stage takes its inputs from the caller.
func (s Stage) Entry() bool { return len(s.Sources) == 0 }

// Table is the routing table of a pipeline: one stage per subgraph, in the
// order they must run.
type Table struct {
	stages []Stage
	graph  *dag.Graph
}

// BuildTable derives a routing table for subgraphs using rules, or
// DefaultRules when rules is nil.
//
// A sequential stage is fed by the latest earlier subgraph that outputs its
// first input, falling back to the previous subgraph. An additive stage is
// fed by every earlier subgraph whose output it declares as an input.
func BuildTable(subgraphs []*graph.Subgraph, rules []Rule) (*Table, error) {
	if rules == nil {
		rules = DefaultRules
	}
	g := dag.New()
	stages := make([]Stage, len(subgraphs))
	for i, s := range subgraphs {
		g.AddNode(strconv.Itoa(i))
		stages[i] = Stage{Index: i, Name: s.Name(), Kind: dag.Sequential}
		if i == 0 {
			continue
		}
		for _, r := range rules {
			if r.Match(s) {
				stages[i].Kind = r.Kind
				break
			}
		}

		ins := s.Inputs()
		switch stages[i].Kind {
		case dag.Additive:
			for j := i - 1; j >= 0; j-- {
				if producesAny(subgraphs[j], ins) {
					stages[i].Sources = append(stages[i].Sources, j)
				}
			}
			slices.Sort(stages[i].Sources)
			if len(stages[i].Sources) < 2 {
				return nil, fmt.Errorf("%w: %s is fed by %d earlier subgraphs", ErrNotEnoughInputs, s.Name(), len(stages[i].Sources))
			}
		default:
			src := i - 1
			if len(ins) > 0 {
				for j := i - 1; j >= 0; j-- {
					if slices.Contains(subgraphs[j].Outputs(), ins[0]) {
						src = j
						break
					}
				}
			}
			stages[i].Sources = []int{src}
		}
		for _, src := range stages[i].Sources {
			if err := g.AddEdge(strconv.Itoa(src), strconv.Itoa(i), stages[i].Kind); err != nil {
				return nil, err
			}
		}
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	t := &Table{graph: g, stages: make([]Stage, 0, len(order))}
	for _, id := range order {
		i, _ := strconv.Atoi(id)
		t.stages = append(t.stages, stages[i])
	}
	return t, nil
}

func producesAny(s *graph.Subgraph, indices []int) bool {
	for _, out := range s.Outputs() {
		if slices.Contains(indices, out) {
			return true
		}
	}
	return false
}

// Stages returns the stages in execution order.
func (t *Table) Stages() []Stage { return slices.Clone(t.stages) }

// Stage returns the row of subgraph i.
func (t *Table) Stage(i int) (Stage, bool) {
	for _, s := range t.stages {
		if s.Index == i {
			return s, true
		}
	}
	return Stage{}, false
}

// Last reports whether no stage consumes subgraph i.
func (t *Table) Last(i int) bool {
	deps, err := t.graph.Dependents(strconv.Itoa(i))
	return err == nil && len(deps) == 0
}
