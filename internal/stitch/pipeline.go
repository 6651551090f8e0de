package stitch

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/splitgridgo/internal/ctxlog"
	"github.com/specialistvlad/splitgridgo/internal/dag"
	"github.com/specialistvlad/splitgridgo/internal/graph"
)

// Invoker runs one subgraph by index. *interp.Interpreter and
// *partition.CoExecutor both satisfy it.
type Invoker interface {
	Invoke(ctx context.Context, i int) error
}

// Pipeline runs a routing table's stages in order, stitching each stage's
// inputs from its sources first.
type Pipeline struct {
	subgraphs []*graph.Subgraph
	run       Invoker
	table     *Table
	stitcher  *Stitcher
}

// NewPipeline wires subgraphs, the invoker that runs them and the routing
// table together.
func NewPipeline(subgraphs []*graph.Subgraph, run Invoker, table *Table, st *Stitcher) *Pipeline {
	return &Pipeline{subgraphs: subgraphs, run: run, table: table, stitcher: st}
}

// Table returns the routing table.
func (p *Pipeline) Table() *Table { return p.table }

// Connect fills the inputs of subgraph i from its sources.
func (p *Pipeline) Connect(i int) error {
	stage, ok := p.table.Stage(i)
	if !ok {
		return fmt.Errorf("stitch: subgraph %d is not in the routing table", i)
	}
	if stage.Entry() {
		return nil
	}
	if stage.Kind == dag.Additive {
		return p.stitcher.ConnectAdditive(p.subgraphs[i])
	}
	src, dst := p.subgraphs[stage.Sources[0]], p.subgraphs[i]
	if outs := src.Outputs(); len(outs) == 1 {
		if owner, ok := p.stitcher.Producer(outs[0]); ok && owner != src {
			return p.stitcher.ConnectRecorded(outs[0], dst)
		}
	}
	return p.stitcher.ConnectSequential(src, dst)
}

// Stitcher returns the stitcher shared by the pipeline's junctions.
func (p *Pipeline) Stitcher() *Stitcher { return p.stitcher }

// RunStage connects and invokes subgraph i, then records its outputs for
// later junctions.
func (p *Pipeline) RunStage(ctx context.Context, i int) error {
	if err := p.Connect(i); err != nil {
		return err
	}
	if err := p.run.Invoke(ctx, i); err != nil {
		return fmt.Errorf("subgraph %d (%s): %w", i, p.subgraphs[i].Name(), err)
	}
	return p.stitcher.Record(p.subgraphs[i])
}

// Run executes every stage once. The entry stages' inputs must already be
// filled. A failing stage aborts the run.
func (p *Pipeline) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	p.stitcher.Reset()
	start := time.Now()
	for _, stage := range p.table.Stages() {
		if err := p.RunStage(ctx, stage.Index); err != nil {
			return err
		}
		logger.Debug("Stage finished.", "subgraph", stage.Name, "kind", stage.Kind)
	}
	logger.Debug("Pipeline finished.", "stages", len(p.subgraphs), "elapsed", time.Since(start))
	return nil
}

// Last reports whether no stage consumes subgraph i.
func (p *Pipeline) Last(i int) bool { return p.table.Last(i) }
