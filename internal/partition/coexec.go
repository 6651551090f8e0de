package partition

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/graph"
	"github.com/specialistvlad/splitgridgo/internal/handoff"
	"github.com/specialistvlad/splitgridgo/internal/interp"
)

// CoExecutor runs a subgraph on the CPU and the accelerator at once, each
// computing its share of every split site. The accelerator interpreter holds
// the result.
type CoExecutor struct {
	cpu, acc *interp.Interpreter
	part     *Partitioner
	logger   *slog.Logger
}

// NewCoExecutor pairs two copies of the same model. cpu must execute on the
// CPU and acc on the accelerator.
func NewCoExecutor(cpu, acc *interp.Interpreter, logger *slog.Logger) (*CoExecutor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cpu.Unit() != device.CPU || acc.Unit() != device.Accelerator {
		return nil, fmt.Errorf("partition: co-execution needs a cpu and an accelerator interpreter, got %s and %s", cpu.Unit(), acc.Unit())
	}
	if cpu.NumSubgraphs() != acc.NumSubgraphs() {
		return nil, fmt.Errorf("partition: interpreters have %d and %d subgraphs", cpu.NumSubgraphs(), acc.NumSubgraphs())
	}
	logger = logger.With("component", "coexec")
	c := &CoExecutor{cpu: cpu, acc: acc, part: New(handoff.New(logger), logger), logger: logger}
	for _, it := range []*interp.Interpreter{cpu, acc} {
		for _, s := range it.Subgraphs() {
			if _, err := c.part.RecordOriginals(s); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// Ratio returns the ratio recorded on the accelerator copy's subgraphs by
// the last successful Configure, or 0.
func (c *CoExecutor) Ratio() int {
	s := c.acc.Subgraph(0)
	if s == nil {
		return 0
	}
	return ratioOf(s)
}

func ratioOf(s *graph.Subgraph) int {
	if p := s.Partition(); p.Enabled {
		return p.Ratio
	}
	return 0
}

// Primary returns the interpreter that holds co-executed results.
func (c *CoExecutor) Primary() *interp.Interpreter { return c.acc }

// Partitioner returns the channel partitioner.
func (c *CoExecutor) Partitioner() *Partitioner { return c.part }

// Configure splits every site at ratio and reallocates both interpreters.
func (c *CoExecutor) Configure(ratio int) error {
	if ratio < 1 || ratio > 9 {
		return fmt.Errorf("%w: got %d", ErrRatio, ratio)
	}
	if ratio == c.Ratio() {
		return nil
	}
	for _, it := range []*interp.Interpreter{c.cpu, c.acc} {
		for _, s := range it.Subgraphs() {
			if err := c.part.ApplyChannelSplit(s, ratio, it.Unit()); err != nil {
				return err
			}
		}
		if err := it.AllocateAll(); err != nil {
			return fmt.Errorf("partition: reallocating %s interpreter: %w", it.Unit(), err)
		}
	}
	for i := 0; i < c.acc.NumSubgraphs(); i++ {
		if err := c.checkPlans(i); err != nil {
			return err
		}
	}
	for _, it := range []*interp.Interpreter{c.cpu, c.acc} {
		if err := it.SetPartitioning(ratio, it.Unit()); err != nil {
			return err
		}
	}
	c.logger.Info("Co-execution configured.", "ratio", ratio)
	return nil
}

// checkPlans makes sure the nodes the two loops synchronise on are run
// directly rather than inside a delegate kernel.
func (c *CoExecutor) checkPlans(i int) error {
	cs, as := c.cpu.Subgraph(i), c.acc.Subgraph(i)
	cplan, aplan := cs.ExecutionPlan(), as.ExecutionPlan()
	for _, site := range FindSites(cs) {
		if !slices.Contains(cplan, site.Conv) || !slices.Contains(cplan, site.Concat) {
			return fmt.Errorf("partition: cpu subgraph %s does not run split site %d directly", cs.Name(), site.Conv)
		}
	}
	for _, site := range FindSites(as) {
		if !slices.Contains(aplan, site.Concat) {
			return fmt.Errorf("partition: concatenation %d of %s is claimed by a delegate; co-execution merges on the host", site.Concat, as.Name())
		}
	}
	return nil
}

// Invoke runs subgraph i on both units. The accelerator copy's inputs must be
// filled; they are copied to the CPU copy first. Without split sites only the
// accelerator runs.
func (c *CoExecutor) Invoke(ctx context.Context, i int) error {
	cs, as := c.cpu.Subgraph(i), c.acc.Subgraph(i)
	if cs == nil || as == nil {
		return fmt.Errorf("partition: invalid subgraph %d", i)
	}
	if ratioOf(as) == 0 || ratioOf(cs) != ratioOf(as) {
		return fmt.Errorf("partition: subgraph %d is not configured for co-execution", i)
	}
	sites := FindSites(as)
	if len(sites) == 0 {
		return as.Invoke(ctx, device.Accelerator)
	}
	if err := copyInputs(as, cs); err != nil {
		return err
	}

	start := time.Now()
	cs.SetObserver(newProducer(c.part.Queue(), FindSites(cs), cs.ExecutionPlan()))
	as.SetObserver(newConsumer(c.part, sites, as.ExecutionPlan()))
	defer cs.SetObserver(nil)
	defer as.SetObserver(nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cs.Invoke(gctx, device.CPU) })
	g.Go(func() error { return as.Invoke(gctx, device.Accelerator) })
	err := g.Wait()
	if n := c.part.Queue().Drain(); n > 0 {
		c.logger.Warn("Handoff records left after run.", "subgraph", i, "records", n)
	}
	if err != nil {
		return fmt.Errorf("partition: co-executing subgraph %d: %w", i, err)
	}
	c.logger.Debug("Subgraph co-executed.", "subgraph", i, "sites", len(sites), "elapsed", time.Since(start))
	return nil
}

// Close stops both loops from waiting on each other.
func (c *CoExecutor) Close() {
	c.part.Queue().Close()
}

func copyInputs(from, to *graph.Subgraph) error {
	for _, idx := range from.Inputs() {
		if err := from.EnsureTensorDataIsReadable(idx); err != nil {
			return err
		}
		src, dst := from.Tensor(idx), to.Tensor(idx)
		if src.Bytes() != dst.Bytes() {
			return fmt.Errorf("partition: input %d has %d bytes on the accelerator and %d on the cpu", idx, src.Bytes(), dst.Bytes())
		}
		copy(dst.Data(), src.Data())
	}
	return nil
}

// producer runs on the CPU loop. After every split convolution it lends the
// output to the accelerator and waits for the merge; after the last one the
// CPU has nothing left to contribute and stops.
type producer struct {
	queue *handoff.Queue
	convs map[int]Site
	last  int
}

func newProducer(q *handoff.Queue, sites []Site, plan []int) *producer {
	p := &producer{queue: q, convs: make(map[int]Site), last: -1}
	for _, s := range sites {
		p.convs[s.Conv] = s
	}
	for _, idx := range plan {
		if _, ok := p.convs[idx]; ok {
			p.last = idx
		}
	}
	return p
}

func (p *producer) AfterNode(ctx context.Context, ev graph.NodeEvent) error {
	site, ok := p.convs[ev.NodeIndex]
	if !ok {
		return nil
	}
	h, err := ev.Subgraph.Tensor(site.ConvOut).Lend()
	if err != nil {
		return err
	}
	if err := p.queue.Push(ctx, handoff.Record{Unit: device.CPU, Buffer: h}); err != nil {
		h.Release()
		return err
	}
	if ev.NodeIndex == p.last {
		return graph.ErrHalt
	}
	return nil
}

// consumer runs on the accelerator loop and merges the CPU's channels into
// each split concatenation.
type consumer struct {
	part    *Partitioner
	concats map[int]Site
	last    int
}

func newConsumer(part *Partitioner, sites []Site, plan []int) *consumer {
	c := &consumer{part: part, concats: make(map[int]Site), last: -1}
	for _, s := range sites {
		c.concats[s.Concat] = s
	}
	for _, idx := range plan {
		if _, ok := c.concats[idx]; ok {
			c.last = idx
		}
	}
	return c
}

func (c *consumer) AfterNode(ctx context.Context, ev graph.NodeEvent) error {
	site, ok := c.concats[ev.NodeIndex]
	if !ok {
		return nil
	}
	rec, err := c.part.Queue().PopForMerge(ctx)
	if err != nil {
		return err
	}
	if err := ev.Subgraph.EnsureTensorDataIsReadable(site.ConcatOut); err != nil {
		c.part.Queue().Notify()
		rec.Buffer.Release()
		return err
	}
	return c.part.Concatenate(ev.Subgraph.Tensor(site.ConcatOut), rec, ev.NodeIndex != c.last)
}
