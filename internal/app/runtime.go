package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/specialistvlad/splitgridgo/internal/builder"
	"github.com/specialistvlad/splitgridgo/internal/config"
	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/graph"
	"github.com/specialistvlad/splitgridgo/internal/partition"
	"github.com/specialistvlad/splitgridgo/internal/registry"
	"github.com/specialistvlad/splitgridgo/internal/scheduler"
	"github.com/specialistvlad/splitgridgo/internal/stitch"
	"github.com/specialistvlad/splitgridgo/internal/worker"
)

// defaultRatio is the co-execution ratio when neither the flags nor the
// partition block set one.
const defaultRatio = 5

// acquireInterval is how often a queued runtime asks for a unit again.
const acquireInterval = 5 * time.Millisecond

// unitExec is the model built for one compute unit.
type unitExec struct {
	unit      device.Unit
	subgraphs []*graph.Subgraph
	coexec    *partition.CoExecutor
	pipeline  *stitch.Pipeline
	close     func()
}

// step is one job of an inference: a run of subgraphs on one unit.
type step struct {
	name      string
	unit      device.Unit
	subgraphs []int
	ratio     int
}

// runtime owns the per-unit interpreters, the shared stitcher and the
// worker pool of one runtime process.
type runtime struct {
	model    *config.Model
	logger   *slog.Logger
	execs    map[device.Unit]*unitExec
	stitcher *stitch.Stitcher
	pool     *worker.Pool
	steps    []step
}

// newRuntime builds the model once per unit and binds one worker to each.
func newRuntime(ctx context.Context, model *config.Model, reg *registry.Registry, units []device.Unit, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{
		model:    model,
		logger:   logger,
		execs:    make(map[device.Unit]*unitExec),
		stitcher: stitch.New(logger),
		pool:     worker.NewPool(logger),
	}
	b := builder.New(reg)
	for _, unit := range units {
		ex, err := rt.build(ctx, b, unit)
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.execs[unit] = ex
		if _, err := rt.pool.AddWorker(unit, ex.pipeline, worker.LogOutputs(ex.subgraphs, logger)); err != nil {
			rt.close()
			return nil, err
		}
		logger.Debug("Unit built.", "unit", unit, "subgraphs", len(ex.subgraphs))
	}
	return rt, nil
}

func (rt *runtime) build(ctx context.Context, b *builder.Builder, unit device.Unit) (*unitExec, error) {
	ex := &unitExec{unit: unit}
	var run stitch.Invoker
	switch unit {
	case device.CoExecution:
		c, err := b.BuildCoExecutor(ctx, rt.model)
		if err != nil {
			return nil, err
		}
		ex.coexec, ex.subgraphs, run = c, c.Primary().Subgraphs(), c
		ex.close = c.Close
	default:
		it, err := b.Build(ctx, rt.model, unit)
		if err != nil {
			return nil, err
		}
		ex.subgraphs, run = it.Subgraphs(), it
		ex.close = it.Close
	}
	table, err := stitch.BuildTable(ex.subgraphs, nil)
	if err != nil {
		ex.close()
		return nil, fmt.Errorf("routing %s pipeline: %w", unit, err)
	}
	for _, st := range table.Stages() {
		rt.logger.Debug("Stage routed.", "unit", unit, "subgraph", st.Name, "kind", st.Kind,
			"firstOp", ex.subgraphs[st.Index].FirstOpName(), "sources", st.Sources)
	}
	ex.pipeline = stitch.NewPipeline(ex.subgraphs, run, table, rt.stitcher)
	return ex, nil
}

// stepsFromJobs turns the declared jobs into steps. Co-execution jobs split
// at ratio.
func stepsFromJobs(model *config.Model, ratio int) []step {
	steps := make([]step, 0, len(model.Jobs))
	for _, job := range model.Jobs {
		st := step{name: job.Name, unit: job.Unit, ratio: ratio}
		for _, name := range job.Subgraphs {
			idx, _ := model.SubgraphIndex(name)
			st.subgraphs = append(st.subgraphs, idx)
		}
		steps = append(steps, st)
	}
	return steps
}

// stepsFromPlan turns scheduler plan rows into steps.
func stepsFromPlan(rows []scheduler.PlanRow) []step {
	steps := make([]step, 0, len(rows))
	for i, row := range rows {
		st := step{name: fmt.Sprintf("plan-%d", i), unit: row.Unit, ratio: row.Ratio}
		for sg := row.First; sg <= row.Last; sg++ {
			st.subgraphs = append(st.subgraphs, sg)
		}
		steps = append(steps, st)
	}
	return steps
}

// setSteps replaces the steps run by each inference. Every step's unit must
// have been built.
func (rt *runtime) setSteps(steps []step) error {
	for _, st := range steps {
		if _, ok := rt.execs[st.unit]; !ok {
			return fmt.Errorf("step %s runs on %s, which this runtime did not build", st.name, st.unit)
		}
		if st.unit == device.CoExecution && (st.ratio < 1 || st.ratio > 9) {
			return fmt.Errorf("step %s: %w: %d", st.name, partition.ErrRatio, st.ratio)
		}
	}
	rt.steps = steps
	return nil
}

// infer runs every step once, in order, and returns each step's latency in
// milliseconds. A unit is held through the scheduler for the length of its
// step when conn is set.
func (rt *runtime) infer(ctx context.Context, conn scheduler.Conn, runtimeID int) ([]float32, error) {
	rt.stitcher.Reset()
	latency := make([]float32, 0, len(rt.steps))
	for _, st := range rt.steps {
		ex := rt.execs[st.unit]
		if ex.coexec != nil {
			if err := ex.coexec.Configure(st.ratio); err != nil {
				return nil, fmt.Errorf("step %s: %w", st.name, err)
			}
		}
		if err := rt.fillEntries(ex, st); err != nil {
			return nil, fmt.Errorf("step %s: %w", st.name, err)
		}

		start := time.Now()
		if err := rt.runStep(ctx, conn, runtimeID, st); err != nil {
			return nil, fmt.Errorf("step %s: %w", st.name, err)
		}
		latency = append(latency, float32(time.Since(start).Seconds()*1000))
	}
	return latency, nil
}

func (rt *runtime) runStep(ctx context.Context, conn scheduler.Conn, runtimeID int, st step) (err error) {
	if conn != nil {
		if err := scheduler.Acquire(ctx, conn, runtimeID, st.unit, acquireInterval); err != nil {
			return err
		}
		defer func() {
			if rerr := scheduler.Release(context.WithoutCancel(ctx), conn, runtimeID, st.unit); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}()
	}
	if _, err := rt.pool.Submit(st.unit, st.subgraphs...); err != nil {
		return err
	}
	return rt.pool.Wait(ctx)
}

// fillEntries writes the declared input values of the step's entry stages.
func (rt *runtime) fillEntries(ex *unitExec, st step) error {
	table := ex.pipeline.Table()
	for _, sg := range st.subgraphs {
		if stage, ok := table.Stage(sg); ok && stage.Entry() {
			if err := builder.FillInputs(rt.model, ex.subgraphs[sg]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (rt *runtime) close() {
	rt.pool.Stop()
	for _, ex := range rt.execs {
		ex.close()
	}
}
