package app

import (
	"context"
	"errors"
	"fmt"

	cfgmodel "github.com/specialistvlad/splitgridgo/internal/config"
	"github.com/specialistvlad/splitgridgo/internal/ctxlog"
	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/runtimestore"
	"github.com/specialistvlad/splitgridgo/internal/scheduler"
	"github.com/specialistvlad/splitgridgo/internal/sio"
)

// defaultPartitionUnit is where the default job runs when -ratio is given
// without a partition block.
const defaultPartitionUnit = device.CoExecution

// Run builds the model, connects to the scheduler if one is configured and
// runs the configured number of inferences. A failed inference is logged and
// the next one still runs; Run reports how many failed.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	health, err := startHealthcheckServer(a.config.HealthcheckPort, a.logger)
	if err != nil {
		return err
	}
	defer health.close()

	units := a.model.Units()
	if a.model.Runtime.Transport != cfgmodel.TransportNone {
		// Plans may move any range to any unit.
		units = []device.Unit{device.CPU, device.Accelerator, device.CoExecution}
	}
	a.logger.Debug("Building runtime.", "units", units)
	rt, err := newRuntime(ctx, a.model, a.registry, units, a.logger)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	defer rt.close()

	ratio := defaultRatio
	if a.model.Partition != nil {
		ratio = a.model.Partition.Ratio
	}
	if err := rt.setSteps(stepsFromJobs(a.model, ratio)); err != nil {
		return err
	}

	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	id := a.model.Runtime.ID
	if conn != nil {
		defer conn.Close()
		if id, err = a.introduce(ctx, conn, rt); err != nil {
			return err
		}
	}

	rt.pool.Start(ctx)
	iterations := max(a.model.Runtime.Iterations, 1)
	a.logger.Info("🚀 Starting inferences...", "iterations", iterations, "runtimeID", id)
	var failed []error
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		latency, err := rt.infer(ctx, conn, id)
		if err != nil {
			a.logger.Error("Inference failed.", "iteration", i, "error", err)
			failed = append(failed, fmt.Errorf("inference %d: %w", i, err))
			continue
		}
		a.logger.Debug("Inference finished.", "iteration", i, "latency_ms", latency)
		if conn != nil {
			if err := a.report(ctx, conn, rt, id, latency); err != nil {
				return err
			}
		}
	}

	if conn != nil {
		tx := scheduler.NewPacket(scheduler.KindStatus, id)
		tx.Phase = runtimestore.PhaseTerminate
		if _, err := conn.Exchange(ctx, tx); err != nil {
			a.logger.Warn("Could not say goodbye to the scheduler.", "error", err)
		}
	}
	a.logger.Info("🏁 Inferences finished.", "iterations", iterations, "failed", len(failed))
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d inferences failed: %w", len(failed), iterations, errors.Join(failed...))
	}
	a.logger.Debug("App.Run method finished.")
	return nil
}

// connect dials the scheduler named by the runtime block, if any.
func (a *App) connect(ctx context.Context) (scheduler.Conn, error) {
	rt := a.model.Runtime
	switch rt.Transport {
	case cfgmodel.TransportUnix:
		conn, err := scheduler.DialUnix(ctx, rt.Scheduler)
		if err != nil {
			return nil, err
		}
		a.logger.Info("Connected to scheduler.", "transport", rt.Transport, "addr", rt.Scheduler)
		return conn, nil
	case cfgmodel.TransportSocketIO:
		conn, err := sio.Dial(ctx, rt.Scheduler, rt.Namespace, a.logger)
		if err != nil {
			return nil, err
		}
		a.logger.Info("Connected to scheduler.", "transport", rt.Transport, "addr", rt.Scheduler)
		return conn, nil
	}
	a.logger.Debug("No scheduler configured, running the declared jobs.")
	return nil, nil
}

// introduce reports the runtime to the scheduler, adopts the identity and
// the initial plan it answers with, and reports readiness.
func (a *App) introduce(ctx context.Context, conn scheduler.Conn, rt *runtime) (int, error) {
	tx := scheduler.NewPacket(scheduler.KindStatus, a.model.Runtime.ID)
	tx.Phase = runtimestore.PhaseInitialize
	tx.Subgraphs = int32(len(a.model.Subgraphs))
	rx, err := conn.Exchange(ctx, tx)
	if err != nil {
		return 0, fmt.Errorf("introducing runtime: %w", err)
	}
	id := int(rx.RuntimeID)
	if err := a.follow(rt, rx); err != nil {
		return 0, err
	}

	tx = scheduler.NewPacket(scheduler.KindStatus, id)
	tx.Phase = runtimestore.PhaseReady
	tx.Subgraphs = int32(len(a.model.Subgraphs))
	if rx, err = conn.Exchange(ctx, tx); err != nil {
		return 0, fmt.Errorf("reporting readiness: %w", err)
	}
	if err := a.follow(rt, rx); err != nil {
		return 0, err
	}
	a.logger.Info("Runtime introduced to scheduler.", "runtimeID", id)
	return id, nil
}

// report sends the latency of the last inference and follows a new plan if
// the scheduler answers with one.
func (a *App) report(ctx context.Context, conn scheduler.Conn, rt *runtime, id int, latency []float32) error {
	tx := scheduler.NewPacket(scheduler.KindStatus, id)
	tx.Phase = runtimestore.PhaseInvoke
	tx.Subgraphs = int32(len(a.model.Subgraphs))
	if err := tx.SetLatencies(latency); err != nil {
		return err
	}
	rx, err := conn.Exchange(ctx, tx)
	if err != nil {
		return fmt.Errorf("reporting latency: %w", err)
	}
	return a.follow(rt, rx)
}

// follow applies the plan carried by rx, if any.
func (a *App) follow(rt *runtime, rx scheduler.Packet) error {
	switch rx.Kind {
	case scheduler.KindPlan:
		rows := rx.Rows()
		if err := scheduler.ValidatePlan(rows, len(a.model.Subgraphs)); err != nil {
			return err
		}
		if err := rt.setSteps(stepsFromPlan(rows)); err != nil {
			return fmt.Errorf("applying plan: %w", err)
		}
		a.logger.Info("Plan applied.", "rows", rows)
	case scheduler.KindAck:
	default:
		return fmt.Errorf("scheduler answered with %s", rx.Kind)
	}
	return nil
}
