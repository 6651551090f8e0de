// Package worker runs jobs, each an ordered list of subgraphs, on long-lived
// goroutines bound to one compute unit.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/specialistvlad/splitgridgo/internal/device"
)

// State is a worker's lifecycle state.
type State int

const (
	StateInit State = iota
	StateIdle
	StateWorking
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIdle:
		return "idle"
	case StateWorking:
		return "working"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Runner runs one subgraph of a pipeline, stitching its inputs first.
// *stitch.Pipeline satisfies it.
type Runner interface {
	RunStage(ctx context.Context, i int) error
	// Last reports whether subgraph i ends the pipeline.
	Last(i int) bool
}

// ReportFunc is called after a subgraph that ends the pipeline.
type ReportFunc func(ctx context.Context, job *Job, subgraph int)

// Job is an ordered list of subgraphs to run on one unit.
type Job struct {
	ID        int
	Unit      device.Unit
	Subgraphs []int

	// Set by the pool once the job has run.
	done bool
	Err  error
}

// Worker is one goroutine bound to a compute unit with a private job list.
type Worker struct {
	id     int
	unit   device.Unit
	runner Runner
	report ReportFunc
	pool   *Pool
	logger *slog.Logger

	mu    sync.Mutex
	cond  *sync.Cond
	state State
	jobs  []*Job
}

func newWorker(id int, unit device.Unit, runner Runner, report ReportFunc, pool *Pool) *Worker {
	w := &Worker{
		id:     id,
		unit:   unit,
		runner: runner,
		report: report,
		pool:   pool,
		logger: pool.logger.With("workerID", id, "unit", unit),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *Worker) ID() int           { return w.id }
func (w *Worker) Unit() device.Unit { return w.unit }

// State returns the current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// GiveJob appends job to the worker's list. It does not wake the worker.
func (w *Worker) GiveJob(job *Job) {
	w.mu.Lock()
	w.jobs = append(w.jobs, job)
	w.mu.Unlock()
}

// WakeWorker puts a live worker to work and wakes it.
func (w *Worker) WakeWorker() {
	w.mu.Lock()
	if w.state != StateDone {
		w.state = StateWorking
	}
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *Worker) stop() {
	w.mu.Lock()
	w.state = StateDone
	w.cond.Broadcast()
	w.mu.Unlock()
}

// loop is the core processing loop of a worker.
func (w *Worker) loop(ctx context.Context) {
	w.logger.Debug("Worker started.")
	w.mu.Lock()
	if w.state == StateInit {
		w.state = StateIdle
	}
	w.mu.Unlock()

	for {
		w.mu.Lock()
		for w.state != StateWorking && w.state != StateDone {
			w.cond.Wait()
		}
		if w.state == StateDone {
			w.mu.Unlock()
			w.logger.Debug("Worker finished.")
			return
		}
		pending := w.jobs
		w.jobs = nil
		w.mu.Unlock()

		for _, job := range pending {
			if job.Unit != w.unit {
				w.logger.Warn("Skipping job for another unit.", "jobID", job.ID, "jobUnit", job.Unit)
				w.pool.finish(job, fmt.Errorf("worker: job %d is for %s, worker %d runs %s", job.ID, job.Unit, w.id, w.unit))
				continue
			}
			w.pool.finish(job, w.run(ctx, job))
		}

		w.mu.Lock()
		if w.state == StateWorking && len(w.jobs) == 0 {
			w.state = StateIdle
		}
		w.mu.Unlock()
	}
}

// run invokes the job's subgraphs in order. A failure is logged and ends the
// job; the worker carries on with the next one.
func (w *Worker) run(ctx context.Context, job *Job) error {
	logger := w.logger.With("jobID", job.ID)
	logger.Debug("▶️ Job started.", "subgraphs", job.Subgraphs)
	start := time.Now()
	for _, sg := range job.Subgraphs {
		if err := w.runner.RunStage(ctx, sg); err != nil {
			logger.Error("Job failed.", "subgraph", sg, "error", err)
			return err
		}
		if w.report != nil && w.runner.Last(sg) {
			w.report(ctx, job, sg)
		}
	}
	logger.Debug("✅ Job finished.", "elapsed", time.Since(start))
	return nil
}
