package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/specialistvlad/splitgridgo/internal/device"
)

// ErrStopped is returned when submitting to a stopped pool.
var ErrStopped = errors.New("worker: pool is stopped")

// Pool owns the workers of one runtime and the shared job list.
type Pool struct {
	logger  *slog.Logger
	workers []*Worker
	wg      sync.WaitGroup

	// mu guards the shared job list.
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []*Job
	nextID  int
	started bool
	stopped bool
}

// NewPool creates an empty pool. A nil logger uses slog.Default.
func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{logger: logger.With("component", "workerpool")}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// AddWorker creates a worker for unit. Workers must be added before Start.
func (p *Pool) AddWorker(unit device.Unit, runner Runner, report ReportFunc) (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil, errors.New("worker: cannot add workers to a started pool")
	}
	if !unit.Valid() {
		return nil, fmt.Errorf("worker: invalid unit %d", int(unit))
	}
	w := newWorker(len(p.workers), unit, runner, report, p)
	p.workers = append(p.workers, w)
	return w, nil
}

// Workers returns the pool's workers.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Worker(nil), p.workers...)
}

// Start launches one goroutine per worker. They run until Stop or until ctx
// is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	workers := p.workers
	p.mu.Unlock()

	for _, w := range workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.loop(ctx)
		}(w)
	}
	context.AfterFunc(ctx, p.Stop)
	p.logger.Info("🚀 Worker pool started.", "workers", len(workers))
}

// Submit hands the subgraphs to the first worker bound to unit and wakes it.
func (p *Pool) Submit(unit device.Unit, subgraphs ...int) (*Job, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrStopped
	}
	var target *Worker
	for _, w := range p.workers {
		if w.unit == unit {
			target = w
			break
		}
	}
	if target == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("worker: no worker runs on %s", unit)
	}
	job := &Job{ID: p.nextID, Unit: unit, Subgraphs: append([]int(nil), subgraphs...)}
	p.nextID++
	p.jobs = append(p.jobs, job)
	p.mu.Unlock()

	target.GiveJob(job)
	target.WakeWorker()
	return job, nil
}

func (p *Pool) finish(job *Job, err error) {
	p.mu.Lock()
	job.done = true
	job.Err = err
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Wait blocks until every submitted job is done and returns their errors
// joined. Finished jobs leave the shared list.
func (p *Pool) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.allDone() {
		if p.stopped {
			return ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		p.cond.Wait()
	}
	var errs []error
	for _, job := range p.jobs {
		if job.Err != nil {
			errs = append(errs, fmt.Errorf("job %d: %w", job.ID, job.Err))
		}
	}
	p.jobs = nil
	return errors.Join(errs...)
}

func (p *Pool) allDone() bool {
	for _, job := range p.jobs {
		if !job.done {
			return false
		}
	}
	return true
}

// Stop ends every worker after its current job and waits for them.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	workers := p.workers
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	p.wg.Wait()
	p.logger.Info("🏁 Worker pool stopped.")
}
