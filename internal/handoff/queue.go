// Package handoff implements the rendezvous between the CPU and accelerator
// execution loops of a device split.
//
// # Protocol
//
// The producer lends a tensor buffer and calls Push, which does not return
// until the consumer has merged the record and called Notify:
//
//	producer                       consumer
//	--------                       --------
//	Push(rec) ──────ready────────▶ PopForMerge()
//	   (blocked)                   ...merge rec.Buffer...
//	                               Requeue(merged)   (optional)
//	   ◀──────────────────────────  Notify()
//	PopAndAlias(dst)               (continues)
//
// Records leave the queue in the order they entered it. Requeue appends
// without waking PopForMerge, so a requeued record is only ever taken by
// PopAndAlias.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

var (
	// ErrEmpty is returned by a pop on an empty queue.
	ErrEmpty = errors.New("handoff: queue is empty")
	// ErrClosed is returned once the queue is closed.
	ErrClosed = errors.New("handoff: queue is closed")
)

// Record is one handed-off buffer and the unit that produced it.
type Record struct {
	Unit   device.Unit
	Buffer *tensor.Handle
}

// Queue is a FIFO of records with a one-at-a-time rendezvous on Push.
type Queue struct {
	logger *slog.Logger

	// resource is taken before mu by PopForMerge.
	resource sync.Mutex

	mu        sync.Mutex
	cond      *sync.Cond
	records   []Record
	pushed    uint64
	completed uint64
	closed    bool

	ready chan struct{}
	done  chan struct{}
}

// New creates an empty queue. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{logger: logger.With("component", "handoff"), ready: make(chan struct{}, 1), done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues rec, wakes the consumer and blocks until the consumer calls
// Notify for this record. Cancelling ctx or closing the queue unblocks it
// with an error; the record stays queued until Drain.
func (q *Queue) Push(ctx context.Context, rec Record) error {
	if rec.Buffer == nil {
		return fmt.Errorf("handoff: push from %s without a buffer", rec.Unit)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.records = append(q.records, rec)
	q.pushed++
	ticket := q.pushed
	select {
	case q.ready <- struct{}{}:
	default:
	}
	q.logger.Debug("Record pushed.", "unit", rec.Unit, "tensor", rec.Buffer.Owner(), "ticket", ticket)

	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	for q.completed < ticket {
		if q.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("handoff: push from %s: %w", rec.Unit, err)
		}
		q.cond.Wait()
	}
	return nil
}

// PopForMerge waits for a pushed record and removes the oldest one. It takes
// the resource lock before the queue lock.
func (q *Queue) PopForMerge(ctx context.Context) (Record, error) {
	select {
	case <-q.ready:
	case <-q.done:
		return Record{}, ErrClosed
	case <-ctx.Done():
		return Record{}, fmt.Errorf("handoff: waiting for a record: %w", ctx.Err())
	}

	q.resource.Lock()
	defer q.resource.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Record{}, ErrClosed
	}
	return q.popLocked("merge")
}

// PopAndAlias removes the oldest record and makes dst use its buffer in
// place of its own. The record's loan ends with the adoption.
func (q *Queue) PopAndAlias(dst *tensor.Tensor) error {
	q.mu.Lock()
	rec, err := q.popLocked("alias")
	q.mu.Unlock()
	if err != nil {
		return err
	}
	if err := dst.Adopt(rec.Buffer); err != nil {
		rec.Buffer.Release()
		return err
	}
	q.logger.Debug("Buffer aliased.", "from", rec.Buffer.Owner(), "into", dst.Name)
	return nil
}

func (q *Queue) popLocked(side string) (Record, error) {
	if len(q.records) == 0 {
		q.logger.Error("Pop on an empty handoff queue.", "side", side)
		return Record{}, ErrEmpty
	}
	rec := q.records[0]
	q.records[0] = Record{}
	q.records = q.records[1:]
	return rec, nil
}

// Requeue appends rec without signalling PopForMerge.
func (q *Queue) Requeue(rec Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.records = append(q.records, rec)
	return nil
}

// Notify completes the oldest outstanding Push.
func (q *Queue) Notify() {
	q.mu.Lock()
	if q.completed < q.pushed {
		q.completed++
	}
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Drain releases every queued buffer and forgets outstanding pushes. It is
// called between runs so a failed run cannot leak a loan into the next.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.records)
	for _, rec := range q.records {
		if rec.Buffer != nil {
			rec.Buffer.Release()
		}
	}
	q.records = nil
	q.completed = q.pushed
	select {
	case <-q.ready:
	default:
	}
	q.cond.Broadcast()
	return n
}

// Close fails every blocked and future call.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
	q.cond.Broadcast()
}
