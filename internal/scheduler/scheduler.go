package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/specialistvlad/splitgridgo/internal/ctxlog"
	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/runtimestore"
)

// resource is one exclusive pool with a FIFO of waiting runtimes.
type resource struct {
	held   bool
	holder int
	queue  []int
}

// Scheduler tracks runtimes, computes their plans and arbitrates the CPU,
// the accelerator and co-execution between them.
type Scheduler struct {
	store  *runtimestore.Store
	policy Policy
	logger *slog.Logger

	mu        sync.Mutex
	resources map[device.Unit]*resource
	nextID    int
}

// New creates a Scheduler backed by store. A nil policy uses HillClimb
// starting at ratio 5.
func New(store *runtimestore.Store, policy Policy, logger *slog.Logger) *Scheduler {
	if policy == nil {
		policy = HillClimb{InitialRatio: 5}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  store,
		policy: policy,
		logger: logger.With("component", "scheduler"),
		resources: map[device.Unit]*resource{
			device.CPU:         {},
			device.Accelerator: {},
			device.CoExecution: {},
		},
	}
}

// Store returns the runtime store.
func (s *Scheduler) Store() *runtimestore.Store { return s.store }

// Handle answers one packet from a runtime. A runtime that reports ID 0 is
// given a fresh ID in the reply.
func (s *Scheduler) Handle(ctx context.Context, rx Packet) Packet {
	logger := ctxlog.FromContext(ctx)
	id := int(rx.RuntimeID)
	if id <= 0 {
		id = s.assignID()
		logger.Info("Runtime registered.", "runtimeID", id)
	}

	switch rx.Kind {
	case KindStatus:
		return s.handleStatus(ctx, id, rx)
	case KindAcquire:
		unit := device.Unit(rx.Unit)
		if !unit.Valid() {
			return s.errorReply(id, fmt.Errorf("acquire of unit %d", rx.Unit))
		}
		s.store.Refresh(id, nil)
		if s.RoundRobin(unit, id) {
			return s.reply(KindGrant, id, unit)
		}
		return s.reply(KindWait, id, unit)
	case KindRelease:
		unit := device.Unit(rx.Unit)
		if holder, ok := s.Holder(unit); !ok || holder != id {
			return s.errorReply(id, fmt.Errorf("runtime %d does not hold %s", id, unit))
		}
		s.ReleaseResource(unit)
		return s.reply(KindAck, id, unit)
	}
	return s.errorReply(id, fmt.Errorf("unexpected %s packet", rx.Kind))
}

func (s *Scheduler) handleStatus(ctx context.Context, id int, rx Packet) Packet {
	logger := ctxlog.FromContext(ctx).With("runtimeID", id)
	if rx.Phase == runtimestore.PhaseTerminate {
		s.Drop(id)
		return s.reply(KindAck, id, -1)
	}

	latency := rx.Latencies()
	st := s.store.Refresh(id, func(st *runtimestore.State) {
		st.Phase = rx.Phase
		st.Ready = rx.Phase == runtimestore.PhaseReady || rx.Phase == runtimestore.PhaseInvoke
		st.Subgraphs = int(rx.Subgraphs)
		if rx.Phase == runtimestore.PhaseInvoke {
			st.Latency = latency
		}
	})

	var rows []PlanRow
	switch {
	case st.Phase == runtimestore.PhaseInitialize:
		rows = s.policy.Initial(st.Subgraphs)
	case st.Phase == runtimestore.PhaseInvoke && s.CheckAllRuntimesReady():
		s.store.Update(id, func(st *runtimestore.State) {
			rows = s.policy.Next(st, latency)
		})
	}
	if rows == nil {
		return s.reply(KindAck, id, -1)
	}
	if err := ValidatePlan(rows, st.Subgraphs); err != nil {
		logger.Error("Policy produced an invalid plan.", "error", err)
		return s.errorReply(id, err)
	}
	s.store.Update(id, func(st *runtimestore.State) { st.Plan = rows })
	logger.Info("Plan sent.", "phase", st.Phase, "rows", rows)

	tx := s.reply(KindPlan, id, -1)
	if err := tx.SetRows(rows); err != nil {
		return s.errorReply(id, err)
	}
	return tx
}

func (s *Scheduler) reply(kind Kind, id int, unit device.Unit) Packet {
	p := NewPacket(kind, id)
	p.Unit = int32(unit)
	return p
}

func (s *Scheduler) errorReply(id int, err error) Packet {
	s.logger.Warn("Request refused.", "runtimeID", id, "error", err)
	return s.reply(KindError, id, -1)
}

func (s *Scheduler) assignID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		s.nextID++
		if _, taken := s.store.Get(s.nextID); !taken {
			return s.nextID
		}
	}
}

// CheckAllRuntimesReady reports whether every tracked runtime is ready. It
// is false while no runtime is tracked.
func (s *Scheduler) CheckAllRuntimesReady() bool {
	all := s.store.All()
	if len(all) == 0 {
		return false
	}
	for _, st := range all {
		if !st.Ready {
			return false
		}
	}
	return true
}

// RoundRobin grants unit to runtime id if it is free and queues id
// otherwise. Asking again while holding or queued changes nothing.
func (s *Scheduler) RoundRobin(unit device.Unit, id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[unit]
	if !ok {
		return false
	}
	if r.held {
		if r.holder == id {
			return true
		}
		if !slices.Contains(r.queue, id) {
			r.queue = append(r.queue, id)
			s.logger.Debug("Runtime queued.", "unit", unit, "runtimeID", id, "position", len(r.queue))
		}
		return false
	}
	r.held, r.holder = true, id
	s.logger.Debug("Resource granted.", "unit", unit, "runtimeID", id)
	return true
}

// ReleaseResource hands unit to the longest-waiting runtime, or frees it.
// It returns the new holder.
func (s *Scheduler) ReleaseResource(unit device.Unit) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[unit]
	if !ok || !r.held {
		return 0, false
	}
	if len(r.queue) == 0 {
		r.held, r.holder = false, 0
		s.logger.Debug("Resource freed.", "unit", unit)
		return 0, false
	}
	r.holder = r.queue[0]
	r.queue = r.queue[1:]
	s.logger.Debug("Resource granted.", "unit", unit, "runtimeID", r.holder)
	return r.holder, true
}

// Holder returns the runtime holding unit.
func (s *Scheduler) Holder(unit device.Unit) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[unit]
	if !ok || !r.held {
		return 0, false
	}
	return r.holder, true
}

// Waiting returns the runtimes queued for unit, oldest first.
func (s *Scheduler) Waiting(unit device.Unit) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.resources[unit]; ok {
		return slices.Clone(r.queue)
	}
	return nil
}

// Drop forgets runtime id: its state, its queue positions and any unit it
// holds, which passes to the next waiting runtime.
func (s *Scheduler) Drop(id int) {
	if !s.store.Delete(id) {
		return
	}
	var held []device.Unit
	s.mu.Lock()
	for unit, r := range s.resources {
		r.queue = slices.DeleteFunc(r.queue, func(q int) bool { return q == id })
		if r.held && r.holder == id {
			held = append(held, unit)
		}
	}
	s.mu.Unlock()
	for _, unit := range held {
		s.ReleaseResource(unit)
	}
	s.logger.Info("Runtime dropped.", "runtimeID", id)
}
