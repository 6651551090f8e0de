// Package runtimestore keeps the scheduler's view of every connected
// runtime.
//
// # Concurrency Model
//
// Entries live in a sync.Map keyed by runtime ID, and each entry carries its
// own mutex. Connections for different runtimes never contend; reads and
// updates of one runtime are serialised by its entry lock. Callers only ever
// see copies of State.
package runtimestore

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/specialistvlad/splitgridgo/internal/device"
)

// Phase is the lifecycle phase a runtime reports.
type Phase uint8

const (
	// PhaseInitialize is reported until the runtime has a plan.
	PhaseInitialize Phase = iota
	// PhaseReady is reported once a plan is applied and the runtime is idle.
	PhaseReady
	// PhaseInvoke is reported after a run, together with latency samples.
	PhaseInvoke
	// PhaseTerminate is reported by a runtime that is shutting down.
	PhaseTerminate
)

func (p Phase) String() string {
	switch p {
	case PhaseInitialize:
		return "initialize"
	case PhaseReady:
		return "ready"
	case PhaseInvoke:
		return "invoke"
	case PhaseTerminate:
		return "terminate"
	}
	return "unknown"
}

// PlanRow assigns subgraphs First..Last (inclusive) to Unit. Ratio is the
// CPU share in tenths for co-execution rows.
type PlanRow struct {
	First, Last int
	Unit        device.Unit
	Ratio       int
}

// State is one runtime as the scheduler knows it.
type State struct {
	ID        int
	Phase     Phase
	Ready     bool
	Subgraphs int
	Latency   []float32
	Plan      []PlanRow
	FirstSeen time.Time
	LastSeen  time.Time

	// Policy bookkeeping.
	LastLatency float32
	Direction   int
}

func (s State) clone() State {
	s.Latency = slices.Clone(s.Latency)
	s.Plan = slices.Clone(s.Plan)
	return s
}

type entry struct {
	mu sync.Mutex
	st State
}

// Store is a concurrent map of runtime states.
type Store struct {
	entries sync.Map // Key: runtime ID, Value: *entry
	now     func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{now: time.Now}
}

// Refresh applies fn to the state of runtime id, creating it on first
// contact, and returns a copy of the result. LastSeen is always updated.
func (s *Store) Refresh(id int, fn func(st *State)) State {
	now := s.now()
	v, _ := s.entries.LoadOrStore(id, &entry{st: State{ID: id, FirstSeen: now, Direction: 1}})
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.st.LastSeen = now
	if fn != nil {
		fn(&e.st)
	}
	return e.st.clone()
}

// Update applies fn to an existing runtime. It reports false when id is not
// tracked.
func (s *Store) Update(id int, fn func(st *State)) (State, bool) {
	v, ok := s.entries.Load(id)
	if !ok {
		return State{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.st)
	return e.st.clone(), true
}

// Get returns a copy of runtime id's state.
func (s *Store) Get(id int) (State, bool) {
	v, ok := s.entries.Load(id)
	if !ok {
		return State{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.clone(), true
}

// Delete forgets runtime id.
func (s *Store) Delete(id int) bool {
	_, ok := s.entries.LoadAndDelete(id)
	return ok
}

// All returns copies of every state ordered by ID.
func (s *Store) All() []State {
	var out []State
	s.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, e.st.clone())
		e.mu.Unlock()
		return true
	})
	slices.SortFunc(out, func(a, b State) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of tracked runtimes.
func (s *Store) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
