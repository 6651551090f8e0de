package scheduler

import (
	"errors"
	"fmt"

	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/runtimestore"
)

// ErrInvalidPlan is returned for a plan that does not cover a runtime's
// subgraphs exactly once with contiguous rows.
var ErrInvalidPlan = errors.New("scheduler: invalid partitioning plan")

// Policy computes partitioning plans.
type Policy interface {
	// Initial returns the first plan for a runtime with n subgraphs.
	Initial(n int) []PlanRow
	// Next returns the plan after a latency report. It may update the
	// policy bookkeeping in st. A nil result keeps the current plan.
	Next(st *runtimestore.State, latency []float32) []PlanRow
}

// ValidatePlan checks that rows cover subgraphs 0..n-1 in order, without
// gaps or overlap, with valid units and ratios 1..9.
func ValidatePlan(rows []PlanRow, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: runtime reports %d subgraphs", ErrInvalidPlan, n)
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: no rows", ErrInvalidPlan)
	}
	next := 0
	for i, r := range rows {
		if r.First != next {
			return fmt.Errorf("%w: row %d starts at subgraph %d, want %d", ErrInvalidPlan, i, r.First, next)
		}
		if r.Last < r.First {
			return fmt.Errorf("%w: row %d ends at %d before it starts at %d", ErrInvalidPlan, i, r.Last, r.First)
		}
		if !r.Unit.Valid() {
			return fmt.Errorf("%w: row %d has unit %d", ErrInvalidPlan, i, int(r.Unit))
		}
		if r.Ratio < 1 || r.Ratio > 9 {
			return fmt.Errorf("%w: row %d has ratio %d", ErrInvalidPlan, i, r.Ratio)
		}
		next = r.Last + 1
	}
	if next != n {
		return fmt.Errorf("%w: rows cover %d of %d subgraphs", ErrInvalidPlan, next, n)
	}
	return nil
}

// HillClimb keeps every subgraph in one co-execution row and walks its ratio
// one step at a time, turning around whenever latency gets worse.
type HillClimb struct {
	InitialRatio int
}

// Initial implements Policy.
func (h HillClimb) Initial(n int) []PlanRow {
	if n <= 0 {
		return nil
	}
	return []PlanRow{{First: 0, Last: n - 1, Unit: device.CoExecution, Ratio: clampRatio(h.InitialRatio)}}
}

// Next implements Policy.
func (h HillClimb) Next(st *runtimestore.State, latency []float32) []PlanRow {
	var total float32
	for _, l := range latency {
		total += l
	}
	if total <= 0 || len(st.Plan) == 0 {
		return nil
	}
	if st.Direction == 0 {
		st.Direction = 1
	}
	if st.LastLatency > 0 && total > st.LastLatency {
		st.Direction = -st.Direction
	}
	st.LastLatency = total

	rows := append([]PlanRow(nil), st.Plan...)
	changed := false
	for i := range rows {
		if rows[i].Unit != device.CoExecution {
			continue
		}
		r := rows[i].Ratio + st.Direction
		if r < 1 || r > 9 {
			st.Direction = -st.Direction
			r = rows[i].Ratio + st.Direction
		}
		r = clampRatio(r)
		if r != rows[i].Ratio {
			rows[i].Ratio = r
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return rows
}

func clampRatio(r int) int {
	return min(max(r, 1), 9)
}
