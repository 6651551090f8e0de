package config

import (
	"errors"
	"fmt"

	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

// ErrInvalid wraps every problem Validate reports.
var ErrInvalid = errors.New("config: invalid runtime description")

// Validate checks that names are unique and that every reference resolves.
// All problems are reported together.
func (m *Model) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch m.Runtime.Transport {
	case TransportNone, TransportUnix, TransportSocketIO:
	default:
		fail("runtime transport %q is not one of unix, socketio", m.Runtime.Transport)
	}
	if m.Runtime.Transport != TransportNone && m.Runtime.Scheduler == "" {
		fail("runtime transport %q needs a scheduler address", m.Runtime.Transport)
	}
	if m.Runtime.ID < 0 {
		fail("runtime id %d is negative", m.Runtime.ID)
	}
	if m.Partition != nil && (m.Partition.Ratio < 1 || m.Partition.Ratio > 9) {
		fail("partition ratio %d is outside 1..9", m.Partition.Ratio)
	}

	tensors := make(map[string]bool, len(m.Tensors))
	for _, t := range m.Tensors {
		if tensors[t.Name] {
			fail("tensor %q is declared twice", t.Name)
		}
		tensors[t.Name] = true
		for _, d := range t.Shape {
			if d < 0 {
				fail("tensor %q has negative dimension in %v", t.Name, t.Shape)
			}
		}
		if t.Signature != nil && len(t.Signature) != len(t.Shape) {
			fail("tensor %q signature %v does not match shape %v", t.Name, t.Signature, t.Shape)
		}
		if t.Kind == tensor.MmapRO && !t.HasValues() {
			fail("constant tensor %q needs data or fill", t.Name)
		}
		if t.Data != nil {
			n := 1
			for _, d := range t.Shape {
				n *= d
			}
			if len(t.Data) != n {
				fail("tensor %q has %d values for %d elements", t.Name, len(t.Data), n)
			}
		}
		if t.HasValues() && t.Type != tensor.Float32 && t.Type != tensor.Int32 {
			fail("tensor %q: values are only supported for float32 and int32", t.Name)
		}
	}
	known := func(owner, name string, optional bool) {
		if optional && name == OptionalInput {
			return
		}
		if !tensors[name] {
			fail("%s refers to unknown tensor %q", owner, name)
		}
	}

	subgraphs := make(map[string]bool, len(m.Subgraphs))
	for _, s := range m.Subgraphs {
		if subgraphs[s.Name] {
			fail("subgraph %q is declared twice", s.Name)
		}
		subgraphs[s.Name] = true
		if len(s.Ops) == 0 {
			fail("subgraph %q has no operators", s.Name)
		}
		for _, n := range s.Inputs {
			known(fmt.Sprintf("subgraph %q input", s.Name), n, false)
		}
		for _, n := range s.Outputs {
			known(fmt.Sprintf("subgraph %q output", s.Name), n, false)
		}
		for i, op := range s.Ops {
			owner := fmt.Sprintf("subgraph %q op %d (%s)", s.Name, i, op.Kind)
			if len(op.Outputs) == 0 {
				fail("%s has no outputs", owner)
			}
			for _, n := range op.Inputs {
				known(owner+" input", n, true)
			}
			for _, n := range op.Outputs {
				known(owner+" output", n, false)
			}
		}
	}

	jobs := make(map[string]bool, len(m.Jobs))
	for _, j := range m.Jobs {
		if jobs[j.Name] {
			fail("job %q is declared twice", j.Name)
		}
		jobs[j.Name] = true
		if !j.Unit.Valid() {
			fail("job %q has an invalid unit", j.Name)
		}
		if len(j.Subgraphs) == 0 {
			fail("job %q runs no subgraphs", j.Name)
		}
		for _, n := range j.Subgraphs {
			if !subgraphs[n] {
				fail("job %q refers to unknown subgraph %q", j.Name, n)
			}
		}
	}
	return errors.Join(errs...)
}
