// Package device names the compute units a runtime can execute on.
package device

import (
	"fmt"
	"strings"
)

// Unit identifies an execution loop. The numeric values are the ones carried
// in scheduler plan rows.
type Unit int

const (
	CPU Unit = iota
	Accelerator
	CoExecution
)

func (u Unit) String() string {
	switch u {
	case CPU:
		return "cpu"
	case Accelerator:
		return "accelerator"
	case CoExecution:
		return "co-execution"
	default:
		return fmt.Sprintf("unit(%d)", int(u))
	}
}

// Valid reports whether u is one of the known units.
func (u Unit) Valid() bool {
	return u >= CPU && u <= CoExecution
}

// Peer returns the other side of a device split. CoExecution has no peer.
func (u Unit) Peer() Unit {
	switch u {
	case CPU:
		return Accelerator
	case Accelerator:
		return CPU
	default:
		return u
	}
}

// Parse accepts the names used in configuration files and flags.
func Parse(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu":
		return CPU, nil
	case "gpu", "accelerator", "acc":
		return Accelerator, nil
	case "co", "coexec", "co-execution", "co_execution":
		return CoExecution, nil
	}
	return 0, fmt.Errorf("unknown compute unit %q", s)
}
