package testutil

import (
	"github.com/specialistvlad/splitgridgo/internal/graph"
	"github.com/specialistvlad/splitgridgo/internal/registry"
)

// SimpleModule is a test helper for easily creating a module that registers
// a few operators.
type SimpleModule struct {
	Ops []*graph.Registration
}

// Register implements the registry.Module interface.
func (m *SimpleModule) Register(r *registry.Registry) {
	for _, op := range m.Ops {
		r.RegisterOp(op)
	}
}

var _ registry.Module = (*SimpleModule)(nil)
