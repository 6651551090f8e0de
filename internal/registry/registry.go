package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/specialistvlad/splitgridgo/internal/ctxlog"
	"github.com/specialistvlad/splitgridgo/internal/graph"
)

// ErrUnknownOp is returned by Lookup for an unregistered operator kind.
var ErrUnknownOp = errors.New("registry: unknown operator")

// Module is implemented by every kernel package.
type Module interface {
	Register(r *Registry)
}

// Registry holds operator registrations for one application instance.
type Registry struct {
	ops    map[string]*graph.Registration
	byCode map[int]*graph.Registration
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		ops:    make(map[string]*graph.Registration),
		byCode: make(map[int]*graph.Registration),
	}
}

// Load registers every module in order.
func (r *Registry) Load(modules ...Module) *Registry {
	for _, m := range modules {
		m.Register(r)
	}
	return r
}

// RegisterOp adds reg under its name. Registering a name or builtin code
// twice is a programming error and panics.
func (r *Registry) RegisterOp(reg *graph.Registration) {
	key := strings.ToUpper(reg.Name)
	if _, exists := r.ops[key]; exists {
		panic(fmt.Sprintf("operator '%s' already registered", reg.Name))
	}
	if !reg.Custom {
		if prev, exists := r.byCode[reg.Code]; exists {
			panic(fmt.Sprintf("builtin code %d of '%s' already used by '%s'", reg.Code, reg.Name, prev.Name))
		}
		r.byCode[reg.Code] = reg
	}
	r.ops[key] = reg
}

// Lookup finds a registration by operator kind, ignoring case.
func (r *Registry) Lookup(kind string) (*graph.Registration, error) {
	reg, ok := r.ops[strings.ToUpper(kind)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, kind)
	}
	return reg, nil
}

// LookupCode finds a builtin registration by code.
func (r *Registry) LookupCode(code int) (*graph.Registration, bool) {
	reg, ok := r.byCode[code]
	return reg, ok
}

// Names returns the registered operator kinds in sorted order.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.ops))
}

// Validate reports registrations that could never run.
func (r *Registry) Validate(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	var errs []string
	for _, name := range r.Names() {
		reg := r.ops[name]
		if reg.Invoke == nil {
			errs = append(errs, fmt.Sprintf("operator '%s' has no invoke function", name))
		}
		if !reg.Custom && reg.Code <= 0 {
			errs = append(errs, fmt.Sprintf("builtin operator '%s' has no code", name))
		}
		if reg.Prepare == nil {
			logger.Debug("Operator has no prepare step.", "op", name)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("registry validation failed:\n- %s", strings.Join(errs, "\n- "))
	}
	logger.Debug("Registry validated.", "ops", len(r.ops))
	return nil
}
