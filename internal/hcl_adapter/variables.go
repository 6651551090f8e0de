package hcl_adapter

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/specialistvlad/splitgridgo/internal/ctxlog"
	"github.com/specialistvlad/splitgridgo/internal/dag"
)

var variablesSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{{Type: "variables"}},
}

// functions are callable from any expression, including variables.
var functions = map[string]function.Function{
	"ceil":   stdlib.CeilFunc,
	"floor":  stdlib.FloorFunc,
	"max":    stdlib.MaxFunc,
	"min":    stdlib.MinFunc,
	"concat": stdlib.ConcatFunc,
	"length": stdlib.LengthFunc,
	"range":  stdlib.RangeFunc,
}

// evalVariables collects the attributes of every `variables` block. A name
// may be defined once across all files. Variables may refer to each other
// through `var.<name>` in any order, as long as the references form no
// cycle.
func evalVariables(ctx context.Context, files []*hcl.File) (map[string]cty.Value, error) {
	logger := ctxlog.FromContext(ctx)
	attrs, err := collectVariables(files)
	if err != nil {
		return nil, err
	}

	order, err := variableOrder(attrs)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]cty.Value, len(attrs))
	for _, name := range order {
		val, diags := attrs[name].Expr.Value(newEvalContext(vars))
		if diags.HasErrors() {
			return nil, fmt.Errorf("evaluating variable %q: %w", name, diags)
		}
		vars[name] = val
		logger.Debug("Variable evaluated.", "name", name, "type", val.Type().FriendlyName())
	}
	return vars, nil
}

func collectVariables(files []*hcl.File) (map[string]*hcl.Attribute, error) {
	all := make(map[string]*hcl.Attribute)
	for _, f := range files {
		content, _, diags := f.Body.PartialContent(variablesSchema)
		if diags.HasErrors() {
			return nil, fmt.Errorf("reading variables: %w", diags)
		}
		for _, block := range content.Blocks {
			attrs, diags := block.Body.JustAttributes()
			if diags.HasErrors() {
				return nil, fmt.Errorf("reading variables: %w", diags)
			}
			for name, attr := range attrs {
				if prev, dup := all[name]; dup {
					return nil, fmt.Errorf("variable %q at %s is already defined at %s", name, attr.Range, prev.Range)
				}
				all[name] = attr
			}
		}
	}
	return all, nil
}

// variableOrder sorts the variables so each comes after the ones it refers
// to. Unrelated variables keep alphabetical order.
func variableOrder(attrs map[string]*hcl.Attribute) ([]string, error) {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	g := dag.New()
	for _, name := range names {
		g.AddNode(name)
	}
	for _, name := range names {
		expr := attrs[name].Expr
		for _, fn := range calledFunctions(expr) {
			if _, ok := functions[fn]; !ok {
				return nil, fmt.Errorf("variable %q calls unknown function %q", name, fn)
			}
		}
		for _, ref := range referencedVariables(expr) {
			if _, ok := attrs[ref]; !ok {
				return nil, fmt.Errorf("variable %q refers to undefined variable %q", name, ref)
			}
			if ref == name {
				return nil, fmt.Errorf("variable %q refers to itself", name)
			}
			if err := g.AddEdge(ref, name, dag.Sequential); err != nil {
				return nil, err
			}
		}
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, fmt.Errorf("variables: %w", err)
	}
	return order, nil
}

// newEvalContext exposes vars as `var.<name>`.
func newEvalContext(vars map[string]cty.Value) *hcl.EvalContext {
	obj := cty.EmptyObjectVal
	if len(vars) > 0 {
		obj = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": obj},
		Functions: functions,
	}
}
