package hcl_adapter

import (
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
)

// referencedVariables returns the names reached through `var.<name>` in
// expr, sorted and without duplicates.
func referencedVariables(expr hcl.Expression) []string {
	names := make(map[string]struct{})
	for _, traversal := range expr.Variables() {
		if traversal.RootName() != "var" || len(traversal) < 2 {
			continue
		}
		if attr, ok := traversal[1].(hcl.TraverseAttr); ok {
			names[attr.Name] = struct{}{}
		}
	}
	return sortedKeys(names)
}

// calledFunctions returns every function called anywhere in expr, sorted.
func calledFunctions(expr hcl.Expression) []string {
	calls := make(map[string]struct{})
	if syntaxExpr, ok := expr.(hclsyntax.Expression); ok {
		walkForFunctions(syntaxExpr, calls)
	}
	return sortedKeys(calls)
}

// walkForFunctions recursively walks the AST, looking only for function calls.
func walkForFunctions(expr hclsyntax.Expression, calls map[string]struct{}) {
	if expr == nil {
		return
	}
	switch e := expr.(type) {
	case *hclsyntax.FunctionCallExpr:
		calls[e.Name] = struct{}{}
		for _, arg := range e.Args {
			walkForFunctions(arg, calls)
		}
	case *hclsyntax.BinaryOpExpr:
		walkForFunctions(e.LHS, calls)
		walkForFunctions(e.RHS, calls)
	case *hclsyntax.ConditionalExpr:
		walkForFunctions(e.Condition, calls)
		walkForFunctions(e.TrueResult, calls)
		walkForFunctions(e.FalseResult, calls)
	case *hclsyntax.UnaryOpExpr:
		walkForFunctions(e.Val, calls)
	case *hclsyntax.TemplateExpr:
		for _, part := range e.Parts {
			walkForFunctions(part, calls)
		}
	case *hclsyntax.TemplateWrapExpr:
		walkForFunctions(e.Wrapped, calls)
	case *hclsyntax.TupleConsExpr:
		for _, item := range e.Exprs {
			walkForFunctions(item, calls)
		}
	case *hclsyntax.ObjectConsExpr:
		for _, item := range e.Items {
			walkForFunctions(item.KeyExpr, calls)
			walkForFunctions(item.ValueExpr, calls)
		}
	case *hclsyntax.IndexExpr:
		walkForFunctions(e.Collection, calls)
		walkForFunctions(e.Key, calls)
	case *hclsyntax.ParenthesesExpr:
		walkForFunctions(e.Expression, calls)
	case *hclsyntax.ForExpr:
		walkForFunctions(e.CollExpr, calls)
		walkForFunctions(e.KeyExpr, calls)
		walkForFunctions(e.ValExpr, calls)
		walkForFunctions(e.CondExpr, calls)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
