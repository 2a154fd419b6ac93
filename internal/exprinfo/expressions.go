package exprinfo

import (
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
)

// TraversalKey renders a traversal canonically, e.g. "vec3.x" or "pts[0]".
func TraversalKey(t hcl.Traversal) string {
	return string(hclwrite.TokensForTraversal(t).Bytes())
}

// FunctionCall is the first call site of a function name, so diagnostics
// can point at the call instead of the whole operator.
type FunctionCall struct {
	Name  string
	Range hcl.Range
}

// analyze returns the unique traversals sorted by key and the first call
// of every function sorted by name. Expressions that did not come from
// native syntax only contribute their traversals.
func analyze(exprs []hcl.Expression) ([]hcl.Traversal, []FunctionCall) {
	traversals := make(map[string]hcl.Traversal)
	calls := make(map[string]FunctionCall)

	for _, expr := range exprs {
		for _, tr := range expr.Variables() {
			traversals[TraversalKey(tr)] = tr
		}
		native, ok := expr.(hclsyntax.Node)
		if !ok {
			continue
		}
		hclsyntax.VisitAll(native, func(n hclsyntax.Node) hcl.Diagnostics {
			call, ok := n.(*hclsyntax.FunctionCallExpr)
			if !ok {
				return nil
			}
			if _, seen := calls[call.Name]; !seen {
				calls[call.Name] = FunctionCall{Name: call.Name, Range: call.NameRange}
			}
			return nil
		})
	}

	keys := make([]string, 0, len(traversals))
	for k := range traversals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	refs := make([]hcl.Traversal, len(keys))
	for i, k := range keys {
		refs[i] = traversals[k]
	}

	called := make([]FunctionCall, 0, len(calls))
	for _, c := range calls {
		called = append(called, c)
	}
	sort.Slice(called, func(i, j int) bool { return called[i].Name < called[j].Name })
	return refs, called
}
