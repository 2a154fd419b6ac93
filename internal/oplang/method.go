package oplang

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// ReceiverVar names the value a method is called on.
const ReceiverVar = "this"

// ExprMethod builds a type method whose body is a single HCL expression over
// `this` and the named parameters. The body may call any function of env,
// including other methods, resolved at call time.
func ExprMethod(env *Env, recv cty.Type, params []string, body, filename string) (function.Function, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(body), filename, hcl.InitialPos)
	if diags.HasErrors() {
		return function.Function{}, dgerr.Compile("oplang.ExprMethod", toDiagnostics(diags))
	}
	return exprMethod(env, recv, params, expr)
}

// ExprMethodFromExpression is ExprMethod for an already parsed expression.
func ExprMethodFromExpression(env *Env, recv cty.Type, params []string, expr hcl.Expression) (function.Function, error) {
	return exprMethod(env, recv, params, expr)
}

func exprMethod(env *Env, recv cty.Type, params []string, expr hcl.Expression) (function.Function, error) {
	allowed := map[string]struct{}{ReceiverVar: {}}
	fparams := []function.Parameter{{Name: ReceiverVar, Type: recv}}
	for _, p := range params {
		if _, dup := allowed[p]; dup {
			return function.Function{}, dgerr.New(dgerr.DuplicateName, "oplang.ExprMethod", "parameter %q declared twice", p)
		}
		allowed[p] = struct{}{}
		fparams = append(fparams, function.Parameter{Name: p, Type: cty.DynamicPseudoType})
	}
	for _, tr := range expr.Variables() {
		if _, ok := allowed[tr.RootName()]; !ok {
			return function.Function{}, dgerr.Compile("oplang.ExprMethod", []dgerr.Diagnostic{{
				Severity: "error",
				Filename: tr.SourceRange().Filename,
				Line:     tr.SourceRange().Start.Line,
				Column:   tr.SourceRange().Start.Column,
				Message:  fmt.Sprintf("Unknown variable: %q is not a method parameter.", tr.RootName()),
			}})
		}
	}

	return function.New(&function.Spec{
		Params: fparams,
		Type:   function.StaticReturnType(cty.DynamicPseudoType),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			vars := make(map[string]cty.Value, len(args))
			for i, p := range fparams {
				vars[p.Name] = args[i]
			}
			ctx := &hcl.EvalContext{Variables: vars, Functions: env.Functions()}
			v, diags := expr.Value(ctx)
			if diags.HasErrors() {
				return cty.NilVal, runtimeError("method", diags)
			}
			return v, nil
		},
	}), nil
}
