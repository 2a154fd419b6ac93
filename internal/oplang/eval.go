package oplang

import (
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// Invocation carries everything one call of a program needs besides its
// arguments.
type Invocation struct {
	Functions map[string]function.Function
	Guarded   bool
	Report    func(string)
	Slice     int
	Count     int
}

// NewInvocation prepares the function table for a batch of calls so it is
// built once rather than per slice.
func (e *Env) NewInvocation(guarded bool, report func(string)) *Invocation {
	fns := e.Functions()
	fns[ReportFunc] = reportFunc(report)
	fns[AtFunc] = atFunc(guarded)
	return &Invocation{Functions: fns, Guarded: guarded, Report: report, Count: 1}
}

func (inv *Invocation) evalContext(args map[string]cty.Value) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(args)+1)
	for k, v := range args {
		vars[k] = v
	}
	vars[SliceVar] = cty.ObjectVal(map[string]cty.Value{
		"index": cty.NumberIntVal(int64(inv.Slice)),
		"count": cty.NumberIntVal(int64(inv.Count)),
	})
	return &hcl.EvalContext{Variables: vars, Functions: inv.Functions}
}

// Run evaluates the program once. args must hold a value for every readable
// parameter; out and io parameters that no result assigns keep their input
// value. The returned map holds the value of every writable parameter.
func (p *Program) Run(inv *Invocation, args map[string]cty.Value) (map[string]cty.Value, error) {
	ctx := inv.evalContext(args)

	if p.exec != nil {
		if _, diags := p.exec.Value(ctx); diags.HasErrors() {
			return nil, runtimeError(p.Entry, diags)
		}
	}

	out := make(map[string]cty.Value)
	for _, prm := range p.Params {
		if prm.Mode.Writes() {
			if v, ok := args[prm.Name]; ok {
				out[prm.Name] = v
			}
		}
	}
	for _, r := range p.results {
		v, diags := r.Expr.Value(ctx)
		if diags.HasErrors() {
			return nil, runtimeError(p.Entry, diags)
		}
		out[r.Param] = v
	}
	return out, nil
}

// Select evaluates the select expression. Programs without one yield null.
func (p *Program) Select(inv *Invocation, args map[string]cty.Value) (cty.Value, error) {
	if p.sel == nil {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	v, diags := p.sel.Value(inv.evalContext(args))
	if diags.HasErrors() {
		return cty.NilVal, runtimeError(p.Entry, diags)
	}
	return v, nil
}

// runtimeError converts evaluation diagnostics into an error. A failing
// function call that returned one of our own errors keeps its kind, so a
// guarded bounds violation surfaces as SizeMismatch.
func runtimeError(entry string, diags hcl.Diagnostics) error {
	op := fmt.Sprintf("operator %q", entry)
	for _, d := range diags {
		if d.Severity != hcl.DiagError {
			continue
		}
		if extra, ok := hcl.DiagnosticExtra[hclsyntax.FunctionCallDiagExtra](d); ok {
			cause := extra.FunctionCallError()
			var de *dgerr.Error
			if errors.As(cause, &de) {
				return &dgerr.Error{Kind: de.Kind, Op: op, Err: fmt.Errorf("%s: %w", d.Subject, cause)}
			}
		}
	}
	return dgerr.Wrap(dgerr.TypeMismatch, op, diags)
}
