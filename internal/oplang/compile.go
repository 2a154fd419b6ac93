package oplang

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/exprinfo"
)

type fileRoot struct {
	Operators []*operatorBlock `hcl:"operator,block"`
	Remain    hcl.Body         `hcl:",remain"`
}

type operatorBlock struct {
	Name       string            `hcl:"name,label"`
	Parameters []*parameterBlock `hcl:"parameter,block"`
	Exec       hcl.Expression    `hcl:"exec,optional"`
	Select     hcl.Expression    `hcl:"select,optional"`
	Result     *resultBlock      `hcl:"result,block"`
	DeclRange  hcl.Range         `hcl:",def_range"`
}

type parameterBlock struct {
	Name      string    `hcl:"name,label"`
	Mode      string    `hcl:"mode,optional"`
	Type      string    `hcl:"type,optional"`
	DeclRange hcl.Range `hcl:",def_range"`
}

type resultBlock struct {
	Body hcl.Body `hcl:",remain"`
}

type result struct {
	Param string
	Expr  hcl.Expression
}

// Program is one compiled operator entry point.
type Program struct {
	Entry  string
	Params []Param

	exec    hcl.Expression
	sel     hcl.Expression
	results []result
	info    *exprinfo.Container
}

// Info exposes the static analysis of the program's expressions.
func (p *Program) Info() *exprinfo.Container { return p.info }

// Param returns the named parameter.
func (p *Program) Param(name string) (Param, bool) {
	for _, prm := range p.Params {
		if prm.Name == name {
			return prm, true
		}
	}
	return Param{}, false
}

// HasSelector reports whether the program declares a select expression.
func (p *Program) HasSelector() bool { return p.sel != nil }

// Compile parses src and builds the program for entry. Names are checked
// against the parameters and against env's function table. The returned
// diagnostics include warnings even on success.
func Compile(env *Env, filename string, src []byte, entry string) (*Program, []dgerr.Diagnostic) {
	if filename == "" {
		filename = "<operator>"
	}
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, toDiagnostics(diags)
	}

	var root fileRoot
	diags = append(diags, gohcl.DecodeBody(file.Body, nil, &root)...)
	if diags.HasErrors() {
		return nil, toDiagnostics(diags)
	}

	var block *operatorBlock
	seen := make(map[string]hcl.Range)
	for _, op := range root.Operators {
		if prev, dup := seen[op.Name]; dup {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate operator",
				Detail:   fmt.Sprintf("Operator %q was already declared at %s.", op.Name, prev),
				Subject:  op.DeclRange.Ptr(),
			})
			continue
		}
		seen[op.Name] = op.DeclRange
		if op.Name == entry {
			block = op
		}
	}
	if block == nil {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Missing entry point",
			Detail:   fmt.Sprintf("No operator block named %q.", entry),
			Subject:  &hcl.Range{Filename: filename, Start: hcl.InitialPos, End: hcl.InitialPos},
		})
		return nil, toDiagnostics(diags)
	}

	prog, progDiags := buildProgram(env, block)
	diags = append(diags, progDiags...)
	if diags.HasErrors() {
		return nil, toDiagnostics(diags)
	}
	return prog, toDiagnostics(diags)
}

func buildProgram(env *Env, block *operatorBlock) (*Program, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	prog := &Program{Entry: block.Name, info: exprinfo.NewContainer()}

	params := make(map[string]Mode)
	for _, pb := range block.Parameters {
		if _, dup := params[pb.Name]; dup {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate parameter",
				Detail:   fmt.Sprintf("Parameter %q is declared more than once.", pb.Name),
				Subject:  pb.DeclRange.Ptr(),
			})
			continue
		}
		if pb.Name == SliceVar {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Reserved parameter name",
				Detail:   fmt.Sprintf("%q is reserved for the slice index variable.", SliceVar),
				Subject:  pb.DeclRange.Ptr(),
			})
			continue
		}
		mode, err := ParseMode(pb.Mode)
		if err != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid parameter mode",
				Detail:   err.Error(),
				Subject:  pb.DeclRange.Ptr(),
			})
			continue
		}
		params[pb.Name] = mode
		prog.Params = append(prog.Params, Param{Name: pb.Name, Mode: mode, Type: pb.Type, Range: pb.DeclRange})
	}

	if !isNullStatic(block.Exec) {
		prog.exec = block.Exec
		prog.info.Add(block.Exec)
	}
	if !isNullStatic(block.Select) {
		prog.sel = block.Select
		prog.info.Add(block.Select)
	}

	if block.Result != nil {
		attrs, attrDiags := block.Result.Body.JustAttributes()
		diags = append(diags, attrDiags...)
		names := make([]string, 0, len(attrs))
		for name := range attrs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			attr := attrs[name]
			mode, ok := params[name]
			switch {
			case !ok:
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Unknown result parameter",
					Detail:   fmt.Sprintf("Operator %q has no parameter %q.", block.Name, name),
					Subject:  attr.NameRange.Ptr(),
				})
			case !mode.Writes():
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Result for input parameter",
					Detail:   fmt.Sprintf("Parameter %q has mode \"in\" and cannot be assigned.", name),
					Subject:  attr.NameRange.Ptr(),
				})
			default:
				prog.results = append(prog.results, result{Param: name, Expr: attr.Expr})
				prog.info.Add(attr.Expr)
			}
		}
	}

	for _, tr := range prog.info.References() {
		root := tr.RootName()
		if _, ok := params[root]; ok || root == SliceVar {
			continue
		}
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Unknown variable",
			Detail:   fmt.Sprintf("%q is not a parameter of operator %q.", root, block.Name),
			Subject:  tr.SourceRange().Ptr(),
		})
	}

	known := env.FunctionNames()
	for _, call := range prog.info.FunctionCalls() {
		if _, ok := known[call.Name]; !ok {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Call to unknown function",
				Detail:   fmt.Sprintf("There is no function named %q.", call.Name),
				Subject:  call.Range.Ptr(),
			})
		}
	}

	for name, mode := range params {
		if mode == ModeOut && !prog.assigns(name) {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagWarning,
				Summary:  "Output never assigned",
				Detail:   fmt.Sprintf("Parameter %q has mode \"out\" but no result assigns it.", name),
				Subject:  block.DeclRange.Ptr(),
			})
		}
	}

	return prog, diags
}

func (p *Program) assigns(name string) bool {
	for _, r := range p.results {
		if r.Param == name {
			return true
		}
	}
	return false
}

// isNullStatic detects the placeholder gohcl assigns to absent optional
// expression attributes.
func isNullStatic(expr hcl.Expression) bool {
	if expr == nil {
		return true
	}
	if len(expr.Variables()) > 0 {
		return false
	}
	v, diags := expr.Value(nil)
	return !diags.HasErrors() && v.IsNull()
}

func toDiagnostics(diags hcl.Diagnostics) []dgerr.Diagnostic {
	out := make([]dgerr.Diagnostic, 0, len(diags))
	for _, d := range diags {
		sev := "error"
		if d.Severity == hcl.DiagWarning {
			sev = "warning"
		}
		msg := d.Summary
		if d.Detail != "" {
			msg += ": " + d.Detail
		}
		dd := dgerr.Diagnostic{Severity: sev, Message: msg}
		if d.Subject != nil {
			dd.Filename = d.Subject.Filename
			dd.Line = d.Subject.Start.Line
			dd.Column = d.Subject.Start.Column
		}
		out = append(out, dd)
	}
	return out
}

// HasErrors reports whether any diagnostic is an error.
func HasErrors(diags []dgerr.Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == "error" {
			return true
		}
	}
	return false
}
