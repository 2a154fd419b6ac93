package core

import (
	"context"
	"sync/atomic"

	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/oplang"
	"github.com/vk/dgsplice/internal/variant"
)

type operatorState struct {
	source         string
	filename       string
	entry          string
	mainThreadOnly bool

	// version changes whenever the program text or entry point changes and
	// invalidates the compiled program and its analysis.
	version  atomic.Uint64
	prepared bool
	prog     *oplang.Program
	diags    []dgerr.Diagnostic
	analysis atomic.Pointer[analysis]
}

func (st *operatorState) invalidate() {
	st.version.Add(1)
	st.prepared = false
	st.prog = nil
	st.diags = nil
	st.analysis.Store(nil)
}

// Operator is a named program with an entry point.
type Operator struct{ Container }

// NewOperator creates an operator from HCL source; entry names the operator
// block to run.
func (c *Client) NewOperator(name, entry, source string) (Operator, error) {
	if err := c.check("client.NewOperator"); err != nil {
		return Operator{}, err
	}
	st := &operatorState{source: source, entry: entry, filename: name + ".hcl"}
	ref, err := c.alloc(&record{kind: kindOperator, name: name, cont: newContainerData(), op: st})
	if err != nil {
		return Operator{}, err
	}
	c.logger.Debug("Operator created.", "operator", name, "entry", entry)
	return Operator{Container{ref}}, nil
}

// NewEmptyOperator creates an operator without source.
func (c *Client) NewEmptyOperator(name string) (Operator, error) {
	return c.NewOperator(name, "", "")
}

// Operator looks up an operator by name. The handle is borrowed.
func (c *Client) Operator(name string) (Operator, error) {
	ref, err := c.lookupNamed("client.Operator", name, kindOperator)
	if err != nil {
		return Operator{}, err
	}
	return Operator{Container{ref}}, nil
}

func (o Operator) state(op string) (*record, *operatorState, error) {
	rec, err := o.recordOf(op, kindOperator)
	if err != nil {
		return nil, nil, err
	}
	return rec, rec.op, nil
}

// SetFilename sets the file name used in diagnostics.
func (o Operator) SetFilename(filename string) error {
	_, st, err := o.state("operator.SetFilename")
	if err != nil {
		return err
	}
	if st.filename != filename {
		st.filename = filename
		st.invalidate()
	}
	return nil
}

// Filename returns the file name used in diagnostics.
func (o Operator) Filename() (string, error) {
	_, st, err := o.state("operator.Filename")
	if err != nil {
		return "", err
	}
	return st.filename, nil
}

// SetSourceCode replaces the program text.
func (o Operator) SetSourceCode(source string) error {
	_, st, err := o.state("operator.SetSourceCode")
	if err != nil {
		return err
	}
	if st.source != source {
		st.source = source
		st.invalidate()
	}
	return nil
}

// SourceCode returns the program text.
func (o Operator) SourceCode() (string, error) {
	_, st, err := o.state("operator.SourceCode")
	if err != nil {
		return "", err
	}
	return st.source, nil
}

// SetEntryPoint selects the operator block to run.
func (o Operator) SetEntryPoint(entry string) error {
	_, st, err := o.state("operator.SetEntryPoint")
	if err != nil {
		return err
	}
	if st.entry != entry {
		st.entry = entry
		st.invalidate()
	}
	return nil
}

// EntryPoint returns the selected operator block.
func (o Operator) EntryPoint() (string, error) {
	_, st, err := o.state("operator.EntryPoint")
	if err != nil {
		return "", err
	}
	return st.entry, nil
}

// SetMainThreadOnly restricts the operator to contexts marked with
// Client.MainThread.
func (o Operator) SetMainThreadOnly(v bool) error {
	_, st, err := o.state("operator.SetMainThreadOnly")
	if err != nil {
		return err
	}
	st.mainThreadOnly = v
	return nil
}

// MainThreadOnly reports the main-thread restriction.
func (o Operator) MainThreadOnly() (bool, error) {
	_, st, err := o.state("operator.MainThreadOnly")
	if err != nil {
		return false, err
	}
	return st.mainThreadOnly, nil
}

// PrepareForExecution compiles the operator unless it is already compiled.
// Compile failures are not returned here; they are reported by Diagnostics
// and make evaluation fail.
func (o Operator) PrepareForExecution(ctx context.Context) error {
	_, _, err := o.prepare(ctx, "operator.PrepareForExecution")
	if err != nil && dgerr.KindOf(err) == dgerr.CompileError {
		return nil
	}
	return err
}

// prepare returns the compiled program, or a CompileError carrying the
// diagnostics.
func (o Operator) prepare(ctx context.Context, op string) (*record, *oplang.Program, error) {
	rec, st, err := o.state(op)
	if err != nil {
		return nil, nil, err
	}
	c := o.c
	if !st.prepared {
		st.prog, st.diags = oplang.Compile(c.env, st.filename, []byte(st.source), st.entry)
		st.prepared = true
		ok := !oplang.HasErrors(st.diags)
		if !ok {
			st.prog = nil
		}
		recordCompile(ctx, rec.name, ok)
		for _, d := range st.diags {
			c.compilerDiagnostic(d)
		}
		if ok && st.prog != nil {
			switch c.optimization {
			case OptimizeSynchronous:
				c.optimize(optimizeJob{op: o, version: st.version.Load(), prog: st.prog})
			case OptimizeBackground:
				c.bg.submit(optimizeJob{op: o, version: st.version.Load(), prog: st.prog})
			}
		}
	}
	if st.prog == nil {
		return rec, nil, dgerr.Compile(rec.name, st.diags)
	}
	return rec, st.prog, nil
}

// Diagnostics compiles the operator if needed and returns every diagnostic
// as an Array of {severity, filename, line, column, desc}.
func (o Operator) Diagnostics(ctx context.Context) (variant.Variant, error) {
	_, st, err := o.state("operator.Diagnostics")
	if err != nil {
		return variant.Variant{}, err
	}
	if err := o.PrepareForExecution(ctx); err != nil {
		return variant.Variant{}, err
	}
	return diagnosticsVariant(st.diags, false), nil
}

// Errors is Diagnostics limited to errors.
func (o Operator) Errors(ctx context.Context) (variant.Variant, error) {
	_, st, err := o.state("operator.Errors")
	if err != nil {
		return variant.Variant{}, err
	}
	if err := o.PrepareForExecution(ctx); err != nil {
		return variant.Variant{}, err
	}
	return diagnosticsVariant(st.diags, true), nil
}

// IsOptimized reports whether the current program has been analyzed.
func (o Operator) IsOptimized() bool {
	_, st, err := o.state("operator.IsOptimized")
	if err != nil {
		return false
	}
	a := st.analysis.Load()
	return a != nil && a.version == st.version.Load()
}

// Analysis returns {functions, variables} of the optimized program, or Null
// before optimization.
func (o Operator) Analysis() (variant.Variant, error) {
	_, st, err := o.state("operator.Analysis")
	if err != nil {
		return variant.Variant{}, err
	}
	a := st.analysis.Load()
	if a == nil || a.version != st.version.Load() {
		return variant.Variant{}, nil
	}
	out := variant.NewDict()
	putField(&out, "functions", stringsVariant(a.functions))
	putField(&out, "variables", stringsVariant(a.variables))
	return out, nil
}

// Params returns the declared parameter names of the compiled program.
func (o Operator) Params(ctx context.Context) ([]oplang.Param, error) {
	_, prog, err := o.prepare(ctx, "operator.Params")
	if err != nil {
		return nil, err
	}
	return append([]oplang.Param(nil), prog.Params...), nil
}

func diagnosticsVariant(diags []dgerr.Diagnostic, errorsOnly bool) variant.Variant {
	out := variant.NewArray()
	for _, d := range diags {
		if errorsOnly && d.Severity != "error" {
			continue
		}
		entry := diagnosticVariant(d)
		_ = out.AppendTake(&entry)
	}
	return out
}

func diagnosticVariant(d dgerr.Diagnostic) variant.Variant {
	rec := variant.NewDict()
	putField(&rec, "severity", variant.NewString(d.Severity))
	putField(&rec, "filename", variant.NewString(d.Filename))
	putField(&rec, "line", variant.NewSInt32(int32(d.Line)))
	putField(&rec, "column", variant.NewSInt32(int32(d.Column)))
	putField(&rec, "desc", variant.NewString(d.Message))
	return rec
}

func stringsVariant(ss []string) variant.Variant {
	out := variant.NewArray()
	for _, s := range ss {
		v := variant.NewString(s)
		_ = out.AppendTake(&v)
	}
	return out
}
