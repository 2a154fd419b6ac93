package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/oplang"
	"github.com/zclconf/go-cty/cty"
	"go.opentelemetry.io/otel/attribute"
)

// SelfOwner is the layout owner naming the object the binding runs on.
const SelfOwner = "self"

// WholeArraySuffix marks a layout entry that passes every slice at once.
const WholeArraySuffix = "<>"

type layoutEntry struct {
	owner  string
	member string
	whole  bool
}

func parseLayoutEntry(s string) (layoutEntry, error) {
	var e layoutEntry
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, WholeArraySuffix) {
		e.whole = true
		s = strings.TrimSuffix(s, WholeArraySuffix)
	}
	owner, member, found := strings.Cut(s, ".")
	if !found {
		owner, member = SelfOwner, s
	}
	if owner == "" || member == "" {
		return layoutEntry{}, dgerr.New(dgerr.NotFound, "binding.layout", "invalid member path '%s'", s)
	}
	e.owner, e.member = owner, member
	return e, nil
}

// resolver maps a layout owner to the container it names.
type resolver func(owner string) (*containerData, error)

type boundParam struct {
	param oplang.Param
	entry layoutEntry
	cont  *containerData
	m     *member
}

// callPlan is a binding resolved against concrete containers.
type callPlan struct {
	name   string
	prog   *oplang.Program
	params []boundParam
	// count is the number of calls; every per-slice parameter reads slice
	// i, or slice 0 of a size-1 owner.
	count int
}

func (c *Client) planBinding(ctx context.Context, b Binding, resolve resolver) (*callPlan, error) {
	const op = "binding.Execute"
	st, err := b.state(op)
	if err != nil {
		return nil, err
	}
	if st.op.IsNull() {
		return nil, dgerr.New(dgerr.NotFound, op, "binding has no operator")
	}
	opHandle := Operator{Container{st.op}}
	rec, prog, err := opHandle.prepare(ctx, op)
	if err != nil {
		return nil, err
	}
	if rec.op.mainThreadOnly && !c.onMainThread(ctx) {
		return nil, dgerr.New(dgerr.Unsupported, op, "operator '%s' may only run on the main thread", rec.name)
	}
	if len(st.layout) != len(prog.Params) {
		return nil, dgerr.New(dgerr.SizeMismatch, op, "operator '%s' takes %d parameters, layout has %d", rec.name, len(prog.Params), len(st.layout))
	}

	plan := &callPlan{name: rec.name, prog: prog}
	anyWhole := false
	for i, prm := range prog.Params {
		e, err := parseLayoutEntry(st.layout[i])
		if err != nil {
			return nil, err
		}
		cont, err := resolve(e.owner)
		if err != nil {
			return nil, err
		}
		m, err := cont.member(op, e.member)
		if err != nil {
			return nil, fmt.Errorf("parameter '%s' of '%s': %w", prm.Name, rec.name, err)
		}
		if prm.Type != "" {
			if err := c.checkParamType(prm, e, m); err != nil {
				return nil, err
			}
		}
		anyWhole = anyWhole || e.whole
		plan.params = append(plan.params, boundParam{param: prm, entry: e, cont: cont, m: m})
	}

	driving := 1
	for _, bp := range plan.params {
		if !bp.entry.whole && bp.cont.size != 1 {
			driving = bp.cont.size
			break
		}
	}
	for _, bp := range plan.params {
		if bp.entry.whole || bp.cont.size == 1 || bp.cont.size == driving {
			continue
		}
		return nil, dgerr.New(dgerr.SizeMismatch, op, "'%s.%s' has %d slices, expected %d or 1", bp.entry.owner, bp.entry.member, bp.cont.size, driving)
	}
	if anyWhole && driving != 1 {
		return nil, dgerr.New(dgerr.SizeMismatch, op, "operator '%s' mixes whole-array parameters with per-slice owners of %d slices", rec.name, driving)
	}
	plan.count = driving
	return plan, nil
}

func (c *Client) checkParamType(prm oplang.Param, e layoutEntry, m *member) error {
	want, err := c.reg.Lookup(prm.Type)
	if err != nil {
		return err
	}
	got := m.typ.Name
	if e.whole {
		got += "[]"
	}
	if want.Name != got {
		return dgerr.New(dgerr.TypeMismatch, "binding.Execute", "parameter '%s' expects %s, '%s' is %s", prm.Name, want.Name, e.member, got)
	}
	return nil
}

func (p *callPlan) args(slice int) map[string]cty.Value {
	args := make(map[string]cty.Value, len(p.params))
	for _, bp := range p.params {
		if bp.entry.whole {
			args[bp.param.Name] = listOf(bp.m.typ, bp.m.data)
			continue
		}
		s := slice
		if bp.cont.size == 1 {
			s = 0
		}
		args[bp.param.Name] = bp.m.data[s]
	}
	return args
}

// runBinding executes one binding. Results are staged and only committed
// when every call succeeded.
func (c *Client) runBinding(ctx context.Context, b Binding, resolve resolver) (err error) {
	start := time.Now()
	external, _ := c.instrumenting()
	plan, err := c.planBinding(ctx, b, resolve)
	if err != nil {
		return err
	}
	ctx, span := startSpan(ctx, "Binding.Execute",
		attribute.String("dg.operator", plan.name),
		attribute.Int("dg.calls", plan.count),
	)
	defer func() {
		elapsed := time.Since(start)
		recordBinding(ctx, plan.name, elapsed, err)
		c.recordSample(plan.name, elapsed, external, err)
		endSpan(span, err)
	}()

	inv := c.env.NewInvocation(c.guarded, c.report)
	inv.Count = plan.count

	staged := make(map[*member][]cty.Value)
	resized := make(map[*containerData]int)
	for s := 0; s < plan.count; s++ {
		inv.Slice = s
		out, err := plan.prog.Run(inv, plan.args(s))
		if err != nil {
			return err
		}
		for _, bp := range plan.params {
			if !bp.param.Mode.Writes() {
				continue
			}
			val, ok := out[bp.param.Name]
			if !ok {
				continue
			}
			if bp.entry.whole {
				vals, err := wholeArrayResult(bp, val, c.guarded)
				if err != nil {
					return err
				}
				staged[bp.m] = vals
				if len(vals) != bp.cont.size {
					resized[bp.cont] = len(vals)
				}
				continue
			}
			nv, err := bp.m.typ.Normalize(val, c.guarded)
			if err != nil {
				return fmt.Errorf("parameter '%s' of '%s': %w", bp.param.Name, plan.name, err)
			}
			data, ok := staged[bp.m]
			if !ok {
				data = append([]cty.Value(nil), bp.m.data...)
				staged[bp.m] = data
			}
			if bp.cont.size == 1 {
				data[0] = nv
			} else {
				data[s] = nv
			}
		}
	}

	for cont, n := range resized {
		cont.resize(n)
	}
	for m, data := range staged {
		m.data = data
	}
	return nil
}

func wholeArrayResult(bp boundParam, val cty.Value, guarded bool) ([]cty.Value, error) {
	ty := val.Type()
	if val.IsNull() || !(ty.IsListType() || ty.IsTupleType() || ty.IsSetType()) {
		return nil, dgerr.New(dgerr.TypeMismatch, "binding.Execute", "whole-array parameter '%s' must produce a list, got %s", bp.param.Name, ty.FriendlyName())
	}
	out := make([]cty.Value, 0, val.LengthInt())
	for it := val.ElementIterator(); it.Next(); {
		_, ev := it.Element()
		nv, err := bp.m.typ.Normalize(ev, guarded)
		if err != nil {
			return nil, err
		}
		out = append(out, nv)
	}
	return out, nil
}

// selection is one non-null select result of a selector binding.
type selection struct {
	slice int
	value cty.Value
}

func (c *Client) runSelector(ctx context.Context, b Binding, resolve resolver) ([]selection, error) {
	plan, err := c.planBinding(ctx, b, resolve)
	if err != nil {
		return nil, err
	}
	if !plan.prog.HasSelector() {
		return nil, dgerr.New(dgerr.Unsupported, "eventHandler.Select", "operator '%s' has no select expression", plan.name)
	}
	inv := c.env.NewInvocation(c.guarded, c.report)
	inv.Count = plan.count
	var out []selection
	for s := 0; s < plan.count; s++ {
		inv.Slice = s
		v, err := plan.prog.Select(inv, plan.args(s))
		if err != nil {
			return nil, err
		}
		if !v.IsNull() {
			out = append(out, selection{slice: s, value: v})
		}
	}
	return out, nil
}
