package core

import (
	"context"
	"fmt"

	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/variant"
)

type bindingState struct {
	op     Ref
	layout []string
}

// Binding pairs an operator with the member paths it is called on. Layout
// entries have the form "owner.member" where owner is "self", a dependency
// name or a scope name; a trailing "<>" passes the whole member array and
// makes the operator run once instead of once per slice.
type Binding struct{ Ref }

// NewBinding creates a binding. The layout is not checked against the
// operator until evaluation.
func (c *Client) NewBinding(op Operator, layout []string) (Binding, error) {
	const opName = "client.NewBinding"
	if err := c.check(opName); err != nil {
		return Binding{}, err
	}
	if _, err := op.recordOf(opName, kindOperator); err != nil {
		return Binding{}, err
	}
	if op.c != c {
		return Binding{}, dgerr.New(dgerr.InvalidHandle, opName, "operator belongs to another client")
	}
	op.Retain()
	ref, err := c.alloc(&record{kind: kindBinding, binding: &bindingState{op: op.Ref, layout: append([]string(nil), layout...)}})
	if err != nil {
		op.Release()
		return Binding{}, err
	}
	return Binding{ref}, nil
}

// NewEmptyBinding creates a binding without operator or layout.
func (c *Client) NewEmptyBinding() (Binding, error) {
	if err := c.check("client.NewEmptyBinding"); err != nil {
		return Binding{}, err
	}
	ref, err := c.alloc(&record{kind: kindBinding, binding: &bindingState{}})
	if err != nil {
		return Binding{}, err
	}
	return Binding{ref}, nil
}

func (b Binding) state(op string) (*bindingState, error) {
	rec, err := b.recordOf(op, kindBinding)
	if err != nil {
		return nil, err
	}
	return rec.binding, nil
}

// SetOperator replaces the bound operator.
func (b Binding) SetOperator(op Operator) error {
	st, err := b.state("binding.SetOperator")
	if err != nil {
		return err
	}
	if _, err := op.recordOf("binding.SetOperator", kindOperator); err != nil {
		return err
	}
	op.Retain()
	old := st.op
	st.op = op.Ref
	old.Release()
	return nil
}

// Operator returns the bound operator (borrowed), or the null Operator.
func (b Binding) Operator() (Operator, error) {
	st, err := b.state("binding.Operator")
	if err != nil {
		return Operator{}, err
	}
	return Operator{Container{st.op}}, nil
}

// SetParameterLayout replaces the layout.
func (b Binding) SetParameterLayout(layout []string) error {
	st, err := b.state("binding.SetParameterLayout")
	if err != nil {
		return err
	}
	st.layout = append([]string(nil), layout...)
	return nil
}

// Layout returns a copy of the layout.
func (b Binding) Layout() ([]string, error) {
	st, err := b.state("binding.Layout")
	if err != nil {
		return nil, err
	}
	return append([]string(nil), st.layout...), nil
}

// ParameterLayout returns the layout as an Array of Strings.
func (b Binding) ParameterLayout() (variant.Variant, error) {
	layout, err := b.Layout()
	if err != nil {
		return variant.Variant{}, err
	}
	return stringsVariant(layout), nil
}

// Errors compiles the bound operator if needed and returns its errors plus
// a layout error when the parameter counts disagree.
func (b Binding) Errors(ctx context.Context) (variant.Variant, error) {
	st, err := b.state("binding.Errors")
	if err != nil {
		return variant.Variant{}, err
	}
	if st.op.IsNull() {
		out := variant.NewArray()
		entry := diagnosticVariant(dgerr.Diagnostic{Severity: "error", Message: "binding has no operator"})
		_ = out.AppendTake(&entry)
		return out, nil
	}
	op := Operator{Container{st.op}}
	out, err := op.Errors(ctx)
	if err != nil {
		return variant.Variant{}, err
	}
	if out.Len() == 0 {
		params, err := op.Params(ctx)
		if err == nil && len(params) != len(st.layout) {
			entry := diagnosticVariant(dgerr.Diagnostic{
				Severity: "error",
				Message:  fmt.Sprintf("operator takes %d parameters, layout has %d", len(params), len(st.layout)),
			})
			_ = out.AppendTake(&entry)
		}
	}
	return out, nil
}

type bindingListState struct {
	items []Ref
}

// BindingList is an ordered list of bindings owned by a Node or an
// EventHandler.
type BindingList struct{ Ref }

func (c *Client) newBindingList() (BindingList, error) {
	ref, err := c.alloc(&record{kind: kindBindingList, list: &bindingListState{}})
	if err != nil {
		return BindingList{}, err
	}
	return BindingList{ref}, nil
}

func (l BindingList) state(op string) (*bindingListState, error) {
	rec, err := l.recordOf(op, kindBindingList)
	if err != nil {
		return nil, err
	}
	return rec.list, nil
}

// Append adds b at the end.
func (l BindingList) Append(b Binding) error {
	st, err := l.state("bindingList.Append")
	if err != nil {
		return err
	}
	return l.insert(st, b, len(st.items))
}

// Insert adds b before position i; i == Len appends.
func (l BindingList) Insert(b Binding, i int) error {
	st, err := l.state("bindingList.Insert")
	if err != nil {
		return err
	}
	if i < 0 || i > len(st.items) {
		return dgerr.New(dgerr.SizeMismatch, "bindingList.Insert", "index %d out of range [0,%d]", i, len(st.items))
	}
	return l.insert(st, b, i)
}

func (l BindingList) insert(st *bindingListState, b Binding, i int) error {
	if _, err := b.recordOf("bindingList.Insert", kindBinding); err != nil {
		return err
	}
	b.Retain()
	st.items = append(st.items, Ref{})
	copy(st.items[i+1:], st.items[i:])
	st.items[i] = b.Ref
	return nil
}

// Remove drops the binding at position i.
func (l BindingList) Remove(i int) error {
	st, err := l.state("bindingList.Remove")
	if err != nil {
		return err
	}
	if i < 0 || i >= len(st.items) {
		return dgerr.New(dgerr.SizeMismatch, "bindingList.Remove", "index %d out of range [0,%d)", i, len(st.items))
	}
	r := st.items[i]
	st.items = append(st.items[:i], st.items[i+1:]...)
	r.Release()
	return nil
}

// Binding returns the binding at position i (borrowed).
func (l BindingList) Binding(i int) (Binding, error) {
	st, err := l.state("bindingList.Binding")
	if err != nil {
		return Binding{}, err
	}
	if i < 0 || i >= len(st.items) {
		return Binding{}, dgerr.New(dgerr.SizeMismatch, "bindingList.Binding", "index %d out of range [0,%d)", i, len(st.items))
	}
	return Binding{st.items[i]}, nil
}

// Len returns the number of bindings, 0 for an invalid list.
func (l BindingList) Len() int {
	st, err := l.state("bindingList.Len")
	if err != nil {
		return 0
	}
	return len(st.items)
}

// Errors collects the errors of every binding in the list.
func (l BindingList) Errors(ctx context.Context) (variant.Variant, error) {
	st, err := l.state("bindingList.Errors")
	if err != nil {
		return variant.Variant{}, err
	}
	out := variant.NewArray()
	for _, r := range st.items {
		errs, err := Binding{r}.Errors(ctx)
		if err != nil {
			return variant.Variant{}, err
		}
		for _, e := range errs.Elements() {
			_ = out.Append(e)
		}
	}
	return out, nil
}

func (l BindingList) snapshot() []Binding {
	st, err := l.state("bindingList.snapshot")
	if err != nil {
		return nil
	}
	out := make([]Binding, len(st.items))
	for i, r := range st.items {
		out[i] = Binding{r}
	}
	return out
}
