package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vk/dgsplice/internal/ctxlog"
	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/variant"
	"go.opentelemetry.io/otel/attribute"
)

type dependency struct {
	name string
	ref  Ref
}

type nodeState struct {
	bindings Ref
	deps     []dependency
}

func (st *nodeState) dep(name string) (int, bool) {
	for i, d := range st.deps {
		if d.name == name {
			return i, true
		}
	}
	return -1, false
}

// Node is a container with dependencies and an ordered list of bindings
// that Evaluate runs.
type Node struct{ Container }

// NewNode creates a node of size 1 without members.
func (c *Client) NewNode(name string) (Node, error) {
	if err := c.check("client.NewNode"); err != nil {
		return Node{}, err
	}
	list, err := c.newBindingList()
	if err != nil {
		return Node{}, err
	}
	ref, err := c.alloc(&record{kind: kindNode, name: name, cont: newContainerData(), node: &nodeState{bindings: list.Ref}})
	if err != nil {
		list.Release()
		return Node{}, err
	}
	c.logger.Debug("Node created.", "node", name)
	return Node{Container{ref}}, nil
}

// Node looks up a node by name. The handle is borrowed.
func (c *Client) Node(name string) (Node, error) {
	ref, err := c.lookupNamed("client.Node", name, kindNode)
	if err != nil {
		return Node{}, err
	}
	return Node{Container{ref}}, nil
}

func (n Node) state(op string) (*record, *nodeState, error) {
	rec, err := n.recordOf(op, kindNode)
	if err != nil {
		return nil, nil, err
	}
	return rec, rec.node, nil
}

// SetName renames the node.
func (n Node) SetName(name string) error {
	if _, _, err := n.state("node.SetName"); err != nil {
		return err
	}
	return n.c.rename(n.Ref, name)
}

// BindingList returns the node's bindings (borrowed).
func (n Node) BindingList() (BindingList, error) {
	_, st, err := n.state("node.BindingList")
	if err != nil {
		return BindingList{}, err
	}
	return BindingList{st.bindings}, nil
}

// AppendBinding adds b at the end of the node's bindings.
func (n Node) AppendBinding(b Binding) error {
	list, err := n.BindingList()
	if err != nil {
		return err
	}
	return list.Append(b)
}

// SetDependency makes the node depend on dep under name; an existing
// dependency of that name is replaced in place.
func (n Node) SetDependency(name string, dep Node) error {
	const op = "node.SetDependency"
	_, st, err := n.state(op)
	if err != nil {
		return err
	}
	if _, _, err := dep.state(op); err != nil {
		return err
	}
	if dep.c != n.c {
		return dgerr.New(dgerr.InvalidHandle, op, "dependency belongs to another client")
	}
	if name == "" || name == SelfOwner {
		return dgerr.New(dgerr.Unsupported, op, "'%s' cannot name a dependency", name)
	}
	dep.Retain()
	if i, ok := st.dep(name); ok {
		old := st.deps[i].ref
		st.deps[i].ref = dep.Ref
		old.Release()
		return nil
	}
	st.deps = append(st.deps, dependency{name: name, ref: dep.Ref})
	return nil
}

// RemoveDependency drops the named dependency.
func (n Node) RemoveDependency(name string) error {
	const op = "node.RemoveDependency"
	_, st, err := n.state(op)
	if err != nil {
		return err
	}
	i, ok := st.dep(name)
	if !ok {
		return dgerr.New(dgerr.NotFound, op, "no dependency named '%s'", name)
	}
	r := st.deps[i].ref
	st.deps = append(st.deps[:i], st.deps[i+1:]...)
	r.Release()
	return nil
}

// Dependency returns the named dependency (borrowed).
func (n Node) Dependency(name string) (Node, error) {
	const op = "node.Dependency"
	_, st, err := n.state(op)
	if err != nil {
		return Node{}, err
	}
	i, ok := st.dep(name)
	if !ok {
		return Node{}, dgerr.New(dgerr.NotFound, op, "no dependency named '%s'", name)
	}
	return Node{Container{st.deps[i].ref}}, nil
}

// DependencyNames lists dependency names in the order they were set.
func (n Node) DependencyNames() ([]string, error) {
	_, st, err := n.state("node.DependencyNames")
	if err != nil {
		return nil, err
	}
	out := make([]string, len(st.deps))
	for i, d := range st.deps {
		out[i] = d.name
	}
	return out, nil
}

// Dependencies returns dependency name -> node name, in the order set.
func (n Node) Dependencies() (variant.Variant, error) {
	_, st, err := n.state("node.Dependencies")
	if err != nil {
		return variant.Variant{}, err
	}
	out := variant.NewDict()
	for _, d := range st.deps {
		target := ""
		if rec, err := d.ref.record("node.Dependencies"); err == nil {
			target = rec.name
		}
		putField(&out, d.name, variant.NewString(target))
	}
	return out, nil
}

// Errors returns the compile and layout errors of the node's bindings.
func (n Node) Errors(ctx context.Context) (variant.Variant, error) {
	list, err := n.BindingList()
	if err != nil {
		return variant.Variant{}, err
	}
	return list.Errors(ctx)
}

// evaluation is the state of one top-level Evaluate or Fire call.
type evaluation struct {
	c        *Client
	visiting map[Ref]bool
	done     map[Ref]bool
	path     []string
}

func newEvaluation(c *Client) *evaluation {
	return &evaluation{c: c, visiting: make(map[Ref]bool), done: make(map[Ref]bool)}
}

// Evaluate evaluates every dependency once, depth first, and then runs the
// node's bindings in order. A dependency cycle fails with CycleDetected. A
// compile error in any binding of a node fails before that node's data is
// touched.
func (n Node) Evaluate(ctx context.Context) (err error) {
	const op = "node.Evaluate"
	rec, _, err := n.state(op)
	if err != nil {
		return err
	}
	start := time.Now()
	ctx, span := startSpan(ctx, "Node.Evaluate", attribute.String("dg.node", rec.name))
	defer func() {
		recordEvaluate(ctx, time.Since(start), err)
		endSpan(span, err)
	}()

	err = newEvaluation(n.c).node(ctx, n)
	if err != nil {
		ctxlog.FromContext(ctx).Debug("Evaluation failed.", "node", rec.name, "error", err)
	}
	return err
}

func (ev *evaluation) node(ctx context.Context, n Node) error {
	const op = "node.Evaluate"
	rec, st, err := n.state(op)
	if err != nil {
		return err
	}
	if ev.done[n.Ref] {
		return nil
	}
	if ev.visiting[n.Ref] {
		cycle := append(append([]string(nil), ev.path...), rec.name)
		return dgerr.New(dgerr.CycleDetected, op, "dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	ev.visiting[n.Ref] = true
	ev.path = append(ev.path, rec.name)

	deps := append([]dependency(nil), st.deps...)
	for _, d := range deps {
		if err := ev.node(ctx, Node{Container{d.ref}}); err != nil {
			return err
		}
	}

	resolve := func(owner string) (*containerData, error) {
		if owner == SelfOwner {
			return rec.cont, nil
		}
		i, ok := st.dep(owner)
		if !ok {
			return nil, dgerr.New(dgerr.NotFound, op, "node '%s' has no dependency named '%s'", rec.name, owner)
		}
		dep, err := st.deps[i].ref.recordOf(op, kindNode)
		if err != nil {
			return nil, err
		}
		return dep.cont, nil
	}
	if err := ev.runList(ctx, BindingList{st.bindings}, resolve); err != nil {
		return fmt.Errorf("node '%s': %w", rec.name, err)
	}

	ev.path = ev.path[:len(ev.path)-1]
	delete(ev.visiting, n.Ref)
	ev.done[n.Ref] = true
	return nil
}

// runList compiles every operator of the list first so a compile error
// leaves the data untouched, then runs the bindings in order.
func (ev *evaluation) runList(ctx context.Context, list BindingList, resolve resolver) error {
	bindings := list.snapshot()
	for i, b := range bindings {
		st, err := b.state("node.Evaluate")
		if err != nil {
			return err
		}
		if st.op.IsNull() {
			return dgerr.New(dgerr.NotFound, "node.Evaluate", "binding %d has no operator", i)
		}
		if _, _, err := (Operator{Container{st.op}}).prepare(ctx, "node.Evaluate"); err != nil {
			return err
		}
	}
	for i, b := range bindings {
		if err := ev.c.runBinding(ctx, b, resolve); err != nil {
			return fmt.Errorf("binding %d: %w", i, err)
		}
	}
	return nil
}
