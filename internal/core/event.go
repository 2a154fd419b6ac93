package core

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/dgsplice/internal/ctxlog"
	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/rt"
	"github.com/vk/dgsplice/internal/variant"
	"go.opentelemetry.io/otel/attribute"
)

type eventState struct {
	handlers      []Ref
	selectType    string
	lastSelection variant.Variant
}

type scope struct {
	name string
	ref  Ref
}

type selector struct {
	target  string
	binding Ref
}

type handlerState struct {
	children  []Ref
	pre       Ref
	post      Ref
	scopes    []scope
	scopeName string
	selector  selector
}

func (st *handlerState) scope(name string) (int, bool) {
	for i, s := range st.scopes {
		if s.name == name {
			return i, true
		}
	}
	return -1, false
}

// Event is a container holding a list of root event handlers. Fire walks
// the handler trees in order.
type Event struct{ Container }

// EventHandler is a node of an event's handler tree.
type EventHandler struct{ Container }

// NewEvent creates an event without handlers.
func (c *Client) NewEvent(name string) (Event, error) {
	if err := c.check("client.NewEvent"); err != nil {
		return Event{}, err
	}
	ref, err := c.alloc(&record{kind: kindEvent, name: name, cont: newContainerData(), event: &eventState{}})
	if err != nil {
		return Event{}, err
	}
	c.logger.Debug("Event created.", "event", name)
	return Event{Container{ref}}, nil
}

// Event looks up an event by name. The handle is borrowed.
func (c *Client) Event(name string) (Event, error) {
	ref, err := c.lookupNamed("client.Event", name, kindEvent)
	if err != nil {
		return Event{}, err
	}
	return Event{Container{ref}}, nil
}

// NewEventHandler creates a handler with empty pre and post binding lists.
func (c *Client) NewEventHandler(name string) (EventHandler, error) {
	if err := c.check("client.NewEventHandler"); err != nil {
		return EventHandler{}, err
	}
	pre, err := c.newBindingList()
	if err != nil {
		return EventHandler{}, err
	}
	post, err := c.newBindingList()
	if err != nil {
		pre.Release()
		return EventHandler{}, err
	}
	ref, err := c.alloc(&record{
		kind:    kindEventHandler,
		name:    name,
		cont:    newContainerData(),
		handler: &handlerState{pre: pre.Ref, post: post.Ref},
	})
	if err != nil {
		pre.Release()
		post.Release()
		return EventHandler{}, err
	}
	c.logger.Debug("Event handler created.", "handler", name)
	return EventHandler{Container{ref}}, nil
}

// EventHandler looks up a handler by name. The handle is borrowed.
func (c *Client) EventHandler(name string) (EventHandler, error) {
	ref, err := c.lookupNamed("client.EventHandler", name, kindEventHandler)
	if err != nil {
		return EventHandler{}, err
	}
	return EventHandler{Container{ref}}, nil
}

func (e Event) state(op string) (*record, *eventState, error) {
	rec, err := e.recordOf(op, kindEvent)
	if err != nil {
		return nil, nil, err
	}
	return rec, rec.event, nil
}

func (h EventHandler) state(op string) (*record, *handlerState, error) {
	rec, err := h.recordOf(op, kindEventHandler)
	if err != nil {
		return nil, nil, err
	}
	return rec, rec.handler, nil
}

func namesVariant(op string, refs []Ref) variant.Variant {
	out := variant.NewArray()
	for _, r := range refs {
		name := ""
		if rec, err := r.record(op); err == nil {
			name = rec.name
		}
		v := variant.NewString(name)
		_ = out.AppendTake(&v)
	}
	return out
}

func removeRef(refs []Ref, r Ref) ([]Ref, bool) {
	for i, o := range refs {
		if o == r {
			return append(refs[:i], refs[i+1:]...), true
		}
	}
	return refs, false
}

// AppendEventHandler adds h as the last root handler.
func (e Event) AppendEventHandler(h EventHandler) error {
	const op = "event.AppendEventHandler"
	_, st, err := e.state(op)
	if err != nil {
		return err
	}
	if _, _, err := h.state(op); err != nil {
		return err
	}
	if h.c != e.c {
		return dgerr.New(dgerr.InvalidHandle, op, "handler belongs to another client")
	}
	h.Retain()
	st.handlers = append(st.handlers, h.Ref)
	return nil
}

// RemoveEventHandler drops h from the root handlers.
func (e Event) RemoveEventHandler(h EventHandler) error {
	const op = "event.RemoveEventHandler"
	_, st, err := e.state(op)
	if err != nil {
		return err
	}
	var ok bool
	if st.handlers, ok = removeRef(st.handlers, h.Ref); !ok {
		return dgerr.New(dgerr.NotFound, op, "handler is not attached to the event")
	}
	h.Release()
	return nil
}

// EventHandlers returns the root handler names in order.
func (e Event) EventHandlers() (variant.Variant, error) {
	_, st, err := e.state("event.EventHandlers")
	if err != nil {
		return variant.Variant{}, err
	}
	return namesVariant("event.EventHandlers", st.handlers), nil
}

// SetSelectType sets the RT that select results must convert to. An empty
// name disables selection during Fire.
func (e Event) SetSelectType(typeName string) error {
	const op = "event.SetSelectType"
	_, st, err := e.state(op)
	if err != nil {
		return err
	}
	if typeName != "" {
		if _, err := e.c.reg.Lookup(typeName); err != nil {
			return err
		}
	}
	st.selectType = typeName
	return nil
}

// SelectType returns the select RT name.
func (e Event) SelectType() (string, error) {
	_, st, err := e.state("event.SelectType")
	if err != nil {
		return "", err
	}
	return st.selectType, nil
}

// LastSelection returns the result of the most recent Select, or Null.
func (e Event) LastSelection() (variant.Variant, error) {
	_, st, err := e.state("event.LastSelection")
	if err != nil {
		return variant.Variant{}, err
	}
	return st.lastSelection.Copy(), nil
}

// AppendChild adds child as the last child of h. A child that already
// contains h fails with CycleDetected.
func (h EventHandler) AppendChild(child EventHandler) error {
	const op = "eventHandler.AppendChild"
	_, st, err := h.state(op)
	if err != nil {
		return err
	}
	if _, _, err := child.state(op); err != nil {
		return err
	}
	if child.c != h.c {
		return dgerr.New(dgerr.InvalidHandle, op, "child belongs to another client")
	}
	if child.Ref == h.Ref || child.contains(h.Ref) {
		return dgerr.New(dgerr.CycleDetected, op, "handler would become its own descendant")
	}
	child.Retain()
	st.children = append(st.children, child.Ref)
	return nil
}

func (h EventHandler) contains(r Ref) bool {
	_, st, err := h.state("eventHandler.contains")
	if err != nil {
		return false
	}
	for _, c := range st.children {
		if c == r || (EventHandler{Container{c}}).contains(r) {
			return true
		}
	}
	return false
}

// RemoveChild detaches child from h.
func (h EventHandler) RemoveChild(child EventHandler) error {
	const op = "eventHandler.RemoveChild"
	_, st, err := h.state(op)
	if err != nil {
		return err
	}
	var ok bool
	if st.children, ok = removeRef(st.children, child.Ref); !ok {
		return dgerr.New(dgerr.NotFound, op, "handler is not a child")
	}
	child.Release()
	return nil
}

// Children returns the child handler names in order.
func (h EventHandler) Children() (variant.Variant, error) {
	_, st, err := h.state("eventHandler.Children")
	if err != nil {
		return variant.Variant{}, err
	}
	return namesVariant("eventHandler.Children", st.children), nil
}

// PreDescendBindings are run before the children (borrowed).
func (h EventHandler) PreDescendBindings() (BindingList, error) {
	_, st, err := h.state("eventHandler.PreDescendBindings")
	if err != nil {
		return BindingList{}, err
	}
	return BindingList{st.pre}, nil
}

// PostDescendBindings are run after the children (borrowed).
func (h EventHandler) PostDescendBindings() (BindingList, error) {
	_, st, err := h.state("eventHandler.PostDescendBindings")
	if err != nil {
		return BindingList{}, err
	}
	return BindingList{st.post}, nil
}

func (h EventHandler) AppendPreDescendBinding(b Binding) error {
	list, err := h.PreDescendBindings()
	if err != nil {
		return err
	}
	return list.Append(b)
}

func (h EventHandler) AppendPostDescendBinding(b Binding) error {
	list, err := h.PostDescendBindings()
	if err != nil {
		return err
	}
	return list.Append(b)
}

// SetScopeName makes "self" in the handler's bindings resolve to the scope
// of that name instead of the handler itself.
func (h EventHandler) SetScopeName(name string) error {
	_, st, err := h.state("eventHandler.SetScopeName")
	if err != nil {
		return err
	}
	st.scopeName = name
	return nil
}

func (h EventHandler) ScopeName() (string, error) {
	_, st, err := h.state("eventHandler.ScopeName")
	if err != nil {
		return "", err
	}
	return st.scopeName, nil
}

// SetScope binds name to node for this handler and its descendants.
func (h EventHandler) SetScope(name string, node Node) error {
	const op = "eventHandler.SetScope"
	_, st, err := h.state(op)
	if err != nil {
		return err
	}
	if _, _, err := node.state(op); err != nil {
		return err
	}
	if node.c != h.c {
		return dgerr.New(dgerr.InvalidHandle, op, "scope node belongs to another client")
	}
	if name == "" || name == SelfOwner {
		return dgerr.New(dgerr.Unsupported, op, "'%s' cannot name a scope", name)
	}
	node.Retain()
	if i, ok := st.scope(name); ok {
		old := st.scopes[i].ref
		st.scopes[i].ref = node.Ref
		old.Release()
		return nil
	}
	st.scopes = append(st.scopes, scope{name: name, ref: node.Ref})
	return nil
}

func (h EventHandler) RemoveScope(name string) error {
	const op = "eventHandler.RemoveScope"
	_, st, err := h.state(op)
	if err != nil {
		return err
	}
	i, ok := st.scope(name)
	if !ok {
		return dgerr.New(dgerr.NotFound, op, "no scope named '%s'", name)
	}
	r := st.scopes[i].ref
	st.scopes = append(st.scopes[:i], st.scopes[i+1:]...)
	r.Release()
	return nil
}

// Scopes returns scope name -> node name for this handler only.
func (h EventHandler) Scopes() (variant.Variant, error) {
	_, st, err := h.state("eventHandler.Scopes")
	if err != nil {
		return variant.Variant{}, err
	}
	out := variant.NewDict()
	for _, s := range st.scopes {
		target := ""
		if rec, err := s.ref.record("eventHandler.Scopes"); err == nil {
			target = rec.name
		}
		putField(&out, s.name, variant.NewString(target))
	}
	return out, nil
}

// SetSelector installs the binding Select runs for this handler; target
// names the owner the selected indices refer to. A null binding removes
// the selector.
func (h EventHandler) SetSelector(target string, b Binding) error {
	const op = "eventHandler.SetSelector"
	_, st, err := h.state(op)
	if err != nil {
		return err
	}
	if !b.IsNull() {
		if _, err := b.recordOf(op, kindBinding); err != nil {
			return err
		}
		b.Retain()
	}
	old := st.selector.binding
	st.selector = selector{target: target, binding: b.Ref}
	old.Release()
	return nil
}

// Selector returns the selector target and binding (borrowed).
func (h EventHandler) Selector() (string, Binding, error) {
	_, st, err := h.state("eventHandler.Selector")
	if err != nil {
		return "", Binding{}, err
	}
	return st.selector.target, Binding{st.selector.binding}, nil
}

// frame is one handler on the path from an event root to the handler
// being dispatched.
type frame struct {
	rec *record
	st  *handlerState
}

type dispatch struct {
	ev     *evaluation
	frames []frame
	seen   map[Ref]bool
}

// lookupScope searches the handler's own scopes, then its ancestors from
// the innermost outwards.
func (d *dispatch) lookupScope(op, name string) (*containerData, error) {
	for i := len(d.frames) - 1; i >= 0; i-- {
		st := d.frames[i].st
		if j, ok := st.scope(name); ok {
			rec, err := st.scopes[j].ref.recordOf(op, kindNode)
			if err != nil {
				return nil, err
			}
			return rec.cont, nil
		}
	}
	return nil, dgerr.New(dgerr.NotFound, op, "no scope named '%s' for handler '%s'", name, d.frames[len(d.frames)-1].rec.name)
}

func (d *dispatch) resolver(op string) resolver {
	top := d.frames[len(d.frames)-1]
	return func(owner string) (*containerData, error) {
		if owner == SelfOwner {
			if top.st.scopeName == "" {
				return top.rec.cont, nil
			}
			return d.lookupScope(op, top.st.scopeName)
		}
		return d.lookupScope(op, owner)
	}
}

func (d *dispatch) enter(ctx context.Context, op string, h Ref) error {
	rec, err := h.recordOf(op, kindEventHandler)
	if err != nil {
		return err
	}
	if d.seen[h] {
		return dgerr.New(dgerr.CycleDetected, op, "handler '%s' is reached twice in one dispatch path", rec.name)
	}
	d.seen[h] = true
	d.frames = append(d.frames, frame{rec: rec, st: rec.handler})
	for _, s := range rec.handler.scopes {
		if err := d.ev.node(ctx, Node{Container{s.ref}}); err != nil {
			return fmt.Errorf("scope '%s' of handler '%s': %w", s.name, rec.name, err)
		}
	}
	return nil
}

func (d *dispatch) leave(h Ref) {
	d.frames = d.frames[:len(d.frames)-1]
	delete(d.seen, h)
}

func (d *dispatch) fire(ctx context.Context, h Ref) error {
	const op = "event.Fire"
	if err := d.enter(ctx, op, h); err != nil {
		return err
	}
	defer d.leave(h)
	top := d.frames[len(d.frames)-1]
	resolve := d.resolver(op)

	if err := d.ev.runList(ctx, BindingList{top.st.pre}, resolve); err != nil {
		return fmt.Errorf("pre-descend bindings of '%s': %w", top.rec.name, err)
	}
	children := append([]Ref(nil), top.st.children...)
	for _, child := range children {
		if err := d.fire(ctx, child); err != nil {
			return err
		}
	}
	if err := d.ev.runList(ctx, BindingList{top.st.post}, resolve); err != nil {
		return fmt.Errorf("post-descend bindings of '%s': %w", top.rec.name, err)
	}
	return nil
}

func (d *dispatch) selectAll(ctx context.Context, h Ref, selectType string, out *variant.Variant) error {
	const op = "event.Select"
	if err := d.enter(ctx, op, h); err != nil {
		return err
	}
	defer d.leave(h)
	top := d.frames[len(d.frames)-1]
	c := d.ev.c

	if sel := top.st.selector; !sel.binding.IsNull() {
		results, err := c.runSelector(ctx, Binding{sel.binding}, d.resolver(op))
		if err != nil {
			return fmt.Errorf("selector of '%s': %w", top.rec.name, err)
		}
		for _, r := range results {
			val := r.value
			var entryValue variant.Variant
			if selectType != "" {
				t, err := c.reg.Lookup(selectType)
				if err != nil {
					return err
				}
				nv, err := t.Normalize(val, c.guarded)
				if err != nil {
					continue
				}
				if entryValue, err = t.ToVariant(nv); err != nil {
					return err
				}
			} else if entryValue, err = rt.VariantOf(val); err != nil {
				return err
			}
			entry := variant.NewDict()
			putField(&entry, "handler", variant.NewString(top.rec.name))
			putField(&entry, "target", variant.NewString(sel.target))
			putField(&entry, "index", variant.NewSInt64(int64(r.slice)))
			putField(&entry, "value", entryValue)
			_ = out.AppendTake(&entry)
		}
	}
	children := append([]Ref(nil), top.st.children...)
	for _, child := range children {
		if err := d.selectAll(ctx, child, selectType, out); err != nil {
			return err
		}
	}
	return nil
}

func (e Event) newDispatch() *dispatch {
	return &dispatch{ev: newEvaluation(e.c), seen: make(map[Ref]bool)}
}

// Select runs every handler's selector in pre-order and returns the
// non-null results that convert to the select type as an Array of
// {handler, target, index, value}. The result is also kept as the
// event's last selection.
func (e Event) Select(ctx context.Context) (variant.Variant, error) {
	const op = "event.Select"
	_, st, err := e.state(op)
	if err != nil {
		return variant.Variant{}, err
	}
	return e.selectWith(ctx, e.newDispatch(), st)
}

func (e Event) selectWith(ctx context.Context, d *dispatch, st *eventState) (variant.Variant, error) {
	out := variant.NewArray()
	roots := append([]Ref(nil), st.handlers...)
	for _, h := range roots {
		if err := d.selectAll(ctx, h, st.selectType, &out); err != nil {
			return variant.Variant{}, err
		}
	}
	st.lastSelection = out.Copy()
	return out, nil
}

// Fire runs Select when a select type is set, then walks every root
// handler in pre-order: pre-descend bindings, children, post-descend
// bindings. Scope nodes are evaluated, once per call, before the first
// binding of the handler declaring them runs. A failure stops the walk.
func (e Event) Fire(ctx context.Context) (err error) {
	const op = "event.Fire"
	rec, st, err := e.state(op)
	if err != nil {
		return err
	}
	ctx, span := startSpan(ctx, "Event.Fire", attribute.String("dg.event", rec.name))
	start := time.Now()
	defer func() {
		recordFire(ctx, rec.name, err)
		endSpan(span, err)
		ctxlog.FromContext(ctx).Debug("Event fired.", "event", rec.name, "duration", time.Since(start), "error", err)
	}()

	d := e.newDispatch()
	if st.selectType != "" {
		if _, err = e.selectWith(ctx, d, st); err != nil {
			return err
		}
	}
	roots := append([]Ref(nil), st.handlers...)
	for _, h := range roots {
		if err = d.fire(ctx, h); err != nil {
			return err
		}
	}
	return nil
}
