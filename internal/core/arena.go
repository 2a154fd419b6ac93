package core

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vk/dgsplice/internal/dgerr"
)

type objectKind int

const (
	kindOperator objectKind = iota + 1
	kindBinding
	kindBindingList
	kindNode
	kindEvent
	kindEventHandler
)

func (k objectKind) String() string {
	switch k {
	case kindOperator:
		return "Operator"
	case kindBinding:
		return "Binding"
	case kindBindingList:
		return "BindingList"
	case kindNode:
		return "Node"
	case kindEvent:
		return "Event"
	case kindEventHandler:
		return "EventHandler"
	}
	return fmt.Sprintf("objectKind(%d)", int(k))
}

func (k objectKind) named() bool {
	return k == kindOperator || k == kindNode || k == kindEvent || k == kindEventHandler
}

// record is one object in a client's arena. Exactly one of the per-kind
// states is set, plus cont for named objects.
type record struct {
	kind objectKind
	name string
	refs atomic.Int64

	cont    *containerData
	op      *operatorState
	binding *bindingState
	list    *bindingListState
	node    *nodeState
	event   *eventState
	handler *handlerState
}

// owned lists the references this object holds on other objects. They are
// released when the object goes away.
func (r *record) owned() []Ref {
	var out []Ref
	switch {
	case r.binding != nil:
		out = append(out, r.binding.op)
	case r.list != nil:
		out = append(out, r.list.items...)
	case r.node != nil:
		out = append(out, r.node.bindings)
		for _, d := range r.node.deps {
			out = append(out, d.ref)
		}
	case r.event != nil:
		out = append(out, r.event.handlers...)
	case r.handler != nil:
		out = append(out, r.handler.pre, r.handler.post, r.handler.selector.binding)
		out = append(out, r.handler.children...)
		for _, s := range r.handler.scopes {
			out = append(out, s.ref)
		}
	}
	return out
}

type slot struct {
	gen uint32
	rec *record
}

// arena is the object table of one client.
type arena struct {
	mu    sync.RWMutex
	slots []slot
	free  []uint32
	names map[string]uint32
	count map[objectKind]int
}

func newArena() *arena {
	return &arena{names: make(map[string]uint32), count: make(map[objectKind]int)}
}

// Ref is a reference-counted handle to an object owned by a Client. The zero
// Ref is the null reference.
type Ref struct {
	c   *Client
	idx uint32
	gen uint32
}

// IsNull reports whether r is the null reference.
func (r Ref) IsNull() bool { return r.c == nil }

// IsValid reports whether r refers to a live object.
func (r Ref) IsValid() bool {
	_, err := r.record("ref.IsValid")
	return err == nil
}

// Client returns the client owning the object, or nil for the null reference.
func (r Ref) Client() *Client { return r.c }

// Retain adds a reference. It is a no-op on null and stale references.
func (r Ref) Retain() {
	if rec, err := r.record("ref.Retain"); err == nil {
		rec.refs.Add(1)
	}
}

// Release drops a reference and destroys the object when it was the last
// one. Nodes that only keep each other alive through dependencies are
// destroyed together. It is a no-op on null and stale references.
func (r Ref) Release() {
	rec, err := r.record("ref.Release")
	if err != nil {
		return
	}
	if rec.refs.Add(-1) <= 0 {
		r.c.free(r)
		return
	}
	if rec.node != nil && len(rec.node.deps) > 0 {
		r.c.collectCycles(r)
	}
}

// RefCount reports the current reference count, 0 for invalid references.
func (r Ref) RefCount() int64 {
	rec, err := r.record("ref.RefCount")
	if err != nil {
		return 0
	}
	return rec.refs.Load()
}

// Equal reports whether both references point at the same object.
func (r Ref) Equal(o Ref) bool { return r == o }

func (r Ref) record(op string) (*record, error) {
	if r.c == nil {
		return nil, dgerr.New(dgerr.InvalidHandle, op, "null reference")
	}
	a := r.c.objects()
	if a == nil {
		return nil, dgerr.New(dgerr.InvalidHandle, op, "client has been destroyed")
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if int(r.idx) >= len(a.slots) {
		return nil, dgerr.New(dgerr.InvalidHandle, op, "reference out of range")
	}
	s := a.slots[r.idx]
	if s.rec == nil || s.gen != r.gen {
		return nil, dgerr.New(dgerr.InvalidHandle, op, "object has been destroyed")
	}
	return s.rec, nil
}

func (r Ref) recordOf(op string, kinds ...objectKind) (*record, error) {
	rec, err := r.record(op)
	if err != nil {
		return nil, err
	}
	for _, k := range kinds {
		if rec.kind == k {
			return rec, nil
		}
	}
	return nil, dgerr.New(dgerr.TypeMismatch, op, "object '%s' is a %s", rec.name, rec.kind)
}

// alloc stores rec and returns the owning reference with a count of one.
func (c *Client) alloc(rec *record) (Ref, error) {
	a := c.objects()
	if a == nil {
		return Ref{}, dgerr.New(dgerr.InvalidHandle, "client.alloc", "client has been destroyed")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec.kind.named() {
		if rec.name == "" {
			return Ref{}, dgerr.New(dgerr.Unsupported, "client.alloc", "%s name must not be empty", rec.kind)
		}
		if _, dup := a.names[rec.name]; dup {
			return Ref{}, dgerr.New(dgerr.DuplicateName, "client.alloc", "an object named '%s' already exists", rec.name)
		}
	}
	rec.refs.Store(1)

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.gen++
	s.rec = rec
	if rec.kind.named() {
		a.names[rec.name] = idx
	}
	a.count[rec.kind]++
	return Ref{c: c, idx: idx, gen: s.gen}, nil
}

// free destroys the object r points at and releases what it held.
func (c *Client) free(r Ref) {
	a := c.objects()
	if a == nil {
		return
	}
	a.mu.Lock()
	if int(r.idx) >= len(a.slots) || a.slots[r.idx].gen != r.gen || a.slots[r.idx].rec == nil {
		a.mu.Unlock()
		return
	}
	rec := a.slots[r.idx].rec
	a.slots[r.idx].rec = nil
	a.slots[r.idx].gen++
	a.free = append(a.free, r.idx)
	if rec.kind.named() && a.names[rec.name] == r.idx {
		delete(a.names, rec.name)
	}
	a.count[rec.kind]--
	a.mu.Unlock()

	for _, o := range rec.owned() {
		o.Release()
	}
}

// collectCycles frees the nodes reachable from start through dependencies
// when no reference from outside that set keeps any of them reachable.
func (c *Client) collectCycles(start Ref) {
	a := c.objects()
	if a == nil {
		return
	}
	recs := make(map[Ref]*record)
	internal := make(map[Ref]int64)
	a.mu.RLock()
	queue := []Ref{start}
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		if _, seen := recs[r]; seen || r.c != c || int(r.idx) >= len(a.slots) {
			continue
		}
		s := a.slots[r.idx]
		if s.rec == nil || s.gen != r.gen || s.rec.node == nil {
			continue
		}
		recs[r] = s.rec
		for _, d := range s.rec.node.deps {
			internal[d.ref]++
			queue = append(queue, d.ref)
		}
	}
	var live []Ref
	for r, rec := range recs {
		if rec.refs.Load() > internal[r] {
			live = append(live, r)
		}
	}
	a.mu.RUnlock()

	alive := make(map[Ref]bool, len(recs))
	for len(live) > 0 {
		r := live[len(live)-1]
		live = live[:len(live)-1]
		if alive[r] {
			continue
		}
		alive[r] = true
		for _, d := range recs[r].node.deps {
			if _, ok := recs[d.ref]; ok {
				live = append(live, d.ref)
			}
		}
	}
	if alive[start] {
		return
	}
	garbage := make([]Ref, 0, len(recs))
	for r := range recs {
		if !alive[r] {
			garbage = append(garbage, r)
		}
	}
	sort.Slice(garbage, func(i, j int) bool { return garbage[i].idx < garbage[j].idx })
	for _, r := range garbage {
		c.free(r)
	}
}

// rename moves a named object to a new name.
func (c *Client) rename(r Ref, name string) error {
	a := c.objects()
	if a == nil {
		return dgerr.New(dgerr.InvalidHandle, "client.rename", "client has been destroyed")
	}
	if name == "" {
		return dgerr.New(dgerr.Unsupported, "client.rename", "name must not be empty")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rec := a.slots[r.idx].rec
	if rec.name == name {
		return nil
	}
	if _, dup := a.names[name]; dup {
		return dgerr.New(dgerr.DuplicateName, "client.rename", "an object named '%s' already exists", name)
	}
	delete(a.names, rec.name)
	rec.name = name
	a.names[name] = r.idx
	return nil
}

func (c *Client) lookupNamed(op, name string, kind objectKind) (Ref, error) {
	a := c.objects()
	if a == nil {
		return Ref{}, dgerr.New(dgerr.InvalidHandle, op, "client has been destroyed")
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	idx, ok := a.names[name]
	if !ok {
		return Ref{}, dgerr.New(dgerr.NotFound, op, "no object named '%s'", name)
	}
	s := a.slots[idx]
	if s.rec.kind != kind {
		return Ref{}, dgerr.New(dgerr.TypeMismatch, op, "object '%s' is a %s, not a %s", name, s.rec.kind, kind)
	}
	return Ref{c: c, idx: idx, gen: s.gen}, nil
}

func (c *Client) objectCounts() map[objectKind]int {
	a := c.objects()
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[objectKind]int, len(a.count))
	for k, v := range a.count {
		out[k] = v
	}
	return out
}
