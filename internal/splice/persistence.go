package splice

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/variant"
)

// pendingLink is a connection or dependency read from persistence data
// whose other end did not exist yet.
type pendingLink struct {
	owner *Node
	what  string
	// try reports whether the link could be made.
	try func() (bool, error)
}

// PersistenceData captures the node as a Dict: size, members (with data
// for persistent ones), ports, incoming connections, dependencies and
// attached operators.
func (n *Node) PersistenceData() (variant.Variant, error) {
	const op = "node.PersistenceData"
	if err := n.check(op); err != nil {
		return variant.Variant{}, err
	}
	out := variant.NewDict()
	size, err := n.dg.Size()
	if err != nil {
		return variant.Variant{}, err
	}
	put(&out, "size", variant.NewSInt64(int64(size)))

	members, err := n.membersData()
	if err != nil {
		return variant.Variant{}, err
	}
	put(&out, "members", members)

	ports := variant.NewArray()
	conns := variant.NewArray()
	for _, p := range sortedPorts(n) {
		pd := variant.NewDict()
		put(&pd, "name", variant.NewString(p.name))
		put(&pd, "boundMember", variant.NewString(p.member))
		put(&pd, "mode", variant.NewString(p.mode.String()))
		if g := p.groupName(); g != "" {
			put(&pd, "groupName", variant.NewString(g))
		}
		_ = ports.AppendTake(&pd)

		if p.source != nil {
			cd := variant.NewDict()
			put(&cd, "sourcePort", variant.NewString(p.source.Key()))
			put(&cd, "targetPort", variant.NewString(p.name))
			_ = conns.AppendTake(&cd)
		}
	}
	put(&out, "ports", ports)
	put(&out, "connections", conns)

	deps := variant.NewArray()
	names, err := n.DependencyNames()
	if err != nil {
		return variant.Variant{}, err
	}
	for _, name := range names {
		dep, err := n.dg.Dependency(name)
		if err != nil {
			return variant.Variant{}, err
		}
		target, err := dep.Name()
		if err != nil {
			return variant.Variant{}, err
		}
		dd := variant.NewDict()
		put(&dd, "name", variant.NewString(name))
		put(&dd, "targetNodeName", variant.NewString(target))
		_ = deps.AppendTake(&dd)
	}
	put(&out, "dependencies", deps)

	ops := variant.NewArray()
	for _, a := range n.operators {
		info, err := n.host.operator(op, a.name)
		if err != nil {
			return variant.Variant{}, err
		}
		od := variant.NewDict()
		put(&od, "name", variant.NewString(a.name))
		entry, err := info.op.EntryPoint()
		if err != nil {
			return variant.Variant{}, err
		}
		put(&od, "entry", variant.NewString(entry))
		if path, _ := n.host.OperatorFilePath(a.name); path != "" {
			put(&od, "filePath", variant.NewString(path))
		} else {
			src, err := info.op.SourceCode()
			if err != nil {
				return variant.Variant{}, err
			}
			put(&od, "source", variant.NewString(src))
		}
		_ = ops.AppendTake(&od)
	}
	put(&out, "operators", ops)
	return out, nil
}

func (n *Node) membersData() (variant.Variant, error) {
	names, err := n.dg.MemberNames()
	if err != nil {
		return variant.Variant{}, err
	}
	sort.Strings(names)
	out := variant.NewArray()
	for _, name := range names {
		md := variant.NewDict()
		typ, err := n.dg.MemberType(name)
		if err != nil {
			return variant.Variant{}, err
		}
		def, err := n.dg.MemberDefault(name)
		if err != nil {
			return variant.Variant{}, err
		}
		persistent, err := n.dg.MemberPersistence(name)
		if err != nil {
			return variant.Variant{}, err
		}
		put(&md, "name", variant.NewString(name))
		put(&md, "type", variant.NewString(typ))
		put(&md, "default", def)
		put(&md, "persistent", variant.NewBool(persistent))
		if persistent {
			data, err := n.dg.MemberAllSlices(name)
			if err != nil {
				return variant.Variant{}, err
			}
			put(&md, "data", data)
		}
		_ = out.AppendTake(&md)
	}
	return out, nil
}

// SetFromPersistenceData clears the node and rebuilds it from data.
// Connections and dependencies naming nodes that do not exist yet are
// made as soon as those nodes are loaded into the same host.
func (n *Node) SetFromPersistenceData(ctx context.Context, data variant.Variant) error {
	const op = "node.SetFromPersistenceData"
	if err := n.check(op); err != nil {
		return err
	}
	if !data.IsDict() {
		return dgerr.New(dgerr.TypeMismatch, op, "persistence data must be a Dict, got %s", data.Kind())
	}
	feeds := n.outgoing()
	if err := n.Clear(); err != nil {
		return err
	}
	n.host.dropPending(n)

	for _, md := range list(&data, "members") {
		name := str(&md, "name")
		def, _ := md.Field("default")
		var dv variant.Variant
		if def != nil {
			dv = *def
		}
		if err := n.dg.AddMember(name, str(&md, "type"), dv); err != nil {
			return fmt.Errorf("%s: member '%s': %w", op, name, err)
		}
		if p, ok := md.Field("persistent"); ok {
			if b, _ := p.Bool(); b {
				if err := n.dg.SetMemberPersistence(name, true); err != nil {
					return err
				}
			}
		}
	}
	size := 1
	if sv, ok := data.Field("size"); ok {
		s, err := sv.AsInt64()
		if err != nil {
			return fmt.Errorf("%s: size: %w", op, err)
		}
		size = int(s)
	}
	if err := n.dg.SetSize(size); err != nil {
		return err
	}
	for _, md := range list(&data, "members") {
		if d, ok := md.Field("data"); ok {
			if err := n.dg.SetMemberAllSlices(str(&md, "name"), *d); err != nil {
				return fmt.Errorf("%s: member '%s': %w", op, str(&md, "name"), err)
			}
		}
	}

	for _, pd := range list(&data, "ports") {
		mode, err := ParseMode(str(&pd, "mode"))
		if err != nil {
			return err
		}
		p, err := n.AddPort(str(&pd, "name"), str(&pd, "boundMember"), mode)
		if err != nil {
			return err
		}
		p.SetGroup(str(&pd, "groupName"))
	}

	for _, od := range list(&data, "operators") {
		if err := n.restoreOperator(ctx, od); err != nil {
			return err
		}
	}

	for _, dd := range list(&data, "dependencies") {
		name, target := str(&dd, "name"), str(&dd, "targetNodeName")
		n.host.link(n, "dependency "+name+" -> "+target, func() (bool, error) {
			dep, err := n.host.Node(target)
			if err != nil {
				return false, nil
			}
			return true, n.SetDependency(name, dep)
		})
	}

	for _, cd := range list(&data, "connections") {
		source, target := str(&cd, "sourcePort"), str(&cd, "targetPort")
		nodeName, portName, ok := cutLast(source)
		if !ok {
			return dgerr.New(dgerr.NotFound, op, "invalid source port '%s'", source)
		}
		n.host.link(n, source+" -> "+n.Name()+"."+target, func() (bool, error) {
			src, err := n.host.Node(nodeName)
			if err != nil || !src.HasPort(portName) {
				return false, nil
			}
			return true, src.ConnectPorts(portName, n, target)
		})
	}

	// Downstream nodes record their own connections, so the ones this node
	// fed are made again from here.
	for _, f := range feeds {
		n.host.link(f.target, n.Name()+"."+f.port+" -> "+f.target.Name()+"."+f.targetPort, func() (bool, error) {
			if n.host == nil || f.target.host == nil {
				return true, nil
			}
			if !n.HasPort(f.port) {
				return false, nil
			}
			dst, err := f.target.Port(f.targetPort)
			if err != nil || dst.source != nil {
				return true, nil
			}
			return true, n.ConnectPorts(f.port, f.target, f.targetPort)
		})
	}
	return n.host.resolvePending()
}

// feed is one connection from a port of this node into another node.
type feed struct {
	port       string
	target     *Node
	targetPort string
}

func (n *Node) outgoing() []feed {
	var out []feed
	for _, name := range n.portOrder {
		for _, t := range n.ports[name].targets {
			out = append(out, feed{port: name, target: t.node, targetPort: t.name})
		}
	}
	return out
}

func (n *Node) restoreOperator(ctx context.Context, od variant.Variant) error {
	name := str(&od, "name")
	if path := str(&od, "filePath"); path != "" {
		if _, err := n.host.operator("node.SetFromPersistenceData", name); err != nil {
			if _, err := n.host.defineOperator(name, ""); err != nil {
				return err
			}
		}
		if err := n.host.LoadOperatorSource(name, path); err != nil {
			return err
		}
		return n.AttachOperator(ctx, name)
	}
	return n.ConstructOperator(ctx, name, str(&od, "source"))
}

// SaveToFile writes the persistence data as JSON.
func (n *Node) SaveToFile(path string) error {
	data, err := n.PersistenceData()
	if err != nil {
		return err
	}
	buf, err := data.ToJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write node file %s: %w", path, err)
	}
	return nil
}

// LoadFromFile rebuilds the node from a file written by SaveToFile.
func (n *Node) LoadFromFile(ctx context.Context, path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read node file %s: %w", path, err)
	}
	data, err := variant.FromJSON(buf)
	if err != nil {
		return fmt.Errorf("failed to parse node file %s: %w", path, err)
	}
	return n.SetFromPersistenceData(ctx, data)
}

func (h *Host) link(owner *Node, what string, try func() (bool, error)) {
	h.mu.Lock()
	h.pending = append(h.pending, pendingLink{owner: owner, what: what, try: try})
	h.mu.Unlock()
}

func (h *Host) dropPending(owner *Node) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.pending[:0]
	for _, pl := range h.pending {
		if pl.owner != owner {
			kept = append(kept, pl)
		}
	}
	h.pending = kept
}

// resolvePending makes every pending link whose other end now exists.
func (h *Host) resolvePending() error {
	h.mu.Lock()
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	var rest []pendingLink
	var firstErr error
	for _, pl := range pending {
		if pl.owner.host == nil {
			continue
		}
		done, err := pl.try()
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to restore %s: %w", pl.what, err)
		}
		if !done {
			h.logger.Debug("Link waits for its node.", "link", pl.what)
			rest = append(rest, pl)
		}
	}
	h.mu.Lock()
	h.pending = append(rest, h.pending...)
	h.mu.Unlock()
	return firstErr
}

// PendingLinks describes the links still waiting for a node.
func (h *Host) PendingLinks() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.pending))
	for i, pl := range h.pending {
		out[i] = pl.what
	}
	return out
}

func list(v *variant.Variant, field string) []variant.Variant {
	f, ok := v.Field(field)
	if !ok || !f.IsArray() {
		return nil
	}
	return f.Elements()
}

func str(v *variant.Variant, field string) string {
	f, ok := v.Field(field)
	if !ok {
		return ""
	}
	s, _ := f.Str()
	return s
}

func cutLast(key string) (string, string, bool) {
	i := strings.LastIndex(key, ".")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}
