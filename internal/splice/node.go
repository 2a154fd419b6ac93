package splice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/vk/dgsplice/internal/core"
	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/variant"
)

// portDependencyPrefix names the dependencies installed by connections.
const portDependencyPrefix = "__port_"

type attached struct {
	name    string
	binding core.Binding
}

// connection is the copy binding feeding a target port.
type connection struct {
	binding core.Binding
}

// Node wraps a core Node with ports, connections and named operators.
type Node struct {
	host *Host
	dg   core.Node

	ports     map[string]*Port
	portOrder []string
	incoming  map[string]connection
	operators []attached
}

func (n *Node) check(op string) error {
	if n == nil || n.host == nil {
		return dgerr.New(dgerr.InvalidHandle, op, "node has been destroyed")
	}
	if !n.dg.IsValid() {
		return dgerr.New(dgerr.InvalidHandle, op, "node is no longer valid")
	}
	return nil
}

// DGNode returns the wrapped core node.
func (n *Node) DGNode() core.Node { return n.dg }

// Host returns the host the node belongs to.
func (n *Node) Host() *Host { return n.host }

// Name returns the node name, or "" for a destroyed node.
func (n *Node) Name() string {
	if n == nil || n.host == nil {
		return ""
	}
	name, err := n.dg.Name()
	if err != nil {
		return ""
	}
	return name
}

// SetName renames the node.
func (n *Node) SetName(name string) error {
	if err := n.check("node.SetName"); err != nil {
		return err
	}
	old := n.Name()
	if err := n.dg.SetName(name); err != nil {
		return err
	}
	n.host.renameNode(n, old, name)
	return nil
}

// Size returns the slice count.
func (n *Node) Size() (int, error) { return n.dg.Size() }

// SetSize resizes the node.
func (n *Node) SetSize(size int) error { return n.dg.SetSize(size) }

// AddMember adds a member without a port.
func (n *Node) AddMember(name, typeName string, def variant.Variant) error {
	if err := n.check("node.AddMember"); err != nil {
		return err
	}
	return n.dg.AddMember(name, typeName, def)
}

// HasMember reports whether the member exists.
func (n *Node) HasMember(name string) (bool, error) {
	if err := n.check("node.HasMember"); err != nil {
		return false, err
	}
	return n.dg.HasMember(name)
}

// RemoveMember removes a member together with every port bound to it.
func (n *Node) RemoveMember(name string) error {
	const op = "node.RemoveMember"
	if err := n.check(op); err != nil {
		return err
	}
	for _, pname := range append([]string(nil), n.portOrder...) {
		if n.ports[pname].member == name {
			if err := n.RemovePort(pname); err != nil {
				return err
			}
		}
	}
	return n.dg.RemoveMember(name)
}

// SetMemberPersistence marks whether a member's data is saved.
func (n *Node) SetMemberPersistence(name string, persistent bool) error {
	return n.dg.SetMemberPersistence(name, persistent)
}

// AddPort binds a new port to an existing member.
func (n *Node) AddPort(name, member string, mode Mode) (*Port, error) {
	const op = "node.AddPort"
	if err := n.check(op); err != nil {
		return nil, err
	}
	if err := checkPortName(op, name); err != nil {
		return nil, err
	}
	if _, dup := n.ports[name]; dup {
		return nil, dgerr.New(dgerr.DuplicateName, op, "port '%s' already exists on '%s'", name, n.Name())
	}
	has, err := n.dg.HasMember(member)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, dgerr.New(dgerr.NotFound, op, "member '%s' does not exist on '%s'", member, n.Name())
	}
	p := &Port{node: n, name: name, member: member, mode: mode, group: Ungrouped{}}
	n.ports[name] = p
	n.portOrder = append(n.portOrder, name)
	return p, nil
}

func checkPortName(op, name string) error {
	if name == "" || strings.Contains(name, ".") {
		return dgerr.New(dgerr.Unsupported, op, "invalid port name '%s'", name)
	}
	return nil
}

// RemovePort disconnects and removes a port. The bound member stays.
func (n *Node) RemovePort(name string) error {
	const op = "node.RemovePort"
	p, err := n.Port(name)
	if err != nil {
		return err
	}
	if err := p.Disconnect(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	delete(n.ports, name)
	for i, pn := range n.portOrder {
		if pn == name {
			n.portOrder = append(n.portOrder[:i], n.portOrder[i+1:]...)
			break
		}
	}
	p.node = nil
	return nil
}

// Port looks up a port by name.
func (n *Node) Port(name string) (*Port, error) {
	const op = "node.Port"
	if err := n.check(op); err != nil {
		return nil, err
	}
	p, ok := n.ports[name]
	if !ok {
		return nil, dgerr.New(dgerr.NotFound, op, "no port named '%s' on '%s'", name, n.Name())
	}
	return p, nil
}

// HasPort reports whether the port exists.
func (n *Node) HasPort(name string) bool {
	_, ok := n.ports[name]
	return ok
}

// PortNames lists ports in the order they were added.
func (n *Node) PortNames() []string {
	return append([]string(nil), n.portOrder...)
}

// PortInfo describes every port, sorted by name, as
// [{name, member, mode, type, group?, connections}].
func (n *Node) PortInfo() (variant.Variant, error) {
	if err := n.check("node.PortInfo"); err != nil {
		return variant.Variant{}, err
	}
	out := variant.NewArray()
	for _, p := range sortedPorts(n) {
		info, err := p.info()
		if err != nil {
			return variant.Variant{}, err
		}
		_ = out.AppendTake(&info)
	}
	return out, nil
}

// PortGroup returns the names of the ports in the named group, in port
// order.
func (n *Node) PortGroup(group string) []string {
	var out []string
	if group == "" {
		return out
	}
	for _, name := range n.portOrder {
		if n.ports[name].groupName() == group {
			out = append(out, name)
		}
	}
	return out
}

// ConnectPorts connects the named port of n with otherPort of other.
func (n *Node) ConnectPorts(port string, other *Node, otherPort string) error {
	p, err := n.Port(port)
	if err != nil {
		return err
	}
	if err := other.check("node.ConnectPorts"); err != nil {
		return err
	}
	q, err := other.Port(otherPort)
	if err != nil {
		return err
	}
	return p.Connect(q)
}

// DisconnectPort removes every connection of the named port.
func (n *Node) DisconnectPort(port string) error {
	p, err := n.Port(port)
	if err != nil {
		return err
	}
	return p.Disconnect()
}

func connectionDependency(dst *Port) string {
	return portDependencyPrefix + dst.name
}

// connect feeds dst from src. An existing source of dst is replaced.
func (n *Node) connect(op string, src, dst *Port) error {
	if src.node == dst.node {
		return dgerr.New(dgerr.Unsupported, op, "cannot connect '%s' to a port of the same node", src.Key())
	}
	if src.node.host != dst.node.host {
		return dgerr.New(dgerr.InvalidHandle, op, "ports belong to different hosts")
	}
	srcType, err := src.DataType()
	if err != nil {
		return err
	}
	dstType, err := dst.DataType()
	if err != nil {
		return err
	}
	if srcType != dstType {
		return dgerr.New(dgerr.TypeMismatch, op, "cannot connect %s port '%s' to %s port '%s'", srcType, src.Key(), dstType, dst.Key())
	}
	if dst.source == src {
		return nil
	}
	if dst.source != nil {
		n.host.logger.Warn("Replacing port source.", "port", dst.Key(), "old", dst.source.Key(), "new", src.Key())
		if err := n.disconnect(op, dst); err != nil {
			return err
		}
	}

	dep := connectionDependency(dst)
	layout := []string{
		dep + "." + src.member + core.WholeArraySuffix,
		core.SelfOwner + "." + dst.member + core.WholeArraySuffix,
	}
	b, err := n.host.client.NewBinding(n.host.copyOp, layout)
	if err != nil {
		return err
	}
	defer b.Release()
	if err := n.dg.SetDependency(dep, src.node.dg); err != nil {
		return err
	}
	list, err := n.dg.BindingList()
	if err != nil {
		return err
	}
	if err := list.Insert(b, 0); err != nil {
		_ = n.dg.RemoveDependency(dep)
		return err
	}
	if n.incoming == nil {
		n.incoming = make(map[string]connection)
	}
	n.incoming[dst.name] = connection{binding: b}
	dst.source = src
	src.targets = append(src.targets, dst)
	n.host.logger.Debug("Ports connected.", "source", src.Key(), "target", dst.Key())
	return nil
}

// disconnect removes the incoming connection of dst.
func (n *Node) disconnect(op string, dst *Port) error {
	src := dst.source
	if src == nil {
		return nil
	}
	conn := n.incoming[dst.name]
	if list, err := n.dg.BindingList(); err == nil {
		for i := 0; i < list.Len(); i++ {
			b, err := list.Binding(i)
			if err != nil {
				return err
			}
			if b.Equal(conn.binding.Ref) {
				if err := list.Remove(i); err != nil {
					return err
				}
				break
			}
		}
	}
	if err := n.dg.RemoveDependency(connectionDependency(dst)); err != nil && !errors.Is(err, dgerr.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	delete(n.incoming, dst.name)
	dst.source = nil
	for i, t := range src.targets {
		if t == dst {
			src.targets = append(src.targets[:i], src.targets[i+1:]...)
			break
		}
	}
	return nil
}

// ConstructOperator defines (or redefines) the named operator from source
// and attaches it to the node. Every parameter binds to the node member of
// the same name. A source that does not compile is reported and nothing is
// attached.
func (n *Node) ConstructOperator(ctx context.Context, name, source string) error {
	const op = "node.ConstructOperator"
	if err := n.check(op); err != nil {
		return err
	}
	info, err := n.host.defineOperator(name, source)
	if err != nil {
		return err
	}
	return n.attach(ctx, op, name, info)
}

// AttachOperator attaches an operator already defined on the host.
func (n *Node) AttachOperator(ctx context.Context, name string) error {
	const op = "node.AttachOperator"
	if err := n.check(op); err != nil {
		return err
	}
	info, err := n.host.operator(op, name)
	if err != nil {
		return err
	}
	return n.attach(ctx, op, name, info)
}

func (n *Node) attach(ctx context.Context, op, name string, info *operatorInfo) error {
	layout, err := selfLayout(ctx, info.op)
	if err != nil {
		return err
	}
	if a, ok := n.attachedOperator(name); ok {
		return a.binding.SetParameterLayout(layout)
	}
	b, err := n.host.client.NewBinding(info.op, layout)
	if err != nil {
		return err
	}
	defer b.Release()
	if err := n.dg.AppendBinding(b); err != nil {
		return err
	}
	n.operators = append(n.operators, attached{name: name, binding: b})
	return nil
}

// selfLayout binds every operator parameter to the node member of the same
// name.
func selfLayout(ctx context.Context, o core.Operator) ([]string, error) {
	params, err := o.Params(ctx)
	if err != nil {
		return nil, err
	}
	layout := make([]string, len(params))
	for i, prm := range params {
		layout[i] = core.SelfOwner + "." + prm.Name
	}
	return layout, nil
}

// relayout re-derives the layout of an attached operator from its current
// parameters. Sources that do not compile keep the old layout; evaluation
// reports them.
func (n *Node) relayout(ctx context.Context, name string, info *operatorInfo) error {
	a, ok := n.attachedOperator(name)
	if !ok {
		return nil
	}
	layout, err := selfLayout(ctx, info.op)
	if errors.Is(err, dgerr.ErrCompileError) {
		return nil
	}
	if err != nil {
		return err
	}
	return a.binding.SetParameterLayout(layout)
}

func (n *Node) attachedOperator(name string) (attached, bool) {
	for _, a := range n.operators {
		if a.name == name {
			return a, true
		}
	}
	return attached{}, false
}

// HasOperator reports whether the named operator is attached.
func (n *Node) HasOperator(name string) bool {
	_, ok := n.attachedOperator(name)
	return ok
}

// OperatorNames lists attached operators in attachment order.
func (n *Node) OperatorNames() []string {
	out := make([]string, len(n.operators))
	for i, a := range n.operators {
		out[i] = a.name
	}
	return out
}

// RemoveOperator detaches the named operator. The operator itself stays
// defined on the host.
func (n *Node) RemoveOperator(name string) error {
	const op = "node.RemoveOperator"
	if err := n.check(op); err != nil {
		return err
	}
	idx := -1
	for i, a := range n.operators {
		if a.name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return dgerr.New(dgerr.NotFound, op, "operator '%s' is not attached to '%s'", name, n.Name())
	}
	list, err := n.dg.BindingList()
	if err != nil {
		return err
	}
	for i := 0; i < list.Len(); i++ {
		b, err := list.Binding(i)
		if err != nil {
			return err
		}
		if b.Equal(n.operators[idx].binding.Ref) {
			if err := list.Remove(i); err != nil {
				return err
			}
			break
		}
	}
	n.operators = append(n.operators[:idx], n.operators[idx+1:]...)
	return nil
}

// OperatorSource returns the source of an operator defined on the host.
func (n *Node) OperatorSource(name string) (string, error) {
	return n.host.OperatorSource(name)
}

// SetOperatorSource replaces an operator's source on the host.
func (n *Node) SetOperatorSource(name, source string) error {
	return n.host.SetOperatorSource(name, source)
}

// LoadOperatorSource reads an operator's source from path.
func (n *Node) LoadOperatorSource(name, path string) error {
	return n.host.LoadOperatorSource(name, path)
}

// SaveOperatorSource writes an operator's source to path.
func (n *Node) SaveOperatorSource(name, path string) error {
	return n.host.SaveOperatorSource(name, path)
}

// SetOperatorFilePath records the file an operator's source is saved as.
func (n *Node) SetOperatorFilePath(name, path string) error {
	return n.host.SetOperatorFilePath(name, path)
}

// SetDependency makes the node depend on dep under name. Names starting
// with "__port_" are reserved for connections.
func (n *Node) SetDependency(name string, dep *Node) error {
	const op = "node.SetDependency"
	if err := n.check(op); err != nil {
		return err
	}
	if err := dep.check(op); err != nil {
		return err
	}
	if strings.HasPrefix(name, portDependencyPrefix) {
		return dgerr.New(dgerr.Unsupported, op, "dependency name '%s' is reserved", name)
	}
	return n.dg.SetDependency(name, dep.dg)
}

// RemoveDependency drops a dependency set with SetDependency.
func (n *Node) RemoveDependency(name string) error {
	const op = "node.RemoveDependency"
	if err := n.check(op); err != nil {
		return err
	}
	if strings.HasPrefix(name, portDependencyPrefix) {
		return dgerr.New(dgerr.Unsupported, op, "dependency '%s' belongs to a connection", name)
	}
	return n.dg.RemoveDependency(name)
}

// DependencyNames lists the dependencies set with SetDependency.
func (n *Node) DependencyNames() ([]string, error) {
	names, err := n.dg.DependencyNames()
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, name := range names {
		if !strings.HasPrefix(name, portDependencyPrefix) {
			out = append(out, name)
		}
	}
	return out, nil
}

// Evaluate evaluates the node and everything it depends on.
func (n *Node) Evaluate(ctx context.Context) error {
	if err := n.check("node.Evaluate"); err != nil {
		return err
	}
	return n.dg.Evaluate(ctx)
}

// Errors returns the compile and layout errors of the node's bindings.
func (n *Node) Errors(ctx context.Context) (variant.Variant, error) {
	return n.dg.Errors(ctx)
}

// Clear removes every port, connection, operator, dependency and member
// and resets the size to 1.
func (n *Node) Clear() error {
	const op = "node.Clear"
	if err := n.check(op); err != nil {
		return err
	}
	for _, name := range append([]string(nil), n.portOrder...) {
		if err := n.RemovePort(name); err != nil {
			return err
		}
	}
	for len(n.operators) > 0 {
		if err := n.RemoveOperator(n.operators[0].name); err != nil {
			return err
		}
	}
	list, err := n.dg.BindingList()
	if err != nil {
		return err
	}
	for list.Len() > 0 {
		if err := list.Remove(list.Len() - 1); err != nil {
			return err
		}
	}
	deps, err := n.dg.DependencyNames()
	if err != nil {
		return err
	}
	for _, d := range deps {
		if err := n.dg.RemoveDependency(d); err != nil {
			return err
		}
	}
	members, err := n.dg.MemberNames()
	if err != nil {
		return err
	}
	for _, m := range members {
		if err := n.dg.RemoveMember(m); err != nil {
			return err
		}
	}
	return n.dg.SetSize(1)
}

// Destroy disconnects every port and removes the node from its host. The
// node cannot be used afterwards.
func (n *Node) Destroy() error {
	const op = "node.Destroy"
	if err := n.check(op); err != nil {
		return err
	}
	name := n.Name()
	for _, pname := range n.portOrder {
		if err := n.ports[pname].Disconnect(); err != nil {
			return err
		}
	}
	n.host.forgetNode(name, n)
	if err := n.dg.Destroy(); err != nil {
		return err
	}
	n.host = nil
	return nil
}

func sortedPorts(n *Node) []*Port {
	out := make([]*Port, 0, len(n.ports))
	for _, p := range n.ports {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func put(dict *variant.Variant, name string, v variant.Variant) {
	_ = dict.SetField(name, v)
}
