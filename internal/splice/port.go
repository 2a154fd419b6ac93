package splice

import (
	"fmt"
	"strings"

	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/variant"
)

// Mode is the direction of a Port.
type Mode int

const (
	ModeIn Mode = iota
	ModeOut
	ModeIO
)

func (m Mode) String() string {
	switch m {
	case ModeIn:
		return "IN"
	case ModeOut:
		return "OUT"
	case ModeIO:
		return "IO"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts IN, OUT and IO in any case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IN":
		return ModeIn, nil
	case "OUT":
		return ModeOut, nil
	case "IO":
		return ModeIO, nil
	}
	return ModeIn, dgerr.New(dgerr.Unsupported, "splice.ParseMode", "invalid port mode '%s': must be IN, OUT or IO", s)
}

// Accepts reports whether the port can receive data from a connection.
func (m Mode) Accepts() bool { return m == ModeIn || m == ModeIO }

// Provides reports whether the port can feed a connection.
func (m Mode) Provides() bool { return m == ModeOut || m == ModeIO }

// Grouping is either Ungrouped or a Group.
type Grouping interface {
	isGrouping()
}

// Ungrouped is the grouping of a free-standing port.
type Ungrouped struct{}

// Group is a named port group.
type Group struct {
	Name string
}

func (Ungrouped) isGrouping() {}
func (Group) isGrouping()     {}

// Port is a named endpoint bound to one member of a Node.
type Port struct {
	node   *Node
	name   string
	member string
	mode   Mode
	group  Grouping

	// source is the port feeding this one; targets are the ports this one
	// feeds.
	source  *Port
	targets []*Port
}

func (p *Port) check(op string) error {
	if p == nil || p.node == nil {
		return dgerr.New(dgerr.InvalidHandle, op, "port has been removed")
	}
	return p.node.check(op)
}

// Name returns the port name.
func (p *Port) Name() string { return p.name }

// Node returns the node the port belongs to.
func (p *Port) Node() *Node { return p.node }

// Key returns "node.port".
func (p *Port) Key() string {
	if p.node == nil {
		return p.name
	}
	return p.node.Name() + "." + p.name
}

// Member returns the bound member name.
func (p *Port) Member() string { return p.member }

func (p *Port) Mode() Mode { return p.mode }

// SetMode changes the port direction. A mode that no longer fits the
// port's current connections fails with Unsupported.
func (p *Port) SetMode(m Mode) error {
	const op = "port.SetMode"
	if err := p.check(op); err != nil {
		return err
	}
	if p.source != nil && !m.Accepts() {
		return dgerr.New(dgerr.Unsupported, op, "port '%s' has a source and must stay input-capable", p.Key())
	}
	if len(p.targets) > 0 && !m.Provides() {
		return dgerr.New(dgerr.Unsupported, op, "port '%s' feeds other ports and must stay output-capable", p.Key())
	}
	p.mode = m
	return nil
}

// Grouping returns Ungrouped or the port's Group.
func (p *Port) Grouping() Grouping {
	if p.group == nil {
		return Ungrouped{}
	}
	return p.group
}

// SetGroup puts the port into the named group. An empty name ungroups it.
func (p *Port) SetGroup(name string) {
	if name == "" {
		p.group = Ungrouped{}
		return
	}
	p.group = Group{Name: name}
}

func (p *Port) Ungroup() { p.group = Ungrouped{} }

// InsideGroup reports whether the port belongs to a group.
func (p *Port) InsideGroup() bool {
	_, ok := p.Grouping().(Group)
	return ok
}

func (p *Port) groupName() string {
	if g, ok := p.Grouping().(Group); ok {
		return g.Name
	}
	return ""
}

// DataType returns the registered type name of the bound member.
func (p *Port) DataType() (string, error) {
	if err := p.check("port.DataType"); err != nil {
		return "", err
	}
	return p.node.dg.MemberType(p.member)
}

// DataSize returns the byte size of one value, or of one element for
// array ports. Non-shallow types report 0.
func (p *Port) DataSize() (int, error) {
	if err := p.check("port.DataSize"); err != nil {
		return 0, err
	}
	t, err := p.node.dg.MemberRT(p.member)
	if err != nil {
		return 0, err
	}
	if t.IsArray() {
		return t.Elem.Size, nil
	}
	return t.Size, nil
}

// IsShallow reports whether the values (elements for array ports) have a
// fixed byte layout.
func (p *Port) IsShallow() (bool, error) {
	if err := p.check("port.IsShallow"); err != nil {
		return false, err
	}
	t, err := p.node.dg.MemberRT(p.member)
	if err != nil {
		return false, err
	}
	if t.IsArray() {
		return t.Elem.Shallow, nil
	}
	return t.Shallow, nil
}

// IsArray reports whether the bound member has an array type.
func (p *Port) IsArray() (bool, error) {
	if err := p.check("port.IsArray"); err != nil {
		return false, err
	}
	t, err := p.node.dg.MemberRT(p.member)
	if err != nil {
		return false, err
	}
	return t.IsArray(), nil
}

// SliceCount is the size of the node.
func (p *Port) SliceCount() (int, error) {
	if err := p.check("port.SliceCount"); err != nil {
		return 0, err
	}
	return p.node.dg.Size()
}

// SetSliceCount resizes the whole node.
func (p *Port) SetSliceCount(n int) error {
	if err := p.check("port.SetSliceCount"); err != nil {
		return err
	}
	return p.node.dg.SetSize(n)
}

// Variant returns the value of one slice.
func (p *Port) Variant(slice int) (variant.Variant, error) {
	if err := p.check("port.Variant"); err != nil {
		return variant.Variant{}, err
	}
	return p.node.dg.MemberSlice(p.member, slice)
}

func (p *Port) SetVariant(v variant.Variant, slice int) error {
	if err := p.check("port.SetVariant"); err != nil {
		return err
	}
	return p.node.dg.SetMemberSlice(p.member, slice, v)
}

// JSON returns the value of one slice encoded as JSON.
func (p *Port) JSON(slice int) (string, error) {
	v, err := p.Variant(slice)
	if err != nil {
		return "", err
	}
	b, err := v.ToJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SetJSON decodes json and stores it into one slice.
func (p *Port) SetJSON(json string, slice int) error {
	v, err := variant.FromJSON([]byte(json))
	if err != nil {
		return err
	}
	return p.SetVariant(v, slice)
}

// Default returns the bound member's default value.
func (p *Port) Default() (variant.Variant, error) {
	if err := p.check("port.Default"); err != nil {
		return variant.Variant{}, err
	}
	return p.node.dg.MemberDefault(p.member)
}

// ArrayCount returns the length of an array port in one slice.
func (p *Port) ArrayCount(slice int) (int, error) {
	if err := p.check("port.ArrayCount"); err != nil {
		return 0, err
	}
	return p.node.dg.MemberSliceArraySize(p.member, slice)
}

// ArrayData returns the packed elements of an array port in one slice.
func (p *Port) ArrayData(slice int) ([]byte, error) {
	if err := p.check("port.ArrayData"); err != nil {
		return nil, err
	}
	return p.node.dg.MemberSliceArrayData(p.member, slice)
}

// SetArrayData replaces the elements of an array port in one slice; the
// array count becomes len(buf) / DataSize.
func (p *Port) SetArrayData(buf []byte, slice int) error {
	if err := p.check("port.SetArrayData"); err != nil {
		return err
	}
	return p.node.dg.SetMemberSliceArrayData(p.member, slice, buf)
}

// AllSlicesData returns the packed values of every slice of a non-array
// port.
func (p *Port) AllSlicesData() ([]byte, error) {
	if err := p.check("port.AllSlicesData"); err != nil {
		return nil, err
	}
	if err := p.notArray("port.AllSlicesData"); err != nil {
		return nil, err
	}
	return p.node.dg.MemberAllSlicesData(p.member)
}

// SetAllSlicesData replaces every slice of a non-array port. The buffer
// must hold SliceCount values.
func (p *Port) SetAllSlicesData(buf []byte) error {
	if err := p.check("port.SetAllSlicesData"); err != nil {
		return err
	}
	if err := p.notArray("port.SetAllSlicesData"); err != nil {
		return err
	}
	return p.node.dg.SetMemberAllSlicesData(p.member, buf)
}

func (p *Port) notArray(op string) error {
	isArray, err := p.IsArray()
	if err != nil {
		return err
	}
	if isArray {
		return dgerr.New(dgerr.Unsupported, op, "port '%s' is an array port", p.Key())
	}
	return nil
}

func (p *Port) sameShallowType(op string, other *Port) error {
	if err := other.check(op); err != nil {
		return err
	}
	mine, err := p.DataType()
	if err != nil {
		return err
	}
	theirs, err := other.DataType()
	if err != nil {
		return err
	}
	if mine != theirs {
		return dgerr.New(dgerr.TypeMismatch, op, "port '%s' is %s, '%s' is %s", p.Key(), mine, other.Key(), theirs)
	}
	shallow, err := p.IsShallow()
	if err != nil {
		return err
	}
	if !shallow {
		return dgerr.New(dgerr.Unsupported, op, "port '%s' of type %s is not shallow", p.Key(), mine)
	}
	return nil
}

// CopyArrayDataFromPort copies the array of other's slice otherSlice into
// this port's slice. A negative otherSlice means the same slice index.
func (p *Port) CopyArrayDataFromPort(other *Port, slice, otherSlice int) error {
	const op = "port.CopyArrayDataFromPort"
	if err := p.check(op); err != nil {
		return err
	}
	if err := p.sameShallowType(op, other); err != nil {
		return err
	}
	if otherSlice < 0 {
		otherSlice = slice
	}
	buf, err := other.ArrayData(otherSlice)
	if err != nil {
		return err
	}
	return p.SetArrayData(buf, slice)
}

// CopyAllSlicesDataFromPort copies every slice of other into this port.
// With differing slice counts it fails with SizeMismatch unless
// resizeTarget is set, in which case this port's node is resized first.
func (p *Port) CopyAllSlicesDataFromPort(other *Port, resizeTarget bool) error {
	const op = "port.CopyAllSlicesDataFromPort"
	if err := p.check(op); err != nil {
		return err
	}
	if err := p.sameShallowType(op, other); err != nil {
		return err
	}
	if err := p.notArray(op); err != nil {
		return err
	}
	mine, err := p.SliceCount()
	if err != nil {
		return err
	}
	theirs, err := other.SliceCount()
	if err != nil {
		return err
	}
	if mine != theirs {
		if !resizeTarget {
			return dgerr.New(dgerr.SizeMismatch, op, "port '%s' has %d slices, '%s' has %d", p.Key(), mine, other.Key(), theirs)
		}
		if err := p.SetSliceCount(theirs); err != nil {
			return err
		}
	}
	buf, err := other.AllSlicesData()
	if err != nil {
		return err
	}
	return p.SetAllSlicesData(buf)
}

// Connect connects two ports of different nodes. The direction follows
// from the modes: the output-capable side feeds the input-capable side.
// Exactly one side must be IN or OUT; two IO ports have no direction.
func (p *Port) Connect(other *Port) error {
	const op = "port.Connect"
	if err := p.check(op); err != nil {
		return err
	}
	if err := other.check(op); err != nil {
		return err
	}
	var src, dst *Port
	switch {
	case p.mode == ModeIO && other.mode == ModeIO:
		return dgerr.New(dgerr.Unsupported, op, "cannot connect IO ports '%s' and '%s': the direction is ambiguous", p.Key(), other.Key())
	case p.mode.Provides() && other.mode.Accepts():
		src, dst = p, other
	case other.mode.Provides() && p.mode.Accepts():
		src, dst = other, p
	default:
		return dgerr.New(dgerr.Unsupported, op, "cannot connect %s port '%s' to %s port '%s'", p.mode, p.Key(), other.mode, other.Key())
	}
	return dst.node.connect(op, src, dst)
}

// IsConnected reports whether the port has a source or feeds any port.
func (p *Port) IsConnected() bool {
	return p.source != nil || len(p.targets) > 0
}

// Disconnect removes every connection of the port.
func (p *Port) Disconnect() error {
	const op = "port.Disconnect"
	if err := p.check(op); err != nil {
		return err
	}
	if p.source != nil {
		if err := p.node.disconnect(op, p); err != nil {
			return err
		}
	}
	for len(p.targets) > 0 {
		dst := p.targets[0]
		if err := dst.node.disconnect(op, dst); err != nil {
			return err
		}
	}
	return nil
}

// ConnectionCount counts the source, if any, plus every fed port.
func (p *Port) ConnectionCount() int {
	n := len(p.targets)
	if p.source != nil {
		n++
	}
	return n
}

// Connection returns the i-th connected port: the source first, then the
// fed ports in connection order.
func (p *Port) Connection(i int) (*Port, error) {
	all := p.connections()
	if i < 0 || i >= len(all) {
		return nil, dgerr.New(dgerr.SizeMismatch, "port.Connection", "connection %d out of range [0,%d)", i, len(all))
	}
	return all[i], nil
}

func (p *Port) info() (variant.Variant, error) {
	typ, err := p.DataType()
	if err != nil {
		return variant.Variant{}, err
	}
	info := variant.NewDict()
	put(&info, "name", variant.NewString(p.name))
	put(&info, "member", variant.NewString(p.member))
	put(&info, "mode", variant.NewString(p.mode.String()))
	put(&info, "type", variant.NewString(typ))
	if g := p.groupName(); g != "" {
		put(&info, "group", variant.NewString(g))
	}
	conns := variant.NewArray()
	for _, other := range p.connections() {
		_ = conns.Append(variant.NewString(other.Key()))
	}
	put(&info, "connections", conns)
	return info, nil
}

func (p *Port) connections() []*Port {
	var all []*Port
	if p.source != nil {
		all = append(all, p.source)
	}
	return append(all, p.targets...)
}
