package core

import (
	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/rt"
	"github.com/vk/dgsplice/internal/variant"
	"github.com/zclconf/go-cty/cty"
)

type member struct {
	name       string
	typ        *rt.Type
	def        cty.Value
	persistent bool
	// data holds one normalized value per slice.
	data []cty.Value
}

// containerData is the member storage shared by every named object. All
// members have exactly size slices.
type containerData struct {
	members []*member
	index   map[string]int
	size    int
}

func newContainerData() *containerData {
	return &containerData{index: make(map[string]int), size: 1}
}

func (d *containerData) member(op, name string) (*member, error) {
	i, ok := d.index[name]
	if !ok {
		return nil, dgerr.New(dgerr.NotFound, op, "member '%s' does not exist", name)
	}
	return d.members[i], nil
}

func (d *containerData) resize(n int) {
	if n == d.size {
		return
	}
	for _, m := range d.members {
		if n < len(m.data) {
			m.data = append([]cty.Value(nil), m.data[:n]...)
			continue
		}
		for len(m.data) < n {
			m.data = append(m.data, m.def)
		}
	}
	d.size = n
}

func (d *containerData) checkSlice(op string, i int) error {
	if i < 0 || i >= d.size {
		return dgerr.New(dgerr.SizeMismatch, op, "slice %d out of range [0,%d)", i, d.size)
	}
	return nil
}

// Container is a named object holding typed, sliced member data. Nodes,
// Operators, Events and EventHandlers are all Containers.
type Container struct{ Ref }

func (c Container) state(op string) (*record, *containerData, error) {
	rec, err := c.record(op)
	if err != nil {
		return nil, nil, err
	}
	if rec.cont == nil {
		return nil, nil, dgerr.New(dgerr.TypeMismatch, op, "%s is not a container", rec.kind)
	}
	return rec, rec.cont, nil
}

// Name returns the object's name.
func (c Container) Name() (string, error) {
	rec, _, err := c.state("container.Name")
	if err != nil {
		return "", err
	}
	return rec.name, nil
}

// Destroy removes the object from its client at once. Every handle to it
// becomes invalid regardless of its reference count.
func (c Container) Destroy() error {
	if _, _, err := c.state("container.Destroy"); err != nil {
		return err
	}
	c.c.free(c.Ref)
	return nil
}

// AddMember adds a member of the named type. A Null default means the type's
// zero value.
func (c Container) AddMember(name, typeName string, def variant.Variant) error {
	const op = "container.AddMember"
	_, d, err := c.state(op)
	if err != nil {
		return err
	}
	if name == "" {
		return dgerr.New(dgerr.Unsupported, op, "member name must not be empty")
	}
	if _, dup := d.index[name]; dup {
		return dgerr.New(dgerr.DuplicateName, op, "member '%s' already exists", name)
	}
	t, err := c.c.reg.Lookup(typeName)
	if err != nil {
		return err
	}
	dv, err := t.FromVariant(def, true)
	if err != nil {
		return err
	}
	m := &member{name: name, typ: t, def: dv, data: make([]cty.Value, d.size)}
	for i := range m.data {
		m.data[i] = dv
	}
	d.index[name] = len(d.members)
	d.members = append(d.members, m)
	return nil
}

// RemoveMember deletes a member and its data.
func (c Container) RemoveMember(name string) error {
	const op = "container.RemoveMember"
	_, d, err := c.state(op)
	if err != nil {
		return err
	}
	i, ok := d.index[name]
	if !ok {
		return dgerr.New(dgerr.NotFound, op, "member '%s' does not exist", name)
	}
	d.members = append(d.members[:i], d.members[i+1:]...)
	delete(d.index, name)
	for j := i; j < len(d.members); j++ {
		d.index[d.members[j].name] = j
	}
	return nil
}

// HasMember reports whether the member exists.
func (c Container) HasMember(name string) (bool, error) {
	_, d, err := c.state("container.HasMember")
	if err != nil {
		return false, err
	}
	_, ok := d.index[name]
	return ok, nil
}

// MemberNames lists the members in the order they were added.
func (c Container) MemberNames() ([]string, error) {
	_, d, err := c.state("container.MemberNames")
	if err != nil {
		return nil, err
	}
	out := make([]string, len(d.members))
	for i, m := range d.members {
		out[i] = m.name
	}
	return out, nil
}

// Members describes every member as name -> {type, default, persistent}.
func (c Container) Members() (variant.Variant, error) {
	_, d, err := c.state("container.Members")
	if err != nil {
		return variant.Variant{}, err
	}
	out := variant.NewDict()
	for _, m := range d.members {
		desc := variant.NewDict()
		putField(&desc, "type", variant.NewString(m.typ.Name))
		def, err := m.typ.ToVariant(m.def)
		if err != nil {
			return variant.Variant{}, err
		}
		putField(&desc, "default", def)
		putField(&desc, "persistent", variant.NewBool(m.persistent))
		putField(&out, m.name, desc)
	}
	return out, nil
}

func (c Container) memberOf(op, name string) (*containerData, *member, error) {
	_, d, err := c.state(op)
	if err != nil {
		return nil, nil, err
	}
	m, err := d.member(op, name)
	if err != nil {
		return nil, nil, err
	}
	return d, m, nil
}

// MemberType returns the registered type name of a member.
func (c Container) MemberType(name string) (string, error) {
	_, m, err := c.memberOf("container.MemberType", name)
	if err != nil {
		return "", err
	}
	return m.typ.Name, nil
}

// MemberRT returns the registered type of a member.
func (c Container) MemberRT(name string) (*rt.Type, error) {
	_, m, err := c.memberOf("container.MemberRT", name)
	if err != nil {
		return nil, err
	}
	return m.typ, nil
}

// MemberIsShallow reports whether a member's type has a fixed byte layout.
func (c Container) MemberIsShallow(name string) (bool, error) {
	_, m, err := c.memberOf("container.MemberIsShallow", name)
	if err != nil {
		return false, err
	}
	return m.typ.Shallow, nil
}

// MemberDefault returns a member's default value.
func (c Container) MemberDefault(name string) (variant.Variant, error) {
	_, m, err := c.memberOf("container.MemberDefault", name)
	if err != nil {
		return variant.Variant{}, err
	}
	return m.typ.ToVariant(m.def)
}

// SetMemberPersistence sets whether a member's data is saved with the node.
func (c Container) SetMemberPersistence(name string, persistent bool) error {
	_, m, err := c.memberOf("container.SetMemberPersistence", name)
	if err != nil {
		return err
	}
	m.persistent = persistent
	return nil
}

// MemberPersistence reports the member's persistence flag.
func (c Container) MemberPersistence(name string) (bool, error) {
	_, m, err := c.memberOf("container.MemberPersistence", name)
	if err != nil {
		return false, err
	}
	return m.persistent, nil
}

// Size returns the slice count.
func (c Container) Size() (int, error) {
	_, d, err := c.state("container.Size")
	if err != nil {
		return 0, err
	}
	return d.size, nil
}

// SetSize resizes every member to n slices. Slices below min(old, n) keep
// their data; new slices get the member default.
func (c Container) SetSize(n int) error {
	const op = "container.SetSize"
	_, d, err := c.state(op)
	if err != nil {
		return err
	}
	if n < 0 {
		return dgerr.New(dgerr.SizeMismatch, op, "size must not be negative, got %d", n)
	}
	d.resize(n)
	return nil
}

// MemberSlice returns the value of one slice of a member.
func (c Container) MemberSlice(name string, slice int) (variant.Variant, error) {
	const op = "container.MemberSlice"
	d, m, err := c.memberOf(op, name)
	if err != nil {
		return variant.Variant{}, err
	}
	if err := d.checkSlice(op, slice); err != nil {
		return variant.Variant{}, err
	}
	return m.typ.ToVariant(m.data[slice])
}

// SetMemberSlice stores v into one slice of a member.
func (c Container) SetMemberSlice(name string, slice int, v variant.Variant) error {
	const op = "container.SetMemberSlice"
	d, m, err := c.memberOf(op, name)
	if err != nil {
		return err
	}
	if err := d.checkSlice(op, slice); err != nil {
		return err
	}
	val, err := m.typ.FromVariant(v, c.c.guarded)
	if err != nil {
		return err
	}
	m.data[slice] = val
	return nil
}

// SetSlice sets several members of one slice from a dict of member name to
// value. Nothing is written unless every entry converts.
func (c Container) SetSlice(slice int, values variant.Variant) error {
	const op = "container.SetSlice"
	_, d, err := c.state(op)
	if err != nil {
		return err
	}
	if !values.IsDict() {
		return dgerr.New(dgerr.TypeMismatch, op, "slice values must be a Dict, got %s", values.Kind())
	}
	if err := d.checkSlice(op, slice); err != nil {
		return err
	}
	type write struct {
		m   *member
		val cty.Value
	}
	var writes []write
	var convErr error
	_ = values.Range(func(k, v *variant.Variant) bool {
		name, err := k.Str()
		if err != nil {
			convErr = err
			return false
		}
		m, err := d.member(op, name)
		if err != nil {
			convErr = err
			return false
		}
		val, err := m.typ.FromVariant(*v, c.c.guarded)
		if err != nil {
			convErr = err
			return false
		}
		writes = append(writes, write{m, val})
		return true
	})
	if convErr != nil {
		return convErr
	}
	for _, w := range writes {
		w.m.data[slice] = w.val
	}
	return nil
}

// MemberAllSlices returns every slice of a member as an Array.
func (c Container) MemberAllSlices(name string) (variant.Variant, error) {
	_, m, err := c.memberOf("container.MemberAllSlices", name)
	if err != nil {
		return variant.Variant{}, err
	}
	return slicesToVariant(m)
}

func slicesToVariant(m *member) (variant.Variant, error) {
	out := variant.NewArray()
	for _, val := range m.data {
		v, err := m.typ.ToVariant(val)
		if err != nil {
			return variant.Variant{}, err
		}
		_ = out.AppendTake(&v)
	}
	return out, nil
}

// SetMemberAllSlices replaces every slice of a member. The array length must
// equal the slice count.
func (c Container) SetMemberAllSlices(name string, values variant.Variant) error {
	const op = "container.SetMemberAllSlices"
	d, m, err := c.memberOf(op, name)
	if err != nil {
		return err
	}
	data, err := variantToSlices(op, m, values, d.size, c.c.guarded)
	if err != nil {
		return err
	}
	m.data = data
	return nil
}

func variantToSlices(op string, m *member, values variant.Variant, size int, guarded bool) ([]cty.Value, error) {
	if !values.IsArray() {
		return nil, dgerr.New(dgerr.TypeMismatch, op, "slice data must be an Array, got %s", values.Kind())
	}
	if values.Len() != size {
		return nil, dgerr.New(dgerr.SizeMismatch, op, "got %d values for %d slices of '%s'", values.Len(), size, m.name)
	}
	data := make([]cty.Value, size)
	for i, ev := range values.Elements() {
		val, err := m.typ.FromVariant(ev, guarded)
		if err != nil {
			return nil, err
		}
		data[i] = val
	}
	return data, nil
}

// BulkData returns every member's slices as member name -> Array.
func (c Container) BulkData() (variant.Variant, error) {
	_, d, err := c.state("container.BulkData")
	if err != nil {
		return variant.Variant{}, err
	}
	out := variant.NewDict()
	for _, m := range d.members {
		arr, err := slicesToVariant(m)
		if err != nil {
			return variant.Variant{}, err
		}
		putField(&out, m.name, arr)
	}
	return out, nil
}

// SetBulkData replaces the slices of the members named in data. Every array
// must have the same length, which becomes the new size.
func (c Container) SetBulkData(data variant.Variant) error {
	const op = "container.SetBulkData"
	_, d, err := c.state(op)
	if err != nil {
		return err
	}
	if !data.IsDict() {
		return dgerr.New(dgerr.TypeMismatch, op, "bulk data must be a Dict, got %s", data.Kind())
	}
	size := -1
	staged := make(map[*member][]cty.Value)
	var convErr error
	_ = data.Range(func(k, v *variant.Variant) bool {
		name, err := k.Str()
		if err != nil {
			convErr = err
			return false
		}
		m, err := d.member(op, name)
		if err != nil {
			convErr = err
			return false
		}
		if size < 0 {
			size = v.Len()
		}
		vals, err := variantToSlices(op, m, *v, size, c.c.guarded)
		if err != nil {
			convErr = err
			return false
		}
		staged[m] = vals
		return true
	})
	if convErr != nil {
		return convErr
	}
	if size < 0 {
		return nil
	}
	d.resize(size)
	for m, vals := range staged {
		m.data = vals
	}
	return nil
}

func arrayMember(op string, m *member) error {
	if !m.typ.IsArray() {
		return dgerr.New(dgerr.Unsupported, op, "member '%s' of type %s is not an array", m.name, m.typ.Name)
	}
	return nil
}

// MemberSliceArraySize returns the length of an array member in one slice.
func (c Container) MemberSliceArraySize(name string, slice int) (int, error) {
	const op = "container.MemberSliceArraySize"
	d, m, err := c.memberOf(op, name)
	if err != nil {
		return 0, err
	}
	if err := arrayMember(op, m); err != nil {
		return 0, err
	}
	if err := d.checkSlice(op, slice); err != nil {
		return 0, err
	}
	return m.data[slice].LengthInt(), nil
}

// SetMemberSliceArraySize resizes an array member in one slice. New elements
// are zero.
func (c Container) SetMemberSliceArraySize(name string, slice, n int) error {
	const op = "container.SetMemberSliceArraySize"
	d, m, err := c.memberOf(op, name)
	if err != nil {
		return err
	}
	if err := arrayMember(op, m); err != nil {
		return err
	}
	if err := d.checkSlice(op, slice); err != nil {
		return err
	}
	if n < 0 {
		return dgerr.New(dgerr.SizeMismatch, op, "array size must not be negative, got %d", n)
	}
	elems := listElements(m.data[slice])
	if n < len(elems) {
		elems = elems[:n]
	}
	for len(elems) < n {
		elems = append(elems, m.typ.Elem.Zero())
	}
	m.data[slice] = listOf(m.typ.Elem, elems)
	return nil
}

func listElements(v cty.Value) []cty.Value {
	if v.IsNull() || v.LengthInt() == 0 {
		return nil
	}
	return v.AsValueSlice()
}

func listOf(elem *rt.Type, vals []cty.Value) cty.Value {
	if len(vals) == 0 {
		return cty.ListValEmpty(elem.Cty)
	}
	return cty.ListVal(vals)
}

func shallowMember(op string, t *rt.Type, name string) error {
	if !t.Shallow {
		return dgerr.New(dgerr.Unsupported, op, "member '%s' of type %s is not shallow", name, t.Name)
	}
	return nil
}

// MemberAllSlicesData returns the packed little-endian bytes of every slice
// of a shallow member.
func (c Container) MemberAllSlicesData(name string) ([]byte, error) {
	const op = "container.MemberAllSlicesData"
	_, m, err := c.memberOf(op, name)
	if err != nil {
		return nil, err
	}
	if err := shallowMember(op, m.typ, name); err != nil {
		return nil, err
	}
	return m.typ.EncodeSlices(m.data)
}

// SetMemberAllSlicesData replaces every slice of a shallow member from
// packed bytes. The buffer must hold exactly size values.
func (c Container) SetMemberAllSlicesData(name string, buf []byte) error {
	const op = "container.SetMemberAllSlicesData"
	d, m, err := c.memberOf(op, name)
	if err != nil {
		return err
	}
	if err := shallowMember(op, m.typ, name); err != nil {
		return err
	}
	vals, err := m.typ.DecodeSlices(buf, d.size)
	if err != nil {
		return err
	}
	m.data = vals
	return nil
}

// MemberSliceArrayData returns the packed bytes of an array member in one
// slice. The element type must be shallow.
func (c Container) MemberSliceArrayData(name string, slice int) ([]byte, error) {
	const op = "container.MemberSliceArrayData"
	d, m, err := c.memberOf(op, name)
	if err != nil {
		return nil, err
	}
	if err := arrayMember(op, m); err != nil {
		return nil, err
	}
	if err := shallowMember(op, m.typ.Elem, name); err != nil {
		return nil, err
	}
	if err := d.checkSlice(op, slice); err != nil {
		return nil, err
	}
	return m.typ.Elem.EncodeSlices(listElements(m.data[slice]))
}

// SetMemberSliceArrayData replaces an array member in one slice from packed
// bytes; the array takes the length the buffer holds.
func (c Container) SetMemberSliceArrayData(name string, slice int, buf []byte) error {
	const op = "container.SetMemberSliceArrayData"
	d, m, err := c.memberOf(op, name)
	if err != nil {
		return err
	}
	if err := arrayMember(op, m); err != nil {
		return err
	}
	elem := m.typ.Elem
	if err := shallowMember(op, elem, name); err != nil {
		return err
	}
	if err := d.checkSlice(op, slice); err != nil {
		return err
	}
	if elem.Size == 0 || len(buf)%elem.Size != 0 {
		return dgerr.New(dgerr.SizeMismatch, op, "buffer of %d bytes is not a whole number of %s values", len(buf), elem.Name)
	}
	vals, err := elem.DecodeSlices(buf, len(buf)/elem.Size)
	if err != nil {
		return err
	}
	m.data[slice] = listOf(elem, vals)
	return nil
}

// MemberSliceFloat32 reads a Float32-compatible numeric member slice.
func (c Container) MemberSliceFloat32(name string, slice int) (float32, error) {
	const op = "container.MemberSliceFloat32"
	d, m, err := c.memberOf(op, name)
	if err != nil {
		return 0, err
	}
	if !m.typ.Cty.Equals(cty.Number) {
		return 0, dgerr.New(dgerr.TypeMismatch, op, "member '%s' of type %s is not numeric", name, m.typ.Name)
	}
	if err := d.checkSlice(op, slice); err != nil {
		return 0, err
	}
	f, _ := m.data[slice].AsBigFloat().Float64()
	return float32(f), nil
}

// SetMemberSliceFloat32 writes a numeric member slice.
func (c Container) SetMemberSliceFloat32(name string, slice int, f float32) error {
	return c.SetMemberSlice(name, slice, variant.NewFloat64(float64(f)))
}
