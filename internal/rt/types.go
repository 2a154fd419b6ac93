// Package rt holds the registered types ("RTs") known to a client: the
// builtin scalars, user-registered structs, and array forms of both. Every RT
// maps onto a go-cty type so operator expressions can work on member data, and
// shallow RTs additionally have a fixed little-endian byte layout used by the
// raw buffer accessors.
package rt

import (
	"strings"

	"github.com/vk/dgsplice/internal/variant"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// ArraySuffix marks the variable-length array form of a type, e.g. "Float32[]".
const ArraySuffix = "[]"

// Member is one field of a struct RT.
type Member struct {
	Name string
	Type *Type
}

// Type describes a registered type.
type Type struct {
	Name string
	// Kind is the scalar variant kind, variant.Dict for structs and
	// variant.Array for array types.
	Kind variant.Kind
	Cty  cty.Type
	// Size is the byte size of one value. Only meaningful when Shallow.
	Size    int
	Shallow bool
	// Object marks struct types registered as objects. They never have a
	// byte layout, and neither does any struct holding one.
	Object  bool
	Members []Member
	Elem    *Type

	methods map[string]function.Function
}

// IsArray reports whether t is a variable-length array type.
func (t *Type) IsArray() bool { return t.Elem != nil }

// IsStruct reports whether t is a registered struct.
func (t *Type) IsStruct() bool { return t.Kind == variant.Dict }

// IsInteger reports whether t is one of the fixed-width integer scalars.
func (t *Type) IsInteger() bool { return t.Kind.IsSigned() || t.Kind.IsUnsigned() }

// Member returns the named struct member.
func (t *Type) Member(name string) (Member, bool) {
	for _, m := range t.Members {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}

// MethodNames returns the names of the methods registered on t.
func (t *Type) MethodNames() []string {
	names := make([]string, 0, len(t.methods))
	for n := range t.methods {
		names = append(names, n)
	}
	return names
}

type scalarSpec struct {
	name string
	kind variant.Kind
	cty  cty.Type
	size int
}

var builtinScalars = []scalarSpec{
	{"Boolean", variant.Boolean, cty.Bool, 1},
	{"UInt8", variant.UInt8, cty.Number, 1},
	{"UInt16", variant.UInt16, cty.Number, 2},
	{"UInt32", variant.UInt32, cty.Number, 4},
	{"UInt64", variant.UInt64, cty.Number, 8},
	{"SInt8", variant.SInt8, cty.Number, 1},
	{"SInt16", variant.SInt16, cty.Number, 2},
	{"SInt32", variant.SInt32, cty.Number, 4},
	{"SInt64", variant.SInt64, cty.Number, 8},
	{"Float32", variant.Float32, cty.Number, 4},
	{"Float64", variant.Float64, cty.Number, 8},
	{"String", variant.String, cty.String, 0},
}

// builtinAliases are the conventional alternative names of the scalars.
var builtinAliases = map[string]string{
	"Byte":    "UInt8",
	"Integer": "SInt32",
	"Scalar":  "Float32",
	"Size":    "UInt64",
	"Index":   "SInt64",
	"Float":   "Float32",
	"Double":  "Float64",
}

func newScalar(s scalarSpec) *Type {
	return &Type{
		Name:    s.name,
		Kind:    s.kind,
		Cty:     s.cty,
		Size:    s.size,
		Shallow: s.kind != variant.String,
		methods: map[string]function.Function{},
	}
}

func newArray(elem *Type) *Type {
	return &Type{
		Name:    elem.Name + ArraySuffix,
		Kind:    variant.Array,
		Cty:     cty.List(elem.Cty),
		Elem:    elem,
		methods: map[string]function.Function{},
	}
}

func newStruct(name string, members []Member) *Type {
	attrs := make(map[string]cty.Type, len(members))
	shallow := true
	size := 0
	for _, m := range members {
		attrs[m.Name] = m.Type.Cty
		shallow = shallow && m.Type.Shallow
		size += m.Type.Size
	}
	if !shallow {
		size = 0
	}
	return &Type{
		Name:    name,
		Kind:    variant.Dict,
		Cty:     cty.Object(attrs),
		Size:    size,
		Shallow: shallow,
		Members: members,
		methods: map[string]function.Function{},
	}
}

func splitArray(name string) (string, bool) {
	if strings.HasSuffix(name, ArraySuffix) {
		return strings.TrimSuffix(name, ArraySuffix), true
	}
	return name, false
}
