// Package variant implements the tagged value type exchanged across the
// runtime: a Variant holds null, a boolean, a fixed-width integer, a float, a
// string, an array of Variants or an ordered dictionary of Variant keys to
// Variant values.
//
// The zero Variant is Null. Plain Go assignment shares array, dict and string
// storage, so duplicating a Variant must go through Copy; moving storage
// without a copy goes through the Take family, which leaves the source Null.
package variant

import (
	"fmt"

	"github.com/vk/dgsplice/internal/dgerr"
)

// Kind is the discriminator of a Variant.
type Kind uint8

const (
	Null Kind = iota
	Boolean
	UInt8
	UInt16
	UInt32
	UInt64
	SInt8
	SInt16
	SInt32
	SInt64
	Float32
	Float64
	String
	Array
	Dict
)

var kindNames = [...]string{
	Null:    "Null",
	Boolean: "Boolean",
	UInt8:   "UInt8",
	UInt16:  "UInt16",
	UInt32:  "UInt32",
	UInt64:  "UInt64",
	SInt8:   "SInt8",
	SInt16:  "SInt16",
	SInt32:  "SInt32",
	SInt64:  "SInt64",
	Float32: "Float32",
	Float64: "Float64",
	String:  "String",
	Array:   "Array",
	Dict:    "Dict",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// IsUnsigned reports whether k is one of the unsigned integer kinds.
func (k Kind) IsUnsigned() bool { return k >= UInt8 && k <= UInt64 }

// IsSigned reports whether k is one of the signed integer kinds.
func (k Kind) IsSigned() bool { return k >= SInt8 && k <= SInt64 }

// IsFloat reports whether k is Float32 or Float64.
func (k Kind) IsFloat() bool { return k == Float32 || k == Float64 }

// IsNumeric reports whether k is any integer or float kind.
func (k Kind) IsNumeric() bool { return k.IsUnsigned() || k.IsSigned() || k.IsFloat() }

// Variant is a tagged union value.
type Variant struct {
	kind Kind
	// u holds Boolean (0/1) and unsigned kinds, i the signed kinds and f the floats.
	u   uint64
	i   int64
	f   float64
	s   []byte
	arr []Variant
	d   *dict
}

func mismatch(op string, want, got Kind) error {
	return dgerr.New(dgerr.TypeMismatch, op, "expected %s, variant holds %s", want, got)
}

// Kind returns the discriminator.
func (v Variant) Kind() Kind { return v.kind }

func (v Variant) IsNull() bool    { return v.kind == Null }
func (v Variant) IsBool() bool    { return v.kind == Boolean }
func (v Variant) IsUInt8() bool   { return v.kind == UInt8 }
func (v Variant) IsUInt16() bool  { return v.kind == UInt16 }
func (v Variant) IsUInt32() bool  { return v.kind == UInt32 }
func (v Variant) IsUInt64() bool  { return v.kind == UInt64 }
func (v Variant) IsSInt8() bool   { return v.kind == SInt8 }
func (v Variant) IsSInt16() bool  { return v.kind == SInt16 }
func (v Variant) IsSInt32() bool  { return v.kind == SInt32 }
func (v Variant) IsSInt64() bool  { return v.kind == SInt64 }
func (v Variant) IsFloat32() bool { return v.kind == Float32 }
func (v Variant) IsFloat64() bool { return v.kind == Float64 }
func (v Variant) IsString() bool  { return v.kind == String }
func (v Variant) IsArray() bool   { return v.kind == Array }
func (v Variant) IsDict() bool    { return v.kind == Dict }

// Constructors.

func NewBool(b bool) Variant {
	v := Variant{kind: Boolean}
	if b {
		v.u = 1
	}
	return v
}

func NewUInt8(n uint8) Variant     { return Variant{kind: UInt8, u: uint64(n)} }
func NewUInt16(n uint16) Variant   { return Variant{kind: UInt16, u: uint64(n)} }
func NewUInt32(n uint32) Variant   { return Variant{kind: UInt32, u: uint64(n)} }
func NewUInt64(n uint64) Variant   { return Variant{kind: UInt64, u: n} }
func NewSInt8(n int8) Variant      { return Variant{kind: SInt8, i: int64(n)} }
func NewSInt16(n int16) Variant    { return Variant{kind: SInt16, i: int64(n)} }
func NewSInt32(n int32) Variant    { return Variant{kind: SInt32, i: int64(n)} }
func NewSInt64(n int64) Variant    { return Variant{kind: SInt64, i: n} }
func NewFloat32(n float32) Variant { return Variant{kind: Float32, f: float64(n)} }
func NewFloat64(n float64) Variant { return Variant{kind: Float64, f: n} }

// NewString copies s into a new String Variant.
func NewString(s string) Variant {
	return Variant{kind: String, s: []byte(s)}
}

// TakeString adopts buf as the string storage without copying. The caller
// must not modify buf afterwards.
func TakeString(buf []byte) Variant {
	if buf == nil {
		buf = []byte{}
	}
	return Variant{kind: String, s: buf}
}

// NewArray returns an empty Array.
func NewArray() Variant {
	return Variant{kind: Array, arr: []Variant{}}
}

// NewArrayWithSize returns an Array of n Null elements.
func NewArrayWithSize(n int) Variant {
	return Variant{kind: Array, arr: make([]Variant, n)}
}

// NewArrayOf builds an Array holding copies of items.
func NewArrayOf(items ...Variant) Variant {
	arr := make([]Variant, len(items))
	for i, it := range items {
		arr[i] = it.Copy()
	}
	return Variant{kind: Array, arr: arr}
}

// NewDict returns an empty Dict.
func NewDict() Variant {
	return Variant{kind: Dict, d: newDict()}
}

// Getters. Each fails with TypeMismatch when the Variant holds another kind.

func (v Variant) Bool() (bool, error) {
	if v.kind != Boolean {
		return false, mismatch("variant.Bool", Boolean, v.kind)
	}
	return v.u != 0, nil
}

func (v Variant) UInt8() (uint8, error) {
	if v.kind != UInt8 {
		return 0, mismatch("variant.UInt8", UInt8, v.kind)
	}
	return uint8(v.u), nil
}

func (v Variant) UInt16() (uint16, error) {
	if v.kind != UInt16 {
		return 0, mismatch("variant.UInt16", UInt16, v.kind)
	}
	return uint16(v.u), nil
}

func (v Variant) UInt32() (uint32, error) {
	if v.kind != UInt32 {
		return 0, mismatch("variant.UInt32", UInt32, v.kind)
	}
	return uint32(v.u), nil
}

func (v Variant) UInt64() (uint64, error) {
	if v.kind != UInt64 {
		return 0, mismatch("variant.UInt64", UInt64, v.kind)
	}
	return v.u, nil
}

func (v Variant) SInt8() (int8, error) {
	if v.kind != SInt8 {
		return 0, mismatch("variant.SInt8", SInt8, v.kind)
	}
	return int8(v.i), nil
}

func (v Variant) SInt16() (int16, error) {
	if v.kind != SInt16 {
		return 0, mismatch("variant.SInt16", SInt16, v.kind)
	}
	return int16(v.i), nil
}

func (v Variant) SInt32() (int32, error) {
	if v.kind != SInt32 {
		return 0, mismatch("variant.SInt32", SInt32, v.kind)
	}
	return int32(v.i), nil
}

func (v Variant) SInt64() (int64, error) {
	if v.kind != SInt64 {
		return 0, mismatch("variant.SInt64", SInt64, v.kind)
	}
	return v.i, nil
}

func (v Variant) Float32() (float32, error) {
	if v.kind != Float32 {
		return 0, mismatch("variant.Float32", Float32, v.kind)
	}
	return float32(v.f), nil
}

func (v Variant) Float64() (float64, error) {
	if v.kind != Float64 {
		return 0, mismatch("variant.Float64", Float64, v.kind)
	}
	return v.f, nil
}

// Str returns the string payload.
func (v Variant) Str() (string, error) {
	if v.kind != String {
		return "", mismatch("variant.Str", String, v.kind)
	}
	return string(v.s), nil
}

// StringBytes returns the string storage itself. The slice is borrowed and
// only valid until v is modified.
func (v Variant) StringBytes() ([]byte, error) {
	if v.kind != String {
		return nil, mismatch("variant.StringBytes", String, v.kind)
	}
	return v.s, nil
}

// Setters replace the payload and kind in place.

func (v *Variant) reset(k Kind) {
	*v = Variant{kind: k}
}

func (v *Variant) SetNull() { v.reset(Null) }

func (v *Variant) SetBool(b bool) { *v = NewBool(b) }

func (v *Variant) SetUInt8(n uint8)     { *v = NewUInt8(n) }
func (v *Variant) SetUInt16(n uint16)   { *v = NewUInt16(n) }
func (v *Variant) SetUInt32(n uint32)   { *v = NewUInt32(n) }
func (v *Variant) SetUInt64(n uint64)   { *v = NewUInt64(n) }
func (v *Variant) SetSInt8(n int8)      { *v = NewSInt8(n) }
func (v *Variant) SetSInt16(n int16)    { *v = NewSInt16(n) }
func (v *Variant) SetSInt32(n int32)    { *v = NewSInt32(n) }
func (v *Variant) SetSInt64(n int64)    { *v = NewSInt64(n) }
func (v *Variant) SetFloat32(n float32) { *v = NewFloat32(n) }
func (v *Variant) SetFloat64(n float64) { *v = NewFloat64(n) }

// SetString copies s into v.
func (v *Variant) SetString(s string) { *v = NewString(s) }

// SetStringTake adopts buf without copying.
func (v *Variant) SetStringTake(buf []byte) { *v = TakeString(buf) }

// SetEmptyArray turns v into an empty Array.
func (v *Variant) SetEmptyArray() { *v = NewArray() }

// SetEmptyDict turns v into an empty Dict.
func (v *Variant) SetEmptyDict() { *v = NewDict() }

// Copy returns a deep copy of v.
func (v Variant) Copy() Variant {
	out := Variant{kind: v.kind, u: v.u, i: v.i, f: v.f}
	switch v.kind {
	case String:
		out.s = append([]byte(nil), v.s...)
		if out.s == nil {
			out.s = []byte{}
		}
	case Array:
		out.arr = make([]Variant, len(v.arr))
		for i := range v.arr {
			out.arr[i] = v.arr[i].Copy()
		}
	case Dict:
		out.d = v.d.copy()
	}
	return out
}

// SetCopy replaces v with a deep copy of src.
func (v *Variant) SetCopy(src Variant) {
	*v = src.Copy()
}

// SetTake moves src's storage into v and leaves src Null.
func (v *Variant) SetTake(src *Variant) {
	if src == v {
		return
	}
	*v = *src
	src.reset(Null)
}

// Dispose releases v's storage and leaves it Null. Disposing a Null Variant
// is a no-op.
func (v *Variant) Dispose() {
	if v.kind == Null {
		return
	}
	v.reset(Null)
}

// Equal reports deep equality, including kinds. Dict comparison ignores
// insertion order.
func (v Variant) Equal(o Variant) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case Null:
		return true
	case Boolean:
		return (v.u != 0) == (o.u != 0)
	case UInt8, UInt16, UInt32, UInt64:
		return v.u == o.u
	case SInt8, SInt16, SInt32, SInt64:
		return v.i == o.i
	case Float32, Float64:
		return v.f == o.f
	case String:
		return string(v.s) == string(o.s)
	case Array:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case Dict:
		return v.d.equal(o.d)
	}
	return false
}

func (v Variant) String() string {
	return v.Describe(false)
}
