package rt

import (
	"fmt"
	"math"
	"math/big"

	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/variant"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Zero returns the zero value of t.
func (t *Type) Zero() cty.Value {
	switch {
	case t.IsArray():
		return cty.ListValEmpty(t.Elem.Cty)
	case t.IsStruct():
		attrs := make(map[string]cty.Value, len(t.Members))
		for _, m := range t.Members {
			attrs[m.Name] = m.Type.Zero()
		}
		return cty.ObjectVal(attrs)
	case t.Kind == variant.Boolean:
		return cty.False
	case t.Kind == variant.String:
		return cty.StringVal("")
	}
	return cty.Zero
}

func bitsOf(k variant.Kind) uint {
	switch k {
	case variant.UInt8, variant.SInt8:
		return 8
	case variant.UInt16, variant.SInt16:
		return 16
	case variant.UInt32, variant.SInt32:
		return 32
	}
	return 64
}

// Normalize coerces val into the canonical representation of t: integers are
// truncated toward zero and range checked, Float32 values are rounded to 32-bit
// precision, struct values get exactly their declared attributes and arrays
// become lists. When guarded is false an out-of-range integer wraps instead of
// failing.
func (t *Type) Normalize(val cty.Value, guarded bool) (cty.Value, error) {
	if val.IsNull() {
		return t.Zero(), nil
	}
	if !val.IsKnown() {
		return cty.NilVal, dgerr.New(dgerr.TypeMismatch, "rt.Normalize", "value for %s is not known", t.Name)
	}

	switch {
	case t.IsArray():
		ty := val.Type()
		if !ty.IsListType() && !ty.IsTupleType() && !ty.IsSetType() {
			return cty.NilVal, dgerr.New(dgerr.TypeMismatch, "rt.Normalize", "%s expects a list, got %s", t.Name, ty.FriendlyName())
		}
		if val.LengthInt() == 0 {
			return cty.ListValEmpty(t.Elem.Cty), nil
		}
		elems := make([]cty.Value, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			nv, err := t.Elem.Normalize(ev, guarded)
			if err != nil {
				return cty.NilVal, err
			}
			elems = append(elems, nv)
		}
		return cty.ListVal(elems), nil

	case t.IsStruct():
		ty := val.Type()
		if !ty.IsObjectType() && !ty.IsMapType() {
			return cty.NilVal, dgerr.New(dgerr.TypeMismatch, "rt.Normalize", "%s expects an object, got %s", t.Name, ty.FriendlyName())
		}
		attrs := make(map[string]cty.Value, len(t.Members))
		for _, m := range t.Members {
			var mv cty.Value
			if ty.IsObjectType() && ty.HasAttribute(m.Name) {
				mv = val.GetAttr(m.Name)
			} else if ty.IsMapType() && val.HasIndex(cty.StringVal(m.Name)).True() {
				mv = val.Index(cty.StringVal(m.Name))
			} else {
				attrs[m.Name] = m.Type.Zero()
				continue
			}
			nv, err := m.Type.Normalize(mv, guarded)
			if err != nil {
				return cty.NilVal, fmt.Errorf("%s.%s: %w", t.Name, m.Name, err)
			}
			attrs[m.Name] = nv
		}
		return cty.ObjectVal(attrs), nil
	}

	conv, err := convert.Convert(val, t.Cty)
	if err != nil {
		return cty.NilVal, dgerr.Wrap(dgerr.TypeMismatch, "rt.Normalize", fmt.Errorf("%s: %w", t.Name, err))
	}
	if !t.Cty.Equals(cty.Number) {
		return conv, nil
	}

	bf := conv.AsBigFloat()
	switch t.Kind {
	case variant.Float64:
		f, _ := bf.Float64()
		return cty.NumberFloatVal(f), nil
	case variant.Float32:
		f, _ := bf.Float64()
		f32 := float32(f)
		if guarded && !math.IsInf(f, 0) && math.IsInf(float64(f32), 0) {
			return cty.NilVal, dgerr.New(dgerr.SizeMismatch, "rt.Normalize", "%v overflows Float32", f)
		}
		return cty.NumberFloatVal(float64(f32)), nil
	}

	if bf.IsInf() {
		return cty.NilVal, dgerr.New(dgerr.SizeMismatch, "rt.Normalize", "infinite value for %s", t.Name)
	}
	bi, _ := bf.Int(nil)
	bits := bitsOf(t.Kind)
	lo, hi := intRange(t.Kind.IsSigned(), bits)
	if bi.Cmp(lo) >= 0 && bi.Cmp(hi) <= 0 {
		return cty.NumberVal(new(big.Float).SetInt(bi)), nil
	}
	if guarded {
		return cty.NilVal, dgerr.New(dgerr.SizeMismatch, "rt.Normalize", "%s is out of range for %s", bi.String(), t.Name)
	}
	return cty.NumberVal(new(big.Float).SetInt(wrapInt(bi, t.Kind.IsSigned(), bits))), nil
}

func intRange(signed bool, bits uint) (*big.Int, *big.Int) {
	one := big.NewInt(1)
	if signed {
		hi := new(big.Int).Lsh(one, bits-1)
		lo := new(big.Int).Neg(hi)
		return lo, hi.Sub(hi, one)
	}
	hi := new(big.Int).Lsh(one, bits)
	return big.NewInt(0), hi.Sub(hi, one)
}

func wrapInt(bi *big.Int, signed bool, bits uint) *big.Int {
	mod := new(big.Int).Lsh(big.NewInt(1), bits)
	m := new(big.Int).Mod(bi, mod)
	if signed && m.Cmp(new(big.Int).Rsh(mod, 1)) >= 0 {
		m.Sub(m, mod)
	}
	return m
}

// FromVariant converts a Variant holding data of type t into a normalized cty
// value.
func (t *Type) FromVariant(v variant.Variant, guarded bool) (cty.Value, error) {
	raw, err := rawFromVariant(t, v)
	if err != nil {
		return cty.NilVal, err
	}
	return t.Normalize(raw, guarded)
}

func rawFromVariant(t *Type, v variant.Variant) (cty.Value, error) {
	if v.IsNull() {
		return t.Zero(), nil
	}
	switch {
	case t.IsArray():
		if !v.IsArray() {
			return cty.NilVal, dgerr.New(dgerr.TypeMismatch, "rt.FromVariant", "%s expects an Array, got %s", t.Name, v.Kind())
		}
		elems := v.Elements()
		if len(elems) == 0 {
			return cty.EmptyTupleVal, nil
		}
		out := make([]cty.Value, len(elems))
		for i := range elems {
			ev, err := rawFromVariant(t.Elem, elems[i])
			if err != nil {
				return cty.NilVal, err
			}
			out[i] = ev
		}
		return cty.TupleVal(out), nil

	case t.IsStruct():
		if !v.IsDict() {
			return cty.NilVal, dgerr.New(dgerr.TypeMismatch, "rt.FromVariant", "%s expects a Dict, got %s", t.Name, v.Kind())
		}
		attrs := make(map[string]cty.Value, len(t.Members))
		for _, m := range t.Members {
			fv, ok := v.Field(m.Name)
			if !ok {
				attrs[m.Name] = m.Type.Zero()
				continue
			}
			mv, err := rawFromVariant(m.Type, *fv)
			if err != nil {
				return cty.NilVal, fmt.Errorf("%s.%s: %w", t.Name, m.Name, err)
			}
			attrs[m.Name] = mv
		}
		return cty.ObjectVal(attrs), nil
	}

	switch {
	case v.IsBool():
		b, _ := v.Bool()
		return cty.BoolVal(b), nil
	case v.IsString():
		s, _ := v.Str()
		return cty.StringVal(s), nil
	case v.Kind().IsUnsigned():
		if v.IsUInt64() {
			u, _ := v.UInt64()
			return cty.NumberUIntVal(u), nil
		}
		n, _ := v.AsInt64()
		return cty.NumberIntVal(n), nil
	case v.Kind().IsSigned():
		n, _ := v.AsInt64()
		return cty.NumberIntVal(n), nil
	case v.Kind().IsFloat():
		f, _ := v.AsFloat64()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return cty.NilVal, dgerr.New(dgerr.Unsupported, "rt.FromVariant", "%v cannot be stored as %s", f, t.Name)
		}
		return cty.NumberFloatVal(f), nil
	}
	return cty.NilVal, dgerr.New(dgerr.TypeMismatch, "rt.FromVariant", "cannot use a %s as %s", v.Kind(), t.Name)
}

// ToVariant converts a cty value of type t into a Variant of t's kind.
func (t *Type) ToVariant(val cty.Value) (variant.Variant, error) {
	if val.IsNull() || !val.IsKnown() {
		val = t.Zero()
	}
	switch {
	case t.IsArray():
		out := variant.NewArray()
		for it := val.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			vv, err := t.Elem.ToVariant(ev)
			if err != nil {
				return variant.Variant{}, err
			}
			if err := out.AppendTake(&vv); err != nil {
				return variant.Variant{}, err
			}
		}
		return out, nil
	case t.IsStruct():
		out := variant.NewDict()
		for _, m := range t.Members {
			mv, err := m.Type.ToVariant(val.GetAttr(m.Name))
			if err != nil {
				return variant.Variant{}, err
			}
			if err := out.SetField(m.Name, mv); err != nil {
				return variant.Variant{}, err
			}
		}
		return out, nil
	}

	switch t.Kind {
	case variant.Boolean:
		return variant.NewBool(val.True()), nil
	case variant.String:
		return variant.NewString(val.AsString()), nil
	case variant.Float32:
		f, _ := val.AsBigFloat().Float64()
		return variant.NewFloat32(float32(f)), nil
	case variant.Float64:
		f, _ := val.AsBigFloat().Float64()
		return variant.NewFloat64(f), nil
	}

	bi, _ := val.AsBigFloat().Int(nil)
	switch t.Kind {
	case variant.UInt8:
		return variant.NewUInt8(uint8(bi.Uint64())), nil
	case variant.UInt16:
		return variant.NewUInt16(uint16(bi.Uint64())), nil
	case variant.UInt32:
		return variant.NewUInt32(uint32(bi.Uint64())), nil
	case variant.UInt64:
		return variant.NewUInt64(bi.Uint64()), nil
	case variant.SInt8:
		return variant.NewSInt8(int8(bi.Int64())), nil
	case variant.SInt16:
		return variant.NewSInt16(int16(bi.Int64())), nil
	case variant.SInt32:
		return variant.NewSInt32(int32(bi.Int64())), nil
	case variant.SInt64:
		return variant.NewSInt64(bi.Int64()), nil
	}
	return variant.Variant{}, dgerr.New(dgerr.Unsupported, "rt.ToVariant", "no variant form for %s", t.Name)
}

// VariantOf converts a cty value of any type. Whole numbers become SInt64,
// other numbers Float64; lists, sets and tuples become Arrays; objects and
// maps become Dicts.
func VariantOf(val cty.Value) (variant.Variant, error) {
	if val.IsNull() || !val.IsKnown() {
		return variant.Variant{}, nil
	}
	ty := val.Type()
	switch {
	case ty == cty.Bool:
		return variant.NewBool(val.True()), nil
	case ty == cty.String:
		return variant.NewString(val.AsString()), nil
	case ty == cty.Number:
		bf := val.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return variant.NewSInt64(i), nil
			}
		}
		f, _ := bf.Float64()
		return variant.NewFloat64(f), nil
	case ty.IsListType() || ty.IsSetType() || ty.IsTupleType():
		out := variant.NewArray()
		for it := val.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			vv, err := VariantOf(ev)
			if err != nil {
				return variant.Variant{}, err
			}
			if err := out.AppendTake(&vv); err != nil {
				return variant.Variant{}, err
			}
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := variant.NewDict()
		for it := val.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			vv, err := VariantOf(ev)
			if err != nil {
				return variant.Variant{}, err
			}
			if err := out.SetField(k.AsString(), vv); err != nil {
				return variant.Variant{}, err
			}
		}
		return out, nil
	}
	return variant.Variant{}, dgerr.New(dgerr.Unsupported, "rt.VariantOf", "cannot convert %s", ty.FriendlyName())
}
