package variant

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vk/dgsplice/internal/dgerr"
)

// Describe renders v as a readable, recursive dump. With includeTypes every
// scalar is prefixed with its kind, e.g. "SInt32:5".
func (v Variant) Describe(includeTypes bool) string {
	var sb strings.Builder
	v.describe(&sb, includeTypes)
	return sb.String()
}

func (v Variant) describe(sb *strings.Builder, types bool) {
	prefix := func() {
		if types {
			sb.WriteString(v.kind.String())
			sb.WriteByte(':')
		}
	}
	switch v.kind {
	case Null:
		sb.WriteString("null")
	case Boolean:
		prefix()
		sb.WriteString(strconv.FormatBool(v.u != 0))
	case UInt8, UInt16, UInt32, UInt64:
		prefix()
		sb.WriteString(strconv.FormatUint(v.u, 10))
	case SInt8, SInt16, SInt32, SInt64:
		prefix()
		sb.WriteString(strconv.FormatInt(v.i, 10))
	case Float32:
		prefix()
		sb.WriteString(strconv.FormatFloat(v.f, 'g', -1, 32))
	case Float64:
		prefix()
		sb.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
	case String:
		prefix()
		sb.WriteString(strconv.Quote(string(v.s)))
	case Array:
		sb.WriteByte('[')
		for i := range v.arr {
			if i > 0 {
				sb.WriteString(", ")
			}
			v.arr[i].describe(sb, types)
		}
		sb.WriteByte(']')
	case Dict:
		sb.WriteByte('{')
		for i := range v.d.keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			v.d.keys[i].describe(sb, types)
			sb.WriteString(": ")
			v.d.vals[i].describe(sb, types)
		}
		sb.WriteByte('}')
	}
}

// AsFloat64 converts any numeric kind to float64.
func (v Variant) AsFloat64() (float64, error) {
	switch {
	case v.kind.IsUnsigned():
		return float64(v.u), nil
	case v.kind.IsSigned():
		return float64(v.i), nil
	case v.kind.IsFloat():
		return v.f, nil
	}
	return 0, dgerr.New(dgerr.TypeMismatch, "variant.AsFloat64", "expected a number, variant holds %s", v.kind)
}

// AsInt64 converts any integer kind, or an integral float, to int64.
func (v Variant) AsInt64() (int64, error) {
	switch {
	case v.kind.IsSigned():
		return v.i, nil
	case v.kind.IsUnsigned():
		if v.u > math.MaxInt64 {
			return 0, dgerr.New(dgerr.SizeMismatch, "variant.AsInt64", "%d overflows int64", v.u)
		}
		return int64(v.u), nil
	case v.kind.IsFloat():
		if v.f != math.Trunc(v.f) {
			return 0, dgerr.New(dgerr.TypeMismatch, "variant.AsInt64", "%v is not integral", v.f)
		}
		return int64(v.f), nil
	}
	return 0, dgerr.New(dgerr.TypeMismatch, "variant.AsInt64", "expected an integer, variant holds %s", v.kind)
}

// FromGo converts common Go values into a Variant. Maps with string keys
// become Dicts in map iteration order; build the Dict explicitly when the
// order matters.
func FromGo(x any) (Variant, error) {
	switch t := x.(type) {
	case nil:
		return Variant{}, nil
	case Variant:
		return t.Copy(), nil
	case bool:
		return NewBool(t), nil
	case uint8:
		return NewUInt8(t), nil
	case uint16:
		return NewUInt16(t), nil
	case uint32:
		return NewUInt32(t), nil
	case uint64:
		return NewUInt64(t), nil
	case uint:
		return NewUInt64(uint64(t)), nil
	case int8:
		return NewSInt8(t), nil
	case int16:
		return NewSInt16(t), nil
	case int32:
		return NewSInt32(t), nil
	case int64:
		return NewSInt64(t), nil
	case int:
		return NewSInt64(int64(t)), nil
	case float32:
		return NewFloat32(t), nil
	case float64:
		return NewFloat64(t), nil
	case string:
		return NewString(t), nil
	case []byte:
		return NewString(string(t)), nil
	case []string:
		out := NewArray()
		for _, s := range t {
			out.arr = append(out.arr, NewString(s))
		}
		return out, nil
	case []any:
		out := NewArray()
		for _, item := range t {
			iv, err := FromGo(item)
			if err != nil {
				return Variant{}, err
			}
			out.arr = append(out.arr, iv)
		}
		return out, nil
	case map[string]any:
		out := NewDict()
		for k, item := range t {
			iv, err := FromGo(item)
			if err != nil {
				return Variant{}, err
			}
			out.d.put(NewString(k), iv)
		}
		return out, nil
	}
	return Variant{}, dgerr.New(dgerr.TypeMismatch, "variant.FromGo", "unsupported Go type %T", x)
}

// Go converts v into plain Go values: scalars map to their natural Go type,
// Arrays to []any and Dicts to map[string]any keyed by the key's string form.
func (v Variant) Go() any {
	switch v.kind {
	case Boolean:
		return v.u != 0
	case UInt8:
		return uint8(v.u)
	case UInt16:
		return uint16(v.u)
	case UInt32:
		return uint32(v.u)
	case UInt64:
		return v.u
	case SInt8:
		return int8(v.i)
	case SInt16:
		return int16(v.i)
	case SInt32:
		return int32(v.i)
	case SInt64:
		return v.i
	case Float32:
		return float32(v.f)
	case Float64:
		return v.f
	case String:
		return string(v.s)
	case Array:
		out := make([]any, len(v.arr))
		for i := range v.arr {
			out[i] = v.arr[i].Go()
		}
		return out
	case Dict:
		out := make(map[string]any, len(v.d.keys))
		for i, k := range v.d.keys {
			name := string(k.s)
			if k.kind != String {
				name = fmt.Sprint(k.Go())
			}
			out[name] = v.d.vals[i].Go()
		}
		return out
	}
	return nil
}
