package rt

import (
	"encoding/binary"
	"math"
	"math/big"

	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/variant"
	"github.com/zclconf/go-cty/cty"
)

// AppendBinary appends the little-endian encoding of a normalized value of t
// to buf. Only shallow types have a byte layout; structs are packed member by
// member in declaration order.
func (t *Type) AppendBinary(buf []byte, val cty.Value) ([]byte, error) {
	if !t.Shallow {
		return nil, dgerr.New(dgerr.Unsupported, "rt.AppendBinary", "type %s is not shallow", t.Name)
	}
	if t.IsStruct() {
		for _, m := range t.Members {
			var err error
			if buf, err = m.Type.AppendBinary(buf, val.GetAttr(m.Name)); err != nil {
				return nil, err
			}
		}
		return buf, nil
	}

	le := binary.LittleEndian
	switch t.Kind {
	case variant.Boolean:
		if val.True() {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case variant.Float32:
		f, _ := val.AsBigFloat().Float64()
		return le.AppendUint32(buf, math.Float32bits(float32(f))), nil
	case variant.Float64:
		f, _ := val.AsBigFloat().Float64()
		return le.AppendUint64(buf, math.Float64bits(f)), nil
	}

	bi, _ := val.AsBigFloat().Int(nil)
	var u uint64
	if t.Kind.IsSigned() {
		u = uint64(bi.Int64())
	} else {
		u = bi.Uint64()
	}
	switch t.Size {
	case 1:
		return append(buf, byte(u)), nil
	case 2:
		return le.AppendUint16(buf, uint16(u)), nil
	case 4:
		return le.AppendUint32(buf, uint32(u)), nil
	default:
		return le.AppendUint64(buf, u), nil
	}
}

// DecodeBinary reads one value of t from the front of buf.
func (t *Type) DecodeBinary(buf []byte) (cty.Value, error) {
	if !t.Shallow {
		return cty.NilVal, dgerr.New(dgerr.Unsupported, "rt.DecodeBinary", "type %s is not shallow", t.Name)
	}
	if len(buf) < t.Size {
		return cty.NilVal, dgerr.New(dgerr.SizeMismatch, "rt.DecodeBinary", "need %d bytes for %s, have %d", t.Size, t.Name, len(buf))
	}
	if t.IsStruct() {
		attrs := make(map[string]cty.Value, len(t.Members))
		off := 0
		for _, m := range t.Members {
			mv, err := m.Type.DecodeBinary(buf[off:])
			if err != nil {
				return cty.NilVal, err
			}
			attrs[m.Name] = mv
			off += m.Type.Size
		}
		return cty.ObjectVal(attrs), nil
	}

	le := binary.LittleEndian
	switch t.Kind {
	case variant.Boolean:
		return cty.BoolVal(buf[0] != 0), nil
	case variant.Float32:
		return cty.NumberFloatVal(float64(math.Float32frombits(le.Uint32(buf)))), nil
	case variant.Float64:
		return cty.NumberFloatVal(math.Float64frombits(le.Uint64(buf))), nil
	case variant.UInt8:
		return cty.NumberUIntVal(uint64(buf[0])), nil
	case variant.UInt16:
		return cty.NumberUIntVal(uint64(le.Uint16(buf))), nil
	case variant.UInt32:
		return cty.NumberUIntVal(uint64(le.Uint32(buf))), nil
	case variant.UInt64:
		return cty.NumberVal(new(big.Float).SetUint64(le.Uint64(buf))), nil
	case variant.SInt8:
		return cty.NumberIntVal(int64(int8(buf[0]))), nil
	case variant.SInt16:
		return cty.NumberIntVal(int64(int16(le.Uint16(buf)))), nil
	case variant.SInt32:
		return cty.NumberIntVal(int64(int32(le.Uint32(buf)))), nil
	case variant.SInt64:
		return cty.NumberIntVal(int64(le.Uint64(buf))), nil
	}
	return cty.NilVal, dgerr.New(dgerr.Unsupported, "rt.DecodeBinary", "no byte layout for %s", t.Name)
}

// EncodeSlices packs a sequence of values of t into one buffer.
func (t *Type) EncodeSlices(vals []cty.Value) ([]byte, error) {
	buf := make([]byte, 0, len(vals)*t.Size)
	for _, v := range vals {
		var err error
		if buf, err = t.AppendBinary(buf, v); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DecodeSlices unpacks a buffer holding exactly count values of t.
func (t *Type) DecodeSlices(buf []byte, count int) ([]cty.Value, error) {
	if !t.Shallow {
		return nil, dgerr.New(dgerr.Unsupported, "rt.DecodeSlices", "type %s is not shallow", t.Name)
	}
	if len(buf) != count*t.Size {
		return nil, dgerr.New(dgerr.SizeMismatch, "rt.DecodeSlices", "buffer of %d bytes does not hold %d values of %s (%d bytes each)", len(buf), count, t.Name, t.Size)
	}
	out := make([]cty.Value, count)
	for i := 0; i < count; i++ {
		v, err := t.DecodeBinary(buf[i*t.Size:])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
