package variant

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/vk/dgsplice/internal/dgerr"
)

// ToJSON encodes v canonically: integers as bare numbers, floats always with
// a fraction or exponent, dicts as objects in insertion order. Dict keys that
// are not strings are written as their own JSON text.
func (v Variant) ToJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalJSON implements json.Marshaler.
func (v Variant) MarshalJSON() ([]byte, error) {
	return v.ToJSON()
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Variant) UnmarshalJSON(b []byte) error {
	out, err := FromJSON(b)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func formatFloat(f float64, bits int) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", dgerr.New(dgerr.Unsupported, "variant.ToJSON", "cannot encode %v as JSON", f)
	}
	s := strconv.FormatFloat(f, 'g', -1, bits)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s, nil
}

func (v Variant) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case Null:
		buf.WriteString("null")
	case Boolean:
		if v.u != 0 {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case UInt8, UInt16, UInt32, UInt64:
		buf.WriteString(strconv.FormatUint(v.u, 10))
	case SInt8, SInt16, SInt32, SInt64:
		buf.WriteString(strconv.FormatInt(v.i, 10))
	case Float32, Float64:
		bits := 64
		if v.kind == Float32 {
			bits = 32
		}
		s, err := formatFloat(v.f, bits)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case String:
		b, err := json.Marshal(string(v.s))
		if err != nil {
			return err
		}
		buf.Write(b)
	case Array:
		buf.WriteByte('[')
		for i := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := v.arr[i].writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Dict:
		buf.WriteByte('{')
		for i := range v.d.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key := v.d.keys[i]
			var name string
			if key.kind == String {
				name = string(key.s)
			} else {
				kb, err := key.ToJSON()
				if err != nil {
					return err
				}
				name = string(kb)
			}
			kb, err := json.Marshal(name)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := v.d.vals[i].writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// FromJSON parses a JSON document. Integral numbers become SInt32 when they
// fit, otherwise SInt64, otherwise UInt64; all other numbers become Float64.
// Object keys become String keys and keep document order.
func FromJSON(data []byte) (Variant, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Variant{}, dgerr.Wrap(dgerr.TypeMismatch, "variant.FromJSON", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Variant{}, dgerr.New(dgerr.TypeMismatch, "variant.FromJSON", "trailing data after JSON value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Variant, error) {
	tok, err := dec.Token()
	if err != nil {
		return Variant{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Variant{}, nil
	case bool:
		return NewBool(t), nil
	case string:
		return NewString(t), nil
	case json.Number:
		return numberVariant(t)
	case json.Delim:
		switch t {
		case '[':
			out := NewArray()
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Variant{}, err
				}
				out.arr = append(out.arr, item)
			}
			if _, err := dec.Token(); err != nil {
				return Variant{}, err
			}
			return out, nil
		case '{':
			out := NewDict()
			for dec.More() {
				ktok, err := dec.Token()
				if err != nil {
					return Variant{}, err
				}
				key, ok := ktok.(string)
				if !ok {
					return Variant{}, errors.New("object key is not a string")
				}
				val, err := decodeValue(dec)
				if err != nil {
					return Variant{}, err
				}
				out.d.put(NewString(key), val)
			}
			if _, err := dec.Token(); err != nil {
				return Variant{}, err
			}
			return out, nil
		}
	}
	return Variant{}, errors.New("unexpected JSON token")
}

func numberVariant(n json.Number) (Variant, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			if i >= math.MinInt32 && i <= math.MaxInt32 {
				return NewSInt32(int32(i)), nil
			}
			return NewSInt64(i), nil
		}
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return NewUInt64(u), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Variant{}, err
	}
	return NewFloat64(f), nil
}
