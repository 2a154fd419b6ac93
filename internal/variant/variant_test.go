package variant

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/dgsplice/internal/dgerr"
)

func sampleDict(t *testing.T) Variant {
	t.Helper()
	d := NewDict()
	require.NoError(t, d.SetField("name", NewString("vec3")))
	require.NoError(t, d.SetField("size", NewSInt32(1024)))
	arr := NewArray()
	require.NoError(t, arr.Append(NewFloat64(1.5)))
	require.NoError(t, arr.Append(NewBool(true)))
	require.NoError(t, arr.Append(Variant{}))
	require.NoError(t, d.SetField("data", arr))
	return d
}

func TestVariant_CopyRoundTripPerKind(t *testing.T) {
	testCases := []struct {
		name string
		v    Variant
		get  func(Variant) (any, error)
		want any
	}{
		{"bool", NewBool(true), func(v Variant) (any, error) { return v.Bool() }, true},
		{"uint8", NewUInt8(200), func(v Variant) (any, error) { return v.UInt8() }, uint8(200)},
		{"uint16", NewUInt16(60000), func(v Variant) (any, error) { return v.UInt16() }, uint16(60000)},
		{"uint32", NewUInt32(4000000000), func(v Variant) (any, error) { return v.UInt32() }, uint32(4000000000)},
		{"uint64", NewUInt64(math.MaxUint64), func(v Variant) (any, error) { return v.UInt64() }, uint64(math.MaxUint64)},
		{"sint8", NewSInt8(-100), func(v Variant) (any, error) { return v.SInt8() }, int8(-100)},
		{"sint16", NewSInt16(-30000), func(v Variant) (any, error) { return v.SInt16() }, int16(-30000)},
		{"sint32", NewSInt32(-2000000000), func(v Variant) (any, error) { return v.SInt32() }, int32(-2000000000)},
		{"sint64", NewSInt64(math.MinInt64), func(v Variant) (any, error) { return v.SInt64() }, int64(math.MinInt64)},
		{"float32", NewFloat32(2.5), func(v Variant) (any, error) { return v.Float32() }, float32(2.5)},
		{"float64", NewFloat64(math.Pi), func(v Variant) (any, error) { return v.Float64() }, math.Pi},
		{"string", NewString("hello"), func(v Variant) (any, error) { return v.Str() }, "hello"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cp := tc.v.Copy()
			got, err := tc.get(cp)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.True(t, cp.Equal(tc.v))
		})
	}
}

func TestVariant_GetWrongKindIsTypeMismatch(t *testing.T) {
	v := NewSInt32(5)

	_, err := v.Str()
	assert.ErrorIs(t, err, dgerr.ErrTypeMismatch)
	_, err = v.SInt64()
	assert.ErrorIs(t, err, dgerr.ErrTypeMismatch)

	var null Variant
	_, err = null.Bool()
	assert.ErrorIs(t, err, dgerr.ErrTypeMismatch)
}

func TestVariant_DisposeNullIsIdempotent(t *testing.T) {
	var v Variant
	for i := 0; i < 3; i++ {
		v.Dispose()
		assert.True(t, v.IsNull())
	}

	s := NewString("x")
	s.Dispose()
	s.Dispose()
	assert.True(t, s.IsNull())
}

func TestVariant_CopyIsDeep(t *testing.T) {
	orig := sampleDict(t)
	cp := orig.Copy()

	data, ok := cp.Field("data")
	require.True(t, ok)
	require.NoError(t, data.SetIndex(0, NewFloat64(99)))

	origData, ok := orig.Field("data")
	require.True(t, ok)
	first, err := origData.Index(0)
	require.NoError(t, err)
	f, err := first.Float64()
	require.NoError(t, err)
	assert.Equal(t, 1.5, f, "mutating the copy must not touch the original")
}

func TestVariant_TakeLeavesSourceNull(t *testing.T) {
	buf := []byte("owned")
	s := TakeString(buf)
	b, err := s.StringBytes()
	require.NoError(t, err)
	assert.Same(t, &buf[0], &b[0], "take must not copy the buffer")

	var dst Variant
	dst.SetTake(&s)
	assert.True(t, s.IsNull())
	got, err := dst.Str()
	require.NoError(t, err)
	assert.Equal(t, "owned", got)

	arr := NewArray()
	item := NewString("moved")
	require.NoError(t, arr.AppendTake(&item))
	assert.True(t, item.IsNull())
	assert.Equal(t, 1, arr.Len())

	d := NewDict()
	k, val := NewString("k"), NewSInt8(3)
	require.NoError(t, d.SetTakeBoth(&k, &val))
	assert.True(t, k.IsNull())
	assert.True(t, val.IsNull())
	got3, ok := d.Field("k")
	require.True(t, ok)
	n, err := got3.SInt8()
	require.NoError(t, err)
	assert.Equal(t, int8(3), n)
}

func TestVariant_Arrays(t *testing.T) {
	arr := NewArrayWithSize(2)
	assert.Equal(t, 2, arr.Len())

	_, err := arr.Index(2)
	assert.ErrorIs(t, err, dgerr.ErrSizeMismatch)

	require.NoError(t, arr.SetIndex(1, NewString("b")))
	require.NoError(t, arr.Resize(3))
	el, err := arr.Index(1)
	require.NoError(t, err)
	assert.True(t, el.IsString())

	s := NewString("not an array")
	assert.ErrorIs(t, s.Append(Variant{}), dgerr.ErrTypeMismatch)
}

func TestVariant_DictOrderAndLookup(t *testing.T) {
	d := NewDict()
	require.NoError(t, d.Set(NewString("b"), NewSInt32(1)))
	require.NoError(t, d.Set(NewString("a"), NewSInt32(2)))
	require.NoError(t, d.Set(NewSInt32(7), NewSInt32(3)))
	require.NoError(t, d.Set(NewString("b"), NewSInt32(4)))

	var order []string
	require.NoError(t, d.Range(func(k, _ *Variant) bool {
		order = append(order, k.Describe(false))
		return true
	}))
	assert.Equal(t, []string{`"b"`, `"a"`, "7"}, order, "replacing a key keeps its position")

	v, ok := d.Get(NewSInt32(7))
	require.True(t, ok)
	assert.True(t, v.Equal(NewSInt32(3)))

	_, ok = d.Get(NewUInt8(7))
	assert.False(t, ok, "keys of different kinds are distinct")

	assert.True(t, d.Delete(NewString("a")))
	assert.False(t, d.Delete(NewString("a")))
	v, ok = d.Field("b")
	require.True(t, ok)
	assert.True(t, v.Equal(NewSInt32(4)))
}

func TestVariant_JSONRoundTrip(t *testing.T) {
	t.Run("non width sensitive kinds", func(t *testing.T) {
		values := []Variant{
			{},
			NewBool(false),
			NewSInt32(-12),
			NewFloat64(0.25),
			NewFloat64(3),
			NewString("quote \" and \n newline"),
			sampleDict(t),
		}
		for _, v := range values {
			b, err := v.ToJSON()
			require.NoError(t, err)
			back, err := FromJSON(b)
			require.NoError(t, err)
			assert.True(t, back.Equal(v), "round trip of %s gave %s", v.Describe(true), back.Describe(true))
		}
	})

	t.Run("integer width is normalized", func(t *testing.T) {
		back, err := FromJSON([]byte(`[1, 3000000000, 18446744073709551615, 1.0]`))
		require.NoError(t, err)
		kinds := []Kind{}
		for _, el := range back.Elements() {
			kinds = append(kinds, el.Kind())
		}
		assert.Equal(t, []Kind{SInt32, SInt64, UInt64, Float64}, kinds)

		b, err := NewUInt8(7).ToJSON()
		require.NoError(t, err)
		narrowed, err := FromJSON(b)
		require.NoError(t, err)
		assert.Equal(t, SInt32, narrowed.Kind())
	})

	t.Run("canonical encoding", func(t *testing.T) {
		b, err := sampleDict(t).ToJSON()
		require.NoError(t, err)
		assert.Equal(t, `{"name":"vec3","size":1024,"data":[1.5,true,null]}`, string(b))
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := FromJSON([]byte(`{"a":`))
		assert.Error(t, err)
		_, err = FromJSON([]byte(`1 2`))
		assert.Error(t, err)
	})

	t.Run("nan is rejected", func(t *testing.T) {
		_, err := NewFloat64(math.NaN()).ToJSON()
		assert.ErrorIs(t, err, dgerr.ErrUnsupported)
	})
}

func TestVariant_Describe(t *testing.T) {
	d := NewDict()
	require.NoError(t, d.SetField("n", NewUInt16(3)))
	require.NoError(t, d.SetField("l", NewArrayOf(NewString("x"), Variant{})))

	assert.Equal(t, `{"n": 3, "l": ["x", null]}`, d.Describe(false))
	assert.Equal(t, `{String:"n": UInt16:3, String:"l": [String:"x", null]}`, d.Describe(true))
}

func TestVariant_GoConversions(t *testing.T) {
	v, err := FromGo(map[string]any{"a": []any{1, "b", 2.5}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": []any{int64(1), "b", 2.5}}, v.Go())

	_, err = FromGo(struct{}{})
	assert.ErrorIs(t, err, dgerr.ErrTypeMismatch)

	f, err := NewUInt16(9).AsFloat64()
	require.NoError(t, err)
	assert.Equal(t, 9.0, f)
	_, err = NewFloat64(1.5).AsInt64()
	assert.ErrorIs(t, err, dgerr.ErrTypeMismatch)
}
