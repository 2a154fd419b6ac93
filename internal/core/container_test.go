package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/variant"
)

func TestContainer_Members(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	registerVec3(t, c)
	n := mustNode(t, c, "n")

	require.NoError(t, n.AddMember("pos", "Vec3", vec3(1, 2, 3)))
	require.NoError(t, n.AddMember("count", "Integer", variant.Variant{}))

	err := n.AddMember("pos", "Vec3", variant.Variant{})
	assert.True(t, errors.Is(err, dgerr.ErrDuplicateName))
	err = n.AddMember("bad", "NoSuchType", variant.Variant{})
	assert.True(t, errors.Is(err, dgerr.ErrNotFound))

	typ, err := n.MemberType("count")
	require.NoError(t, err)
	assert.Equal(t, "SInt32", typ, "aliases resolve to their target")

	def, err := n.MemberDefault("pos")
	require.NoError(t, err)
	assert.True(t, def.Equal(vec3(1, 2, 3)))

	names, err := n.MemberNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"pos", "count"}, names)

	require.NoError(t, n.RemoveMember("pos"))
	has, err := n.HasMember("pos")
	require.NoError(t, err)
	assert.False(t, has)
	assert.True(t, errors.Is(n.RemoveMember("pos"), dgerr.ErrNotFound))
}

func TestContainer_SetSizePreservesPrefix(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	n := mustNode(t, c, "n")
	require.NoError(t, n.AddMember("v", "SInt32", variant.NewSInt32(-1)))

	// --- Arrange ---
	require.NoError(t, n.SetSize(8))
	for i := 0; i < 8; i++ {
		require.NoError(t, n.SetMemberSlice("v", i, variant.NewSInt32(int32(i))))
	}

	// --- Act ---
	require.NoError(t, n.SetSize(3))
	require.NoError(t, n.SetSize(8))

	// --- Assert ---
	size, err := n.Size()
	require.NoError(t, err)
	assert.Equal(t, 8, size)
	for i := 0; i < 3; i++ {
		assert.EqualValues(t, i, sliceInt(t, n.Container, "v", i))
	}
	for i := 3; i < 8; i++ {
		assert.EqualValues(t, -1, sliceInt(t, n.Container, "v", i), "slice %d refilled with the default", i)
	}

	_, err = n.MemberSlice("v", 8)
	assert.True(t, errors.Is(err, dgerr.ErrSizeMismatch))
	assert.True(t, errors.Is(n.SetSize(-1), dgerr.ErrSizeMismatch))
}

func TestContainer_SetSliceIsAtomic(t *testing.T) {
	c := newTestClient(t, ClientOptions{Guarded: true})
	n := mustNode(t, c, "n")
	require.NoError(t, n.AddMember("a", "SInt32", variant.Variant{}))
	require.NoError(t, n.AddMember("b", "UInt8", variant.Variant{}))

	vals := variant.NewDict()
	_ = vals.SetField("a", variant.NewSInt32(5))
	_ = vals.SetField("b", variant.NewSInt32(1000))

	err := n.SetSlice(0, vals)
	require.Error(t, err)
	assert.Zero(t, sliceInt(t, n.Container, "a", 0), "nothing is written when one value fails")

	_ = vals.SetField("b", variant.NewSInt32(200))
	require.NoError(t, n.SetSlice(0, vals))
	assert.EqualValues(t, 5, sliceInt(t, n.Container, "a", 0))
	assert.EqualValues(t, 200, sliceInt(t, n.Container, "b", 0))
}

func TestContainer_BulkData(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	src := mustNode(t, c, "src")
	require.NoError(t, src.AddMember("v", "Float64", variant.Variant{}))
	require.NoError(t, src.AddMember("s", "String", variant.NewString("x")))
	require.NoError(t, src.SetSize(3))
	require.NoError(t, src.SetMemberSlice("v", 2, variant.NewFloat64(2.5)))

	data, err := src.BulkData()
	require.NoError(t, err)

	dst := mustNode(t, c, "dst")
	require.NoError(t, dst.AddMember("v", "Float64", variant.Variant{}))
	require.NoError(t, dst.AddMember("s", "String", variant.Variant{}))
	require.NoError(t, dst.SetBulkData(data))

	size, err := dst.Size()
	require.NoError(t, err)
	assert.Equal(t, 3, size)
	assert.Equal(t, 2.5, sliceFloat(t, dst.Container, "v", 2))
	s, err := dst.MemberSlice("s", 1)
	require.NoError(t, err)
	str, _ := s.Str()
	assert.Equal(t, "x", str)
}

func TestContainer_RawBuffers(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	registerVec3(t, c)
	n := mustNode(t, c, "n")
	require.NoError(t, n.AddMember("pos", "Vec3", variant.Variant{}))
	require.NoError(t, n.AddMember("weights", "Float32[]", variant.Variant{}))
	require.NoError(t, n.AddMember("label", "String", variant.Variant{}))
	require.NoError(t, n.SetSize(2))
	require.NoError(t, n.SetMemberSlice("pos", 1, vec3(1, 2, 3)))

	t.Run("all slices", func(t *testing.T) {
		buf, err := n.MemberAllSlicesData("pos")
		require.NoError(t, err)
		assert.Len(t, buf, 24)

		other := mustNode(t, c, "other")
		require.NoError(t, other.AddMember("pos", "Vec3", variant.Variant{}))
		require.NoError(t, other.SetSize(2))
		require.NoError(t, other.SetMemberAllSlicesData("pos", buf))
		v, err := other.MemberSlice("pos", 1)
		require.NoError(t, err)
		assert.True(t, v.Equal(vec3(1, 2, 3)))
	})

	t.Run("array slice", func(t *testing.T) {
		require.NoError(t, n.SetMemberSliceArraySize("weights", 0, 4))
		size, err := n.MemberSliceArraySize("weights", 0)
		require.NoError(t, err)
		assert.Equal(t, 4, size)

		buf, err := n.MemberSliceArrayData("weights", 0)
		require.NoError(t, err)
		assert.Len(t, buf, 16)

		err = n.SetMemberSliceArrayData("weights", 1, make([]byte, 6))
		assert.True(t, errors.Is(err, dgerr.ErrSizeMismatch))
		require.NoError(t, n.SetMemberSliceArrayData("weights", 1, make([]byte, 8)))
		size, err = n.MemberSliceArraySize("weights", 1)
		require.NoError(t, err)
		assert.Equal(t, 2, size)
	})

	t.Run("non shallow", func(t *testing.T) {
		_, err := n.MemberAllSlicesData("label")
		assert.True(t, errors.Is(err, dgerr.ErrUnsupported))
		_, err = n.MemberSliceArraySize("label", 0)
		assert.True(t, errors.Is(err, dgerr.ErrUnsupported))
	})

	t.Run("float32 accessors", func(t *testing.T) {
		require.NoError(t, n.AddMember("f", "Float32", variant.Variant{}))
		require.NoError(t, n.SetMemberSliceFloat32("f", 1, 0.25))
		f, err := n.MemberSliceFloat32("f", 1)
		require.NoError(t, err)
		assert.Equal(t, float32(0.25), f)
	})
}
