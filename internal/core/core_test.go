package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/dgsplice/internal/rt"
	"github.com/vk/dgsplice/internal/variant"
)

func newTestClient(t *testing.T, opts ClientOptions) *Client {
	t.Helper()
	p, err := Initialize(ProcessConfig{})
	require.NoError(t, err)
	c, err := p.NewClient(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(p.Finalize)
	return c
}

func registerVec3(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.RegisterStruct("Vec3", []rt.MemberSpec{
		{Name: "x", Type: "Float32"},
		{Name: "y", Type: "Float32"},
		{Name: "z", Type: "Float32"},
	}))
	require.NoError(t, c.RegisterMethod("Vec3", "norm", nil, "sqrt(this.x*this.x + this.y*this.y + this.z*this.z)"))
}

func vec3(x, y, z float32) variant.Variant {
	v := variant.NewDict()
	_ = v.SetField("x", variant.NewFloat32(x))
	_ = v.SetField("y", variant.NewFloat32(y))
	_ = v.SetField("z", variant.NewFloat32(z))
	return v
}

func mustNode(t *testing.T, c *Client, name string) Node {
	t.Helper()
	n, err := c.NewNode(name)
	require.NoError(t, err)
	return n
}

func mustBinding(t *testing.T, c *Client, opName, source string, layout ...string) Binding {
	t.Helper()
	op, err := c.Operator(opName)
	if err != nil {
		op, err = c.NewOperator(opName, opName, source)
		require.NoError(t, err)
	}
	b, err := c.NewBinding(op, layout)
	require.NoError(t, err)
	return b
}

func sliceInt(t *testing.T, c Container, member string, slice int) int64 {
	t.Helper()
	v, err := c.MemberSlice(member, slice)
	require.NoError(t, err)
	n, err := v.AsInt64()
	require.NoError(t, err)
	return n
}

func sliceFloat(t *testing.T, c Container, member string, slice int) float64 {
	t.Helper()
	v, err := c.MemberSlice(member, slice)
	require.NoError(t, err)
	f, err := v.AsFloat64()
	require.NoError(t, err)
	return f
}
