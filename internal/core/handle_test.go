package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/variant"
)

func TestRef_NullIsHarmless(t *testing.T) {
	var r Ref
	for i := 0; i < 3; i++ {
		r.Release()
		r.Retain()
	}
	assert.True(t, r.IsNull())
	assert.False(t, r.IsValid())
	assert.Zero(t, r.RefCount())

	var n Node
	_, err := n.Size()
	assert.True(t, errors.Is(err, dgerr.ErrInvalidHandle))
}

func TestRef_StaleHandleIsDetected(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	n := mustNode(t, c, "stale")

	require.NoError(t, n.Destroy())

	_, err := n.Size()
	assert.True(t, errors.Is(err, dgerr.ErrInvalidHandle))

	// The slot is reused, the old handle must not see the new object.
	fresh := mustNode(t, c, "fresh")
	assert.Equal(t, n.idx, fresh.idx)
	assert.False(t, n.IsValid())
	assert.True(t, fresh.IsValid())
}

func TestRef_OwnershipKeepsObjectsAlive(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	op, err := c.NewOperator("bump", "bump", "")
	require.NoError(t, err)

	b, err := c.NewBinding(op, []string{"self.v"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, op.RefCount())

	op.Release()
	assert.True(t, op.IsValid(), "binding still holds the operator")

	b.Release()
	assert.False(t, op.IsValid())
	assert.False(t, b.IsValid())

	usage, err := c.MemoryUsage()
	require.NoError(t, err)
	total, ok := usage.Field("total")
	require.True(t, ok)
	n, _ := total.AsInt64()
	assert.Zero(t, n)
}

func TestRef_WrongKind(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	n := mustNode(t, c, "n")

	_, err := c.Operator("n")
	assert.True(t, errors.Is(err, dgerr.ErrTypeMismatch))

	_, err = c.NewNode("n")
	assert.True(t, errors.Is(err, dgerr.ErrDuplicateName))

	require.NoError(t, n.SetName("renamed"))
	_, err = c.Node("n")
	assert.True(t, errors.Is(err, dgerr.ErrNotFound))
	got, err := c.Node("renamed")
	require.NoError(t, err)
	assert.True(t, got.Equal(n.Ref))
}

func TestProcess_Lifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("license required", func(t *testing.T) {
		p, err := Initialize(ProcessConfig{RequireLicense: true})
		require.NoError(t, err)
		defer p.Finalize()

		_, err = p.NewClient(ctx, ClientOptions{})
		assert.True(t, errors.Is(err, dgerr.ErrLicenseInvalid))

		require.NoError(t, p.SetStandaloneLicense("site-license"))
		c, err := p.NewClient(ctx, ClientOptions{})
		require.NoError(t, err)
		assert.True(t, c.IsValid())
	})

	t.Run("bind client by context id", func(t *testing.T) {
		p, err := Initialize(ProcessConfig{})
		require.NoError(t, err)
		defer p.Finalize()

		c, err := p.NewClient(ctx, ClientOptions{Guarded: true})
		require.NoError(t, err)

		bound, err := p.BindClient(c.ContextID())
		require.NoError(t, err)
		assert.Same(t, c, bound)
		assert.True(t, bound.Guarded())
		bound.Release()
		assert.True(t, c.IsValid())

		_, err = p.BindClient("missing")
		assert.True(t, errors.Is(err, dgerr.ErrNotFound))
	})

	t.Run("finalize invalidates clients", func(t *testing.T) {
		p, err := Initialize(ProcessConfig{})
		require.NoError(t, err)
		c, err := p.NewClient(ctx, ClientOptions{})
		require.NoError(t, err)
		n, err := c.NewNode("n")
		require.NoError(t, err)

		p.Finalize()

		assert.False(t, c.IsValid())
		err = n.AddMember("v", "SInt32", variant.Variant{})
		assert.True(t, errors.Is(err, dgerr.ErrInvalidHandle))
		_, err = p.NewClient(ctx, ClientOptions{})
		assert.True(t, errors.Is(err, dgerr.ErrInvalidHandle))
	})
}

func TestRef_ReleasedDependencyCycleIsFreed(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	a := mustNode(t, c, "a")
	b := mustNode(t, c, "b")
	require.NoError(t, a.SetDependency("b", b))
	require.NoError(t, b.SetDependency("a", a))

	a.Release()
	assert.True(t, a.IsValid(), "b still holds a")
	assert.EqualValues(t, 1, a.RefCount())

	b.Release()
	assert.False(t, a.IsValid())
	assert.False(t, b.IsValid())

	t.Run("outside holder keeps the cycle", func(t *testing.T) {
		x := mustNode(t, c, "x")
		y := mustNode(t, c, "y")
		holder := mustNode(t, c, "holder")
		require.NoError(t, x.SetDependency("y", y))
		require.NoError(t, y.SetDependency("x", x))
		require.NoError(t, holder.SetDependency("x", x))

		x.Release()
		y.Release()
		assert.True(t, x.IsValid())
		assert.True(t, y.IsValid())

		require.NoError(t, holder.RemoveDependency("x"))
		assert.False(t, x.IsValid())
		assert.False(t, y.IsValid())
		assert.True(t, holder.IsValid())
	})

	t.Run("self dependency", func(t *testing.T) {
		n := mustNode(t, c, "self")
		require.NoError(t, n.SetDependency("me", n))
		n.Release()
		assert.False(t, n.IsValid())
	})
}
