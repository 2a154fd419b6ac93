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

const stampSrc = `
operator "stamp" {
  parameter "counter" {}
  parameter "mark" { mode = "out" }
  result {
    mark    = counter
    counter = counter + 1
  }
}

operator "pick" {
  parameter "v" { mode = "in" }
  select = v > 1 ? v : null
}
`

func mustHandler(t *testing.T, c *Client, name string, members ...string) EventHandler {
	t.Helper()
	h, err := c.NewEventHandler(name)
	require.NoError(t, err)
	for _, m := range members {
		require.NoError(t, h.AddMember(m, "SInt32", variant.NewSInt32(-1)))
	}
	return h
}

func stampBinding(t *testing.T, c *Client, layout ...string) Binding {
	t.Helper()
	return mustBinding(t, c, "stamp", stampSrc, layout...)
}

func TestEvent_FireOrder(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	c := newTestClient(t, ClientOptions{})
	log := mustNode(t, c, "log")
	require.NoError(t, log.AddMember("counter", "SInt32", variant.Variant{}))

	root := mustHandler(t, c, "root", "pre", "post")
	child := mustHandler(t, c, "child", "pre", "post")
	require.NoError(t, root.SetScope("log", log))
	require.NoError(t, root.AppendChild(child))
	require.NoError(t, root.AppendPreDescendBinding(stampBinding(t, c, "log.counter", "self.pre")))
	require.NoError(t, root.AppendPostDescendBinding(stampBinding(t, c, "log.counter", "self.post")))
	// child has no scope of its own and finds "log" on its parent.
	require.NoError(t, child.AppendPreDescendBinding(stampBinding(t, c, "log.counter", "self.pre")))
	require.NoError(t, child.AppendPostDescendBinding(stampBinding(t, c, "log.counter", "self.post")))

	ev, err := c.NewEvent("click")
	require.NoError(t, err)
	require.NoError(t, ev.AppendEventHandler(root))

	// --- Act ---
	err = ev.Fire(ctx)

	// --- Assert ---
	require.NoError(t, err)
	assert.EqualValues(t, 0, sliceInt(t, root.Container, "pre", 0))
	assert.EqualValues(t, 1, sliceInt(t, child.Container, "pre", 0))
	assert.EqualValues(t, 2, sliceInt(t, child.Container, "post", 0))
	assert.EqualValues(t, 3, sliceInt(t, root.Container, "post", 0))
	assert.EqualValues(t, 4, sliceInt(t, log.Container, "counter", 0))

	handlers, err := ev.EventHandlers()
	require.NoError(t, err)
	assert.Equal(t, 1, handlers.Len())
	children, err := root.Children()
	require.NoError(t, err)
	name, _ := children.Elements()[0].Str()
	assert.Equal(t, "child", name)
}

func TestEvent_ScopeResolution(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, ClientOptions{})
	outer := mustNode(t, c, "outer")
	inner := mustNode(t, c, "inner")
	for _, n := range []Node{outer, inner} {
		require.NoError(t, n.AddMember("counter", "SInt32", variant.Variant{}))
	}

	parent := mustHandler(t, c, "parent")
	child := mustHandler(t, c, "child", "mark")
	require.NoError(t, parent.SetScope("log", outer))
	require.NoError(t, parent.AppendChild(child))
	ev, err := c.NewEvent("e")
	require.NoError(t, err)
	require.NoError(t, ev.AppendEventHandler(parent))

	t.Run("own scope shadows ancestors", func(t *testing.T) {
		require.NoError(t, child.SetScope("log", inner))
		require.NoError(t, child.AppendPreDescendBinding(stampBinding(t, c, "log.counter", "self.mark")))

		require.NoError(t, ev.Fire(ctx))

		assert.EqualValues(t, 1, sliceInt(t, inner.Container, "counter", 0))
		assert.Zero(t, sliceInt(t, outer.Container, "counter", 0))
	})

	t.Run("self follows the scope name", func(t *testing.T) {
		require.NoError(t, child.RemoveScope("log"))
		bump := mustBinding(t, c, "bump", `
operator "bump" {
  parameter "counter" {}
  result { counter = counter + 1 }
}
`, "self.counter")
		require.NoError(t, parent.SetScopeName("log"))
		require.NoError(t, parent.AppendPostDescendBinding(bump))

		require.NoError(t, ev.Fire(ctx))

		// One stamp from the child plus one bump from the parent.
		assert.EqualValues(t, 2, sliceInt(t, outer.Container, "counter", 0))
	})

	t.Run("unknown scope", func(t *testing.T) {
		require.NoError(t, child.AppendPostDescendBinding(stampBinding(t, c, "nowhere.counter", "self.mark")))
		err := ev.Fire(ctx)
		assert.True(t, errors.Is(err, dgerr.ErrNotFound))
	})
}

func TestEvent_Select(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, ClientOptions{})
	items := mustNode(t, c, "items")
	require.NoError(t, items.AddMember("v", "SInt32", variant.Variant{}))
	require.NoError(t, items.SetSize(4))
	for i := 0; i < 4; i++ {
		require.NoError(t, items.SetMemberSlice("v", i, variant.NewSInt32(int32(i))))
	}

	h := mustHandler(t, c, "picker")
	require.NoError(t, h.SetScope("items", items))
	sel, err := c.NewBinding(mustOperator(t, c, "pick"), []string{"items.v"})
	require.NoError(t, err)
	require.NoError(t, h.SetSelector("items", sel))

	ev, err := c.NewEvent("hover")
	require.NoError(t, err)
	require.NoError(t, ev.AppendEventHandler(h))
	require.NoError(t, ev.SetSelectType("SInt32"))

	got, err := ev.Select(ctx)
	require.NoError(t, err)

	require.Equal(t, 2, got.Len())
	for i, want := range []int64{2, 3} {
		entry := got.Elements()[i]
		handler, _ := entry.Field("handler")
		hs, _ := handler.Str()
		assert.Equal(t, "picker", hs)
		index, _ := entry.Field("index")
		idx, _ := index.AsInt64()
		assert.Equal(t, want, idx)
		value, _ := entry.Field("value")
		assert.Equal(t, variant.SInt32, value.Kind())
		v, _ := value.AsInt64()
		assert.Equal(t, want, v)
	}

	last, err := ev.LastSelection()
	require.NoError(t, err)
	assert.True(t, last.Equal(got))

	t.Run("unknown select type", func(t *testing.T) {
		assert.True(t, errors.Is(ev.SetSelectType("Nope"), dgerr.ErrNotFound))
	})
}

func TestEventHandler_Structure(t *testing.T) {
	c := newTestClient(t, ClientOptions{})
	a := mustHandler(t, c, "a")
	b := mustHandler(t, c, "b")

	require.NoError(t, a.AppendChild(b))
	assert.True(t, errors.Is(b.AppendChild(a), dgerr.ErrCycleDetected))
	assert.True(t, errors.Is(a.AppendChild(a), dgerr.ErrCycleDetected))

	require.NoError(t, a.RemoveChild(b))
	assert.True(t, errors.Is(a.RemoveChild(b), dgerr.ErrNotFound))

	ev, err := c.NewEvent("e")
	require.NoError(t, err)
	require.NoError(t, ev.AppendEventHandler(a))
	require.NoError(t, ev.RemoveEventHandler(a))
	assert.True(t, errors.Is(ev.RemoveEventHandler(a), dgerr.ErrNotFound))

	n := mustNode(t, c, "scope")
	assert.True(t, errors.Is(a.SetScope("self", n), dgerr.ErrUnsupported))
	require.NoError(t, a.SetScope("s", n))
	scopes, err := a.Scopes()
	require.NoError(t, err)
	target, ok := scopes.Field("s")
	require.True(t, ok)
	name, _ := target.Str()
	assert.Equal(t, "scope", name)
}

func mustOperator(t *testing.T, c *Client, entry string) Operator {
	t.Helper()
	op, err := c.NewOperator(entry, entry, stampSrc)
	require.NoError(t, err)
	return op
}
