package splice

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/dgsplice/internal/core"
	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/rt"
	"github.com/vk/dgsplice/internal/variant"
)

const doubleSrc = `
operator "double" {
  parameter "in" { mode = "in" }
  parameter "doubled" { mode = "out" }
  result {
    doubled = in * 2
  }
}
`

func newTestHost(t *testing.T) *Host {
	t.Helper()
	p, err := core.Initialize(core.ProcessConfig{})
	require.NoError(t, err)
	t.Cleanup(p.Finalize)
	h, err := NewHost(context.Background(), p, HostOptions{Guarded: true})
	require.NoError(t, err)
	return h
}

func mustNode(t *testing.T, h *Host, name string) *Node {
	t.Helper()
	n, err := h.NewNode(name)
	require.NoError(t, err)
	return n
}

func mustPort(t *testing.T, n *Node, name, typeName string, mode Mode) *Port {
	t.Helper()
	require.NoError(t, n.AddMember(name, typeName, variant.Variant{}))
	p, err := n.AddPort(name, name, mode)
	require.NoError(t, err)
	return p
}

// sourceNode builds a node with an SInt32 output port "out" holding values.
func sourceNode(t *testing.T, h *Host, name string, values ...int32) *Node {
	t.Helper()
	n := mustNode(t, h, name)
	mustPort(t, n, "out", "SInt32", ModeOut)
	require.NoError(t, n.SetSize(len(values)))
	for i, v := range values {
		require.NoError(t, n.DGNode().SetMemberSlice("out", i, variant.NewSInt32(v)))
	}
	return n
}

func ints(t *testing.T, n *Node, member string) []int64 {
	t.Helper()
	all, err := n.DGNode().MemberAllSlices(member)
	require.NoError(t, err)
	out := make([]int64, 0, all.Len())
	for _, v := range all.Elements() {
		i, err := v.AsInt64()
		require.NoError(t, err)
		out = append(out, i)
	}
	return out
}

func TestMode(t *testing.T) {
	for _, s := range []string{"IN", "out", " Io "} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		back, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, back)
	}
	_, err := ParseMode("sideways")
	assert.True(t, errors.Is(err, dgerr.ErrUnsupported))

	assert.True(t, ModeIO.Accepts())
	assert.True(t, ModeIO.Provides())
	assert.False(t, ModeIn.Provides())
	assert.False(t, ModeOut.Accepts())
}

func TestPort_Connect(t *testing.T) {
	ctx := context.Background()

	t.Run("out to in copies data on evaluate", func(t *testing.T) {
		// --- Arrange ---
		h := newTestHost(t)
		src := sourceNode(t, h, "src", 1, 2, 3)
		dst := mustNode(t, h, "dst")
		mustPort(t, dst, "in", "SInt32", ModeIn)
		require.NoError(t, dst.AddMember("doubled", "SInt32", variant.Variant{}))
		require.NoError(t, dst.ConstructOperator(ctx, "double", doubleSrc))

		// --- Act ---
		require.NoError(t, dst.ConnectPorts("in", src, "out"))
		err := dst.Evaluate(ctx)

		// --- Assert ---
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3}, ints(t, dst, "in"))
		assert.Equal(t, []int64{2, 4, 6}, ints(t, dst, "doubled"))

		out, err := src.Port("out")
		require.NoError(t, err)
		in, err := dst.Port("in")
		require.NoError(t, err)
		assert.True(t, out.IsConnected())
		assert.Equal(t, 1, in.ConnectionCount())
		other, err := in.Connection(0)
		require.NoError(t, err)
		assert.Equal(t, "src.out", other.Key())
		deps, err := dst.DependencyNames()
		require.NoError(t, err)
		assert.Empty(t, deps, "connection dependencies are internal")
	})

	t.Run("direction follows the modes", func(t *testing.T) {
		h := newTestHost(t)
		src := sourceNode(t, h, "src", 5)
		dst := mustNode(t, h, "dst")
		in := mustPort(t, dst, "in", "SInt32", ModeIO)
		out, err := src.Port("out")
		require.NoError(t, err)

		// The IO port asks the OUT port to feed it.
		require.NoError(t, in.Connect(out))
		require.NoError(t, dst.Evaluate(ctx))
		assert.Equal(t, []int64{5}, ints(t, dst, "in"))
	})

	testCases := []struct {
		name    string
		srcMode Mode
		dstMode Mode
		dstType string
		wantErr error
	}{
		{name: "in to in", srcMode: ModeIn, dstMode: ModeIn, dstType: "SInt32", wantErr: dgerr.ErrUnsupported},
		{name: "out to out", srcMode: ModeOut, dstMode: ModeOut, dstType: "SInt32", wantErr: dgerr.ErrUnsupported},
		{name: "io to io", srcMode: ModeIO, dstMode: ModeIO, dstType: "SInt32", wantErr: dgerr.ErrUnsupported},
		{name: "type mismatch", srcMode: ModeOut, dstMode: ModeIn, dstType: "Float64", wantErr: dgerr.ErrTypeMismatch},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHost(t)
			a := mustNode(t, h, "a")
			b := mustNode(t, h, "b")
			pa := mustPort(t, a, "p", "SInt32", tc.srcMode)
			pb := mustPort(t, b, "p", tc.dstType, tc.dstMode)

			err := pa.Connect(pb)

			assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
			assert.False(t, pa.IsConnected())
			assert.False(t, pb.IsConnected())
		})
	}

	t.Run("same node", func(t *testing.T) {
		h := newTestHost(t)
		n := mustNode(t, h, "n")
		out := mustPort(t, n, "out", "SInt32", ModeOut)
		in := mustPort(t, n, "in", "SInt32", ModeIn)
		assert.True(t, errors.Is(out.Connect(in), dgerr.ErrUnsupported))
	})
}

func TestPort_ReplaceSource(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	first := sourceNode(t, h, "first", 1, 1)
	second := sourceNode(t, h, "second", 7, 8, 9)
	dst := mustNode(t, h, "dst")
	mustPort(t, dst, "in", "SInt32", ModeIn)

	require.NoError(t, dst.ConnectPorts("in", first, "out"))
	require.NoError(t, dst.ConnectPorts("in", second, "out"))

	firstOut, err := first.Port("out")
	require.NoError(t, err)
	assert.False(t, firstOut.IsConnected())
	list, err := dst.DGNode().BindingList()
	require.NoError(t, err)
	assert.Equal(t, 1, list.Len(), "the old copy binding is removed")

	require.NoError(t, dst.Evaluate(ctx))
	assert.Equal(t, []int64{7, 8, 9}, ints(t, dst, "in"))

	require.NoError(t, dst.DisconnectPort("in"))
	assert.Zero(t, list.Len())
	in, err := dst.Port("in")
	require.NoError(t, err)
	assert.False(t, in.IsConnected())
}

func TestPort_Data(t *testing.T) {
	h := newTestHost(t)
	n := mustNode(t, h, "n")
	f := mustPort(t, n, "f", "Float32", ModeIO)
	w := mustPort(t, n, "w", "Float32[]", ModeIO)
	require.NoError(t, n.SetSize(2))

	t.Run("json", func(t *testing.T) {
		require.NoError(t, f.SetJSON("0.5", 1))
		s, err := f.JSON(1)
		require.NoError(t, err)
		assert.Equal(t, "0.5", s)
	})

	t.Run("sizes", func(t *testing.T) {
		size, err := f.DataSize()
		require.NoError(t, err)
		assert.Equal(t, 4, size)
		isArray, err := w.IsArray()
		require.NoError(t, err)
		assert.True(t, isArray)
		size, err = w.DataSize()
		require.NoError(t, err)
		assert.Equal(t, 4, size, "array ports report the element size")
	})

	t.Run("copy between ports", func(t *testing.T) {
		other := mustNode(t, h, "other")
		g := mustPort(t, other, "f", "Float32", ModeIO)
		v := mustPort(t, other, "w", "Float32[]", ModeIO)

		err := g.CopyAllSlicesDataFromPort(f, false)
		assert.True(t, errors.Is(err, dgerr.ErrSizeMismatch))
		require.NoError(t, g.CopyAllSlicesDataFromPort(f, true))
		got, err := g.Variant(1)
		require.NoError(t, err)
		fv, _ := got.AsFloat64()
		assert.Equal(t, 0.5, fv)

		require.NoError(t, w.SetArrayData(make([]byte, 12), 0))
		require.NoError(t, v.CopyArrayDataFromPort(w, 1, 0))
		count, err := v.ArrayCount(1)
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		assert.True(t, errors.Is(g.CopyArrayDataFromPort(w, 0, 0), dgerr.ErrTypeMismatch))
	})

	t.Run("grouping", func(t *testing.T) {
		assert.False(t, f.InsideGroup())
		assert.Equal(t, Ungrouped{}, f.Grouping())
		f.SetGroup("results")
		assert.Equal(t, Group{Name: "results"}, f.Grouping())
		assert.Equal(t, []string{"f"}, n.PortGroup("results"))
		f.Ungroup()
		assert.Empty(t, n.PortGroup("results"))
	})

	t.Run("invalid names", func(t *testing.T) {
		_, err := n.AddPort("a.b", "f", ModeIn)
		assert.True(t, errors.Is(err, dgerr.ErrUnsupported))
		_, err = n.AddPort("f", "f", ModeIn)
		assert.True(t, errors.Is(err, dgerr.ErrDuplicateName))
		_, err = n.AddPort("ghost", "nope", ModeIn)
		assert.True(t, errors.Is(err, dgerr.ErrNotFound))
	})
}

func TestNode_VectorNorm(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	c := h.Client()
	require.NoError(t, c.RegisterStruct("Vec3", []rt.MemberSpec{
		{Name: "x", Type: "Float32"},
		{Name: "y", Type: "Float32"},
		{Name: "z", Type: "Float32"},
	}))
	require.NoError(t, c.RegisterMethod("Vec3", "norm", nil, "sqrt(this.x*this.x + this.y*this.y + this.z*this.z)"))

	n := mustNode(t, h, "points")
	mustPort(t, n, "vec3", "Vec3", ModeIn)
	mustPort(t, n, "norm", "Float32", ModeOut)
	require.NoError(t, n.SetSize(1024))
	vec3, err := n.Port("vec3")
	require.NoError(t, err)
	for i := 0; i < 1024; i++ {
		v := variant.NewDict()
		_ = v.SetField("x", variant.NewFloat32(float32(i)))
		_ = v.SetField("y", variant.NewFloat32(float32(2*i+1)))
		_ = v.SetField("z", variant.NewFloat32(float32(i+2)))
		require.NoError(t, vec3.SetVariant(v, i))
	}
	require.NoError(t, n.ConstructOperator(ctx, "testOp", `
operator "testOp" {
  parameter "vec3" { mode = "in" }
  parameter "norm" { mode = "out" }
  result { norm = norm(vec3) }
}
`))

	require.NoError(t, n.Evaluate(ctx))

	norm, err := n.Port("norm")
	require.NoError(t, err)
	for slice, want := range map[int]float64{0: math.Sqrt(5), 1023: math.Sqrt(1023*1023 + 2047*2047 + 1025*1025)} {
		v, err := norm.Variant(slice)
		require.NoError(t, err)
		got, err := v.AsFloat64()
		require.NoError(t, err)
		assert.InEpsilon(t, want, got, 1e-5)
	}
}

func TestNode_Operators(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	n := mustNode(t, h, "n")
	require.NoError(t, n.AddMember("in", "SInt32", variant.NewSInt32(4)))
	require.NoError(t, n.AddMember("doubled", "SInt32", variant.Variant{}))

	err := n.ConstructOperator(ctx, "broken", `operator "broken" { result { x = } }`)
	assert.True(t, errors.Is(err, dgerr.ErrCompileError))
	assert.Empty(t, n.OperatorNames())

	require.NoError(t, n.ConstructOperator(ctx, "double", doubleSrc))
	require.NoError(t, n.ConstructOperator(ctx, "double", doubleSrc))
	assert.Equal(t, []string{"double"}, n.OperatorNames())
	require.NoError(t, n.Evaluate(ctx))
	assert.Equal(t, []int64{8}, ints(t, n, "doubled"))

	t.Run("source files", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "double.hcl")
		require.NoError(t, n.SaveOperatorSource("double", path))
		require.NoError(t, n.LoadOperatorSource("double", path))
		got, err := h.OperatorFilePath("double")
		require.NoError(t, err)
		assert.Equal(t, path, got)

		changed, err := h.ReloadOperatorFiles()
		require.NoError(t, err)
		assert.Empty(t, changed)
	})

	require.NoError(t, n.RemoveOperator("double"))
	assert.True(t, errors.Is(n.RemoveOperator("double"), dgerr.ErrNotFound))
	assert.Contains(t, h.Operators(), "double", "the operator stays defined on the host")
}

func TestNode_RedefineOperatorRebindsLayout(t *testing.T) {
	const (
		timesTwo = `
operator "op" {
  parameter "in" { mode = "in" }
  parameter "a" { mode = "out" }
  result {
    a = in * 2
  }
}
`
		plusOne = `
operator "op" {
  parameter "in" { mode = "in" }
  parameter "b" { mode = "out" }
  result {
    b = in + 1
  }
}
`
	)
	ctx := context.Background()

	newNode := func(t *testing.T, h *Host, name string) *Node {
		t.Helper()
		n := mustNode(t, h, name)
		require.NoError(t, n.AddMember("in", "SInt32", variant.NewSInt32(21)))
		require.NoError(t, n.AddMember("a", "SInt32", variant.Variant{}))
		require.NoError(t, n.AddMember("b", "SInt32", variant.Variant{}))
		return n
	}

	t.Run("construct again on the node", func(t *testing.T) {
		h := newTestHost(t)
		n := newNode(t, h, "n")
		require.NoError(t, n.ConstructOperator(ctx, "op", timesTwo))
		require.NoError(t, n.Evaluate(ctx))
		require.Equal(t, []int64{42}, ints(t, n, "a"))

		require.NoError(t, n.ConstructOperator(ctx, "op", plusOne))
		require.NoError(t, n.Evaluate(ctx))

		assert.Equal(t, []int64{22}, ints(t, n, "b"))
		assert.Equal(t, []int64{42}, ints(t, n, "a"))
		assert.Equal(t, []string{"op"}, n.OperatorNames())
	})

	t.Run("host source change reaches every node", func(t *testing.T) {
		h := newTestHost(t)
		first := newNode(t, h, "first")
		second := newNode(t, h, "second")
		require.NoError(t, first.ConstructOperator(ctx, "op", timesTwo))
		require.NoError(t, second.AttachOperator(ctx, "op"))

		require.NoError(t, h.SetOperatorSource("op", plusOne))

		for _, n := range []*Node{first, second} {
			require.NoError(t, n.Evaluate(ctx))
			assert.Equal(t, []int64{22}, ints(t, n, "b"), n.Name())
		}
	})

	t.Run("reloaded file", func(t *testing.T) {
		h := newTestHost(t)
		n := newNode(t, h, "n")
		path := filepath.Join(t.TempDir(), "op.hcl")
		require.NoError(t, os.WriteFile(path, []byte(timesTwo), 0o644))
		require.NoError(t, n.ConstructOperator(ctx, "op", timesTwo))
		require.NoError(t, n.LoadOperatorSource("op", path))

		require.NoError(t, os.WriteFile(path, []byte(plusOne), 0o644))
		changed, err := h.ReloadOperatorFiles()
		require.NoError(t, err)
		assert.Equal(t, []string{"op"}, changed)

		require.NoError(t, n.Evaluate(ctx))
		assert.Equal(t, []int64{22}, ints(t, n, "b"))
	})

	t.Run("broken source keeps the old layout", func(t *testing.T) {
		h := newTestHost(t)
		n := newNode(t, h, "n")
		require.NoError(t, n.ConstructOperator(ctx, "op", timesTwo))

		require.NoError(t, h.SetOperatorSource("op", `operator "op" { result { a = } }`))

		assert.True(t, errors.Is(n.Evaluate(ctx), dgerr.ErrCompileError))
	})
}

func TestHost_CheckErrors(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	_, dst := linkedPair(t, h)

	ok, report, err := h.CheckErrors(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ops, _ := report.Field("operators")
	assert.Zero(t, ops.Len())

	// A failed construction still leaves the operator defined on the host.
	require.Error(t, dst.ConstructOperator(ctx, "broken", `operator "broken" { result { x = } }`))
	// The node's own binding goes bad when the operator it runs breaks.
	require.NoError(t, h.SetOperatorSource("double", `operator "double" { result { doubled = } }`))

	ok, report, err = h.CheckErrors(ctx)

	require.NoError(t, err)
	assert.False(t, ok)
	ops, _ = report.Field("operators")
	assert.ElementsMatch(t, []string{"broken", "double"}, keyNames(ops))
	nodes, _ := report.Field("nodes")
	assert.Equal(t, []string{"dst"}, keyNames(nodes))
}

func keyNames(dict *variant.Variant) []string {
	var out []string
	for _, k := range dict.Keys() {
		s, _ := k.Str()
		out = append(out, s)
	}
	return out
}

// linkedPair builds src (2 members, 1 port) feeding dst (2 members, 2
// ports, 1 connection, 1 operator).
func linkedPair(t *testing.T, h *Host) (*Node, *Node) {
	t.Helper()
	ctx := context.Background()
	src := sourceNode(t, h, "src", 3, 4)
	require.NoError(t, src.AddMember("label", "String", variant.NewString("x")))

	dst := mustNode(t, h, "dst")
	in := mustPort(t, dst, "in", "SInt32", ModeIn)
	doubled := mustPort(t, dst, "doubled", "SInt32", ModeOut)
	doubled.SetGroup("results")
	require.NoError(t, dst.SetMemberPersistence("doubled", true))
	require.NoError(t, in.Connect(mustPortOf(t, src, "out")))
	require.NoError(t, dst.ConstructOperator(ctx, "double", doubleSrc))
	require.NoError(t, dst.Evaluate(ctx))
	return src, dst
}

func mustPortOf(t *testing.T, n *Node, name string) *Port {
	t.Helper()
	p, err := n.Port(name)
	require.NoError(t, err)
	return p
}

func TestNode_PersistenceRoundTrip(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	h := newTestHost(t)
	_, dst := linkedPair(t, h)
	data, err := dst.PersistenceData()
	require.NoError(t, err)

	// --- Act ---
	require.NoError(t, dst.SetFromPersistenceData(ctx, data))
	again, err := dst.PersistenceData()

	// --- Assert ---
	require.NoError(t, err)
	assert.True(t, again.Equal(data), "got %s\nwant %s", again.Describe(false), data.Describe(false))

	size, _ := data.Field("size")
	n, _ := size.AsInt64()
	assert.EqualValues(t, 2, n)
	members, _ := data.Field("members")
	require.Equal(t, 2, members.Len())
	first, _ := members.Index(0)
	assert.Equal(t, "doubled", str(first, "name"), "members are sorted")
	_, hasData := first.Field("data")
	assert.True(t, hasData)
	second, _ := members.Index(1)
	_, hasData = second.Field("data")
	assert.False(t, hasData, "non-persistent members carry no data")

	conns, _ := data.Field("connections")
	require.Equal(t, 1, conns.Len())
	conn, _ := conns.Index(0)
	assert.Equal(t, "src.out", str(conn, "sourcePort"))
	assert.Equal(t, "in", str(conn, "targetPort"))

	ports, _ := data.Field("ports")
	require.Equal(t, 2, ports.Len())
	port, _ := ports.Index(0)
	assert.Equal(t, "results", str(port, "groupName"))

	require.NoError(t, dst.Evaluate(ctx))
	assert.Equal(t, []int64{6, 8}, ints(t, dst, "doubled"))
}

func TestNode_FileRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	h := newTestHost(t)
	src, dst := linkedPair(t, h)
	require.NoError(t, src.SetMemberPersistence("out", true))
	require.NoError(t, src.SaveToFile(filepath.Join(dir, "src.json")))
	require.NoError(t, dst.SaveToFile(filepath.Join(dir, "dst.json")))

	// Load into a fresh host, downstream first.
	h2 := newTestHost(t)
	dst2 := mustNode(t, h2, "dst")
	require.NoError(t, dst2.LoadFromFile(ctx, filepath.Join(dir, "dst.json")))
	assert.Len(t, h2.PendingLinks(), 1)
	assert.Equal(t, []int64{6, 8}, ints(t, dst2, "doubled"))

	src2 := mustNode(t, h2, "src")
	require.NoError(t, src2.LoadFromFile(ctx, filepath.Join(dir, "src.json")))
	assert.Empty(t, h2.PendingLinks())
	assert.Equal(t, []int64{3, 4}, ints(t, src2, "out"))

	require.NoError(t, src2.DGNode().SetMemberSlice("out", 0, variant.NewSInt32(10)))
	require.NoError(t, dst2.Evaluate(ctx))
	assert.Equal(t, []int64{20, 8}, ints(t, dst2, "doubled"))
	assert.Equal(t, []string{"double"}, dst2.OperatorNames())
	in := mustPortOf(t, dst2, "in")
	assert.Equal(t, ModeIn, in.Mode())
}

func TestNode_LoadKeepsDownstreamConnections(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	h := newTestHost(t)
	src, dst := linkedPair(t, h)
	require.NoError(t, src.SetMemberPersistence("out", true))
	path := filepath.Join(t.TempDir(), "src.json")
	require.NoError(t, src.SaveToFile(path))

	// --- Act ---
	require.NoError(t, src.LoadFromFile(ctx, path))

	// --- Assert ---
	assert.Empty(t, h.PendingLinks())
	in := mustPortOf(t, dst, "in")
	require.True(t, in.IsConnected())
	other, err := in.Connection(0)
	require.NoError(t, err)
	assert.Equal(t, "src.out", other.Key())
	assert.True(t, mustPortOf(t, src, "out").IsConnected())

	require.NoError(t, src.DGNode().SetMemberSlice("out", 1, variant.NewSInt32(7)))
	require.NoError(t, dst.Evaluate(ctx))
	assert.Equal(t, []int64{6, 14}, ints(t, dst, "doubled"))
}

func TestNode_Lifecycle(t *testing.T) {
	h := newTestHost(t)
	src, dst := linkedPair(t, h)

	require.NoError(t, dst.SetName("renamed"))
	got, err := h.Node("renamed")
	require.NoError(t, err)
	assert.Same(t, dst, got)
	_, err = h.Node("dst")
	assert.True(t, errors.Is(err, dgerr.ErrNotFound))

	require.NoError(t, src.Destroy())
	assert.False(t, mustPortOf(t, dst, "in").IsConnected())
	assert.Equal(t, []string{"renamed"}, h.NodeNames())
	assert.True(t, errors.Is(src.Evaluate(context.Background()), dgerr.ErrInvalidHandle))

	require.NoError(t, dst.Clear())
	assert.Empty(t, dst.PortNames())
	names, err := dst.DGNode().MemberNames()
	require.NoError(t, err)
	assert.Empty(t, names)
}
