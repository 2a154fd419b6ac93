package extension

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/oplang"
	"github.com/vk/dgsplice/internal/rt"
	"github.com/zclconf/go-cty/cty"
)

const typesSrc = `
# Declared before its member type on purpose.
type "Segment" {
  member "a" { type = "Vec3" }
  member "b" { type = "Vec3" }
}

type "Vec3" {
  member "x" { type = "Float32" }
  member "y" { type = "Float32" }
  member "z" { type = "Float32" }
  method "norm" {
    body = sqrt(this.x * this.x + this.y * this.y + this.z * this.z)
  }
  method "scaled" {
    params = ["k"]
    body   = { x = this.x * k, y = this.y * k, z = this.z * k }
  }
}

type "Tracker" {
  object = true
  member "at" { type = "Vec3" }
}

alias "Point" { target = "Vec3" }
`

const extSrc = `
extension "Lerp" {
  version = "1.0.0"

  type "Range" {
    member "lo" { type = "Float64" }
    member "hi" { type = "Float64" }
  }

  function "lerp" {
    params = [a, b, t]
    result = a + (b - a) * t
  }
}

extension "Hidden" {
  function "nope" {
    params = []
    result = 0
  }
}
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func loadCatalog(t *testing.T, extFilter FilterFunc) *Catalog {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "rt"), "vec.hcl", typesSrc)
	writeFile(t, filepath.Join(root, "ext"), "lerp.hcl", extSrc)

	cat, err := Load(context.Background(), []string{filepath.Join(root, "rt")}, []string{filepath.Join(root, "ext")}, nil, extFilter)
	require.NoError(t, err)
	return cat
}

func TestLoad_AppliesTypesInDependencyOrder(t *testing.T) {
	// --- Arrange ---
	cat := loadCatalog(t, nil)
	reg := rt.NewRegistry()
	env := oplang.NewEnv()

	// --- Act ---
	err := cat.ApplyTypes(reg, env)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []string{"Segment", "Vec3", "Tracker"}, cat.TypeNames())
	assert.True(t, reg.Has("Segment"))
	point, err := reg.Lookup("Point")
	require.NoError(t, err)
	assert.Equal(t, "Vec3", point.Name)
	assert.True(t, point.Shallow)
	assert.Equal(t, 12, point.Size)
	tracker, err := reg.Lookup("Tracker")
	require.NoError(t, err)
	assert.True(t, tracker.Object)
	assert.False(t, tracker.Shallow)

	fns := env.Functions()
	require.Contains(t, fns, "norm")
	got, err := fns["norm"].Call([]cty.Value{cty.ObjectVal(map[string]cty.Value{
		"x": cty.NumberIntVal(2), "y": cty.NumberIntVal(3), "z": cty.NumberIntVal(6),
	})})
	require.NoError(t, err)
	f, _ := got.AsBigFloat().Float64()
	assert.InDelta(t, 7.0, f, 1e-12)
}

func TestApplyTypes_IsIdempotent(t *testing.T) {
	cat := loadCatalog(t, nil)
	reg := rt.NewRegistry()
	env := oplang.NewEnv()

	require.NoError(t, cat.ApplyTypes(reg, env))
	require.NoError(t, cat.ApplyTypes(reg, env))
}

func TestApplyExtension(t *testing.T) {
	cat := loadCatalog(t, func(name string) bool { return name != "Hidden" })
	reg := rt.NewRegistry()
	env := oplang.NewEnv()

	t.Run("loads types and functions", func(t *testing.T) {
		ext, err := cat.ApplyExtension("Lerp", reg, env)
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", ext.Version)
		assert.True(t, reg.Has("Range"))

		prog, diags := oplang.Compile(env, "use.hcl", []byte(`operator "mix" {
  parameter "v" { mode = "out" }
  result { v = lerp(10, 20, 0.25) }
}`), "mix")
		require.False(t, oplang.HasErrors(diags), "%v", diags)
		out, err := prog.Run(env.NewInvocation(true, nil), nil)
		require.NoError(t, err)
		f, _ := out["v"].AsBigFloat().Float64()
		assert.InDelta(t, 12.5, f, 1e-12)
	})

	t.Run("filtered extension is not found", func(t *testing.T) {
		_, err := cat.ApplyExtension("Hidden", reg, env)
		assert.ErrorIs(t, err, dgerr.ErrNotFound)
	})
}

func TestLoad_Errors(t *testing.T) {
	t.Run("unresolvable member type", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "bad.hcl", `type "Broken" {
  member "m" { type = "Missing" }
}`)
		cat, err := Load(context.Background(), []string{dir}, nil, nil, nil)
		require.NoError(t, err)
		err = cat.ApplyTypes(rt.NewRegistry(), oplang.NewEnv())
		assert.ErrorIs(t, err, dgerr.ErrNotFound)
	})

	t.Run("duplicate extension", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "a.hcl", `extension "Dup" {}`)
		writeFile(t, dir, "b.hcl", `extension "Dup" {}`)
		_, err := Load(context.Background(), nil, []string{dir}, nil, nil)
		assert.ErrorContains(t, err, "already defined")
	})

	t.Run("syntax error", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "a.hcl", `type "X" {`)
		_, err := Load(context.Background(), []string{dir}, nil, nil, nil)
		assert.ErrorContains(t, err, "failed to parse type file")
	})
}
