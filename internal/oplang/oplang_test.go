package oplang

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

const scaleSrc = `
operator "scale" {
  parameter "value" { mode = "in" }
  parameter "factor" { mode = "in" }
  parameter "scaled" { mode = "out" }
  exec = [report("scaling slice ${slice.index} of ${slice.count}")]
  result {
    scaled = value * factor
  }
}

operator "bump" {
  parameter "counter" {}
  result {
    counter = counter + 1
  }
}
`

func compileOK(t *testing.T, env *Env, src, entry string) *Program {
	t.Helper()
	prog, diags := Compile(env, "ops.hcl", []byte(src), entry)
	require.False(t, HasErrors(diags), "unexpected diagnostics: %v", diags)
	require.NotNil(t, prog)
	return prog
}

func TestParseMode(t *testing.T) {
	testCases := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"", ModeIO, true},
		{"IN", ModeIn, true},
		{"out", ModeOut, true},
		{" io ", ModeIO, true},
		{"sideways", ModeIO, false},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseMode(tc.in)
			if !tc.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
	assert.True(t, ModeIn.Reads())
	assert.False(t, ModeIn.Writes())
	assert.False(t, ModeOut.Reads())
	assert.True(t, ModeIO.Writes())
}

func TestCompile_SelectsEntryPoint(t *testing.T) {
	env := NewEnv()

	prog := compileOK(t, env, scaleSrc, "scale")
	assert.Equal(t, "scale", prog.Entry)
	require.Len(t, prog.Params, 3)
	assert.Equal(t, ModeOut, prog.Params[2].Mode)
	assert.Equal(t, []string{"report"}, prog.Info().CalledFunctions())
	assert.Equal(t, []string{"factor", "slice", "value"}, prog.Info().RootNames())

	bump := compileOK(t, env, scaleSrc, "bump")
	assert.Equal(t, ModeIO, bump.Params[0].Mode)
}

func TestCompile_Diagnostics(t *testing.T) {
	env := NewEnv()

	testCases := []struct {
		name    string
		src     string
		entry   string
		message string
	}{
		{"syntax error", `operator "x" {`, "x", ""},
		{"missing entry", scaleSrc, "nope", "No operator block named"},
		{"unknown variable", `operator "x" {
  parameter "a" {}
  result { a = b }
}`, "x", "Unknown variable"},
		{"unknown function", `operator "x" {
  parameter "a" {}
  result { a = frobnicate(a) }
}`, "x", "no function named"},
		{"result for input", `operator "x" {
  parameter "a" { mode = "in" }
  result { a = 1 }
}`, "x", "cannot be assigned"},
		{"bad mode", `operator "x" {
  parameter "a" { mode = "both" }
}`, "x", "Invalid parameter mode"},
		{"duplicate parameter", `operator "x" {
  parameter "a" {}
  parameter "a" {}
}`, "x", "Duplicate parameter"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			prog, diags := Compile(env, "bad.hcl", []byte(tc.src), tc.entry)
			assert.Nil(t, prog)
			require.True(t, HasErrors(diags))
			if tc.message != "" {
				found := false
				for _, d := range diags {
					if d.Severity == "error" && strings.Contains(d.Message, tc.message) {
						found = true
					}
				}
				assert.True(t, found, "no diagnostic mentioning %q in %v", tc.message, diags)
			}
		})
	}
}

func TestCompile_UnknownFunctionPointsAtCall(t *testing.T) {
	_, diags := Compile(NewEnv(), "bad.hcl", []byte(`operator "x" {
  parameter "a" {}
  result { a = frobnicate(a) }
}`), "x")

	require.True(t, HasErrors(diags))
	d := diags[0]
	assert.Equal(t, "bad.hcl", d.Filename)
	assert.Equal(t, 3, d.Line)
	assert.Equal(t, 16, d.Column)
}

func TestCompile_WarnsOnUnassignedOutput(t *testing.T) {
	prog, diags := Compile(NewEnv(), "w.hcl", []byte(`operator "x" {
  parameter "o" { mode = "out" }
}`), "x")
	require.NotNil(t, prog)
	require.Len(t, diags, 1)
	assert.Equal(t, "warning", diags[0].Severity)
}

func TestProgram_Run(t *testing.T) {
	env := NewEnv()
	prog := compileOK(t, env, scaleSrc, "scale")

	var reports []string
	inv := env.NewInvocation(true, func(msg string) { reports = append(reports, msg) })
	inv.Slice, inv.Count = 2, 8

	out, err := prog.Run(inv, map[string]cty.Value{
		"value":  cty.NumberIntVal(21),
		"factor": cty.NumberIntVal(2),
	})
	require.NoError(t, err)
	assert.True(t, out["scaled"].RawEquals(cty.NumberIntVal(42)))
	assert.NotContains(t, out, "value", "input parameters are never written back")
	assert.Equal(t, []string{"scaling slice 2 of 8"}, reports)
}

func TestProgram_RunKeepsUnassignedIO(t *testing.T) {
	env := NewEnv()
	prog := compileOK(t, env, `operator "x" {
  parameter "a" {}
  parameter "b" {}
  result { a = b }
}`, "x")

	out, err := prog.Run(env.NewInvocation(true, nil), map[string]cty.Value{
		"a": cty.StringVal("old"),
		"b": cty.StringVal("new"),
	})
	require.NoError(t, err)
	assert.Equal(t, "new", out["a"].AsString())
	assert.Equal(t, "new", out["b"].AsString())
}

func TestProgram_GuardedIndexing(t *testing.T) {
	env := NewEnv()
	prog := compileOK(t, env, `operator "pick" {
  parameter "items" { mode = "in" }
  parameter "picked" { mode = "out" }
  result { picked = at(items, 5) }
}`, "pick")
	args := map[string]cty.Value{
		"items": cty.ListVal([]cty.Value{cty.NumberIntVal(1), cty.NumberIntVal(2)}),
	}

	_, err := prog.Run(env.NewInvocation(true, nil), args)
	assert.ErrorIs(t, err, dgerr.ErrSizeMismatch)

	out, err := prog.Run(env.NewInvocation(false, nil), args)
	require.NoError(t, err)
	assert.True(t, out["picked"].RawEquals(cty.NumberIntVal(2)), "unguarded access clamps")
}

func TestProgram_Select(t *testing.T) {
	env := NewEnv()
	withSel := compileOK(t, env, `operator "s" {
  parameter "v" { mode = "in" }
  select = v * 2
}`, "s")
	assert.True(t, withSel.HasSelector())

	got, err := withSel.Select(env.NewInvocation(true, nil), map[string]cty.Value{"v": cty.NumberIntVal(4)})
	require.NoError(t, err)
	assert.True(t, got.RawEquals(cty.NumberIntVal(8)))

	noSel := compileOK(t, env, scaleSrc, "bump")
	assert.False(t, noSel.HasSelector())
	got, err = noSel.Select(env.NewInvocation(true, nil), nil)
	require.NoError(t, err)
	assert.True(t, got.IsNull())
}

func TestExprMethod(t *testing.T) {
	env := NewEnv()
	vec2 := cty.Object(map[string]cty.Type{"x": cty.Number, "y": cty.Number})

	length, err := ExprMethod(env, vec2, nil, `sqrt(this.x * this.x + this.y * this.y)`, "vec2.hcl")
	require.NoError(t, err)
	env.SetLayer("methods", map[string]function.Function{"length": length})

	prog := compileOK(t, env, `operator "len" {
  parameter "p" { mode = "in" }
  parameter "l" { mode = "out" }
  result { l = length(p) }
}`, "len")
	out, err := prog.Run(env.NewInvocation(true, nil), map[string]cty.Value{
		"p": cty.ObjectVal(map[string]cty.Value{"x": cty.NumberIntVal(3), "y": cty.NumberIntVal(4)}),
	})
	require.NoError(t, err)
	f, _ := out["l"].AsBigFloat().Float64()
	assert.InDelta(t, 5.0, f, 1e-12)

	_, err = ExprMethod(env, vec2, nil, `this.x + other`, "bad.hcl")
	assert.ErrorIs(t, err, dgerr.ErrCompileError)
}
