package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_SceneSyntaxError(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	invalidHCL := `
		node "A" {
			member "x" {
		// Missing closing brace here
	`
	tempDir := t.TempDir()
	filePath := filepath.Join(tempDir, "main.hcl")
	err := os.WriteFile(filePath, []byte(invalidHCL), 0600)
	require.NoError(t, err, "failed to set up test file")
	out := &bytes.Buffer{}

	// --- Act ---
	runErr := run(context.Background(), out, &bytes.Buffer{}, []string{filePath})

	// --- Assert ---
	require.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "failed to load scene")
	assert.Contains(t, runErr.Error(), "failed to parse")
}

func TestRun_ShouldExit(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(context.Background(), out, &bytes.Buffer{}, []string{"-h"})

	// --- Assert ---
	require.NoError(t, err, "run() should return a nil error when shouldExit is true")
	require.Contains(t, out.String(), "Usage:", "Expected help text to be printed to the output buffer")
}

func TestRun_ParseError(t *testing.T) {
	t.Parallel()

	err := run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, []string{"--this-is-not-a-valid-flag"})

	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown flag: --this-is-not-a-valid-flag")
}

func TestRun_Output(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	scene := `
node "greeter" {
  size = 2
  member "n" {
    type       = "SInt32"
    default    = 20
    persistent = true
  }
  member "m" {
    type       = "SInt32"
    persistent = true
  }
  operator "inc" { source = "operator \"inc\" {\n  parameter \"n\" { mode = \"in\" }\n  parameter \"m\" { mode = \"out\" }\n  result { m = n + 1 }\n}\n" }
}
`
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scene.hcl"), []byte(scene), 0o644))
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(context.Background(), out, &bytes.Buffer{}, []string{"-o", "--optimization", "none", dir})

	// --- Assert ---
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"greeter"`)
	assert.Contains(t, out.String(), "21")
}
