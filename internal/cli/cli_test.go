package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("flags", func(t *testing.T) {
		// --- Arrange ---
		args := []string{
			"--log-format", "JSON",
			"--log-level", "debug",
			"--guarded",
			"--optimization", "none",
			"--rt-folder", "types", "--rt-folder", "more",
			"-e", "a,b",
			"-o",
			"--healthcheck-port", "8081",
			"--log-warnings",
			"--instrument",
			"scene.hcl", "ops",
		}
		out := &bytes.Buffer{}

		// --- Act ---
		cfg, exit, err := Parse(args, out)

		// --- Assert ---
		require.NoError(t, err)
		assert.False(t, exit)
		assert.Equal(t, []string{"scene.hcl", "ops"}, cfg.ScenePaths)
		assert.Equal(t, "json", cfg.LogFormat)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.True(t, cfg.Guarded)
		assert.Equal(t, "none", cfg.Optimization)
		assert.Equal(t, []string{"types", "more"}, cfg.RTFolders)
		assert.Equal(t, []string{"a", "b"}, cfg.Evaluate)
		assert.True(t, cfg.Output)
		assert.Equal(t, 8081, cfg.HealthcheckPort)
		assert.True(t, cfg.LogWarnings)
		assert.True(t, cfg.Instrument)
	})

	t.Run("defaults", func(t *testing.T) {
		cfg, exit, err := Parse([]string{"scene.hcl"}, &bytes.Buffer{})
		require.NoError(t, err)
		assert.False(t, exit)
		assert.Equal(t, "text", cfg.LogFormat)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, "background", cfg.Optimization)
		assert.Zero(t, cfg.HealthcheckPort)
		assert.False(t, cfg.Watch)
	})

	t.Run("config file with flag override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "dgsplice.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
scenes: [from-config.hcl]
log_level: warn
optimization: synchronous
watch: true
`), 0o644))

		cfg, _, err := Parse([]string{"--config", path, "--log-level", "error"}, &bytes.Buffer{})

		require.NoError(t, err)
		assert.Equal(t, []string{"from-config.hcl"}, cfg.ScenePaths)
		assert.Equal(t, "error", cfg.LogLevel, "explicit flags win over the file")
		assert.Equal(t, "synchronous", cfg.Optimization, "unset flags keep the file value")
		assert.True(t, cfg.Watch)
	})
}

func TestParse_ShouldExit(t *testing.T) {
	testCases := []struct {
		name string
		args []string
		want string
	}{
		{"help", []string{"-h"}, "Usage:"},
		{"no scene path", nil, "Usage:"},
		{"version", []string{"--version"}, "dgsplice"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			cfg, exit, err := Parse(tc.args, out)
			require.NoError(t, err)
			assert.True(t, exit)
			assert.Nil(t, cfg)
			assert.Contains(t, out.String(), tc.want)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		args    []string
		wantMsg string
	}{
		{"unknown flag", []string{"--this-is-not-a-valid-flag"}, "unknown flag"},
		{"bad log format", []string{"--log-format", "xml", "s.hcl"}, "invalid log-format"},
		{"bad optimization", []string{"--optimization", "eager", "s.hcl"}, "invalid optimization"},
		{"missing config file", []string{"--config", "/does/not/exist.yaml", "s.hcl"}, "failed to read config file"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Parse(tc.args, &bytes.Buffer{})
			var exitErr *ExitError
			require.True(t, errors.As(err, &exitErr), "got %v", err)
			assert.Equal(t, 2, exitErr.Code)
			assert.Contains(t, exitErr.Message, tc.wantMsg)
		})
	}
}
