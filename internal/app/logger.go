package app

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/dgsplice/internal/dgerr"
)

// newLogger creates and configures a new slog.Logger instance. It does not
// set the global logger, allowing for isolated logger instances.
func newLogger(levelStr, formatStr string, outW io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if formatStr == "json" {
		handler = slog.NewJSONHandler(outW, handlerOpts)
	} else {
		handler = slog.NewTextHandler(outW, handlerOpts)
	}
	return slog.New(handler)
}

// engineLogFunc forwards process log lines to logger at the given level.
func engineLogFunc(logger *slog.Logger, level slog.Level) func(string) {
	return func(message string) {
		logger.Log(context.Background(), level, strings.TrimRight(message, "\n"), "source", "engine")
	}
}

// compilerErrorFunc logs every compile diagnostic with its location.
func compilerErrorFunc(logger *slog.Logger) func(dgerr.Diagnostic) {
	return func(d dgerr.Diagnostic) {
		logger.Warn("Operator diagnostic.",
			"severity", d.Severity,
			"file", d.Filename,
			"line", d.Line,
			"column", d.Column,
			"message", d.Message,
		)
	}
}
