package app

import (
	"io"
	"log/slog"
	"net/http"
)

// Version is reported in metrics and by the CLI.
var Version = "dev"

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	config *Config

	httpServer     *http.Server
	metricsHandler http.Handler
}

// NewApp is the constructor for the main application. It returns an App
// with its own isolated logger writing to logW; results go to outW.
func NewApp(outW, logW io.Writer, config *Config) *App {
	logger := newLogger(config.LogLevel, config.LogFormat, logW)
	logger.Debug("Logger configured successfully.")
	return &App{
		outW:   outW,
		logger: logger,
		config: config,
	}
}

// Logger returns the application's logger. This is primarily for testing.
func (a *App) Logger() *slog.Logger {
	return a.logger
}
