package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vk/dgsplice/internal/core"
	"github.com/vk/dgsplice/internal/ctxlog"
	"github.com/vk/dgsplice/internal/scene"
	"github.com/vk/dgsplice/internal/splice"
	"github.com/vk/dgsplice/internal/statusrelay"
	"github.com/vk/dgsplice/internal/variant"
)

// Run executes the main application logic based on the App's configuration.
// With Watch set it keeps running until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	cfg := a.config
	a.logger.Debug("App.Run method started.")

	if cfg.HealthcheckPort > 0 {
		handler, shutdown, err := initMetrics(ctx, Version)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				a.logger.Warn("Meter provider shutdown failed.", "error", err)
			}
		}()
		a.metricsHandler = handler
		if err := a.startHealthcheckServer(cfg.HealthcheckPort); err != nil {
			return err
		}
		defer a.closeHealthcheckServer(ctx)
	}

	proc, err := core.Initialize(core.ProcessConfig{
		Logger:            a.logger,
		LoggingFunc:       engineLogFunc(a.logger, slog.LevelDebug),
		LogErrorFunc:      engineLogFunc(a.logger, slog.LevelError),
		CompilerErrorFunc: compilerErrorFunc(a.logger),
		RTFolders:         cfg.RTFolders,
		ExtFolders:        cfg.ExtFolders,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize process: %w", err)
	}
	defer proc.Finalize()

	host, closeHost, err := a.newHost(ctx, proc)
	if err != nil {
		return err
	}
	defer closeHost()

	a.logger.Debug("Loading scene...", "paths", cfg.ScenePaths)
	model, err := scene.Load(ctx, cfg.ScenePaths...)
	if err != nil {
		return fmt.Errorf("failed to load scene: %w", err)
	}
	if _, err := scene.Apply(ctx, model, host); err != nil {
		return fmt.Errorf("failed to build scene: %w", err)
	}
	ok, report, err := host.CheckErrors(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("scene has errors: %s", report.Describe(false))
	}

	if err := a.evaluate(ctx, host); err != nil {
		return err
	}

	if cfg.Watch {
		return a.watch(ctx, host, func(ctx context.Context, _ []string) error {
			return a.evaluate(ctx, host)
		})
	}
	a.logger.Debug("App.Run method finished.")
	return nil
}

// newHost creates the splice host, forwarding status messages to the log
// and, when configured, to the status relay.
func (a *App) newHost(ctx context.Context, proc *core.Process) (*splice.Host, func(), error) {
	cfg := a.config
	optimization, err := core.ParseOptimization(cfg.Optimization)
	if err != nil {
		return nil, nil, err
	}

	var status core.StatusFunc = func(topic, message string) {
		a.logger.Info("Status message.", "topic", topic, "message", message)
	}
	var relay *statusrelay.Relay
	if cfg.StatusURL != "" {
		relay, err = statusrelay.Dial(ctx, statusrelay.Options{URL: cfg.StatusURL, Event: cfg.StatusEvent})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect status relay: %w", err)
		}
		status = relay.Chain(status)
	}

	host, err := splice.NewHost(ctx, proc, splice.HostOptions{
		Guarded:      cfg.Guarded,
		Optimization: optimization,
		Extensions:   cfg.Extensions,
		ReportFunc: func(message string) {
			a.logger.Info("Operator report.", "message", message)
		},
		StatusFunc:  status,
		LogWarnings: cfg.LogWarnings,
	})
	if err != nil {
		if relay != nil {
			relay.Close()
		}
		return nil, nil, fmt.Errorf("failed to create host: %w", err)
	}
	if optimization == core.OptimizeBackground {
		if err := host.Client().EnableBackgroundTasks(); err != nil {
			host.Close()
			if relay != nil {
				relay.Close()
			}
			return nil, nil, err
		}
	}

	closeHost := func() {
		host.Close()
		if relay != nil {
			relay.Close()
		}
	}
	return host, closeHost, nil
}

// evaluate evaluates the configured nodes, flushes status messages and
// optionally prints the nodes' persistence data.
func (a *App) evaluate(ctx context.Context, host *splice.Host) error {
	names := a.config.Evaluate
	if len(names) == 0 {
		names = host.NodeNames()
	}
	if len(names) == 0 {
		a.logger.Warn("No nodes found in scene, evaluation not required.")
		return nil
	}

	a.logger.Info("🚀 Evaluating nodes...", "nodes", names)
	start := time.Now()
	if a.config.Instrument {
		if err := host.Client().StartInstrumentation(); err != nil {
			return err
		}
	}
	for _, name := range names {
		n, err := host.Node(name)
		if err != nil {
			return err
		}
		if err := n.Evaluate(ctx); err != nil {
			return fmt.Errorf("evaluation of node '%s' failed: %w", name, err)
		}
	}
	delivered := host.Client().Idle()
	if err := host.Client().TakePendingError(); err != nil {
		a.logger.Warn("Background optimization failed.", "error", err)
	}
	a.logger.Info("🏁 Evaluation finished.", "nodes", len(names), "status_messages", delivered, "duration", time.Since(start))
	if a.config.Instrument {
		if err := a.logTiming(host); err != nil {
			return err
		}
	}

	if a.config.Output {
		return a.writeOutput(host, names)
	}
	return nil
}

// writeOutput prints one JSON object mapping node names to their
// persistence data.
func (a *App) writeOutput(host *splice.Host, names []string) error {
	out := variant.NewDict()
	for _, name := range names {
		n, err := host.Node(name)
		if err != nil {
			return err
		}
		data, err := n.PersistenceData()
		if err != nil {
			return fmt.Errorf("failed to collect data of node '%s': %w", name, err)
		}
		if err := out.SetField(name, data); err != nil {
			return err
		}
	}
	raw, err := out.ToJSON()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err = a.outW.Write(buf.Bytes())
	return err
}

// logTiming stops instrumentation and logs the time spent per operator.
func (a *App) logTiming(host *splice.Host) error {
	timing, err := host.Client().StopInstrumentation(core.TimingSimple)
	if err != nil || timing.IsNull() {
		return err
	}
	return timing.Range(func(key, val *variant.Variant) bool {
		name, _ := key.Str()
		seconds, _ := val.AsFloat64()
		a.logger.Info("Operator timing.", "operator", name, "seconds", seconds)
		return true
	})
}
