package cli

import (
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vk/dgsplice/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

type flagValues struct {
	configPath      string
	logFormat       string
	logLevel        string
	guarded         bool
	optimization    string
	rtFolders       []string
	extFolders      []string
	extensions      []string
	logWarnings     bool
	instrument      bool
	evaluate        []string
	output          bool
	healthcheckPort int
	statusURL       string
	statusEvent     string
	watch           bool
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	var (
		fv     flagValues
		config *app.Config
		ran    bool
	)

	cmd := &cobra.Command{
		Use:   "dgsplice [flags] SCENE_PATH...",
		Short: "Builds and evaluates dependency graphs described by HCL scene files.",
		Long: `dgsplice - builds splice nodes, ports and operators from HCL scene files,
evaluates them and optionally keeps serving health, metrics and operator reloads.

SCENE_PATH is a single .hcl file or a directory containing .hcl files.`,
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, positional []string) error {
			ran = true
			cfg, err := buildConfig(cmd, &fv, positional)
			if err != nil {
				return err
			}
			if len(cfg.ScenePaths) == 0 {
				slog.Debug("No scene path provided, printing usage and exiting.")
				return cmd.Usage()
			}
			config, err = app.NewConfig(cfg)
			return err
		},
	}
	cmd.SetArgs(args)
	cmd.SetOut(output)
	cmd.SetErr(output)

	flags := cmd.Flags()
	flags.StringVarP(&fv.configPath, "config", "c", "", "Path to a YAML config file. Flags override its values.")
	flags.StringVar(&fv.logFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")
	flags.StringVar(&fv.logLevel, "log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	flags.BoolVar(&fv.guarded, "guarded", false, "Fail operator calls on out-of-range narrowing and indexing.")
	flags.StringVar(&fv.optimization, "optimization", "background", "Operator analysis. Options: 'background', 'synchronous', 'none'.")
	flags.StringSliceVar(&fv.rtFolders, "rt-folder", nil, "Folder of HCL type definitions. Repeatable.")
	flags.StringSliceVar(&fv.extFolders, "ext-folder", nil, "Folder of HCL extensions. Repeatable.")
	flags.StringSliceVar(&fv.extensions, "extension", nil, "Extension to load into the client. Repeatable.")
	flags.BoolVar(&fv.logWarnings, "log-warnings", false, "Report operator compile warnings, not only errors.")
	flags.BoolVar(&fv.instrument, "instrument", false, "Log the time spent in each operator after every evaluation.")
	flags.StringSliceVarP(&fv.evaluate, "evaluate", "e", nil, "Nodes to evaluate. Defaults to every node.")
	flags.BoolVarP(&fv.output, "output", "o", false, "Print the persistence data of the evaluated nodes as JSON.")
	flags.IntVar(&fv.healthcheckPort, "healthcheck-port", 0, "Port for the /health and /metrics server. 0 is disabled.")
	flags.StringVar(&fv.statusURL, "status-url", "", "socket.io URL status messages are forwarded to.")
	flags.StringVar(&fv.statusEvent, "status-event", "", "socket.io event name for status messages.")
	flags.BoolVarP(&fv.watch, "watch", "w", false, "Reload operator source files on change and re-evaluate until interrupted.")

	if err := cmd.Execute(); err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	if !ran || config == nil {
		// Help, version or usage was printed.
		return nil, true, nil
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}

// buildConfig starts from the config file, if any, and applies every flag
// the user set explicitly. Positional scene paths replace configured ones.
func buildConfig(cmd *cobra.Command, fv *flagValues, positional []string) (app.Config, error) {
	var cfg app.Config
	if fv.configPath != "" {
		loaded, err := app.LoadConfigFile(fv.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	setString := func(name string, dst *string, v string) {
		if changed(name) || *dst == "" {
			*dst = v
		}
	}
	setString("log-format", &cfg.LogFormat, strings.ToLower(fv.logFormat))
	setString("log-level", &cfg.LogLevel, strings.ToLower(fv.logLevel))
	setString("optimization", &cfg.Optimization, strings.ToLower(fv.optimization))
	if changed("status-url") {
		cfg.StatusURL = fv.statusURL
	}
	if changed("status-event") {
		cfg.StatusEvent = fv.statusEvent
	}
	if changed("guarded") {
		cfg.Guarded = fv.guarded
	}
	if changed("output") {
		cfg.Output = fv.output
	}
	if changed("watch") {
		cfg.Watch = fv.watch
	}
	if changed("healthcheck-port") {
		cfg.HealthcheckPort = fv.healthcheckPort
	}
	if changed("rt-folder") {
		cfg.RTFolders = fv.rtFolders
	}
	if changed("ext-folder") {
		cfg.ExtFolders = fv.extFolders
	}
	if changed("extension") {
		cfg.Extensions = fv.extensions
	}
	if changed("log-warnings") {
		cfg.LogWarnings = fv.logWarnings
	}
	if changed("instrument") {
		cfg.Instrument = fv.instrument
	}
	if changed("evaluate") {
		cfg.Evaluate = fv.evaluate
	}
	if len(positional) > 0 {
		cfg.ScenePaths = positional
	}
	return cfg, nil
}
