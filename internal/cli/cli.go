package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/specialistvlad/splitgridgo/internal/app"
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

type logFlags struct {
	format, level *string
	healthPort    *int
}

func addLogFlags(fs *flag.FlagSet) logFlags {
	return logFlags{
		healthPort: fs.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled."),
		format:     fs.String("log-format", "json", "Log output format. Options: 'text' or 'json'."),
		level:      fs.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'."),
	}
}

func (l logFlags) validate() (format, level string, err error) {
	format = strings.ToLower(*l.format)
	if format != "text" && format != "json" {
		return "", "", &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	level = strings.ToLower(*l.level)
	switch level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return "", "", &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	return format, level, nil
}

func parseFlags(fs *flag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return true, nil
		}
		return false, &ExitError{Code: 2, Message: err.Error()}
	}
	return false, nil
}

// Parse processes the runtime's command-line arguments. It returns a
// populated Config, a boolean indicating if the program should exit cleanly,
// or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("splitgrid", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
SplitGrid - A graph runtime that splits work between the CPU and an accelerator.

Usage:
  splitgrid [options] [CONFIG_PATH]

Arguments:
  CONFIG_PATH
    Path to a single .hcl file or a directory containing .hcl files.

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to the runtime description file or directory.")
	cFlag := flagSet.String("c", "", "Path to the runtime description file or directory (shorthand).")
	schedulerFlag := flagSet.String("scheduler", "", "Scheduler address: a unix socket path or a socket.io URL. Overrides the runtime block.")
	transportFlag := flagSet.String("transport", "", "Scheduler transport. Options: 'unix' or 'socketio'.")
	runtimeIDFlag := flagSet.Int("runtime-id", 0, "Runtime identity to report. 0 lets the scheduler assign one.")
	iterationsFlag := flagSet.Int("iterations", 0, "Number of inferences to run. 0 keeps the runtime block's value.")
	ratioFlag := flagSet.Int("ratio", 0, "CPU share in tenths for co-execution jobs, 1-9. 0 keeps the partition block's value.")
	logs := addLogFlags(flagSet)

	if exit, err := parseFlags(flagSet, args); exit || err != nil {
		return nil, exit, err
	}
	slog.Debug("Arguments parsed successfully.")

	path := ""
	if *configFlag != "" {
		path = *configFlag
	} else if *cFlag != "" {
		path = *cFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	slog.Debug("Config path determined.", "path", path)

	if path == "" {
		slog.Debug("No config path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat, logLevel, err := logs.validate()
	if err != nil {
		return nil, false, err
	}
	transport := strings.ToLower(*transportFlag)
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		ConfigPath:      path,
		Scheduler:       *schedulerFlag,
		Transport:       transport,
		RuntimeID:       *runtimeIDFlag,
		Iterations:      *iterationsFlag,
		Ratio:           *ratioFlag,
		HealthcheckPort: *logs.healthPort,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}

// ParseScheduler processes the scheduler's command-line arguments.
func ParseScheduler(args []string, output io.Writer) (*app.SchedulerConfig, bool, error) {
	flagSet := flag.NewFlagSet("splitgrid-scheduler", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, `
SplitGrid Scheduler - Plans partitioning and arbitrates compute units between runtimes.

Usage:
  splitgrid-scheduler [options]

Options:
`)
		flagSet.PrintDefaults()
	}

	socketFlag := flagSet.String("socket", "/tmp/splitgrid.sock", "Unix socket path runtimes connect to. Empty disables it.")
	sioFlag := flagSet.String("socketio-addr", "", "Listen address of the socket.io gateway, e.g. ':7070'. Empty disables it.")
	namespaceFlag := flagSet.String("namespace", "", "Extra socket.io namespace runtimes may connect to.")
	ratioFlag := flagSet.Int("initial-ratio", 5, "Co-execution ratio of a new runtime's first plan, 1-9.")
	logs := addLogFlags(flagSet)

	if exit, err := parseFlags(flagSet, args); exit || err != nil {
		return nil, exit, err
	}
	if flagSet.NArg() > 0 {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("unexpected argument %q", flagSet.Arg(0))}
	}
	logFormat, logLevel, err := logs.validate()
	if err != nil {
		return nil, false, err
	}

	config, err := app.NewSchedulerConfig(app.SchedulerConfig{
		SocketPath:      *socketFlag,
		SocketIOAddr:    *sioFlag,
		Namespace:       *namespaceFlag,
		InitialRatio:    *ratioFlag,
		HealthcheckPort: *logs.healthPort,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Scheduler CLI parser finished successfully.", "config", config)
	return config, false, nil
}
