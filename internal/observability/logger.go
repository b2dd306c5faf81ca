package observability

import (
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
)

var (
	// CLILogger is used for CLI commands (SIMPLE profile)
	CLILogger *logging.Logger

	// ServerLogger is used by serve and the HTTP surfaces (STRUCTURED profile)
	ServerLogger *logging.Logger
)

// InitCLILogger initializes the CLI logger with SIMPLE profile
func InitCLILogger(serviceName string, verbose bool) {
	logger, err := logging.NewCLI(serviceName)
	if err != nil {
		exitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize CLI logger", err)
	}

	if verbose {
		logger.SetLevel(logging.DEBUG)
	}

	CLILogger = logger
}

// ServerLoggerOptions shapes the server logger.
type ServerLoggerOptions struct {
	Service string
	// Level is one of trace, debug, info, warn, error.
	Level string
	// Profile is simple (console lines) or structured (JSON).
	Profile     string
	Namespace   string
	Environment string
}

// InitServerLogger initializes the server logger.
func InitServerLogger(opts ServerLoggerOptions) {
	config := serverLoggerConfig(opts)

	logger, err := logging.New(config)
	if err != nil {
		exitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize server logger", err)
	}

	ServerLogger = logger
}

func serverLoggerConfig(opts ServerLoggerOptions) *logging.LoggerConfig {
	staticFields := make(map[string]any)
	if opts.Namespace != "" {
		staticFields["namespace"] = opts.Namespace
	}
	environment := opts.Environment
	if environment == "" {
		environment = "production"
	}

	config := &logging.LoggerConfig{
		Profile:      logging.ProfileStructured,
		DefaultLevel: parseLogLevel(opts.Level),
		Service:      opts.Service,
		Environment:  environment,
		StaticFields: staticFields,
		Middleware: []logging.MiddlewareConfig{
			{
				Name:    "correlation",
				Enabled: true,
				Order:   100,
				Config:  make(map[string]any),
			},
		},
		Sinks: []logging.SinkConfig{
			{
				Type:   "console",
				Format: "json",
				Console: &logging.ConsoleSinkConfig{
					Stream:   "stderr",
					Colorize: false,
				},
			},
		},
		EnableCaller:     true,
		EnableStacktrace: true,
	}

	if strings.EqualFold(strings.TrimSpace(opts.Profile), "simple") {
		config.Profile = logging.ProfileSimple
		config.Middleware = nil
		config.Sinks[0].Format = "console"
		config.EnableCaller = false
		config.EnableStacktrace = false
	}
	return config
}

// fieldLogger is the method set shared by *logging.Logger and *zap.Logger.
type fieldLogger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// ComponentLogger tags every entry with a component name.
type ComponentLogger struct {
	base      fieldLogger
	component zap.Field
}

// Component returns a logger for one core component. It writes to the server
// logger when set, then the CLI logger, and discards otherwise.
func Component(name string) *ComponentLogger {
	var base fieldLogger = zap.NewNop()
	switch {
	case ServerLogger != nil:
		base = ServerLogger
	case CLILogger != nil:
		base = CLILogger
	}
	return &ComponentLogger{base: base, component: zap.String("component", name)}
}

func (l *ComponentLogger) Debug(msg string, fields ...zap.Field) {
	l.base.Debug(msg, append(fields, l.component)...)
}

func (l *ComponentLogger) Info(msg string, fields ...zap.Field) {
	l.base.Info(msg, append(fields, l.component)...)
}

func (l *ComponentLogger) Warn(msg string, fields ...zap.Field) {
	l.base.Warn(msg, append(fields, l.component)...)
}

func (l *ComponentLogger) Error(msg string, fields ...zap.Field) {
	l.base.Error(msg, append(fields, l.component)...)
}

// parseLogLevel converts string log level to logging severity string
func parseLogLevel(levelStr string) string {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "trace":
		return "TRACE"
	case "debug":
		return "DEBUG"
	case "warn", "warning":
		return "WARN"
	case "error":
		return "ERROR"
	default:
		return "INFO"
	}
}

// exitWithCodeStderr exits with a semantic exit code before any logger exists.
func exitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "FATAL: %s\n", msg)
	}

	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		os.Exit(int(exitCode))
	}
	fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
	os.Exit(info.Code)
}
