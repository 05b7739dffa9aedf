package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/exporters/autoexport"
	logGlobal "go.opentelemetry.io/otel/log/global"
	logSdk "go.opentelemetry.io/otel/sdk/log"

	kitconfig "github.com/italypaleale/tunequeue/config"
	slogkit "github.com/italypaleale/tunequeue/slog"
)

// InitLogsOpts contains options for the InitLogs method
type InitLogsOpts struct {
	// Log level: "debug", "info", "warn", "error", or an empty string (defaults to "info")
	Level string
	// If true, logs as JSON by default
	JSON bool
	// If set, the level is stored in this variable, which allows changing it at runtime
	LevelVar *slog.LevelVar
	// Destination for logs; defaults to os.Stdout
	Writer io.Writer

	Config     kitconfig.Base
	AppName    string
	AppVersion string
}

// InitLogs initializes a new slog logger and configures it using OpenTelemetry if needed.
func InitLogs(ctx context.Context, opts InitLogsOpts) (log *slog.Logger, shutdownFn func(ctx context.Context) error, err error) {
	// Get the level
	lvl, err := slogkit.ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, kitconfig.NewConfigError("Invalid value for 'logLevel'", "Invalid configuration")
	}
	level := opts.LevelVar
	if level == nil {
		level = &slog.LevelVar{}
	}
	level.Set(lvl)

	out := opts.Writer
	if out == nil {
		out = os.Stdout
	}

	// Create the handler
	var handler slog.Handler
	switch {
	case opts.JSON:
		// Log as JSON if configured
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: level,
		})
	case out == os.Stdout && isatty.IsTerminal(os.Stdout.Fd()):
		// Enable colors if we have a TTY
		handler = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.StampMilli,
		})
	default:
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{
			Level: level,
		})
	}

	// Create a handler that sends logs to OTel too
	// We wrap the handler in a "fanout" handler that sends logs to both
	resource, err := otelResource(opts.Config, opts.AppName)
	if err != nil {
		return nil, nil, err
	}

	disableExporterIfUnset("OTEL_LOGS_EXPORTER")
	exp, err := autoexport.NewLogExporter(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OpenTelemetry log exporter: %w", err)
	}

	// Create the logger provider
	provider := logSdk.NewLoggerProvider(
		logSdk.WithProcessor(
			logSdk.NewBatchProcessor(exp),
		),
		logSdk.WithResource(resource),
	)

	// Set the logger provider globally
	logGlobal.SetLoggerProvider(provider)

	// Wrap the handler in a MultiHandler for fanout
	handler = slog.NewMultiHandler(
		handler,
		otelslog.NewHandler(opts.AppName, otelslog.WithLoggerProvider(provider)),
	)

	// Return a function to invoke during shutdown
	shutdownFn = provider.Shutdown

	log = slog.New(handler).
		With(slog.String("app", opts.AppName)).
		With(slog.String("version", opts.AppVersion))

	return log, shutdownFn, nil
}
