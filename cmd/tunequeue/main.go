package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	api "go.opentelemetry.io/otel/metric"

	"github.com/italypaleale/tunequeue/config"
	"github.com/italypaleale/tunequeue/fsnotify"
	"github.com/italypaleale/tunequeue/httpserver"
	"github.com/italypaleale/tunequeue/musicgen"
	"github.com/italypaleale/tunequeue/observability"
	"github.com/italypaleale/tunequeue/requestqueue"
	slogkit "github.com/italypaleale/tunequeue/slog"
	"github.com/italypaleale/tunequeue/tsnetserver"
)

const appName = "tunequeue"

// Set at build time with -ldflags
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.LogFatal(slog.Default())
		}
		slogkit.FatalError(slog.Default(), "Failed to load configuration", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	levelVar := &slog.LevelVar{}
	log, shutdownLogs, err := observability.InitLogs(ctx, observability.InitLogsOpts{
		Level:      cfg.LogLevel,
		JSON:       cfg.LogAsJSON,
		LevelVar:   levelVar,
		Config:     cfg,
		AppName:    appName,
		AppVersion: version,
	})
	if err != nil {
		slogkit.FatalError(slog.Default(), "Failed to initialize logs", err)
		return
	}
	slog.SetDefault(log)

	meter, shutdownMetrics, err := observability.InitMetrics(ctx, observability.InitMetricsOpts{
		Config:  cfg,
		AppName: appName,
	})
	if err != nil {
		slogkit.FatalError(log, "Failed to initialize metrics", err)
		return
	}

	_, shutdownTraces, err := observability.InitTraces(ctx, observability.InitTracesOpts{
		Config:  cfg,
		AppName: appName,
	})
	if err != nil {
		slogkit.FatalError(log, "Failed to initialize traces", err)
		return
	}

	log.Info("Starting "+appName,
		slog.String("config", cfg.GetLoadedConfigPath()),
		slog.String("instanceID", cfg.GetInstanceID()),
	)

	runErr := run(ctx, cfg, log, levelVar, meter)

	// Flush telemetry using a context that is not canceled yet
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = errors.Join(
		shutdownTraces(shutdownCtx),
		shutdownMetrics(shutdownCtx),
		shutdownLogs(shutdownCtx),
	)
	if err != nil {
		log.Warn("Error shutting down telemetry", slog.Any("error", err))
	}

	if runErr != nil {
		slogkit.FatalError(log, "Error running "+appName, runErr)
		return
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger, levelVar *slog.LevelVar, meter api.Meter) error {
	queue, err := requestqueue.New[[]musicgen.Track](&requestqueue.Options{
		Name:       "musicgen",
		MaxPending: cfg.GetMaxPending(),
		Logger:     log,
		Meter:      meter,
	})
	if err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}
	// Closing the queue rejects requests still waiting and waits for the one in progress
	// It's done as soon as shutdown starts, so clients waiting in the queue get a response before the HTTP server stops
	ctx, cancel := context.WithCancel(ctx)
	queueClosed := make(chan struct{})
	go func() {
		defer close(queueClosed)
		<-ctx.Done()
		queue.Close()
	}()
	defer func() {
		cancel()
		<-queueClosed
	}()

	client, err := musicgen.NewClient(musicgen.ClientOptions{
		Endpoint: cfg.Provider.Endpoint,
		APIKey:   cfg.Provider.APIKey,
		Model:    cfg.Provider.Model,
		Timeout:  cfg.Provider.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create provider client: %w", err)
	}

	var cache *musicgen.TrackCache
	if !cfg.Cache.Disabled {
		cache = musicgen.NewTrackCache(&musicgen.TrackCacheOptions{
			CleanupInterval: cfg.Cache.CleanupInterval,
			DefaultTTL:      cfg.Cache.TTL,
			MaxTTL:          cfg.Cache.MaxTTL,
		})
		defer cache.Stop()
	}

	service, err := musicgen.NewService(musicgen.ServiceOptions{
		Generator: client,
		Queue:     queue,
		Cache:     cache,
		CacheTTL:  cfg.Cache.TTL,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := httpserver.NewServer(httpserver.ServerOptions{
		Service: service,
		Logger:  log,
		HostID:  cfg.GetInstanceID(),
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	ln, closeLn, err := listen(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLn()

	if path := cfg.GetLoadedConfigPath(); path != "" {
		err = watchLogLevel(ctx, path, log, levelVar)
		if err != nil {
			// Not fatal: the app works without hot-reloading
			log.Warn("Failed to watch config file", slog.String("path", path), slog.Any("error", err))
		}
	}

	return server.Run(ctx, ln)
}

// listen returns the listener for the HTTP server, on the tailnet if tsnet is enabled or on a local port otherwise.
func listen(ctx context.Context, cfg *config.Config, log *slog.Logger) (net.Listener, func(), error) {
	if !cfg.TSNet.Enabled {
		ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.Port)))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to listen on port %d: %w", cfg.Port, err)
		}
		// The HTTP server closes the listener
		return ln, func() {}, nil
	}

	tsrv, err := tsnetserver.New(ctx, tsnetserver.Options{
		Hostname:      cfg.TSNet.Hostname,
		AuthKey:       cfg.TSNet.AuthKey,
		Ephemeral:     cfg.TSNet.Ephemeral,
		Funnel:        cfg.TSNet.Funnel,
		StateDir:      cfg.TSNet.StateDir,
		AdvertiseTags: cfg.TSNet.Tags,
		DebugLogging:  cfg.TSNet.DebugLogging,
		Logger:        log,
	})
	if err != nil {
		return nil, nil, err
	}

	ln, err := tsrv.Listen(cfg.Port)
	if err != nil {
		_ = tsrv.Close()
		return nil, nil, err
	}

	return ln, func() {
		err := tsrv.Close()
		if err != nil {
			log.Warn("Error closing tsnet server", slog.Any("error", err))
		}
	}, nil
}

// watchLogLevel applies changes to the log level in the config file without restarting.
func watchLogLevel(ctx context.Context, path string, log *slog.Logger, levelVar *slog.LevelVar) error {
	ch, err := fsnotify.WatchFile(ctx, path)
	if err != nil {
		return err
	}

	go func() {
		for range ch {
			reloadLogLevel(path, log, levelVar)
		}
	}()

	return nil
}

// reloadLogLevel reads the log level from the config file and applies it to levelVar.
// Invalid values are logged and leave the current level unchanged.
func reloadLogLevel(path string, log *slog.Logger, levelVar *slog.LevelVar) {
	levelStr, err := config.ReadLogLevel(path)
	if err != nil {
		log.Warn("Ignoring change to config file", slog.Any("error", err))
		return
	}

	level, err := slogkit.ParseLevel(levelStr)
	if err != nil {
		log.Warn("Ignoring invalid log level in config file", slog.String("level", levelStr), slog.Any("error", err))
		return
	}
	if level == levelVar.Level() {
		return
	}
	levelVar.Set(level)
	log.Info("Log level changed", slog.String("level", level.String()))
}
