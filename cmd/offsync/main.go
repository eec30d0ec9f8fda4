package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"offsync/internal/config"
	"offsync/internal/conflict"
	"offsync/internal/constants"
	"offsync/internal/database"
	"offsync/internal/engine"
	"offsync/internal/identity"
	"offsync/internal/models"
	"offsync/internal/privacy"
	"offsync/internal/retry"
	"offsync/internal/tracing"
	"offsync/internal/transport"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable debug logging")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("offsync %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting offsync")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyLogLevel(logger, cfg.LogLevel, *verbose)

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, name := range cfg.Collections {
		if err := db.EnsureCollection(ctx, name); err != nil {
			return fmt.Errorf("failed to create collection %q: %w", name, err)
		}
	}

	devices := identity.NewProvider(db, cfg.DeviceID, logger)
	deviceID, err := devices.DeviceID(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve device id: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"device_id": privacy.MaskDeviceID(deviceID),
		"api_url":   privacy.MaskURL(cfg.Remote.APIURL),
		"ws_url":    privacy.MaskURL(cfg.Remote.WSURL),
	}).Info("Device identity resolved")

	remote, err := transport.New(transport.ConfigFrom(cfg.Remote, deviceID), logger)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	// A nil *Channel must not reach the engine as a non-nil interface.
	var channel engine.Channel
	if cfg.Remote.WSURL != "" {
		channel = remote.Channel
	} else {
		logger.Info("No websocket URL configured; running on the sync interval only")
	}

	engineCfg, err := engine.ConfigFrom(cfg.Sync)
	if err != nil {
		return fmt.Errorf("invalid sync configuration: %w", err)
	}
	engineCfg.RequestTimeout = time.Duration(cfg.Remote.TimeoutSec) * time.Second

	eng, err := engine.New(db, remote.HTTPClient, channel, devices, engineCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create sync engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync engine: %w", err)
	}
	defer eng.Stop()

	watcher := config.NewConfigWatcher(*configPath, logger)
	watcher.OnConfigChange(func(next *models.Config) {
		applyLiveConfig(next, eng, logger, *verbose)
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	var server *Server
	if cfg.Server.Enabled {
		server = NewServer(cfg.Server, eng, db, logger)
		go func() {
			if err := server.Start(); err != nil {
				serverErrCh <- fmt.Errorf("server error: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server gracefully: %w", err)
		}
	}

	logger.Info("Shutdown completed")
	return nil
}

// openDatabase retries opening the store; SQLite may be briefly locked by
// another process on startup.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoffConfig := retry.FromRetryConfig(cfg.Retry)
	backoffConfig.MaxAttempts = constants.DefaultDatabaseRetryAttempts

	var db *database.Database
	err := retry.NewBackoff(backoffConfig).Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path, database.WithLogger(logger))
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}

func applyLogLevel(logger *logrus.Logger, level string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	if level == "" {
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", level)
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	logger.SetLevel(parsed)
}

// tunable is the part of the engine that follows configuration reloads.
type tunable interface {
	SetPolicy(p conflict.Policy)
	SetInterval(d time.Duration)
}

// applyLiveConfig applies the settings that can change without a restart.
func applyLiveConfig(next *models.Config, eng tunable, logger *logrus.Logger, verbose bool) {
	applyLogLevel(logger, next.LogLevel, verbose)

	engineCfg, err := engine.ConfigFrom(next.Sync)
	if err != nil {
		logger.WithError(err).Warn("Ignoring reloaded sync settings")
		return
	}
	eng.SetPolicy(engineCfg.Policy)
	eng.SetInterval(engineCfg.Interval)
}
