package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/XavTo/OpenHands-Fork/internal/config"
	"github.com/XavTo/OpenHands-Fork/internal/filestore"
	"github.com/XavTo/OpenHands-Fork/internal/observability"
	"github.com/XavTo/OpenHands-Fork/internal/plugin"
	"github.com/XavTo/OpenHands-Fork/internal/session"
	"github.com/XavTo/OpenHands-Fork/internal/storage"
	pgstore "github.com/XavTo/OpenHands-Fork/internal/storage/postgres"
	sqlitestore "github.com/XavTo/OpenHands-Fork/internal/storage/sqlite"
	"github.com/XavTo/OpenHands-Fork/internal/workspace"
)

// SharedComponents holds all initialized subsystems the serve command
// requires. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Environment config.Environment
	BaseConfig  *config.RuntimeConfig // Environment-level resolution, no overrides.
	Logger      *slog.Logger
	Layout      *workspace.Layout
	Store       storage.Store
	Files       filestore.Store
	Plugins     *plugin.Registry
	Obs         *observability.Observability
	Sessions    *session.Manager

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization for serve mode.
// Callers must call sc.Cleanup() when done.
func initShared(configPath string, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Logger: logger}

	// Environment layer: process env, optionally underlaid by a config file.
	env, err := config.FromEnvironment(config.Snapshot(os.Environ()))
	if err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if configPath != "" {
		if _, statErr := os.Stat(configPath); statErr == nil {
			env, err = config.LoadFile(configPath, env)
			if err != nil {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
			logger.Debug("config file loaded", slog.String("path", configPath))
		}
	}
	sc.Environment = env

	// Environment-level resolution validates settings and ensures paths.
	base, err := config.Resolve(env, config.Overrides{})
	if err != nil {
		return nil, fmt.Errorf("resolving configuration: %w", err)
	}
	sc.BaseConfig = base
	logger.Debug("configuration resolved",
		slog.String("runtime", string(base.RuntimeMode)),
		slog.String("network", string(base.NetworkMode)),
		slog.String("file_store", string(base.FileStore)),
		slog.String("session_store", base.SessionStoreDriver),
	)

	// Directory layout.
	layout, err := workspace.Default()
	if err != nil {
		return nil, fmt.Errorf("initializing workspace layout: %w", err)
	}
	if err := layout.EnsureAll(); err != nil {
		return nil, fmt.Errorf("creating workspace directories: %w", err)
	}
	sc.Layout = layout
	logger.Debug("workspace layout initialized", slog.String("root", layout.Root))

	// Observability.
	obs, err := observability.New(obsConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	// Session store (SQLite default, PostgreSQL optional).
	store, err := initStore(base, layout, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing session store: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing session store", slog.String("error", err.Error()))
		}
	})

	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("session store ready", slog.String("driver", store.Driver()))

	// File store.
	files, err := filestore.New(base, logger, obs.Metrics)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing file store: %w", err)
	}
	sc.Files = files
	logger.Debug("file store initialized", slog.String("backend", string(base.FileStore)))

	// Plugin registry.
	sc.Plugins = plugin.Default()
	logger.Debug("plugins registered", slog.Any("plugins", sc.Plugins.Names()))

	// Session manager.
	sessions := session.NewManager(session.Options{
		Environment: env,
		Store:       store,
		Files:       files,
		Plugins:     sc.Plugins,
		Logger:      logger,
		Metrics:     obs.Metrics,
	})
	sc.Sessions = sessions
	sc.addCleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sessions.Close(closeCtx); err != nil {
			logger.Error("closing session manager", slog.String("error", err.Error()))
		}
	})

	// Sessions left over from a previous run cannot be reattached.
	if err := sessions.Recover(context.Background()); err != nil {
		logger.Warn("session recovery incomplete", slog.String("error", err.Error()))
	}
	if err := sessions.StartReaper(); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("starting session reaper: %w", err)
	}

	// Readiness checks.
	obs.Health.AddCheck("session_store", func(ctx context.Context) error {
		return store.Ping(ctx)
	})
	obs.Health.AddCheck("file_store", func(ctx context.Context) error {
		_, err := files.List(ctx, "sessions")
		return err
	})

	return sc, nil
}

// initStore opens the session store named by the resolved configuration.
func initStore(base *config.RuntimeConfig, layout *workspace.Layout, logger *slog.Logger) (storage.Store, error) {
	switch base.SessionStoreDriver {
	case storage.DriverPostgres:
		return pgstore.Open(pgstore.Config{DSN: base.SessionStoreDSN}, logger)
	default:
		path := base.SessionStoreDSN
		if path == "" {
			path = layout.DatabasePath()
		}
		return sqlitestore.Open(sqlitestore.Config{Path: path}, logger)
	}
}

// obsConfig builds the observability configuration. Metrics are always on;
// tracing turns on when an OTLP endpoint is set in the environment.
func obsConfig() *observability.Config {
	cfg := &observability.Config{
		Metrics: true,
		Anomaly: &observability.AnomalyConfig{
			Enabled:            true,
			ErrorRateThreshold: 0.5,
		},
	}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		insecure, _ := strconv.ParseBool(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"))
		cfg.Tracing = &observability.TracingConfig{
			Enabled:  true,
			Endpoint: endpoint,
			Protocol: os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"),
			Insecure: insecure,
		}
	}
	return cfg
}
