package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/hookd/internal/capability"
	"github.com/jkaninda/hookd/internal/config"
	"github.com/jkaninda/hookd/internal/observability"
	"github.com/jkaninda/hookd/internal/sandbox"
	"github.com/jkaninda/hookd/internal/storage"
	"github.com/jkaninda/hookd/internal/storage/gormstore"
	"github.com/jkaninda/hookd/internal/storage/memory"
	"github.com/jkaninda/hookd/internal/storage/redisstore"
)

// SharedComponents holds the subsystems both serve and run need.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger

	Obs        *observability.Observability
	Store      storage.Store
	Pool       *sandbox.Pool
	Supervisor *sandbox.Supervisor
	Executor   sandbox.Executor // Supervisor, instrumented when metrics or tracing are on.
	Caps       *capability.Set
	Proxies    sandbox.ProxyTrust

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

// initShared performs the initialization common to serve and run.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, observability.BuildInfo{
		Version:   version,
		Isolation: isolationName(cfg.Sandbox),
	}, logger)
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

	// Storage.
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Sandbox.
	launcher, err := newLauncher(cfg.Sandbox, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox launcher: %w", err)
	}
	pool := sandbox.NewPool(sandbox.PoolConfig{
		MaxIdle:    cfg.Sandbox.Pool.MaxIdle,
		MaxWorkers: cfg.Sandbox.Pool.MaxWorkers,
		MaxUses:    cfg.Sandbox.Pool.MaxUses,
	}, launcher, logger)
	sc.Pool = pool
	sc.addCleanup(func() {
		if err := pool.Close(); err != nil {
			logger.Error("closing worker pool", slog.String("error", err.Error()))
		}
	})

	proxies, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Proxies = proxies
	sup := sandbox.NewSupervisor(sandbox.SupervisorConfig{
		DefaultTimeout:    cfg.Sandbox.Timeout(),
		StructuralTimeout: cfg.Sandbox.StructuralTimeout(),
		AllowedHeaders:    cfg.Sandbox.AllowedHeaders,
		TrustedProxies:    proxies,
	}, pool, logger)
	if observe := obs.MetricsOrNil().CallObserver(); observe != nil {
		sup.OnCall(observe)
	}
	sc.Supervisor = sup
	sc.Executor = sup

	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		sc.Executor = observability.NewInstrumentedExecutor(
			sup, isolationName(cfg.Sandbox), pool, obs.MetricsOrNil(), obs.TracerOrNil(), obs.Anomaly,
		)
	}

	// Capabilities.
	sc.Caps = capability.NewSet(store, capability.HelperConfig{
		JWTSecret:  cfg.Helpers.JWTSecret,
		TokenTTL:   time.Duration(cfg.Helpers.TokenTTLS) * time.Second,
		BcryptCost: cfg.Helpers.BcryptCost,
	})

	return sc, nil
}

// newLogger builds the host logger from config.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStore opens the configured repository backend.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverMemory:
		return memory.New(), nil

	case storage.DriverSQLite:
		journal := ""
		if cfg.Storage.SQLite != nil {
			journal = cfg.Storage.SQLite.JournalMode
		}
		store, err := gormstore.OpenSQLite(gormstore.SQLiteConfig{
			Path:        cfg.SQLitePath(),
			JournalMode: journal,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil

	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		store, err := gormstore.OpenPostgres(gormstore.PostgresConfig{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil

	case storage.DriverRedis:
		rc := cfg.Storage.Redis
		store, err := redisstore.Open(ctx, redisstore.Config{
			Addr:      rc.Addr,
			Password:  rc.Password,
			DB:        rc.DB,
			KeyPrefix: rc.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

// newLauncher returns the worker launcher for the configured isolation.
func newLauncher(cfg config.SandboxConfig, logger *slog.Logger) (sandbox.Launcher, error) {
	limits := sandbox.ResourceLimits{
		MaxCPUSeconds: cfg.MaxCPUSeconds,
		MaxMemoryMB:   cfg.MaxMemoryMB,
	}
	switch isolationName(cfg) {
	case "docker":
		return sandbox.NewDockerLauncher(sandbox.DockerConfig{
			Image:     cfg.Docker.Image,
			CPUCores:  cfg.Docker.CPUCores,
			PIDsLimit: cfg.Docker.PIDsLimit,
			Limits:    limits,
		}, logger), nil
	default:
		l, err := sandbox.NewProcessLauncher(sandbox.ProcessConfig{Limits: limits}, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

func isolationName(cfg config.SandboxConfig) string {
	if cfg.Isolation == "" {
		return "process"
	}
	return cfg.Isolation
}
