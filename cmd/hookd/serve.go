package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/hookd/internal/config"
	"github.com/jkaninda/hookd/internal/gateway"
	"github.com/jkaninda/hookd/internal/gateway/httpapi"
	"github.com/jkaninda/hookd/internal/ratelimit"
	"github.com/jkaninda/hookd/internal/sandbox"
	"github.com/jkaninda/hookd/internal/scheduler"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve configured hook routes over HTTP",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `hookd --config path` and `hookd serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the HTTP gateway and the scheduler.
func runServe(_ *cobra.Command, _ []string) error {
	configPath := goutils.Env("HOOKD_CONFIG", serveConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}

	logger := newLogger(cfg.Logging, os.Stderr)
	logger.Info("starting hookd",
		slog.String("config", configPath),
		slog.String("version", version),
	)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Pool warm-up. A failure here means workers cannot start at all.
	if n := cfg.Sandbox.Pool.Warm; n > 0 {
		if err := sc.Pool.Warm(ctx, n); err != nil {
			return err
		}
		logger.Info("worker pool warmed", slog.Int("workers", n))
	}

	// Readiness checks.
	health := sc.Obs.Health
	hc := cfg.Observability
	if hc == nil || hc.Health == nil || hc.Health.IncludeDB {
		health.AddCheck("storage", sc.Store.Ping)
	}
	if hc == nil || hc.Health == nil || hc.Health.IncludeSandbox {
		health.AddCheck("sandbox", func(context.Context) error {
			if sc.Pool.Stats().Live == 0 && cfg.Sandbox.Pool.Warm > 0 {
				return errors.New("no live workers")
			}
			return nil
		})
	}

	// Rate limiter.
	var limiter *ratelimit.Limiter
	if rl := cfg.RateLimit; rl != nil {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: rl.RequestsPerMinute,
			BurstSize:         rl.BurstSize,
		})
	}

	// Scheduler.
	var schedMetrics *scheduler.Metrics
	if m := sc.Obs.MetricsOrNil(); m != nil {
		schedMetrics = scheduler.NewMetrics(m.Registry)
	}
	sched, err := scheduler.New(scheduleJobs(cfg), sc.Executor, sc.Caps, schedMetrics, logger)
	if err != nil {
		return err
	}
	stopScheduler := sched.Start(ctx)
	defer stopScheduler()

	// HTTP gateway.
	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		MaxRequestSize: cfg.Server.BodyLimit(),
		TrustedProxies: sc.Proxies,
		HealthChecker:  health,
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		gwCfg.Metrics = m
		gwCfg.MetricsRegistry = m.Registry
		if o := cfg.Observability; o != nil && o.Metrics != nil {
			gwCfg.MetricsPath = o.Metrics.Path
		}
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}
	var gw gateway.Gateway = httpapi.NewGateway(gwCfg, hookRoutes(cfg, sc.Supervisor), sc.Executor, sc.Caps, limiter, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	return nil
}

// hookRoutes converts configured routes to gateway routes.
func hookRoutes(cfg *config.Config, sup *sandbox.Supervisor) []httpapi.Route {
	routes := make([]httpapi.Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		timeout := rc.Timeout()
		if timeout == 0 && rc.Structural {
			timeout = sup.TimeoutFor(true)
		}
		routes = append(routes, httpapi.Route{
			Name:    rc.DisplayName(),
			Method:  rc.HTTPMethod(),
			Path:    rc.Path,
			Code:    rc.Code,
			Pre:     hooks(rc.Pre),
			Post:    hooks(rc.Post),
			Timeout: timeout,
			Repos:   rc.Repos,
		})
	}
	return routes
}

func hooks(in []config.HookConfig) []httpapi.Hook {
	out := make([]httpapi.Hook, len(in))
	for i, h := range in {
		out[i] = httpapi.Hook{Name: h.Name, Code: h.Code}
	}
	return out
}

func scheduleJobs(cfg *config.Config) []scheduler.Job {
	jobs := make([]scheduler.Job, len(cfg.Schedules))
	for i, s := range cfg.Schedules {
		jobs[i] = scheduler.Job{
			Name:    s.Name,
			Spec:    s.Cron,
			Code:    s.Code,
			Timeout: s.Timeout(),
			Repos:   s.Repos,
		}
	}
	return jobs
}
