package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scratchd/internal/config"
	"github.com/jkaninda/scratchd/internal/gateway"
	"github.com/jkaninda/scratchd/internal/gateway/httpapi"
	"github.com/jkaninda/scratchd/internal/gateway/ws"
	"github.com/jkaninda/scratchd/internal/observability"
	"github.com/jkaninda/scratchd/internal/ratelimit"
	"github.com/jkaninda/scratchd/internal/scheduler"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and job watch websocket",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so that `scratchd --port :9000`
	// and `scratchd serve --port :9000` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts scratchd as a long-running service.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.HTTP.ListenAddr = servePort
	}

	logger.Info("starting scratchd", slog.String("version", version))

	sc, err := initShared(cfg, logger, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Maintenance: orphaned job directories and expired history.
	maint, err := scheduler.NewMaintenance(sc.Scheduler, sc.Workspace, sc.Store.Jobs(), scheduler.MaintenanceConfig{
		Schedule:  cfg.Maintenance.MaintenanceSchedule(),
		OrphanAge: cfg.OrphanAge(),
		Retain:    cfg.Maintenance.Retention(),
	}, logger)
	if err != nil {
		return err
	}
	// Sweep leftovers of a previous crash before accepting jobs.
	maint.RunOnce(ctx)
	stopMaint := maint.Start(ctx)
	defer stopMaint()

	limiter := initLimiter(ctx, cfg, sc)

	watch := ws.NewServer(sc.Scheduler, ws.Config{}, logger)

	apiCfg := httpapi.Config{
		ListenAddr:      cfg.HTTP.Addr(),
		EnableDocs:      cfg.HTTP.EnableDocs,
		APIKeys:         cfg.HTTP.APIKeys,
		MaxRequestSize:  cfg.HTTP.MaxRequestSize(),
		SyncWaitTimeout: cfg.Engine.SyncWaitTimeout(),
		HealthChecker:   sc.Obs.Health,
		Metrics:         sc.Obs.Metrics,
		Tracer:          sc.Obs.Tracer,
	}
	if sc.Obs.Metrics != nil {
		apiCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		apiCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
	}
	api := httpapi.NewGateway(apiCfg, sc.Scheduler, sc.Registry, limiter, logger).
		WithReferences(sc.References, sc.Store.References()).
		WithHistory(sc.Store.Jobs()).
		WithAudit(sc.Audit).
		WithHandler("/v1/jobs/{id}/watch", watch.Handler())

	if len(cfg.HTTP.APIKeys) == 0 {
		logger.Warn("no API keys configured: every /v1 request will be rejected")
	}

	gateways := []gateway.Gateway{api}

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return nil
}

// initLimiter returns the per-client rate limiter, in Redis when configured.
// It returns nil when rate limiting is off.
func initLimiter(ctx context.Context, cfg *config.Config, sc *SharedComponents) ratelimit.RateLimiter {
	rl := cfg.HTTP.RateLimit
	if rl.RequestsPerMinute <= 0 {
		return nil
	}
	limits := ratelimit.Config{RequestsPerMinute: rl.RequestsPerMinute, BurstSize: rl.BurstSize}

	if rl.Redis != nil {
		redis := ratelimit.NewRedisLimiter(ratelimit.RedisConfig{
			Addr:     rl.Redis.Addr,
			Password: rl.Redis.Password,
			DB:       rl.Redis.DB,
		}, limits)
		sc.Obs.Health.AddProbe(observability.Probe{Name: "redis", Optional: true, Check: redis.Ping})
		sc.addCleanup(func() { _ = redis.Close() })
		sc.Logger.Debug("rate limiter initialized", slog.String("backend", "redis"), slog.String("addr", rl.Redis.Addr))
		return redis
	}

	mem := ratelimit.NewLimiter(limits)
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := mem.Forget(30 * time.Minute); n > 0 {
					sc.Logger.Debug("idle rate limit buckets dropped", slog.Int("count", n))
				}
			}
		}
	}()
	sc.Logger.Debug("rate limiter initialized", slog.String("backend", "memory"))
	return mem
}
