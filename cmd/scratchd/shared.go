package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/scratchd/internal/audit"
	"github.com/jkaninda/scratchd/internal/config"
	"github.com/jkaninda/scratchd/internal/notification"
	"github.com/jkaninda/scratchd/internal/observability"
	"github.com/jkaninda/scratchd/internal/refstore"
	"github.com/jkaninda/scratchd/internal/runner"
	"github.com/jkaninda/scratchd/internal/sandbox"
	"github.com/jkaninda/scratchd/internal/scheduler"
	"github.com/jkaninda/scratchd/internal/secrets"
	"github.com/jkaninda/scratchd/internal/storage"
	pgstore "github.com/jkaninda/scratchd/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/scratchd/internal/storage/sqlite"
	"github.com/jkaninda/scratchd/internal/toolchain"
	"github.com/jkaninda/scratchd/internal/workspace"
)

// SharedComponents holds all initialized subsystems the serve, mcp and
// compile modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Obs       *observability.Observability
	Registry  *toolchain.Registry
	Workspace *workspace.Workspace
	Sandbox   sandbox.Sandbox
	Scheduler *scheduler.Scheduler

	// Nil unless persistence was requested.
	Store      storage.Store
	References refstore.Store
	Audit      *audit.Logger // also nil when auditing is off

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

// newLogger builds the JSON logger on stderr. The --log-level flag wins over
// SCRATCHD_LOG_LEVEL.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	name := logLevel
	if name == "" {
		name = goutils.Env("SCRATCHD_LOG_LEVEL", "info")
	}
	switch strings.ToLower(name) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads the config file named by SCRATCHD_CONFIG or --config
// and resolves the secret references in it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(goutils.Env("SCRATCHD_CONFIG", configPath))
	if err != nil {
		return nil, err
	}
	provider, err := newSecretProvider(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := cfg.ResolveSecrets(ctx, provider); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newSecretProvider builds the provider chain. env:// is always available.
func newSecretProvider(cfg *config.Config) (secrets.Provider, error) {
	providers := []secrets.Provider{secrets.NewEnvProvider()}
	if cfg.Secrets != nil {
		for _, sp := range cfg.Secrets.Providers {
			if sp.Type != "vault" {
				continue
			}
			vp, err := secrets.NewVaultProvider(sp.Config)
			if err != nil {
				return nil, fmt.Errorf("creating vault secret provider: %w", err)
			}
			providers = append(providers, vp)
		}
	}
	return secrets.NewChain(providers...), nil
}

// initShared performs all common initialization. With persist, job history
// and the reference store are opened too. Callers must call sc.Cleanup()
// when done.
func initShared(cfg *config.Config, logger *slog.Logger, persist bool) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Error("flushing traces", slog.String("error", err.Error()))
		}
	})
	logger.Debug("observability initialized", obs.LogAttrs()...)
	if obs.Anomaly != nil && cfg.Observability.Anomaly.WebhookURL != "" {
		hook, err := notification.NewWebhook(cfg.Observability.Anomaly.WebhookURL, cfg.Observability.Anomaly.WebhookPrivate, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing anomaly webhook: %w", err)
		}
		obs.Anomaly.OnAnomaly(hook.AnomalyHook())
	}

	// Toolchains.
	registry, err := toolchain.LoadRegistry(cfg.Toolchains.Registry, cfg.Toolchains.Root)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("loading toolchain registry: %w", err)
	}
	sc.Registry = registry
	var adapterOpts []toolchain.AdapterOption
	if cfg.Toolchains.WinePath != "" {
		adapterOpts = append(adapterOpts, toolchain.WithWinePath(cfg.Toolchains.WinePath))
	}
	adapter, err := toolchain.NewAdapter(registry, toolchain.Limits{
		Timeout:      cfg.Engine.PerJobTimeout(),
		OutputBytes:  cfg.Engine.MaxOutputBytes(),
		ScratchBytes: cfg.Engine.ScratchSizeBytes(),
	}, adapterOpts...)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing toolchain adapter: %w", err)
	}
	logger.Debug("toolchain registry loaded",
		slog.String("root", registry.Root()),
		slog.Int("toolchains", len(registry.Toolchains())),
	)

	// Workspace.
	ws, err := workspace.New(cfg.ResolvedWorkspace())
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Sandbox.
	sbx, err := initSandbox(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	sbx = obs.WrapSandbox(sbx)
	sc.Sandbox = sbx

	var schedOpts []scheduler.Option
	if persist {
		if err := sc.initPersistence(); err != nil {
			sc.Cleanup()
			return nil, err
		}
		schedOpts = append(schedOpts,
			scheduler.WithReferences(sc.References),
			scheduler.WithFinishHook(scheduler.RecordHistory(sc.Store.Jobs(), logger)),
		)
		if sc.Audit != nil {
			schedOpts = append(schedOpts, scheduler.WithFinishHook(sc.Audit.FinishHook()))
		}
	}
	schedOpts = append(schedOpts, obs.SchedulerOptions()...)

	// Engine.
	r := runner.New(adapter, sbx, ws, runner.Config{
		Timeout:        cfg.Engine.PerJobTimeout(),
		MaxOutputBytes: cfg.Engine.MaxOutputBytes(),
	}, logger)
	sched := scheduler.New(
		obs.WrapCompiler(scheduler.FromRunner(r)),
		scheduler.Config{
			MaxConcurrent: cfg.Engine.MaxConcurrentJobs(),
			MaxQueued:     cfg.Engine.MaxQueuedJobs,
		},
		logger,
		schedOpts...,
	)
	sc.Scheduler = sched
	sc.addCleanup(func() {
		// Running jobs get one job timeout to finish before they are cancelled.
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.PerJobTimeout()+5*time.Second)
		defer cancel()
		if err := sched.Close(closeCtx); err != nil {
			logger.Warn("closing scheduler", slog.String("error", err.Error()))
		}
	})
	logger.Debug("scheduler initialized",
		slog.Int("max_concurrent", cfg.Engine.MaxConcurrentJobs()),
		slog.Int("max_queued", cfg.Engine.MaxQueuedJobs),
		slog.String("sandbox", sbx.Name()),
	)

	sc.registerHealthChecks()
	return sc, nil
}

// initPersistence opens the history store and the reference store.
func (sc *SharedComponents) initPersistence() error {
	cfg, logger := sc.Config, sc.Logger

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	refs, err := initReferences(cfg)
	if err != nil {
		return fmt.Errorf("initializing reference store: %w", err)
	}
	sc.References = sc.Obs.WrapReferences(refs)
	logger.Debug("reference store initialized", slog.String("driver", cfg.References.ReferenceDriver()))

	if path := cfg.AuditLogPath(); path != "" {
		al, err := audit.Open(path, logger)
		if err != nil {
			return err
		}
		sc.Audit = al
		sc.addCleanup(func() {
			if err := al.Close(); err != nil {
				logger.Error("closing audit log", slog.String("error", err.Error()))
			}
		})
		logger.Debug("audit trail enabled", slog.String("path", path))
	}
	return nil
}

// registerHealthChecks adds the readiness probes for /readyz. The toolchain
// root is required; a database outage only degrades the node since jobs
// still compile without history.
func (sc *SharedComponents) registerHealthChecks() {
	hc := sc.Config.Observability.HealthSettings()
	if sc.Store != nil && (hc == nil || hc.IncludeDB) {
		sc.Obs.Health.AddProbe(observability.Probe{Name: "database", Optional: true, Check: sc.Store.Ping})
	}
	if hc == nil || hc.IncludeToolchains {
		root := sc.Registry.Root()
		sc.Obs.Health.AddProbe(observability.Probe{Name: "toolchains", Check: func(_ context.Context) error {
			if _, err := os.Stat(root); err != nil {
				return fmt.Errorf("toolchain root: %w", err)
			}
			return nil
		}})
	}
}

// initSandbox creates the isolation backend named in config.
func initSandbox(cfg *config.Config, logger *slog.Logger) (sandbox.Sandbox, error) {
	switch cfg.Sandbox.SandboxType() {
	case "docker":
		d := cfg.Sandbox.Docker
		return sandbox.NewDockerSandbox(sandbox.DockerConfig{
			Image:          d.Image,
			DefaultTimeout: cfg.Engine.PerJobTimeout(),
			CPUCores:       d.CPUCores,
			PIDsLimit:      d.PIDsLimit,
			MemoryMB:       d.MemoryMB,
		}, logger), nil
	case "process":
		return sandbox.NewProcessSandbox(sandbox.ProcessConfig{
			DefaultTimeout: cfg.Engine.PerJobTimeout(),
		}, logger)
	default:
		return nil, fmt.Errorf("unknown sandbox type: %q", cfg.Sandbox.SandboxType())
	}
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.Storage.StorageDriver()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	pgCfg := pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := pgstore.Open(ctx, pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return store, nil
}

// initReferences creates the reference binary store.
func initReferences(cfg *config.Config) (refstore.Store, error) {
	switch cfg.References.ReferenceDriver() {
	case "s3":
		s3 := cfg.References.S3
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return refstore.NewS3Store(ctx, refstore.S3Config{
			Bucket:   s3.Bucket,
			Region:   s3.Region,
			Endpoint: s3.Endpoint,
			Prefix:   s3.Prefix,
		})
	case "file":
		return refstore.NewFileStore(cfg.ReferenceDir())
	default:
		return nil, fmt.Errorf("unknown references driver: %q", cfg.References.ReferenceDriver())
	}
}
