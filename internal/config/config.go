// Package config handles loading and validating scratchd configuration.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/scratchd/internal/secrets"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for scratchd.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Scratch root for job directories. Default: ~/.scratchd/workspace. Override: SCRATCHD_WORKSPACE.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.scratchd/data. Override: SCRATCHD_DATA_DIR.
	Engine        EngineConfig         `json:"engine" yaml:"engine"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Toolchains    ToolchainsConfig     `json:"toolchains" yaml:"toolchains"`
	References    *ReferencesConfig    `json:"references,omitempty" yaml:"references,omitempty"`       // nil = file store under the data dir
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under the data dir
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	HTTP          HTTPConfig           `json:"http" yaml:"http"`
	Maintenance   *MaintenanceConfig   `json:"maintenance,omitempty" yaml:"maintenance,omitempty"` // nil = defaults
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`             // nil = no audit trail
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`         // nil = env:// references only
}

// AuditConfig enables the JSONL audit trail of submissions and outcomes.
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/audit.jsonl.
}

// SecretsConfig configures the providers that resolve env:// and vault://
// references in secret-bearing fields.
type SecretsConfig struct {
	Providers []SecretProviderConfig `json:"providers" yaml:"providers"`
}

// SecretProviderConfig configures a single secret provider backend.
type SecretProviderConfig struct {
	Type   string            `json:"type" yaml:"type"`                         // "env" or "vault".
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"` // Backend-specific settings.
}

// EngineConfig holds the global job ceilings.
type EngineConfig struct {
	MaxConcurrent       int   `json:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`     // Default: 4.
	MaxQueuedJobs       int   `json:"max_queued_jobs" yaml:"max_queued_jobs"`             // 0 = unbounded.
	JobTimeoutSeconds   int   `json:"job_timeout_seconds" yaml:"job_timeout_seconds"`     // Default: 30.
	MaxOutput           int64 `json:"max_output_bytes" yaml:"max_output_bytes"`           // Artifact and per-stream cap. Default: 1 MiB.
	ScratchSize         int64 `json:"scratch_size_bytes" yaml:"scratch_size_bytes"`       // tmpfs size per job. Default: 64 MiB.
	SyncWaitTimeoutSecs int   `json:"sync_wait_timeout_seconds" yaml:"sync_wait_timeout_seconds"` // POST /v1/compile wait. Default: 120.
}

// MaxConcurrentJobs returns the sandbox ceiling. Defaults to 4.
func (e *EngineConfig) MaxConcurrentJobs() int {
	if e != nil && e.MaxConcurrent > 0 {
		return e.MaxConcurrent
	}
	return 4
}

// PerJobTimeout returns the wall-clock budget of one sandbox run. Defaults to 30s.
func (e *EngineConfig) PerJobTimeout() time.Duration {
	if e != nil && e.JobTimeoutSeconds > 0 {
		return time.Duration(e.JobTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxOutputBytes defaults to 1 MiB.
func (e *EngineConfig) MaxOutputBytes() int64 {
	if e != nil && e.MaxOutput > 0 {
		return e.MaxOutput
	}
	return 1 << 20
}

// ScratchSizeBytes defaults to 64 MiB.
func (e *EngineConfig) ScratchSizeBytes() int64 {
	if e != nil && e.ScratchSize > 0 {
		return e.ScratchSize
	}
	return 64 << 20
}

// SyncWaitTimeout bounds how long a synchronous compile request waits.
func (e *EngineConfig) SyncWaitTimeout() time.Duration {
	if e != nil && e.SyncWaitTimeoutSecs > 0 {
		return time.Duration(e.SyncWaitTimeoutSecs) * time.Second
	}
	return 2 * time.Minute
}

// SandboxConfig configures the isolation backend.
type SandboxConfig struct {
	Type   string              `json:"type" yaml:"type"` // "process" (default) or "docker"
	Docker DockerSandboxConfig `json:"docker" yaml:"docker"`
}

// SandboxType returns the backend name, defaulting to "process".
func (s *SandboxConfig) SandboxType() string {
	if s != nil && s.Type != "" {
		return s.Type
	}
	return "process"
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Image     string  `json:"image" yaml:"image"`           // Image carrying the toolchain runtime (e.g. "scratchd-runtime:latest").
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores"`   // Docker --cpus flag. 0 = 1.0 default.
	PIDsLimit int     `json:"pids_limit" yaml:"pids_limit"` // Docker --pids-limit flag. 0 = 64 default.
	MemoryMB  int     `json:"memory_mb" yaml:"memory_mb"`   // Container memory for profiles without their own limit (Wine).
}

// ToolchainsConfig locates the toolchain registry.
type ToolchainsConfig struct {
	Registry string `json:"registry" yaml:"registry"`                     // toolchains.yaml. Override: SCRATCHD_TOOLCHAINS.
	Root     string `json:"root,omitempty" yaml:"root,omitempty"`         // Overrides the root declared in the registry file.
	WinePath string `json:"wine_path,omitempty" yaml:"wine_path,omitempty"` // Default: /usr/bin/wine.
}

// ReferencesConfig configures the reference binary store.
type ReferencesConfig struct {
	Driver string             `json:"driver" yaml:"driver"` // "file" (default) or "s3".
	Dir    string             `json:"dir,omitempty" yaml:"dir,omitempty"`
	S3     *S3ReferenceConfig `json:"s3,omitempty" yaml:"s3,omitempty"`
}

// S3ReferenceConfig holds S3 bucket settings. Credentials come from the
// default AWS chain.
type S3ReferenceConfig struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Region   string `json:"region" yaml:"region"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"` // For MinIO and other S3-compatible stores.
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// ReferenceDriver returns the configured driver, defaulting to "file".
func (r *ReferencesConfig) ReferenceDriver() string {
	if r != nil && r.Driver != "" {
		return r.Driver
	}
	return "file"
}

// StorageConfig configures the job history backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/scratchd.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: SCRATCHD_POSTGRES_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// ObservabilityConfig groups metrics, tracing and health checks.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "scratchd"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB         bool `json:"include_db" yaml:"include_db"`
	IncludeToolchains bool `json:"include_toolchains" yaml:"include_toolchains"`
}

// AnomalyConfig configures failure-rate warnings per sandbox backend and
// toolchain family.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"`                       // e.g. 0.5 = half of runs fail to start or hit internal errors
	ViolationThreshold int     `json:"violation_threshold" yaml:"violation_threshold"`                         // Sandbox violations per window before warning. 0 = 5.
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`                                   // Sliding window. Default: 300
	WebhookURL         string  `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`                     // POSTed once per window per anomaly. May be a secret reference.
	WebhookPrivate     bool    `json:"webhook_allow_private,omitempty" yaml:"webhook_allow_private,omitempty"` // Allow webhook hosts on private networks.
}

// MetricsEnabled reports whether Prometheus metrics are on.
func (o *ObservabilityConfig) MetricsEnabled() bool {
	return o != nil && o.Metrics != nil && o.Metrics.Enabled
}

// TracingEnabled reports whether OTLP tracing is on.
func (o *ObservabilityConfig) TracingEnabled() bool {
	return o != nil && o.Tracing != nil && o.Tracing.Enabled
}

// HealthSettings returns the health block, or nil when unset (all checks on).
func (o *ObservabilityConfig) HealthSettings() *HealthConfig {
	if o == nil {
		return nil
	}
	return o.Health
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: SCRATCHD_LISTEN_ADDR.
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 8 MiB.
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys"`                             // API key -> client name.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address.
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request body cap.
func (h *HTTPConfig) MaxRequestSize() int64 {
	if h != nil && h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 8 << 20
}

// RateLimitConfig configures per-key rate limiting. A Redis address makes
// the buckets shared between replicas.
type RateLimitConfig struct {
	RequestsPerMinute int          `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int          `json:"burst_size" yaml:"burst_size"`
	Redis             *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// RedisConfig locates the Redis server backing distributed rate limiting.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"` // Override: SCRATCHD_REDIS_PASSWORD.
	DB       int    `json:"db" yaml:"db"`
}

// MaintenanceConfig configures the periodic sweep.
type MaintenanceConfig struct {
	Schedule          string `json:"schedule" yaml:"schedule"`                       // Cron expression. Default: "*/10 * * * *".
	RetainHours       int    `json:"retain_hours" yaml:"retain_hours"`               // Finished job retention. 0 = 168 (7 days), -1 = keep forever.
	OrphanGraceSecond int    `json:"orphan_grace_seconds" yaml:"orphan_grace_seconds"` // Added to the job timeout. Default: 300.
}

// MaintenanceSchedule returns the cron expression.
func (m *MaintenanceConfig) MaintenanceSchedule() string {
	if m != nil && m.Schedule != "" {
		return m.Schedule
	}
	return "*/10 * * * *"
}

// Retention returns how long finished jobs are kept. Zero disables pruning.
func (m *MaintenanceConfig) Retention() time.Duration {
	switch {
	case m == nil || m.RetainHours == 0:
		return 7 * 24 * time.Hour
	case m.RetainHours < 0:
		return 0
	}
	return time.Duration(m.RetainHours) * time.Hour
}

// OrphanGrace is added to the job timeout before a workspace counts as orphaned.
func (m *MaintenanceConfig) OrphanGrace() time.Duration {
	if m != nil && m.OrphanGraceSecond > 0 {
		return time.Duration(m.OrphanGraceSecond) * time.Second
	}
	return 5 * time.Minute
}

// DefaultConfigPath returns the default config file path (~/.scratchd/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/config.yaml"
	}
	return filepath.Join(home, ".scratchd", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a validated config built from defaults and the
// environment only, for running without a config file.
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.Workspace = goutils.Env("SCRATCHD_WORKSPACE", c.Workspace)
	c.DataDir = goutils.Env("SCRATCHD_DATA_DIR", c.DataDir)
	c.Toolchains.Registry = goutils.Env("SCRATCHD_TOOLCHAINS", c.Toolchains.Registry)
	c.Toolchains.Root = goutils.Env("SCRATCHD_TOOLCHAIN_ROOT", c.Toolchains.Root)
	c.HTTP.ListenAddr = goutils.Env("SCRATCHD_LISTEN_ADDR", c.HTTP.ListenAddr)
	c.Sandbox.Type = goutils.Env("SCRATCHD_SANDBOX", c.Sandbox.Type)

	if v := goutils.Env("SCRATCHD_MAX_CONCURRENT_JOBS", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SCRATCHD_MAX_CONCURRENT_JOBS: %w", err)
		}
		c.Engine.MaxConcurrent = n
	}
	if dsn := goutils.Env("SCRATCHD_POSTGRES_DSN", ""); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}
	if pw := goutils.Env("SCRATCHD_REDIS_PASSWORD", ""); pw != "" && c.HTTP.RateLimit.Redis != nil {
		c.HTTP.RateLimit.Redis.Password = pw
	}
	// A single key from the environment, for containers without a config file.
	if key := goutils.Env("SCRATCHD_API_KEY", ""); key != "" {
		if c.HTTP.APIKeys == nil {
			c.HTTP.APIKeys = map[string]string{}
		}
		c.HTTP.APIKeys[key] = "env"
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) resolvedOr(dir, fallback string) string {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fallback
		}
		return filepath.Join(home, ".scratchd", fallback)
	}
	resolved, err := resolvePath(dir)
	if err != nil {
		return dir
	}
	return resolved
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string { return c.resolvedOr(c.DataDir, "data") }

// ResolvedWorkspace returns the job scratch root, resolving ~ if needed.
func (c *Config) ResolvedWorkspace() string { return c.resolvedOr(c.Workspace, "workspace") }

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "scratchd.db")
}

// ReferenceDir returns the directory of the file reference store.
func (c *Config) ReferenceDir() string {
	if c.References != nil && c.References.Dir != "" {
		if p, err := resolvePath(c.References.Dir); err == nil {
			return p
		}
		return c.References.Dir
	}
	return filepath.Join(c.ResolvedDataDir(), "references")
}

// AuditLogPath returns the audit trail location, or "" when auditing is off.
func (c *Config) AuditLogPath() string {
	if c.Audit == nil || !c.Audit.Enabled {
		return ""
	}
	if c.Audit.Path != "" {
		if p, err := resolvePath(c.Audit.Path); err == nil {
			return p
		}
		return c.Audit.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// ResolveSecrets replaces env:// and vault:// references in the fields that
// carry credentials: the Postgres DSN, the Redis password, API keys and the
// anomaly webhook URL.
func (c *Config) ResolveSecrets(ctx context.Context, p secrets.Provider) error {
	var fields []*string
	if c.Storage != nil && c.Storage.Postgres != nil {
		fields = append(fields, &c.Storage.Postgres.DSN)
	}
	if c.HTTP.RateLimit.Redis != nil {
		fields = append(fields, &c.HTTP.RateLimit.Redis.Password)
	}
	if c.Observability != nil && c.Observability.Anomaly != nil {
		fields = append(fields, &c.Observability.Anomaly.WebhookURL)
	}
	for _, f := range fields {
		v, err := secrets.Expand(ctx, p, *f)
		if err != nil {
			return fmt.Errorf("resolving secret: %w", err)
		}
		*f = v
	}

	for key, client := range c.HTTP.APIKeys {
		if !secrets.IsRef(key) {
			continue
		}
		v, err := p.Resolve(ctx, key)
		if err != nil {
			return fmt.Errorf("resolving api key for %s: %w", client, err)
		}
		delete(c.HTTP.APIKeys, key)
		c.HTTP.APIKeys[v] = client
	}
	return nil
}

// OrphanAge is how old an untracked job directory must be before the
// maintenance sweep removes it.
func (c *Config) OrphanAge() time.Duration {
	return c.Engine.PerJobTimeout() + c.Maintenance.OrphanGrace()
}

func (c *Config) validate() error {
	if c.Engine.MaxConcurrent < 0 {
		return fmt.Errorf("engine.max_concurrent_jobs must not be negative")
	}
	if c.Engine.MaxQueuedJobs < 0 {
		return fmt.Errorf("engine.max_queued_jobs must not be negative")
	}
	if c.Engine.JobTimeoutSeconds < 0 {
		return fmt.Errorf("engine.job_timeout_seconds must not be negative")
	}
	if c.Engine.MaxOutput < 0 || c.Engine.ScratchSize < 0 {
		return fmt.Errorf("engine byte limits must not be negative")
	}
	switch c.Sandbox.SandboxType() {
	case "process":
	case "docker":
		if c.Sandbox.Docker.Image == "" {
			return fmt.Errorf("sandbox.docker.image is required for the docker sandbox")
		}
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use process or docker)", c.Sandbox.Type)
	}
	if c.Toolchains.Registry == "" {
		return fmt.Errorf("toolchains.registry is required (set SCRATCHD_TOOLCHAINS env var)")
	}
	switch c.References.ReferenceDriver() {
	case "file":
	case "s3":
		if c.References.S3 == nil || c.References.S3.Bucket == "" {
			return fmt.Errorf("references.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("references.driver %q is not supported (use file or s3)", c.References.Driver)
	}
	switch c.Storage.StorageDriver() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set SCRATCHD_POSTGRES_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}
	if c.TracingEnabled() {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
	}
	rl := c.HTTP.RateLimit
	if rl.RequestsPerMinute < 0 || rl.BurstSize < 0 {
		return fmt.Errorf("http.rate_limit values must not be negative")
	}
	if rl.Redis != nil && rl.Redis.Addr == "" {
		return fmt.Errorf("http.rate_limit.redis.addr is required when redis is configured")
	}
	if c.Secrets != nil {
		for i, sp := range c.Secrets.Providers {
			switch sp.Type {
			case "env", "vault":
			default:
				return fmt.Errorf("secrets.providers[%d].type %q is not supported (use env or vault)", i, sp.Type)
			}
		}
	}
	return nil
}

// TracingEnabled reports whether OTLP tracing is configured and on.
func (c *Config) TracingEnabled() bool { return c.Observability.TracingEnabled() }

// MetricsEnabled reports whether Prometheus metrics are configured and on.
func (c *Config) MetricsEnabled() bool { return c.Observability.MetricsEnabled() }
