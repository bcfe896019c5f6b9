// Package config handles loading and validating hookd configuration.
package config

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/hookd/internal/protocol"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for hookd.
type Config struct {
	Server        ServerConfig         `json:"server" yaml:"server"`
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = in-memory repositories
	Helpers       HelpersConfig        `json:"helpers" yaml:"helpers"`                                 // Host helper functions exposed as $helpers
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	RateLimit     *RateLimitConfig     `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`       // nil = no rate limiting
	Routes        []RouteConfig        `json:"routes" yaml:"routes"`
	Schedules     []ScheduleConfig     `json:"schedules,omitempty" yaml:"schedules,omitempty"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	ListenAddr       string `json:"listen_addr" yaml:"listen_addr"`               // Default: ":8080". Override: HOOKD_LISTEN_ADDR.
	MaxBodyBytes     int64  `json:"max_body_bytes" yaml:"max_body_bytes"`         // Default: 10 MB. At most 11 MB.
	ShutdownTimeoutS int    `json:"shutdown_timeout_s" yaml:"shutdown_timeout_s"` // Default: 15.

	// TrustedProxies lists proxy addresses or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers identify the client. Empty = trust no proxy.
	TrustedProxies []string `json:"trusted_proxies,omitempty" yaml:"trusted_proxies,omitempty"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// BodyLimit returns the maximum request body size.
func (s ServerConfig) BodyLimit() int64 {
	if s.MaxBodyBytes > 0 {
		return s.MaxBodyBytes
	}
	return 10 << 20
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single-host prefix.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, entry := range s.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("server.trusted_proxies: %w", err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// ShutdownTimeout returns the graceful shutdown deadline.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	if s.ShutdownTimeoutS > 0 {
		return time.Duration(s.ShutdownTimeoutS) * time.Second
	}
	return 15 * time.Second
}

// LoggingConfig configures the host logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info" (default), "warn", "error". Override: HOOKD_LOG_LEVEL.
	Format string `json:"format" yaml:"format"` // "json" (default) or "text".
}

// SandboxConfig configures worker isolation, deadlines and the pool.
type SandboxConfig struct {
	Isolation           string            `json:"isolation" yaml:"isolation"`                         // "process" (default) or "docker".
	TimeoutMS           int               `json:"timeout_ms" yaml:"timeout_ms"`                       // Ordinary executions. Default: 5000.
	StructuralTimeoutMS int               `json:"structural_timeout_ms" yaml:"structural_timeout_ms"` // Structural executions. Default: 60000.
	MaxMemoryMB         int               `json:"max_memory_mb" yaml:"max_memory_mb"`                 // Per worker. Default: 512.
	MaxCPUSeconds       int               `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`             // Per worker lifetime. Default: 60.
	AllowedHeaders      []string          `json:"allowed_headers,omitempty" yaml:"allowed_headers,omitempty"`
	Pool                PoolConfig        `json:"pool" yaml:"pool"`
	Docker              DockerImageConfig `json:"docker" yaml:"docker"`
}

// Timeout returns the deadline for ordinary executions.
func (s SandboxConfig) Timeout() time.Duration {
	if s.TimeoutMS > 0 {
		return time.Duration(s.TimeoutMS) * time.Millisecond
	}
	return 5 * time.Second
}

// StructuralTimeout returns the deadline for structural executions.
func (s SandboxConfig) StructuralTimeout() time.Duration {
	if s.StructuralTimeoutMS > 0 {
		return time.Duration(s.StructuralTimeoutMS) * time.Millisecond
	}
	return 60 * time.Second
}

// PoolConfig bounds the worker pool.
type PoolConfig struct {
	MaxIdle    int `json:"max_idle" yaml:"max_idle"`       // Default: 4. Negative disables pooling.
	MaxWorkers int `json:"max_workers" yaml:"max_workers"` // Default: 32.
	MaxUses    int `json:"max_uses" yaml:"max_uses"`       // Default: 100.
	Warm       int `json:"warm" yaml:"warm"`               // Workers started at boot.
}

// DockerImageConfig configures container isolation.
type DockerImageConfig struct {
	Image     string  `json:"image" yaml:"image"`         // Default: jkaninda/hookd:latest.
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores"` // Default: 1.
	PIDsLimit int     `json:"pids_limit" yaml:"pids_limit"`
}

// StorageConfig configures the repository backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "memory" (default), "sqlite", "postgres" or "redis".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
	Redis    *RedisStorageConfig    `json:"redis,omitempty" yaml:"redis,omitempty"`       // Redis-specific settings.
}

// StorageDriver returns the effective driver name.
func (s *StorageConfig) StorageDriver() string {
	if s == nil || s.Driver == "" {
		return "memory"
	}
	return s.Driver
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: hookd.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: HOOKD_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// RedisStorageConfig holds Redis-specific settings.
type RedisStorageConfig struct {
	Addr      string `json:"addr" yaml:"addr"` // Override: HOOKD_REDIS_ADDR.
	Password  string `json:"password,omitempty" yaml:"password,omitempty"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"` // Default: "hookd".
}

// HelpersConfig configures the host helpers.
type HelpersConfig struct {
	JWTSecret  string `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"` // Empty disables token helpers. Override: HOOKD_JWT_SECRET.
	TokenTTLS  int    `json:"token_ttl_s" yaml:"token_ttl_s"`                   // Default: 86400.
	BcryptCost int    `json:"bcrypt_cost" yaml:"bcrypt_cost"`                   // Default: bcrypt.DefaultCost.
}

// ObservabilityConfig configures metrics, tracing and health checks.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "hookd"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig selects readiness checks.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based failure-rate warnings per route.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // Failure ratio (0.0–1.0) that triggers a warning.
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300.
}

// RateLimitConfig configures per-client rate limiting on hook routes.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // Default: 60.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // Default: 10.
}

// HookConfig is one pre- or post-hook.
type HookConfig struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Code string `json:"code,omitempty" yaml:"code,omitempty"`
	File string `json:"file,omitempty" yaml:"file,omitempty"` // Read into Code at load time, relative to the config file.
}

// RouteConfig binds a handler and its hooks to an HTTP route.
type RouteConfig struct {
	Name       string       `json:"name,omitempty" yaml:"name,omitempty"`
	Method     string       `json:"method" yaml:"method"` // Default: POST.
	Path       string       `json:"path" yaml:"path"`     // okapi path, e.g. /orders/{id}.
	Code       string       `json:"code,omitempty" yaml:"code,omitempty"`
	File       string       `json:"file,omitempty" yaml:"file,omitempty"`
	Pre        []HookConfig `json:"pre,omitempty" yaml:"pre,omitempty"`
	Post       []HookConfig `json:"post,omitempty" yaml:"post,omitempty"`
	TimeoutMS  int          `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"` // 0 = sandbox default.
	Structural bool         `json:"structural,omitempty" yaml:"structural,omitempty"` // Use the structural deadline.
	Repos      []string     `json:"repos,omitempty" yaml:"repos,omitempty"`           // Collections exposed as $repos.
}

// HTTPMethod returns the upper-cased method.
func (r RouteConfig) HTTPMethod() string {
	if r.Method == "" {
		return http.MethodPost
	}
	return strings.ToUpper(r.Method)
}

// Timeout returns the per-route deadline, or 0 for the sandbox default.
func (r RouteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// DisplayName returns Name or "METHOD path".
func (r RouteConfig) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.HTTPMethod() + " " + r.Path
}

// ScheduleConfig runs a code body on a cron schedule.
type ScheduleConfig struct {
	Name      string   `json:"name" yaml:"name"`
	Cron      string   `json:"cron" yaml:"cron"` // Standard 5-field cron expression or descriptor such as @every 1m.
	Code      string   `json:"code,omitempty" yaml:"code,omitempty"`
	File      string   `json:"file,omitempty" yaml:"file,omitempty"`
	TimeoutMS int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Repos     []string `json:"repos,omitempty" yaml:"repos,omitempty"`
}

// Timeout returns the per-schedule deadline, or 0 for the sandbox default.
func (s ScheduleConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return "hookd.yaml"
}

// Default returns a configuration with no routes, for running single scripts.
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg)
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Script files referenced by routes, hooks and schedules are read relative to the
// config file. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
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

	applyEnv(&cfg)

	if err := cfg.loadScripts(filepath.Dir(resolved)); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("HOOKD_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("HOOKD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HOOKD_JWT_SECRET"); v != "" {
		cfg.Helpers.JWTSecret = v
	}
	if v := os.Getenv("HOOKD_DB_DSN"); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("HOOKD_REDIS_ADDR"); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "redis"}
		}
		if cfg.Storage.Redis == nil {
			cfg.Storage.Redis = &RedisStorageConfig{}
		}
		cfg.Storage.Redis.Addr = v
	}
}

// loadScripts reads every File reference into its Code field.
func (c *Config) loadScripts(baseDir string) error {
	read := func(what, file string, code *string) error {
		if file == "" {
			return nil
		}
		if *code != "" {
			return fmt.Errorf("%s: set either code or file, not both", what)
		}
		if !filepath.IsAbs(file) {
			file = filepath.Join(baseDir, file)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("%s: reading script: %w", what, err)
		}
		*code = string(data)
		return nil
	}

	for i := range c.Routes {
		r := &c.Routes[i]
		name := "routes[" + r.DisplayName() + "]"
		if err := read(name, r.File, &r.Code); err != nil {
			return err
		}
		for j := range r.Pre {
			if err := read(fmt.Sprintf("%s.pre[%d]", name, j), r.Pre[j].File, &r.Pre[j].Code); err != nil {
				return err
			}
		}
		for j := range r.Post {
			if err := read(fmt.Sprintf("%s.post[%d]", name, j), r.Post[j].File, &r.Post[j].Code); err != nil {
				return err
			}
		}
	}
	for i := range c.Schedules {
		s := &c.Schedules[i]
		if err := read("schedules["+s.Name+"]", s.File, &s.Code); err != nil {
			return err
		}
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

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// SQLitePath returns the SQLite database path.
func (c *Config) SQLitePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return "hookd.db"
}

func (c *Config) validate() error {
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must not be negative")
	}
	if c.Server.MaxBodyBytes > protocol.MaxPayloadBytes {
		return fmt.Errorf("server.max_body_bytes %d exceeds the %d byte limit of a worker message", c.Server.MaxBodyBytes, protocol.MaxPayloadBytes)
	}
	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		return err
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
	switch c.Sandbox.Isolation {
	case "", "process", "docker":
	default:
		return fmt.Errorf("sandbox.isolation %q is not supported (use process or docker)", c.Sandbox.Isolation)
	}
	if c.Sandbox.TimeoutMS < 0 || c.Sandbox.StructuralTimeoutMS < 0 {
		return fmt.Errorf("sandbox timeouts must not be negative")
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxCPUSeconds < 0 {
		return fmt.Errorf("sandbox.max_cpu_seconds must not be negative")
	}
	if c.Sandbox.Pool.MaxWorkers < 0 || c.Sandbox.Pool.MaxUses < 0 || c.Sandbox.Pool.Warm < 0 {
		return fmt.Errorf("sandbox.pool values must not be negative")
	}

	// Storage driver validation.
	switch c.StorageDriverName() {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	case "redis":
		if c.Storage.Redis == nil || c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use memory, sqlite, postgres or redis)", c.Storage.Driver)
	}

	if c.RateLimit != nil && (c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.BurstSize < 0) {
		return fmt.Errorf("rate_limit values must not be negative")
	}

	seen := make(map[string]bool, len(c.Routes))
	for _, r := range c.Routes {
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("routes[%s]: path must start with /", r.DisplayName())
		}
		switch r.HTTPMethod() {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return fmt.Errorf("routes[%s]: method %q is not supported", r.DisplayName(), r.Method)
		}
		key := r.HTTPMethod() + " " + r.Path
		if seen[key] {
			return fmt.Errorf("routes[%s]: duplicate route %s", r.DisplayName(), key)
		}
		seen[key] = true
		if strings.TrimSpace(r.Code) == "" {
			return fmt.Errorf("routes[%s]: code or file is required", r.DisplayName())
		}
		for i, h := range append(append([]HookConfig{}, r.Pre...), r.Post...) {
			if strings.TrimSpace(h.Code) == "" {
				return fmt.Errorf("routes[%s]: hook %d has no code", r.DisplayName(), i)
			}
		}
		if r.TimeoutMS < 0 {
			return fmt.Errorf("routes[%s]: timeout_ms must not be negative", r.DisplayName())
		}
	}

	names := make(map[string]bool, len(c.Schedules))
	for _, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedules: name is required")
		}
		if names[s.Name] {
			return fmt.Errorf("schedules[%s]: duplicate name", s.Name)
		}
		names[s.Name] = true
		if s.Cron == "" {
			return fmt.Errorf("schedules[%s]: cron is required", s.Name)
		}
		if strings.TrimSpace(s.Code) == "" {
			return fmt.Errorf("schedules[%s]: code or file is required", s.Name)
		}
	}
	return nil
}
