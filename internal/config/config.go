// Package config loads the agent0 server configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/victorchrollo14/agent0-sub000/internal/blob"
	"github.com/victorchrollo14/agent0-sub000/internal/ratelimit"
	"github.com/victorchrollo14/agent0-sub000/internal/usage"
	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

// Config is the main configuration structure for agent0.
type Config struct {
	Version       int                   `yaml:"version"`
	Server        ServerConfig          `yaml:"server"`
	Database      DatabaseConfig        `yaml:"database"`
	Auth          AuthConfig            `yaml:"auth"`
	Vault         VaultConfig           `yaml:"vault"`
	Blob          BlobConfig            `yaml:"blob"`
	Run           RunConfig             `yaml:"run"`
	RateLimit     ratelimit.Config      `yaml:"ratelimit"`
	Pricing       map[string]usage.Cost `yaml:"pricing"`
	Logging       LoggingConfig         `yaml:"logging"`
	Observability ObservabilityConfig   `yaml:"observability"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	HTTPPort          int           `yaml:"http_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins       []string      `yaml:"cors_origins"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
}

// DatabaseConfig selects the config store. An empty URL keeps everything in
// memory.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenIssuer string        `yaml:"token_issuer"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// VaultConfig holds the base64 keys used to decrypt provider and tool server
// credentials. With no keys the credentials are read as plaintext.
type VaultConfig struct {
	Keys      map[string]string `yaml:"keys"`
	ActiveKey string            `yaml:"active_key"`
}

type BlobConfig struct {
	Backend  string        `yaml:"backend"`
	LocalDir string        `yaml:"local_dir"`
	S3       blob.S3Config `yaml:"s3"`
}

type RunConfig struct {
	HeartbeatInterval  time.Duration      `yaml:"heartbeat_interval"`
	MaxStepLimit       int                `yaml:"max_step_limit"`
	LedgerTimeout      time.Duration      `yaml:"ledger_timeout"`
	ToolConnectTimeout time.Duration      `yaml:"tool_connect_timeout"`
	DefaultEnvironment models.Environment `yaml:"default_environment"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type ObservabilityConfig struct {
	MetricsEnabled *bool         `yaml:"metrics_enabled"`
	Tracing        TracingConfig `yaml:"tracing"`
}

// MetricsOn reports whether /metrics and the collectors are enabled.
func (c ObservabilityConfig) MetricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads, merges, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := loadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeConfig(raw)
	if err != nil {
		return nil, err
	}
	if !isSet(raw, "ratelimit", "enabled") {
		cfg.RateLimit.Enabled = true
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// local development.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	cfg.RateLimit.Enabled = true
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}
	if cfg.Auth.TokenIssuer == "" {
		cfg.Auth.TokenIssuer = "agent0"
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Blob.Backend == "" {
		cfg.Blob.Backend = "memory"
	}
	if cfg.Run.HeartbeatInterval == 0 {
		cfg.Run.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Run.MaxStepLimit == 0 {
		cfg.Run.MaxStepLimit = 50
	}
	if cfg.Run.LedgerTimeout == 0 {
		cfg.Run.LedgerTimeout = 10 * time.Second
	}
	if cfg.Run.ToolConnectTimeout == 0 {
		cfg.Run.ToolConnectTimeout = 15 * time.Second
	}
	if cfg.Run.DefaultEnvironment == "" {
		cfg.Run.DefaultEnvironment = models.EnvironmentProduction
	}
	defaults := ratelimit.DefaultConfig()
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = defaults.BurstSize
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "agent0"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1
	}
}

// isSet reports whether the nested key path is present in raw.
func isSet(raw map[string]any, path ...string) bool {
	current := raw
	for i, key := range path {
		value, ok := current[key]
		if !ok {
			return false
		}
		if i == len(path)-1 {
			return true
		}
		if current, ok = value.(map[string]any); !ok {
			return false
		}
	}
	return false
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Validate checks a defaulted configuration.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		var verr *VersionError
		if errors.As(err, &verr) {
			add("version: %s", verr.Error())
		}
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		add("server.http_port must be between 0 and 65535")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		add("database.max_idle_conns must not exceed max_open_conns")
	}
	if len(c.Vault.Keys) > 0 {
		if c.Vault.ActiveKey == "" {
			add("vault.active_key is required when vault.keys is set")
		} else if _, ok := c.Vault.Keys[c.Vault.ActiveKey]; !ok {
			add("vault.active_key %q is not in vault.keys", c.Vault.ActiveKey)
		}
	}
	switch c.Blob.Backend {
	case "memory":
	case "local":
		if strings.TrimSpace(c.Blob.LocalDir) == "" {
			add("blob.local_dir is required for the local backend")
		}
	case "s3":
		if c.Blob.S3.Bucket == "" {
			add("blob.s3.bucket is required for the s3 backend")
		}
	default:
		add("blob.backend must be one of memory, local, s3 (got %q)", c.Blob.Backend)
	}
	if c.Run.HeartbeatInterval < 100*time.Millisecond {
		add("run.heartbeat_interval must be at least 100ms")
	}
	if c.Run.MaxStepLimit < models.DefaultMaxStepCount {
		add("run.max_step_limit must be at least %d", models.DefaultMaxStepCount)
	}
	if !c.Run.DefaultEnvironment.Valid() {
		add("run.default_environment must be staging or production (got %q)", c.Run.DefaultEnvironment)
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		add("ratelimit.requests_per_second must be positive")
	}
	for model, cost := range c.Pricing {
		if cost.Input < 0 || cost.CachedInput < 0 || cost.Output < 0 {
			add("pricing.%s must not be negative", model)
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level must be debug, info, warn or error (got %q)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		add("logging.format must be json or text (got %q)", c.Logging.Format)
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		add("observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
