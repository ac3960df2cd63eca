// Package config provides configuration management for TacticGuard.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/tacticguard/internal/alerting"
	"github.com/lvonguyen/tacticguard/internal/api"
	"github.com/lvonguyen/tacticguard/internal/api/gateway"
	"github.com/lvonguyen/tacticguard/internal/compliance"
	"github.com/lvonguyen/tacticguard/internal/files"
	"github.com/lvonguyen/tacticguard/internal/observability"
	"github.com/lvonguyen/tacticguard/internal/orchestrator"
	"github.com/lvonguyen/tacticguard/internal/reputation"
	"github.com/lvonguyen/tacticguard/internal/scheduler"
	"github.com/lvonguyen/tacticguard/internal/session"
	"github.com/lvonguyen/tacticguard/internal/threat"
	"github.com/lvonguyen/tacticguard/internal/vault"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config holds all TacticGuard configuration.
type Config struct {
	Server       ServerConfig            `yaml:"server"`
	Redis        RedisConfig             `yaml:"redis"`
	Storage      StorageConfig           `yaml:"storage"`
	Security     SecurityConfig          `yaml:"security"`
	Detection    threat.Config           `yaml:"detection"`
	Response     threat.PolicyConfig     `yaml:"response"`
	Orchestrator orchestrator.Config     `yaml:"orchestrator"`
	Compliance   compliance.Config       `yaml:"compliance"`
	Files        files.Config            `yaml:"files"`
	Alerting     AlertingConfig          `yaml:"alerting"`
	Reputation   ReputationConfig        `yaml:"reputation"`
	RateLimit    gateway.RateLimitConfig `yaml:"rate_limit"`
	Maintenance  scheduler.Config        `yaml:"maintenance"`
	Logging      LoggingConfig           `yaml:"logging"`
	Telemetry    observability.Config    `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	api.Config      `yaml:",inline"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings. Redis backs the block-list,
// the formation store and the rate limiter when enabled.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
	KeyPrefix   string `yaml:"key_prefix"`
}

// StorageConfig selects where formations and compliance records live.
type StorageConfig struct {
	// Formations is memory or redis.
	Formations string `yaml:"formations"`
	// Compliance is memory or postgres.
	Compliance      string        `yaml:"compliance"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SecurityConfig holds key material settings. Secrets are read from the
// named environment variables.
type SecurityConfig struct {
	Vault   vault.Config   `yaml:"vault"`
	Session session.Config `yaml:"session"`
	// Users seeds accounts at startup; passwords come from PasswordEnv.
	Users []UserConfig `yaml:"users"`
}

// UserConfig seeds one account.
type UserConfig struct {
	Username    string   `yaml:"username"`
	PasswordEnv string   `yaml:"password_env"`
	Role        string   `yaml:"role"`
	TeamID      string   `yaml:"team_id"`
	Permissions []string `yaml:"permissions"`
}

// AlertingConfig holds notification settings.
type AlertingConfig struct {
	HECEnabled bool                   `yaml:"hec_enabled"`
	HEC        alerting.HECConfig     `yaml:"hec"`
	Breaker    alerting.BreakerConfig `yaml:"breaker"`
}

// ReputationConfig holds IP reputation settings.
type ReputationConfig struct {
	Enabled          bool                 `yaml:"enabled"`
	OTX              reputation.OTXConfig `yaml:"otx"`
	FailureThreshold uint32               `yaml:"failure_threshold"`
	OpenTimeout      time.Duration        `yaml:"open_timeout"`
	CallTimeout      time.Duration        `yaml:"call_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Config:          api.DefaultConfig(),
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PasswordEnv: "TACTICGUARD_REDIS_PASSWORD",
			PoolSize:    10,
			KeyPrefix:   "tacticguard",
		},
		Storage: StorageConfig{
			Formations:      DriverMemory,
			Compliance:      DriverMemory,
			DSNEnv:          "TACTICGUARD_DATABASE_DSN",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Security: SecurityConfig{
			Vault:   vault.DefaultConfig(),
			Session: session.DefaultConfig(),
		},
		Detection:    threat.DefaultConfig(),
		Response:     threat.DefaultPolicyConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Compliance:   compliance.DefaultConfig(),
		Files:        files.DefaultConfig(),
		Alerting: AlertingConfig{
			HEC:     alerting.DefaultHECConfig(),
			Breaker: alerting.DefaultBreakerConfig(),
		},
		Reputation: ReputationConfig{
			OTX:              reputation.DefaultOTXConfig(),
			FailureThreshold: 5,
			OpenTimeout:      time.Minute,
			CallTimeout:      2 * time.Second,
		},
		RateLimit:   gateway.DefaultRateLimitConfig(),
		Maintenance: scheduler.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: observability.Config{
			ServiceName:    "tacticguard",
			Environment:    "development",
			SamplingRate:   0.1,
			MetricsEnabled: true,
		},
	}
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Formations {
	case DriverMemory, DriverRedis:
	default:
		errs = append(errs, fmt.Errorf("storage.formations: unknown driver %q", c.Storage.Formations))
	}
	switch c.Storage.Compliance {
	case DriverMemory, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("storage.compliance: unknown driver %q", c.Storage.Compliance))
	}
	if c.Storage.Formations == DriverRedis && !c.Redis.Enabled {
		errs = append(errs, errors.New("storage.formations: redis driver requires redis.enabled"))
	}
	if c.Storage.Compliance == DriverPostgres && c.Storage.DSNEnv == "" {
		errs = append(errs, errors.New("storage.dsn_env is required for the postgres driver"))
	}
	if c.Security.Vault.MasterKeyEnv == "" {
		errs = append(errs, errors.New("security.vault.master_key_env is required"))
	}
	if c.Security.Session.SecretEnv == "" {
		errs = append(errs, errors.New("security.session.jwt_secret_env is required"))
	}
	if c.Security.Session.TTL <= 0 {
		errs = append(errs, errors.New("security.session.ttl must be positive"))
	}
	for i, u := range c.Security.Users {
		if u.Username == "" || u.PasswordEnv == "" {
			errs = append(errs, fmt.Errorf("security.users[%d]: username and password_env are required", i))
		}
	}
	if c.Alerting.HECEnabled && c.Alerting.HEC.URL == "" {
		errs = append(errs, errors.New("alerting.hec.url is required when hec_enabled"))
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		errs = append(errs, errors.New("telemetry.sampling_rate must be between 0 and 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// TelemetryConfig merges the logging section into the telemetry settings.
func (c *Config) TelemetryConfig(version string) observability.Config {
	t := c.Telemetry
	t.ServiceVersion = version
	t.LogLevel = c.Logging.Level
	t.LogFormat = c.Logging.Format
	return t
}

// EnabledIntegrations returns the external integrations switched on.
func (c *Config) EnabledIntegrations() []string {
	var out []string
	if c.Redis.Enabled {
		out = append(out, "redis")
	}
	if c.Storage.Compliance == DriverPostgres {
		out = append(out, "postgres")
	}
	if c.Alerting.HECEnabled {
		out = append(out, "splunk_hec")
	}
	if c.Reputation.Enabled {
		out = append(out, "otx")
	}
	if c.Telemetry.TracingEnabled {
		out = append(out, "otlp")
	}
	return out
}
