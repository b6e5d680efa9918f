package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/assistant/internal/dispatcher"
	"github.com/aixgo-dev/assistant/internal/observability"
	"github.com/aixgo-dev/assistant/pkg/executor"
	"github.com/aixgo-dev/assistant/pkg/security"
	"github.com/aixgo-dev/assistant/pkg/session"
)

// maxConfigSize bounds the config file we are willing to parse.
const maxConfigSize = 1 << 20

// Supported values for Auth.Mode.
const (
	AuthJWT    = "jwt"
	AuthJWKS   = "jwks"
	AuthAPIKey = "apikey"
	AuthNone   = "none"
)

// Config is the gateway configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Session       session.Config      `yaml:"session"`
	Executor      executor.Config     `yaml:"executor"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxBodyBytes caps request bodies. Default: 64 KiB
	MaxBodyBytes int64      `yaml:"max_body_bytes"`
	CORS         CORSConfig `yaml:"cors"`
}

// CORSConfig is echoed on every response and on preflight.
type CORSConfig struct {
	AllowOrigin  string `yaml:"allow_origin"`
	AllowMethods string `yaml:"allow_methods"`
	AllowHeaders string `yaml:"allow_headers"`
}

// AuthConfig selects and configures the authenticator.
type AuthConfig struct {
	// Mode is "jwt", "jwks", "apikey" or "none".
	Mode string `yaml:"mode"`

	// Secret signs and verifies HS256 tokens in jwt mode.
	Secret string `yaml:"secret"`

	JWKSURL  string `yaml:"jwks_url"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	// TokenUse restricts jwks mode to "id" or "access" tokens.
	TokenUse string `yaml:"token_use"`

	APIKeys []APIKey `yaml:"api_keys"`
}

// APIKey maps a static key to a principal in apikey mode.
type APIKey struct {
	Key  string `yaml:"key"`
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// RateLimitConfig configures per-identity throttling.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// IdleTTL is how long an unused identity bucket is kept.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// ObservabilityConfig toggles metrics and tracing.
type ObservabilityConfig struct {
	Metrics bool `yaml:"metrics"`
	// SystemMetricsSchedule is a cron spec for refreshing process gauges.
	SystemMetricsSchedule string               `yaml:"system_metrics_schedule"`
	Tracing               observability.Config `yaml:"tracing"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration that runs against a local Redis and Bedrock.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    6 * time.Minute,
			IdleTimeout:     2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    64 << 10,
			CORS: CORSConfig{
				AllowOrigin:  "*",
				AllowMethods: "POST,OPTIONS",
				AllowHeaders: "Content-Type,X-Amz-Date,Authorization,X-Api-Key,X-Amz-Security-Token",
			},
		},
		Auth:     AuthConfig{Mode: AuthJWT},
		Session:  session.DefaultConfig(),
		Executor: executor.DefaultConfig(),
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 1,
			Burst:             5,
			IdleTTL:           10 * time.Minute,
		},
		Observability: ObservabilityConfig{
			Metrics:               true,
			SystemMetricsSchedule: "@every 15s",
			Tracing:               observability.Config{Exporter: observability.ExporterNone},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if info.Size() > maxConfigSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides file values with environment variables.
func (c *Config) ApplyEnv() error {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString(&c.Server.Addr, "ASSISTANT_ADDR")
	setString(&c.Server.CORS.AllowOrigin, "ASSISTANT_CORS_ORIGIN")

	setString(&c.Auth.Mode, "ASSISTANT_AUTH_MODE")
	setString(&c.Auth.Secret, "ASSISTANT_JWT_SECRET")
	setString(&c.Auth.JWKSURL, "ASSISTANT_JWKS_URL")
	setString(&c.Auth.Issuer, "ASSISTANT_AUTH_ISSUER")
	setString(&c.Auth.Audience, "ASSISTANT_AUTH_AUDIENCE")

	setString(&c.Session.Store, "ASSISTANT_STORE")
	setString(&c.Session.SQLite.Path, "ASSISTANT_SQLITE_PATH")
	setString(&c.Session.Firestore.ProjectID, "ASSISTANT_FIRESTORE_PROJECT")
	setString(&c.Session.File.Dir, "ASSISTANT_HISTORY_DIR")
	if v := os.Getenv("REDIS_URL"); v != "" {
		opts, err := redis.ParseURL(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		c.Session.Redis.Addr = opts.Addr
		c.Session.Redis.Password = opts.Password
		c.Session.Redis.DB = opts.DB
	}

	setString(&c.Executor.Provider, "ASSISTANT_PROVIDER")
	setString(&c.Executor.Model, "ASSISTANT_MODEL")
	setString(&c.Executor.Region, "AWS_REGION")
	setString(&c.Executor.APIKey, "OPENAI_API_KEY")
	setString(&c.Executor.BaseURL, "OPENAI_BASE_URL")
	if v := os.Getenv("ASSISTANT_EXECUTOR_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid ASSISTANT_EXECUTOR_TIMEOUT: %w", err)
		}
		c.Executor.Timeout = d
	}

	if v := os.Getenv("ASSISTANT_RATE_LIMIT_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid ASSISTANT_RATE_LIMIT_RPS: %w", err)
		}
		c.RateLimit.RequestsPerSecond = rps
	}

	setString(&c.Logging.Level, "ASSISTANT_LOG_LEVEL")
	setString(&c.Logging.Format, "ASSISTANT_LOG_FORMAT")

	c.Observability.Tracing.ApplyEnv()
	return nil
}

// DispatcherOptions maps the executor and session settings onto the
// dispatcher's timeouts and retry schedule.
func (c *Config) DispatcherOptions() dispatcher.Options {
	return dispatcher.Options{
		ExecutorTimeout: c.Executor.Timeout,
		StoreTimeout:    c.Session.OpTimeout,
		RetryAttempts:   c.Session.RetryAttempts,
		RetryBaseDelay:  c.Session.RetryBaseDelay,
	}
}

// Validate checks that every enumerated value is known and that the
// selected auth mode has what it needs.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}

	switch c.Auth.Mode {
	case AuthJWT:
		if len(c.Auth.Secret) < 32 {
			errs = append(errs, errors.New("auth.secret must be at least 32 bytes in jwt mode"))
		}
	case AuthJWKS:
		if c.Auth.JWKSURL == "" || c.Auth.Issuer == "" {
			errs = append(errs, errors.New("auth.jwks_url and auth.issuer are required in jwks mode"))
		}
	case AuthAPIKey:
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, errors.New("auth.api_keys must not be empty in apikey mode"))
		}
		for i, k := range c.Auth.APIKeys {
			if k.Key == "" || k.ID == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d]: key and id are required", i))
			}
		}
	case AuthNone:
	default:
		errs = append(errs, fmt.Errorf("unknown auth.mode %q", c.Auth.Mode))
	}

	switch c.Session.Store {
	case session.StoreRedis:
		if c.Session.Redis.Addr == "" {
			errs = append(errs, errors.New("session.redis.addr is required"))
		}
	case session.StoreSQLite:
		if c.Session.SQLite.Path == "" {
			errs = append(errs, errors.New("session.sqlite.path is required"))
		}
	case session.StoreFirestore:
		if c.Session.Firestore.ProjectID == "" {
			errs = append(errs, errors.New("session.firestore.project_id is required"))
		}
	case session.StoreFile, session.StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown session.store %q", c.Session.Store))
	}
	if c.Session.RetryAttempts < 1 {
		errs = append(errs, errors.New("session.retry_attempts must be at least 1"))
	}

	switch c.Executor.Provider {
	case executor.ProviderBedrock:
		if c.Executor.Region == "" {
			errs = append(errs, errors.New("executor.region is required for bedrock"))
		}
	case executor.ProviderOpenAI:
		if c.Executor.APIKey == "" {
			errs = append(errs, errors.New("executor.api_key (or OPENAI_API_KEY) is required for openai"))
		}
	case executor.ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("unknown executor.provider %q", c.Executor.Provider))
	}
	if c.Executor.Model == "" && c.Executor.Provider != executor.ProviderMock {
		errs = append(errs, errors.New("executor.model is required"))
	}
	if c.Executor.Timeout <= 0 {
		errs = append(errs, errors.New("executor.timeout must be positive"))
	} else if c.Server.WriteTimeout > 0 {
		// A response written after the deadline is dropped even though the
		// exchange was already stored.
		if budget := c.DispatcherOptions().Budget(); c.Server.WriteTimeout <= budget {
			errs = append(errs, fmt.Errorf(
				"server.write_timeout (%s) must exceed executor.timeout plus session store retries (%s)",
				c.Server.WriteTimeout, budget))
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1) {
		errs = append(errs, errors.New("rate_limit.requests_per_second and rate_limit.burst must be positive"))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown logging.level %q", s)
	}
	return l, nil
}

// LogValue renders the effective configuration with secrets masked.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", c.Server.Addr),
		slog.String("auth_mode", c.Auth.Mode),
		slog.String("auth_secret", security.MaskSecret(c.Auth.Secret)),
		slog.Int("api_keys", len(c.Auth.APIKeys)),
		slog.String("store", c.Session.Store),
		slog.String("redis_addr", c.Session.Redis.Addr),
		slog.String("redis_password", security.MaskSecret(c.Session.Redis.Password)),
		slog.String("provider", c.Executor.Provider),
		slog.String("model", c.Executor.Model),
		slog.String("region", c.Executor.Region),
		slog.String("openai_key", security.MaskSecret(c.Executor.APIKey)),
		slog.Duration("executor_timeout", c.Executor.Timeout),
		slog.Bool("rate_limit", c.RateLimit.Enabled),
		slog.Bool("metrics", c.Observability.Metrics),
		slog.String("tracing", c.Observability.Tracing.Exporter),
	)
}
