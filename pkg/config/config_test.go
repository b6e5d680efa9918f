package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/assistant/pkg/executor"
	"github.com/aixgo-dev/assistant/pkg/session"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// clearEnv blanks every variable Load reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ASSISTANT_ADDR", "ASSISTANT_CORS_ORIGIN", "ASSISTANT_AUTH_MODE", "ASSISTANT_JWT_SECRET",
		"ASSISTANT_JWKS_URL", "ASSISTANT_AUTH_ISSUER", "ASSISTANT_AUTH_AUDIENCE", "ASSISTANT_STORE",
		"ASSISTANT_SQLITE_PATH", "ASSISTANT_FIRESTORE_PROJECT", "ASSISTANT_HISTORY_DIR", "REDIS_URL", "ASSISTANT_PROVIDER",
		"ASSISTANT_MODEL", "AWS_REGION", "OPENAI_API_KEY", "OPENAI_BASE_URL", "ASSISTANT_EXECUTOR_TIMEOUT",
		"ASSISTANT_RATE_LIMIT_RPS", "ASSISTANT_LOG_LEVEL", "ASSISTANT_LOG_FORMAT",
		"OTEL_SERVICE_NAME", "OTEL_TRACES_EXPORTER", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_HEADERS",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_FileSizeLimit(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, strings.Repeat("x: value\n", 200000)) // ~1.6MB

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoad_ValidFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  addr: ":9090"
auth:
  mode: jwt
  secret: `+testSecret+`
session:
  store: sqlite
  sqlite:
    path: /tmp/history.db
  retry_attempts: 5
  op_timeout: 3s
executor:
  provider: openai
  model: gpt-4o-mini
  api_key: sk-test
  timeout: 90s
rate_limit:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, session.StoreSQLite, cfg.Session.Store)
	assert.Equal(t, "/tmp/history.db", cfg.Session.SQLite.Path)
	assert.Equal(t, 5, cfg.Session.RetryAttempts)
	assert.Equal(t, 3*time.Second, cfg.Session.OpTimeout)
	assert.Equal(t, executor.ProviderOpenAI, cfg.Executor.Provider)
	assert.Equal(t, 90*time.Second, cfg.Executor.Timeout)
	assert.False(t, cfg.RateLimit.Enabled)

	// Untouched sections keep defaults
	assert.Equal(t, int64(64<<10), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "POST,OPTIONS", cfg.Server.CORS.AllowMethods)
	assert.Equal(t, 1000, cfg.Executor.MaxTokens)
}

func TestLoad_NonexistentFile(t *testing.T) {
	clearEnv(t)
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  addr: ":8080"
invalid yaml here: [[[
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASSISTANT_AUTH_MODE", "none")
	t.Setenv("ASSISTANT_STORE", "memory")
	t.Setenv("ASSISTANT_PROVIDER", "mock")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("REDIS_URL", "redis://:pw@cache.internal:6380/2")
	t.Setenv("ASSISTANT_EXECUTOR_TIMEOUT", "45s")
	t.Setenv("ASSISTANT_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, AuthNone, cfg.Auth.Mode)
	assert.Equal(t, session.StoreMemory, cfg.Session.Store)
	assert.Equal(t, executor.ProviderMock, cfg.Executor.Provider)
	assert.Equal(t, "eu-west-1", cfg.Executor.Region)
	assert.Equal(t, "cache.internal:6380", cfg.Session.Redis.Addr)
	assert.Equal(t, "pw", cfg.Session.Redis.Password)
	assert.Equal(t, 2, cfg.Session.Redis.DB)
	assert.Equal(t, 45*time.Second, cfg.Executor.Timeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_InvalidEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASSISTANT_AUTH_MODE", "none")
	t.Setenv("ASSISTANT_EXECUTOR_TIMEOUT", "soon")

	_, err := Load("")
	assert.ErrorContains(t, err, "ASSISTANT_EXECUTOR_TIMEOUT")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Auth.Secret = testSecret
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults with secret", func(*Config) {}, ""},
		{"short secret", func(c *Config) { c.Auth.Secret = "short" }, "auth.secret"},
		{"unknown auth mode", func(c *Config) { c.Auth.Mode = "oauth" }, "unknown auth.mode"},
		{"jwks without url", func(c *Config) { c.Auth.Mode = AuthJWKS; c.Auth.Issuer = "x" }, "jwks_url"},
		{"apikey without keys", func(c *Config) { c.Auth.Mode = AuthAPIKey }, "api_keys"},
		{"apikey missing id", func(c *Config) {
			c.Auth.Mode = AuthAPIKey
			c.Auth.APIKeys = []APIKey{{Key: "k"}}
		}, "key and id"},
		{"unknown store", func(c *Config) { c.Session.Store = "etcd" }, "unknown session.store"},
		{"firestore without project", func(c *Config) { c.Session.Store = session.StoreFirestore }, "project_id"},
		{"zero retries", func(c *Config) { c.Session.RetryAttempts = 0 }, "retry_attempts"},
		{"unknown provider", func(c *Config) { c.Executor.Provider = "gemini" }, "unknown executor.provider"},
		{"openai without key", func(c *Config) { c.Executor.Provider = executor.ProviderOpenAI }, "api_key"},
		{"zero timeout", func(c *Config) { c.Executor.Timeout = 0 }, "executor.timeout"},
		{"executor outlives write timeout", func(c *Config) { c.Executor.Timeout = 10 * time.Minute }, "server.write_timeout"},
		{"write timeout inside retry budget", func(c *Config) {
			c.Server.WriteTimeout = c.Executor.Timeout + 5*time.Second
		}, "server.write_timeout"},
		{"unlimited write timeout", func(c *Config) {
			c.Executor.Timeout = 10 * time.Minute
			c.Server.WriteTimeout = 0
		}, ""},
		{"bad rate limit", func(c *Config) { c.RateLimit.Burst = 0 }, "rate_limit"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLogValue_MasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Auth.Secret = testSecret
	cfg.Executor.APIKey = "sk-supersecretvalue"

	rendered := cfg.LogValue().String()
	assert.NotContains(t, rendered, testSecret)
	assert.NotContains(t, rendered, "sk-supersecretvalue")
	assert.Contains(t, rendered, "bedrock")
}
