// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, durations, secret refs and validation

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("TEST_MATRIX_TOKEN", "syt_abc")
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "0.0.0.0:9090"
database:
  path: "./data/gateway.db"
  driver: "sqlite3"
matrix:
  enabled: true
  homeserver: "https://matrix.example.org"
  user_id: "@swap:example.org"
  access_token: "${TEST_MATRIX_TOKEN}"
  allowed_rooms: ["!a:example.org"]
automation:
  backend: "http"
  base_url: "http://automation.internal"
  call_timeout: "45s"
exchange:
  ttl: "60s"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, BackendSQLite, cfg.Database.Backend, "default backend kept")
	assert.Equal(t, "syt_abc", cfg.Matrix.AccessToken)
	assert.Equal(t, []string{"!a:example.org"}, cfg.Matrix.AllowedRooms)
	assert.Equal(t, 45*time.Second, cfg.Automation.CallTimeout.Std())
	assert.Equal(t, 60*time.Second, cfg.Exchange.TTL.Std())
	assert.Equal(t, 24*time.Hour, cfg.Exchange.PendingTTL.Std(), "unset duration keeps default")
	assert.Equal(t, 5, cfg.Automation.MaxAttempts)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[database]
backend = "dynamodb"

[database.dynamodb]
table = "reciprocity"
region = "us-west-2"

[supervisor]
interval = "1m"

[kafka]
enabled = true
brokers = ["localhost:9092"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendDynamoDB, cfg.Database.Backend)
	assert.Equal(t, "reciprocity", cfg.Database.DynamoDB.Table)
	assert.Equal(t, time.Minute, cfg.Supervisor.Interval.Std())
	assert.Equal(t, "reciprocity.exchanges", cfg.Kafka.Topic)
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
database:
  path: "x.db"
exchange:
  ttl: "soon"
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "soon")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Database.Path = "x.db"
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"no db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"bad driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"bad backend", func(c *Config) { c.Database.Backend = "redis" }, "database.backend"},
		{"dynamo needs table", func(c *Config) { c.Database.Backend = BackendDynamoDB }, "dynamodb.table"},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"matrix incomplete", func(c *Config) { c.Matrix.Enabled = true }, "matrix"},
		{"http backend needs url", func(c *Config) { c.Automation.Backend = AutomationHTTP }, "base_url"},
		{"bad percent", func(c *Config) { c.Automation.Simulated.FailPercent = 120 }, "percentages"},
		{"zero attempts", func(c *Config) { c.Automation.MaxAttempts = 0 }, "max_attempts"},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true }, "kafka"},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}
}

type fakeGetter map[string]string

func (f fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	v, ok := f[name]
	if !ok {
		return "", errors.New("parameter not found")
	}
	return v, nil
}

func TestResolveSecrets(t *testing.T) {
	cfg := Default()
	cfg.Database.Path = "x.db"
	cfg.Auth.JWTSecret = "ssm:/reciprocity/jwt"
	cfg.Matrix.AccessToken = "ssm:/reciprocity/matrix"
	cfg.Automation.Token = "plain-token"
	require.NoError(t, cfg.Validate(), "unresolved refs pass validation")
	assert.True(t, cfg.HasSecretRefs())

	err := cfg.ResolveSecrets(context.Background(), fakeGetter{
		"/reciprocity/jwt":    "0123456789abcdef0123456789abcdef",
		"/reciprocity/matrix": "syt_resolved",
	})
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Auth.JWTSecret)
	assert.Equal(t, "syt_resolved", cfg.Matrix.AccessToken)
	assert.Equal(t, "plain-token", cfg.Automation.Token)
	assert.False(t, cfg.HasSecretRefs())
}

func TestResolveSecrets_Errors(t *testing.T) {
	cfg := Default()
	cfg.Database.Path = "x.db"
	cfg.Auth.JWTSecret = "ssm:/missing"
	assert.ErrorContains(t, cfg.ResolveSecrets(context.Background(), fakeGetter{}), "auth.jwt_secret")

	cfg.Auth.JWTSecret = "ssm:/short"
	err := cfg.ResolveSecrets(context.Background(), fakeGetter{"/short": "tiny"})
	assert.ErrorContains(t, err, "at least 32 bytes", "resolved values are validated")
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("RECIPROCITY_CONFIG", "/etc/reciprocity.toml")
	assert.Equal(t, "/etc/reciprocity.toml", DefaultPath())

	t.Setenv("RECIPROCITY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "reciprocity", "gateway.yaml"), DefaultPath())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RECIPROCITY_DOTENV_TEST=from-file\n"), 0o644))
	t.Setenv("RECIPROCITY_DOTENV_TEST", "")
	require.NoError(t, os.Unsetenv("RECIPROCITY_DOTENV_TEST"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "gateway.yaml")))
	assert.Equal(t, "from-file", os.Getenv("RECIPROCITY_DOTENV_TEST"))
}
