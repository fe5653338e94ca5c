package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backends.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
port: 9000
debug: true
enable-cors: true
default-system-prompt: "be helpful"
rate-limit:
  enabled: true
  max-requests: 30
  window-ms: 10000
pool:
  max-concurrent: 4
  max-queue: 20
cli-backends:
  - name: claude
    command: claude
    config-dir: /home/dev/.claude
    timeout-ms: 60000
    cost-per-request: 0.01
api-backends:
  - name: openai
    base-url: https://api.openai.com/v1
    api-key: sk-test
    model: gpt-4o-mini
    provider-family: openai
    cost-per-request: 0.002
routing:
  default: claude
  prefer-cheapest: true
  fallback-chain: [openai]
  allow-degraded: true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.Debug)
	assert.True(t, cfg.EnableCORS)
	assert.Equal(t, "be helpful", cfg.DefaultSystemPrompt)

	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 30, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 10000, cfg.RateLimit.WindowMS)

	require.Len(t, cfg.CLIBackends, 1)
	assert.Equal(t, "claude", cfg.CLIBackends[0].Name)
	assert.Equal(t, "/home/dev/.claude", cfg.CLIBackends[0].ConfigDir)

	require.Len(t, cfg.APIBackends, 1)
	assert.Equal(t, "openai", cfg.APIBackends[0].Name)

	assert.Equal(t, "claude", cfg.Routing.Default)
	assert.True(t, cfg.Routing.AllowDegraded)
	assert.Equal(t, []string{"openai"}, cfg.Routing.FallbackChain)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{}`))
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, DefaultMaxRequests, cfg.RateLimit.MaxRequests)
	assert.Equal(t, DefaultWindowMS, cfg.RateLimit.WindowMS)
	assert.Equal(t, DefaultMaxConcurrent, cfg.Pool.MaxConcurrent)
	assert.Equal(t, DefaultMaxQueue, cfg.Pool.MaxQueue)
	assert.Equal(t, DefaultDatabasePath, cfg.RequestLog.DatabasePath)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "port: [not a port"))
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7777")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("RATE_LIMIT_MAX", "5")
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	t.Setenv("ENABLE_CORS", "false")
	t.Setenv("DATABASE_PATH", "/tmp/rl.db")
	t.Setenv("ENABLE_SQLITE_LOGGING", "1")
	t.Setenv("DEFAULT_SYSTEM_PROMPT", "terse")
	t.Setenv("CONTEXT_FILENAME", "CONTEXT.md")

	cfg, err := LoadConfig(writeConfig(t, "enable-cors: true\n"))
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Port)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5, cfg.RateLimit.MaxRequests)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.False(t, cfg.EnableCORS)
	assert.Equal(t, "/tmp/rl.db", cfg.RequestLog.DatabasePath)
	assert.True(t, cfg.RequestLog.Enabled)
	assert.Equal(t, "terse", cfg.DefaultSystemPrompt)
	assert.Equal(t, "CONTEXT.md", cfg.ContextFilename)
}

func TestApplyEnvMalformedIgnored(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	t.Setenv("RATE_LIMIT_MAX", "-3")
	t.Setenv("LOG_LEVEL", "loud")

	cfg, err := LoadConfig(writeConfig(t, "port: 9000\nlog-level: warn\n"))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, DefaultMaxRequests, cfg.RateLimit.MaxRequests)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestBackendsConfigPath(t *testing.T) {
	assert.Equal(t, "backends.yaml", BackendsConfigPath("backends.yaml"))

	t.Setenv("BACKENDS_CONFIG", "/etc/alt.yaml")
	assert.Equal(t, "/etc/alt.yaml", BackendsConfigPath("backends.yaml"))
}
