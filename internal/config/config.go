// Package config provides configuration management for the gateway. It
// loads the YAML backends file, applies environment overrides, and gives
// structured access to server, rate-limit, pool, and logging settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration, loaded from a YAML file and
// optionally overridden by environment variables.
type Config struct {
	// Host is the listen address. Empty binds all interfaces.
	Host string `yaml:"host"`

	// Port is the network port on which the gateway listens.
	Port int `yaml:"port"`

	// Debug enables debug-level logging and gin debug mode.
	Debug bool `yaml:"debug"`

	// LogLevel selects the logrus level: debug, info, warn or error.
	LogLevel string `yaml:"log-level"`

	// LoggingToFile switches the main log to rotating files under logs/.
	LoggingToFile bool `yaml:"logging-to-file"`

	// EnableCORS adds CORS headers to every response.
	EnableCORS bool `yaml:"enable-cors"`

	// DefaultSystemPrompt applies to requests that carry no system prompt.
	DefaultSystemPrompt string `yaml:"default-system-prompt"`

	// ContextFilename names the per-directory context file folded into
	// prompts when context_files are requested.
	ContextFilename string `yaml:"context-filename"`

	// RateLimit configures the sliding-window limiter.
	RateLimit RateLimitConfig `yaml:"rate-limit"`

	// Pool configures per-backend process pools.
	Pool PoolConfig `yaml:"pool"`

	// RequestLog configures the SQLite request log.
	RequestLog RequestLogConfig `yaml:"request-log"`

	// CLIBackends lists the local subprocess backends.
	CLIBackends []CLIBackendConfig `yaml:"cli-backends"`

	// APIBackends lists the remote OpenAI-compatible backends.
	APIBackends []APIBackendConfig `yaml:"api-backends"`

	// Routing is the router policy.
	Routing RoutingConfig `yaml:"routing"`
}

// RateLimitConfig configures the limiter.
type RateLimitConfig struct {
	// Enabled turns the limiter on. Disabled limiters admit everything.
	Enabled bool `yaml:"enabled"`

	// MaxRequests is the per-key admission count per window.
	MaxRequests int `yaml:"max-requests"`

	// WindowMS is the sliding window length in milliseconds.
	WindowMS int `yaml:"window-ms"`
}

// Window returns the window as a duration.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMS) * time.Millisecond
}

// PoolConfig sizes the per-backend process pools.
type PoolConfig struct {
	// MaxConcurrent is the number of simultaneously running subprocesses.
	MaxConcurrent int `yaml:"max-concurrent"`

	// MaxQueue is the bounded queue depth behind the execution slots.
	MaxQueue int `yaml:"max-queue"`

	// QueueTimeoutMS ages out queued items, in milliseconds.
	QueueTimeoutMS int `yaml:"queue-timeout-ms"`
}

// QueueTimeout returns the queue-residence limit as a duration.
func (p PoolConfig) QueueTimeout() time.Duration {
	return time.Duration(p.QueueTimeoutMS) * time.Millisecond
}

// RequestLogConfig configures the SQLite request log.
type RequestLogConfig struct {
	// Enabled turns persistent request logging on.
	Enabled bool `yaml:"enabled"`

	// DatabasePath is the SQLite file location.
	DatabasePath string `yaml:"database-path"`
}

// CLIBackendConfig describes one subprocess backend.
type CLIBackendConfig struct {
	// Name is the registry identifier.
	Name string `yaml:"name"`

	// Command is the binary to spawn.
	Command string `yaml:"command"`

	// ConfigDir is passed to the subprocess as CLAUDE_CONFIG_DIR.
	ConfigDir string `yaml:"config-dir"`

	// WorkingDirectory is the default subprocess working directory.
	WorkingDirectory string `yaml:"working-directory"`

	// TimeoutMS is the wall-clock subprocess timeout in milliseconds.
	TimeoutMS int `yaml:"timeout-ms"`

	// CostPerRequest is the routing cost estimate in USD.
	CostPerRequest float64 `yaml:"cost-per-request"`
}

// Timeout returns the subprocess timeout as a duration.
func (c CLIBackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// APIBackendConfig describes one remote backend.
type APIBackendConfig struct {
	// Name is the registry identifier.
	Name string `yaml:"name"`

	// BaseURL is the API root, e.g. "https://api.openai.com/v1".
	BaseURL string `yaml:"base-url"`

	// APIKey is sent as a bearer token.
	APIKey string `yaml:"api-key"`

	// Model is the default model when a request names none.
	Model string `yaml:"model"`

	// ProviderFamily labels the upstream provider.
	ProviderFamily string `yaml:"provider-family"`

	// CostPerRequest is the routing cost estimate in USD.
	CostPerRequest float64 `yaml:"cost-per-request"`
}

// RoutingConfig is the router policy block.
type RoutingConfig struct {
	// Default names the backend used when nothing else decides.
	Default string `yaml:"default"`

	// PreferCheapest picks the lowest-cost API backend on ties.
	PreferCheapest bool `yaml:"prefer-cheapest"`

	// FallbackChain lists backends tried in order under saturation.
	FallbackChain []string `yaml:"fallback-chain"`

	// AllowDegraded permits tool requests to degrade onto API backends.
	AllowDegraded bool `yaml:"allow-degraded"`
}

// Defaults mirror the documented constants.
const (
	DefaultPort           = 8000
	DefaultMaxRequests    = 60
	DefaultWindowMS       = 60000
	DefaultMaxConcurrent  = 2
	DefaultMaxQueue       = 10
	DefaultQueueTimeoutMS = 30000
	DefaultDatabasePath   = "requests.db"
)

// LoadConfig reads and parses the YAML file at path, applies defaults and
// then environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.ApplyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = DefaultMaxRequests
	}
	if c.RateLimit.WindowMS == 0 {
		c.RateLimit.WindowMS = DefaultWindowMS
	}
	if c.Pool.MaxConcurrent == 0 {
		c.Pool.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Pool.MaxQueue == 0 {
		c.Pool.MaxQueue = DefaultMaxQueue
	}
	if c.Pool.QueueTimeoutMS == 0 {
		c.Pool.QueueTimeoutMS = DefaultQueueTimeoutMS
	}
	if c.RequestLog.DatabasePath == "" {
		c.RequestLog.DatabasePath = DefaultDatabasePath
	}
}

// ApplyEnv overrides configuration from the environment. Unset variables
// leave the file values alone; malformed values are ignored with the file
// value kept.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		switch strings.ToLower(v) {
		case "debug", "info", "warn", "error":
			c.LogLevel = strings.ToLower(v)
		}
	}
	if v := os.Getenv("DEFAULT_SYSTEM_PROMPT"); v != "" {
		c.DefaultSystemPrompt = v
	}
	if v := os.Getenv("CONTEXT_FILENAME"); v != "" {
		c.ContextFilename = v
	}
	if v, ok := envBool("ENABLE_CORS"); ok {
		c.EnableCORS = v
	}
	if v := os.Getenv("RATE_LIMIT_MAX"); v != "" {
		if max, err := strconv.Atoi(v); err == nil && max > 0 {
			c.RateLimit.MaxRequests = max
		}
	}
	if v, ok := envBool("RATE_LIMIT_ENABLED"); ok {
		c.RateLimit.Enabled = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.RequestLog.DatabasePath = v
	}
	if v, ok := envBool("ENABLE_SQLITE_LOGGING"); ok {
		c.RequestLog.Enabled = v
	}
}

// BackendsConfigPath resolves the config file location: the BACKENDS_CONFIG
// environment variable, else the given default.
func BackendsConfigPath(fallback string) string {
	if v := os.Getenv("BACKENDS_CONFIG"); v != "" {
		return v
	}
	return fallback
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}
