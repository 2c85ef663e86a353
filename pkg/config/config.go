// Package config loads the bridge configuration from a YAML file with
// environment variable overrides, and manages the encrypted secrets file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported backend providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGoogle    = "google"
	ProviderMock      = "mock"
)

// Duration wraps time.Duration so YAML values can be written as "30m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig configures the webhook HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// WebhookConfig configures delivery handling.
type WebhookConfig struct {
	Marker string `yaml:"marker"`
	Secret string `yaml:"secret"`
}

// TrackerConfig configures the issue-tracker API client.
type TrackerConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// BackendConfig selects and configures the agent backend.
type BackendConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	MaxTokens int    `yaml:"max_tokens"`
	Host      string `yaml:"host"` // ollama only
}

// RateLimitConfig configures the tracker API limiter and response cache.
type RateLimitConfig struct {
	MaxRequests     int      `yaml:"max_requests"`
	Window          Duration `yaml:"window"`
	CacheTTL        Duration `yaml:"cache_ttl"`
	MaxCacheEntries int      `yaml:"max_cache_entries"`
}

// SessionConfig configures session lifecycle limits.
type SessionConfig struct {
	Timeout      Duration `yaml:"timeout"`
	MaxAge       Duration `yaml:"max_age"`
	MaxCommands  int      `yaml:"max_commands"`
	RemovalGrace Duration `yaml:"removal_grace"`
}

// ExecutorConfig configures command execution.
type ExecutorConfig struct {
	DefaultTimeout Duration `yaml:"default_timeout"`
	MaxTimeout     Duration `yaml:"max_timeout"`
	RetryAttempts  int      `yaml:"retry_attempts"`
}

// MetricsConfig configures Prometheus integration.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	PrometheusURL string `yaml:"prometheus_url"`
}

// ActivityConfig configures the SQLite activity log.
type ActivityConfig struct {
	Path string `yaml:"path"`
}

// Config is the full bridge configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Backend   BackendConfig   `yaml:"backend"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Session   SessionConfig   `yaml:"session"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Activity  ActivityConfig  `yaml:"activity"`
}

// Default returns a config with working defaults for everything except
// credentials.
func Default() Config {
	return Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8080},
		Webhook: WebhookConfig{Marker: "@bot"},
		Backend: BackendConfig{Provider: ProviderMock, MaxTokens: 4096},
		RateLimit: RateLimitConfig{
			MaxRequests:     60,
			Window:          Duration(time.Minute),
			CacheTTL:        Duration(5 * time.Minute),
			MaxCacheEntries: 1000,
		},
		Session: SessionConfig{
			Timeout:      Duration(30 * time.Minute),
			MaxAge:       Duration(4 * time.Hour),
			MaxCommands:  50,
			RemovalGrace: Duration(time.Minute),
		},
		Executor: ExecutorConfig{
			DefaultTimeout: Duration(2 * time.Minute),
			MaxTimeout:     Duration(10 * time.Minute),
			RetryAttempts:  2,
		},
		Activity: ActivityConfig{Path: "activity.db"},
	}
}

// Load reads the YAML file at path, applies environment overrides, and
// validates the result. A missing file is not an error; defaults plus
// environment are used.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Fall through to env overrides.
	default:
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override file values.
// BRIDGE_* variables win over the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BRIDGE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BRIDGE_WEBHOOK_MARKER"); v != "" {
		cfg.Webhook.Marker = v
	}
	if v := os.Getenv("BRIDGE_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("BRIDGE_TRACKER_URL"); v != "" {
		cfg.Tracker.BaseURL = v
	}
	if v := os.Getenv("BRIDGE_TRACKER_API_KEY"); v != "" {
		cfg.Tracker.APIKey = v
	}
	if v := os.Getenv("BRIDGE_BACKEND_PROVIDER"); v != "" {
		cfg.Backend.Provider = v
	}
	if v := os.Getenv("BRIDGE_BACKEND_MODEL"); v != "" {
		cfg.Backend.Model = v
	}
	if v := os.Getenv("BRIDGE_BACKEND_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv("BRIDGE_BACKEND_HOST"); v != "" {
		cfg.Backend.Host = v
	}
}

// Validate checks invariants a running bridge depends on.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Webhook.Marker == "" {
		return fmt.Errorf("webhook marker must not be empty")
	}
	switch c.Backend.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderOllama, ProviderGoogle, ProviderMock:
	default:
		return fmt.Errorf("unknown backend provider %q", c.Backend.Provider)
	}
	if c.Backend.Provider != ProviderMock && c.Backend.Provider != ProviderOllama && c.Backend.APIKey == "" {
		if _, err := ResolveSecret(backendKeyName(c.Backend.Provider)); err != nil {
			return fmt.Errorf("backend provider %s requires an API key: %w", c.Backend.Provider, err)
		}
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("rate_limit.max_requests must be positive")
	}
	if c.RateLimit.Window.Std() <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	if c.Session.MaxCommands <= 0 {
		return fmt.Errorf("session.max_commands must be positive")
	}
	if c.Executor.RetryAttempts < 0 {
		return fmt.Errorf("executor.retry_attempts must not be negative")
	}
	return nil
}

// BackendAPIKey resolves the backend credential: explicit config value first,
// then the secrets store and environment.
func (c *Config) BackendAPIKey() string {
	if c.Backend.APIKey != "" {
		return c.Backend.APIKey
	}
	if key, err := ResolveSecret(backendKeyName(c.Backend.Provider)); err == nil {
		return key
	}
	return ""
}

func backendKeyName(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGoogle:
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}
