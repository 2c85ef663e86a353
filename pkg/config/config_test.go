package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "@bot", cfg.Webhook.Marker)
	assert.Equal(t, ProviderMock, cfg.Backend.Provider)
	assert.Equal(t, 30*time.Minute, cfg.Session.Timeout.Std())
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9000
webhook:
  marker: "@agent"
rate_limit:
  max_requests: 30
  window: 90s
session:
  timeout: 15m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "@agent", cfg.Webhook.Marker)
	assert.Equal(t, 30, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 90*time.Second, cfg.RateLimit.Window.Std())
	assert.Equal(t, 15*time.Minute, cfg.Session.Timeout.Std())
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeConfig(t, `
webhook:
  marker: "@agent"
tracker:
  api_key: from-file
`)
	t.Setenv("BRIDGE_WEBHOOK_MARKER", "@override")
	t.Setenv("BRIDGE_TRACKER_API_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "@override", cfg.Webhook.Marker)
	assert.Equal(t, "from-env", cfg.Tracker.APIKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"empty marker", func(c *Config) { c.Webhook.Marker = "" }},
		{"unknown provider", func(c *Config) { c.Backend.Provider = "skynet" }},
		{"zero rate limit", func(c *Config) { c.RateLimit.MaxRequests = 0 }},
		{"negative retries", func(c *Config) { c.Executor.RetryAttempts = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestInvalidDurationRejected(t *testing.T) {
	path := writeConfig(t, `
session:
  timeout: "soon"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	secrets := map[string]string{
		"ANTHROPIC_API_KEY": "sk-ant-test",
		"TRACKER_API_KEY":   "lin_test",
	}

	require.NoError(t, EncryptSecretsFile(dir, "hunter2", secrets))
	assert.True(t, SecretsFileExists(dir))

	info, err := os.Stat(filepath.Join(dir, secretsDirName, secretsFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	decrypted, err := DecryptSecretsFile(dir, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, secrets, decrypted)
}

func TestDecryptWithWrongPasswordFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EncryptSecretsFile(dir, "correct", map[string]string{"K": "v"}))

	_, err := DecryptSecretsFile(dir, "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decryption failed")
}

func TestResolveSecretPrecedence(t *testing.T) {
	SetLoadedSecrets(map[string]string{"FROM_STORE": "store-value"})
	t.Cleanup(func() { SetLoadedSecrets(nil) })
	t.Setenv("FROM_ENV_ONLY", "env-value")

	got, err := ResolveSecret("FROM_STORE")
	require.NoError(t, err)
	assert.Equal(t, "store-value", got)

	got, err = ResolveSecret("FROM_ENV_ONLY")
	require.NoError(t, err)
	assert.Equal(t, "env-value", got)

	_, err = ResolveSecret("NOWHERE_TO_BE_FOUND")
	assert.Error(t, err)
}
