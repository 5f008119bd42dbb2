package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	t.Setenv("ADMIN_KEY", "")
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 300*time.Second, cfg.Upstream.Timeout)
	assert.EqualValues(t, 5, cfg.Upstream.BreakerFailures)
	assert.Equal(t, 10000, cfg.Capture.MaxBodyChars)
	assert.False(t, cfg.Capture.Encrypt)
	assert.Equal(t, 250*time.Millisecond, cfg.Redaction.RuleTimeout)
	assert.Equal(t, 2*time.Second, cfg.Redaction.TestTimeout)
	assert.Equal(t, DefaultProviders, cfg.Providers)
	assert.Empty(t, cfg.Auth.AdminKey)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
log_level: debug
providers:
  local: http://127.0.0.1:9000
upstream:
  timeout: 45s
capture:
  encrypt: true
  max_body_chars: 500
redaction:
  rule_timeout: 100ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, map[string]string{"local": "http://127.0.0.1:9000"}, cfg.Providers)
	assert.Equal(t, 45*time.Second, cfg.Upstream.Timeout)
	assert.True(t, cfg.Capture.Encrypt)
	assert.Equal(t, 500, cfg.Capture.MaxBodyChars)
	assert.Equal(t, 100*time.Millisecond, cfg.Redaction.RuleTimeout)
	assert.Equal(t, "data/captures.jsonl", cfg.Capture.LogPath)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestAdminKeyFromEnvironment(t *testing.T) {
	t.Setenv("ADMIN_KEY", "admin_from_env")
	assert.Equal(t, "admin_from_env", Default().Auth.AdminKey)
}

func TestStoreGetReturnsCopy(t *testing.T) {
	store := NewStore(&Config{LogLevel: "info"})
	cfg := store.Get()
	cfg.LogLevel = "debug"
	assert.Equal(t, "info", store.Get().LogLevel)
}

func TestLoadAndWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "log_level: info\n")

	store, err := LoadAndWatch(path)
	require.NoError(t, err)
	require.Equal(t, "info", store.Get().LogLevel)

	var calls atomic.Int32
	store.OnChange(func(*Config) { calls.Add(1) })

	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o644))

	require.Eventually(t, func() bool {
		return store.Get().LogLevel == "warn"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Positive(t, calls.Load())
}
