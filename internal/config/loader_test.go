package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8787", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "fill-first", cfg.Routing.FallbackStrategy)
	assert.Equal(t, 3, cfg.Routing.StickyRoundRobinLimit)
	assert.True(t, cfg.Auth.RequireAPIKey)
	assert.True(t, cfg.Observability.Enabled)
	assert.Equal(t, 1000, cfg.Observability.MaxRecords)
}

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, ":8787", cfg.Server.Addr)
}

func TestLoader_LoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  addr: ":9999"
routing:
  fallback_strategy: round-robin
  sticky_round_robin_limit: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "round-robin", cfg.Routing.FallbackStrategy)
	assert.Equal(t, 5, cfg.Routing.StickyRoundRobinLimit)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9999\"\n"), 0o644))

	t.Setenv("LLMPROXY_SERVER_ADDR", ":1234")
	t.Setenv("LLMPROXY_AUTH_REQUIRE_API_KEY", "false")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, ":1234", cfg.Server.Addr)
	assert.False(t, cfg.Auth.RequireAPIKey)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/path.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, ":8787", cfg.Server.Addr)
}

func TestLoader_Validator(t *testing.T) {
	_, err := NewLoader().WithValidator(func(c *Config) error {
		if c.Routing.StickyRoundRobinLimit <= 0 {
			return assert.AnError
		}
		return nil
	}).Load()
	require.NoError(t, err)
}
