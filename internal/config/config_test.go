package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// No file at all — Load must still produce a fully populated,
	// usable config from Default().
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8765, cfg.Server.BasePort)
	assert.Equal(t, 3, cfg.Pool.Size)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  base_port: 9090
  read_timeout: 10s
  write_timeout: 60s

pool:
  size: 5

breaker:
  failure_threshold: 2
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err) // require stops the test immediately if this fails

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.BasePort)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 5, cfg.Pool.Size)
	assert.Equal(t, 2, cfg.Breaker.FailureThreshold)

	// Untouched fields keep their defaults.
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
}

func TestLoadEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  base_port: 8080
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// AIGATEWAY_SERVER_BASE_PORT should override server.base_port from
	// both the default and the file.
	t.Setenv("AIGATEWAY_SERVER_BASE_PORT", "3000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.BasePort)
}
