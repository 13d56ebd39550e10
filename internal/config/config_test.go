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
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "be-screening-workflow", cfg.Service.Name)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Server.GRPCPort)
	assert.Equal(t, "postgres", cfg.Workflow.StoreDriver)
	assert.Equal(t, 10*time.Second, cfg.Workflow.LockAcquireTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Workflow.DefaultLockDuration)
	assert.Equal(t, 24*time.Hour, cfg.Workflow.ApprovalExpiry)
	assert.Equal(t, 30*time.Minute, cfg.Workflow.ActiveUserWindow)
	assert.Zero(t, cfg.Workflow.SweeperInterval)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "8181")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("APPROVAL_EXPIRY", "2h")
	t.Setenv("NATS_URL", "nats://broker:4222")
	t.Setenv("OTEL_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Workflow.StoreDriver)
	assert.Equal(t, 2*time.Hour, cfg.Workflow.ApprovalExpiry)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoadYAMLFileWithEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
service:
  name: screening-dev
server:
  port: 8282
workflow:
  store_driver: memory
  sweeper_interval: 5m
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_PORT", "8383")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "screening-dev", cfg.Service.Name)
	assert.Equal(t, 8383, cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, "memory", cfg.Workflow.StoreDriver)
	assert.Equal(t, 5*time.Minute, cfg.Workflow.SweeperInterval)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	_, err := Load()
	assert.Error(t, err)
}
