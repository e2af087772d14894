package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/agent-heartbeat/internal/heartbeat"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
app:
  name: edge-monitor
heartbeat:
  interval: 10s
  timeout: 2s
  retry_attempts: 1
  jitter_percentage: 0
reclaimer:
  period: 1m
nats:
  enabled: true
  urls:
    - nats://nats-1:4222
    - nats://nats-2:4222
transport:
  http_headers:
    Authorization: Bearer token
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "edge-monitor", cfg.App.Name)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 2*time.Second, cfg.Heartbeat.Timeout)
	assert.Equal(t, 1, cfg.Heartbeat.RetryAttempts)
	assert.Zero(t, cfg.Heartbeat.JitterPercentage)
	assert.Equal(t, 2.0, cfg.Heartbeat.BackoffMultiplier, "unset fields keep defaults")
	assert.Equal(t, time.Minute, cfg.Reclaimer.Period)
	assert.Equal(t, heartbeat.DefaultStaleThreshold, cfg.Reclaimer.StaleThreshold)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, []string{"nats://nats-1:4222", "nats://nats-2:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "Bearer token", cfg.Transport.HTTPHeaders["authorization"])
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, heartbeat.DefaultConfig(), cfg.Heartbeat)
	assert.Equal(t, heartbeat.DefaultReclaimPeriod, cfg.Reclaimer.Period)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "heartbeat", cfg.Metrics.Namespace)
	assert.False(t, cfg.NATS.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "heartbeat:\n  interval: 10s\n")
	t.Setenv("HEARTBEAT_HEARTBEAT_INTERVAL", "45s")
	t.Setenv("HEARTBEAT_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("HEARTBEAT_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("heartbeat", func(t *testing.T) {
		path := writeConfig(t, "heartbeat:\n  interval: 1s\n  timeout: 5s\n")
		_, err := Load(path)
		require.ErrorIs(t, err, ErrInvalid)
		require.ErrorIs(t, err, heartbeat.ErrInvalidConfig)
	})

	t.Run("reclaimer", func(t *testing.T) {
		path := writeConfig(t, "reclaimer:\n  period: 0s\n")
		_, err := Load(path)
		require.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))

	logger, err = NewLogger(LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = NewLogger(LogConfig{Level: "loud"})
	require.Error(t, err)
}
