package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 4, cfg.Workers.Count)
	assert.Equal(t, 3, cfg.Workers.MaxAttempts)
	assert.Equal(t, 300, cfg.Workers.DefaultTimeout)
	assert.Equal(t, 10, cfg.Browser.MaxInstances)
	assert.Equal(t, 5, cfg.Browser.MinInstances)
	assert.Equal(t, 300, cfg.Browser.IdleTTLSeconds)
	assert.Equal(t, "marionette:workers", cfg.Queue.ConsumerGroup)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  port: "9090"
workers:
  count: 8
circuit:
  failure_threshold: 3
  cooldown_sequence: ["30m", "2h"]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 8, cfg.Workers.Count)
	assert.Equal(t, 3, cfg.Circuit.FailureThreshold)
	assert.Equal(t, []time.Duration{30 * time.Minute, 2 * time.Hour}, cfg.Circuit.CooldownDurations())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("WORKER_COUNT", "16")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 16, cfg.Workers.Count)
}

func TestCooldownDurationsFallback(t *testing.T) {
	c := CircuitConfig{CooldownSequence: []string{"not-a-duration"}}
	assert.Equal(t, []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour}, c.CooldownDurations())
}
