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
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "crawler-job-topic", cfg.Kafka.Topic)
	assert.Equal(t, "crawler-dispatcher", cfg.Kafka.GroupID)
	assert.Equal(t, 10, cfg.TotalThreads(), "1 instance x 10 threads")
	assert.Equal(t, time.Hour, cfg.Window())
	assert.Equal(t, 2*time.Second, cfg.DispatchInterval())
	assert.Equal(t, 5*time.Minute, cfg.StatsInterval())
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
worker:
  total_instances: 3
  max_threads_per_instance: 5
user_limits:
  max_jobs_per_window: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 15, cfg.TotalThreads())
	assert.Equal(t, 2, cfg.UserLimits.MaxJobsPerWindow)
	// Untouched sections keep their defaults.
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 50, cfg.UserLimits.MaxThreadsPerWindow)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsBrokenYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero instances", func(c *Config) { c.Worker.TotalInstances = 0 }},
		{"zero threads", func(c *Config) { c.Worker.MaxThreadsPerInstance = 0 }},
		{"zero window", func(c *Config) { c.UserLimits.TimeWindowSeconds = 0 }},
		{"zero dispatch tick", func(c *Config) { c.Scheduler.DispatchIntervalMs = 0 }},
		{"no brokers", func(c *Config) { c.Kafka.Brokers = nil }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
