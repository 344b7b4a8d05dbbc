// Package config loads the crawlqueue YAML configuration.
//
// Configuration items include:
//   - server:  REST listener port
//   - metrics: Prometheus endpoint
//   - kafka:   work-queue transport (brokers, topic, consumer group)
//   - redis:   live status cache and resource ledger
//   - database: durable job store DSN
//   - worker:  cluster capacity (instances × threads per instance)
//   - user_limits: per-user sliding-window quotas
//   - scheduler: dispatch tick and stats cleanup intervals
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete system configuration structure.
// Maps config file fields through YAML tags.
type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Kafka struct {
		Brokers    []string `yaml:"brokers"`
		Topic      string   `yaml:"topic"`
		GroupID    string   `yaml:"group_id"`
		Partitions int      `yaml:"partitions"`
	} `yaml:"kafka"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	Worker struct {
		TotalInstances        int `yaml:"total_instances"`
		MaxThreadsPerInstance int `yaml:"max_threads_per_instance"`
	} `yaml:"worker"`

	UserLimits struct {
		TimeWindowSeconds   int `yaml:"time_window_seconds"`
		MaxThreadsPerWindow int `yaml:"max_threads_per_window"`
		MaxJobsPerWindow    int `yaml:"max_jobs_per_window"`
	} `yaml:"user_limits"`

	Scheduler struct {
		DispatchIntervalMs int `yaml:"dispatch_interval_ms"`
		StatsIntervalMs    int `yaml:"stats_interval_ms"`
	} `yaml:"scheduler"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.Topic = "crawler-job-topic"
	cfg.Kafka.GroupID = "crawler-dispatcher"
	cfg.Kafka.Partitions = 3
	cfg.Redis.Addr = "localhost:6379"
	cfg.Database.DSN = "host=localhost user=crawler dbname=crawler sslmode=disable"
	cfg.Worker.TotalInstances = 1
	cfg.Worker.MaxThreadsPerInstance = 10
	cfg.UserLimits.TimeWindowSeconds = 3600
	cfg.UserLimits.MaxThreadsPerWindow = 50
	cfg.UserLimits.MaxJobsPerWindow = 10
	cfg.Scheduler.DispatchIntervalMs = 2000
	cfg.Scheduler.StatsIntervalMs = 300000
	return cfg
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	if c.Worker.TotalInstances <= 0 {
		return fmt.Errorf("worker.total_instances must be positive, got %d", c.Worker.TotalInstances)
	}
	if c.Worker.MaxThreadsPerInstance <= 0 {
		return fmt.Errorf("worker.max_threads_per_instance must be positive, got %d", c.Worker.MaxThreadsPerInstance)
	}
	if c.UserLimits.TimeWindowSeconds <= 0 {
		return fmt.Errorf("user_limits.time_window_seconds must be positive, got %d", c.UserLimits.TimeWindowSeconds)
	}
	if c.Scheduler.DispatchIntervalMs <= 0 {
		return fmt.Errorf("scheduler.dispatch_interval_ms must be positive, got %d", c.Scheduler.DispatchIntervalMs)
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must not be empty")
	}
	return nil
}

// TotalThreads is the cluster-wide thread budget.
func (c *Config) TotalThreads() int {
	return c.Worker.TotalInstances * c.Worker.MaxThreadsPerInstance
}

// Window is the per-user quota window.
func (c *Config) Window() time.Duration {
	return time.Duration(c.UserLimits.TimeWindowSeconds) * time.Second
}

// DispatchInterval is the dispatch loop tick.
func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.Scheduler.DispatchIntervalMs) * time.Millisecond
}

// StatsInterval is the stats cleanup loop tick.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.Scheduler.StatsIntervalMs) * time.Millisecond
}
