// Package config provides configuration loading and validation for the
// homeserver daemon. Supports YAML files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the daemon.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Retention     RetentionConfig     `yaml:"retention"`
	Pagination    PaginationConfig    `yaml:"pagination"`
	Purge         PurgeConfig         `yaml:"purge"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr" env:"SYNAPSE_LISTEN_ADDR"`
	ServerName string `yaml:"serverName" env:"SYNAPSE_SERVER_NAME"`
}

type RetentionConfig struct {
	Enabled bool `yaml:"enabled" env:"SYNAPSE_RETENTION_ENABLED"`

	// DefaultMaxLifetimeMs applies to rooms without a retention policy of
	// their own. Nil means such rooms are never purged.
	DefaultMaxLifetimeMs *int64 `yaml:"defaultMaxLifetimeMs"`

	// Jobs partition the rooms by policy lifetime so that aggressive
	// policies can be swept more often. An empty list gets one catch-all
	// job covering every lifetime.
	Jobs []RetentionJobConfig `yaml:"jobs"`
}

type RetentionJobConfig struct {
	IntervalMs            int64  `yaml:"intervalMs"`
	ShortestMaxLifetimeMs *int64 `yaml:"shortestMaxLifetimeMs"`
	LongestMaxLifetimeMs  *int64 `yaml:"longestMaxLifetimeMs"`
}

type PaginationConfig struct {
	DefaultLimit int `yaml:"defaultLimit" env:"SYNAPSE_PAGINATION_DEFAULT_LIMIT"`
	MaxLimit     int `yaml:"maxLimit" env:"SYNAPSE_PAGINATION_MAX_LIMIT"`
}

type PurgeConfig struct {
	// StatusRetentionMs is how long a finished purge's status stays
	// queryable before it is dropped.
	StatusRetentionMs int64 `yaml:"statusRetentionMs" env:"SYNAPSE_PURGE_STATUS_RETENTION_MS"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"SYNAPSE_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"SYNAPSE_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"SYNAPSE_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8008",
			ServerName: "localhost",
		},
		Retention: RetentionConfig{
			Enabled: false,
			// One catch-all job with open bounds; a config file listing
			// explicit jobs replaces it.
			Jobs: []RetentionJobConfig{
				{IntervalMs: 24 * 60 * 60 * 1000}, // daily
			},
		},
		Pagination: PaginationConfig{
			DefaultLimit: 10,
			MaxLimit:     1000,
		},
		Purge: PurgeConfig{
			StatusRetentionMs: 24 * 60 * 60 * 1000, // 24 hours
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads the config file at path, layered over the defaults and under
// any environment variable overrides. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if len(cfg.Retention.Jobs) == 0 {
		cfg.Retention.Jobs = Default().Retention.Jobs
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt64 := func(dst *int64, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString(&c.Server.ListenAddr, "SYNAPSE_LISTEN_ADDR")
	setString(&c.Server.ServerName, "SYNAPSE_SERVER_NAME")
	setBool(&c.Retention.Enabled, "SYNAPSE_RETENTION_ENABLED")
	setInt(&c.Pagination.DefaultLimit, "SYNAPSE_PAGINATION_DEFAULT_LIMIT")
	setInt(&c.Pagination.MaxLimit, "SYNAPSE_PAGINATION_MAX_LIMIT")
	setInt64(&c.Purge.StatusRetentionMs, "SYNAPSE_PURGE_STATUS_RETENTION_MS")
	setString(&c.Observability.MetricsAddr, "SYNAPSE_METRICS_ADDR")
	setString(&c.Observability.LogLevel, "SYNAPSE_LOG_LEVEL")
	setString(&c.Observability.LogFormat, "SYNAPSE_LOG_FORMAT")
}

// Validate reports structural problems that would misconfigure the daemon.
func (c *Config) Validate() error {
	if c.Server.ServerName == "" {
		return fmt.Errorf("config: server.serverName is required")
	}
	if c.Pagination.DefaultLimit <= 0 {
		return fmt.Errorf("config: pagination.defaultLimit must be positive")
	}
	if c.Pagination.MaxLimit < c.Pagination.DefaultLimit {
		return fmt.Errorf("config: pagination.maxLimit must be at least defaultLimit")
	}
	if c.Purge.StatusRetentionMs <= 0 {
		return fmt.Errorf("config: purge.statusRetentionMs must be positive")
	}
	for i, job := range c.Retention.Jobs {
		if job.IntervalMs <= 0 {
			return fmt.Errorf("config: retention.jobs[%d].intervalMs must be positive", i)
		}
		if job.ShortestMaxLifetimeMs != nil && job.LongestMaxLifetimeMs != nil &&
			*job.ShortestMaxLifetimeMs >= *job.LongestMaxLifetimeMs {
			return fmt.Errorf("config: retention.jobs[%d] has an empty lifetime window", i)
		}
	}
	return nil
}
