package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Server.ListenAddr != ":8008" {
		t.Errorf("expected default listen addr :8008, got %s", cfg.Server.ListenAddr)
	}

	if cfg.Retention.Enabled {
		t.Error("expected retention to be disabled by default")
	}

	if cfg.Pagination.DefaultLimit != 10 || cfg.Pagination.MaxLimit != 1000 {
		t.Errorf("unexpected pagination defaults: %d/%d", cfg.Pagination.DefaultLimit, cfg.Pagination.MaxLimit)
	}

	if cfg.Purge.StatusRetentionMs != 24*60*60*1000 {
		t.Errorf("expected 24h status retention, got %d", cfg.Purge.StatusRetentionMs)
	}

	if len(cfg.Retention.Jobs) != 1 {
		t.Fatalf("expected one catch-all retention job, got %d", len(cfg.Retention.Jobs))
	}
	job := cfg.Retention.Jobs[0]
	if job.IntervalMs != 24*60*60*1000 {
		t.Errorf("expected daily catch-all interval, got %d", job.IntervalMs)
	}
	if job.ShortestMaxLifetimeMs != nil || job.LongestMaxLifetimeMs != nil {
		t.Error("expected the catch-all job to have open lifetime bounds")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  listenAddr: ":8080"
  serverName: "example.org"
retention:
  enabled: true
  defaultMaxLifetimeMs: 86400000
  jobs:
    - intervalMs: 3600000
      longestMaxLifetimeMs: 259200000
    - intervalMs: 86400000
      shortestMaxLifetimeMs: 259200000
pagination:
  defaultLimit: 20
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" || cfg.Server.ServerName != "example.org" {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if !cfg.Retention.Enabled {
		t.Error("expected retention enabled")
	}
	if cfg.Retention.DefaultMaxLifetimeMs == nil || *cfg.Retention.DefaultMaxLifetimeMs != 86400000 {
		t.Errorf("unexpected default lifetime: %v", cfg.Retention.DefaultMaxLifetimeMs)
	}
	if len(cfg.Retention.Jobs) != 2 {
		t.Fatalf("expected 2 retention jobs, got %d", len(cfg.Retention.Jobs))
	}
	if cfg.Retention.Jobs[0].ShortestMaxLifetimeMs != nil {
		t.Error("expected first job to have an open lower bound")
	}
	if cfg.Retention.Jobs[1].LongestMaxLifetimeMs != nil {
		t.Error("expected second job to have an open upper bound")
	}

	// Fields absent from the file keep their defaults.
	if cfg.Pagination.DefaultLimit != 20 {
		t.Errorf("expected defaultLimit 20, got %d", cfg.Pagination.DefaultLimit)
	}
	if cfg.Pagination.MaxLimit != 1000 {
		t.Errorf("expected maxLimit to keep its default, got %d", cfg.Pagination.MaxLimit)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SYNAPSE_SERVER_NAME", "env.example.org")
	t.Setenv("SYNAPSE_PAGINATION_DEFAULT_LIMIT", "25")
	t.Setenv("SYNAPSE_RETENTION_ENABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.ServerName != "env.example.org" {
		t.Errorf("expected env server name, got %s", cfg.Server.ServerName)
	}
	if cfg.Pagination.DefaultLimit != 25 {
		t.Errorf("expected env default limit 25, got %d", cfg.Pagination.DefaultLimit)
	}
	if !cfg.Retention.Enabled {
		t.Error("expected env to enable retention")
	}
}

func TestLoadWithoutJobsKeepsCatchAll(t *testing.T) {
	// Enabling retention without listing jobs must still sweep every room,
	// so the catch-all job survives loading.
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  serverName: "example.org"
retention:
  enabled: true
  defaultMaxLifetimeMs: 86400000
  jobs: []
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Retention.Jobs) != 1 {
		t.Fatalf("expected the catch-all job, got %d jobs", len(cfg.Retention.Jobs))
	}
	if cfg.Retention.Jobs[0].ShortestMaxLifetimeMs != nil || cfg.Retention.Jobs[0].LongestMaxLifetimeMs != nil {
		t.Error("expected open lifetime bounds on the catch-all job")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	short := int64(1000)
	long := int64(500)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server name", func(c *Config) { c.Server.ServerName = "" }},
		{"zero default limit", func(c *Config) { c.Pagination.DefaultLimit = 0 }},
		{"max below default", func(c *Config) { c.Pagination.MaxLimit = 5 }},
		{"zero status retention", func(c *Config) { c.Purge.StatusRetentionMs = 0 }},
		{"job without interval", func(c *Config) {
			c.Retention.Jobs = []RetentionJobConfig{{}}
		}},
		{"inverted job window", func(c *Config) {
			c.Retention.Jobs = []RetentionJobConfig{{
				IntervalMs:            1000,
				ShortestMaxLifetimeMs: &short,
				LongestMaxLifetimeMs:  &long,
			}}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
