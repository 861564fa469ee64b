package main

import (
	"context"
	"net/http"
	"testing"

	"github.com/NullIsNot0/synapse/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Observability.MetricsAddr = "127.0.0.1:0"
	return cfg
}

func TestDaemon_StartShutdown(t *testing.T) {
	daemon, err := NewDaemon(DaemonOptions{Config: testConfig()})
	if err != nil {
		t.Fatalf("NewDaemon failed: %v", err)
	}

	ctx := context.Background()
	if err := daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp, err := http.Get("http://" + daemon.APIAddr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from healthz, got %d", resp.StatusCode)
	}

	if err := daemon.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestDaemon_RetentionEnabledWithoutExplicitJobs(t *testing.T) {
	cfg := testConfig()
	cfg.Retention.Enabled = true
	day := int64(24 * 60 * 60 * 1000)
	cfg.Retention.DefaultMaxLifetimeMs = &day

	daemon, err := NewDaemon(DaemonOptions{Config: cfg})
	if err != nil {
		t.Fatalf("NewDaemon failed: %v", err)
	}

	ctx := context.Background()
	if err := daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = daemon.Shutdown(ctx) }()

	// The default config carries a catch-all retention job, so the worker
	// must be running even though no jobs were listed explicitly.
	if len(cfg.Retention.Jobs) == 0 {
		t.Fatal("expected a catch-all retention job in the default config")
	}
	if daemon.worker == nil {
		t.Error("expected the retention worker to be started")
	}
}

func TestDaemon_StartTwice(t *testing.T) {
	daemon, err := NewDaemon(DaemonOptions{Config: testConfig()})
	if err != nil {
		t.Fatalf("NewDaemon failed: %v", err)
	}

	ctx := context.Background()
	if err := daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = daemon.Shutdown(ctx) }()

	if err := daemon.Start(ctx); err == nil {
		t.Error("expected error starting an already started daemon")
	}
}
