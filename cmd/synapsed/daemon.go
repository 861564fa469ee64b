package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/NullIsNot0/synapse/internal/config"
	"github.com/NullIsNot0/synapse/internal/lock"
	"github.com/NullIsNot0/synapse/internal/metrics"
	"github.com/NullIsNot0/synapse/internal/pagination"
	"github.com/NullIsNot0/synapse/internal/purge"
	"github.com/NullIsNot0/synapse/internal/retention"
	"github.com/NullIsNot0/synapse/internal/server"
	"github.com/NullIsNot0/synapse/internal/storage"
)

// DaemonOptions contains the configuration for creating a daemon.
type DaemonOptions struct {
	Config    *config.Config
	Logger    *zap.Logger
	Version   string
	GitCommit string
	BuildTime string
}

// Daemon represents a running homeserver instance.
type Daemon struct {
	opts   DaemonOptions
	logger *zap.Logger

	store         *storage.MemoryStore
	locker        *lock.RoomLocker
	purger        *purge.Purger
	worker        *retention.Worker
	apiServer     *server.Server
	metricsServer *metrics.Server

	mu      sync.Mutex
	started bool
}

// NewDaemon creates a new Daemon instance but does not start it.
func NewDaemon(opts DaemonOptions) (*Daemon, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Daemon{
		opts:   opts,
		logger: opts.Logger,
	}, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	cfg := d.opts.Config

	d.logger.Info("starting synapsed",
		zap.String("version", d.opts.Version),
		zap.String("commit", d.opts.GitCommit),
		zap.String("server_name", cfg.Server.ServerName))

	d.store = storage.NewMemoryStore()
	d.locker = lock.NewRoomLocker()

	// Each daemon owns its metric registry so restarts and tests never
	// collide on collector registration.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	d.purger = purge.NewPurger(d.store, d.locker, d.logger, metrics.NewPurgeMetricsWithRegistry(registry), purge.Options{
		ServerName:      cfg.Server.ServerName,
		StatusRetention: time.Duration(cfg.Purge.StatusRetentionMs) * time.Millisecond,
	})

	pager := pagination.NewHandler(
		d.store,
		d.locker,
		d.store,
		pagination.NoopBackfiller{},
		pagination.AllowAllVisibility{},
		pagination.JSONSerializer{},
		d.logger,
		metrics.NewPaginationMetricsWithRegistry(registry),
		pagination.Options{
			DefaultLimit: cfg.Pagination.DefaultLimit,
			MaxLimit:     cfg.Pagination.MaxLimit,
		},
	)

	if cfg.Retention.Enabled {
		jobs := make([]retention.Job, 0, len(cfg.Retention.Jobs))
		for _, j := range cfg.Retention.Jobs {
			jobs = append(jobs, retention.Job{
				Interval:              time.Duration(j.IntervalMs) * time.Millisecond,
				ShortestMaxLifetimeMs: j.ShortestMaxLifetimeMs,
				LongestMaxLifetimeMs:  j.LongestMaxLifetimeMs,
			})
		}
		d.worker = retention.NewWorker(d.store, d.purger, d.logger, metrics.NewRetentionMetricsWithRegistry(registry), retention.Options{
			Jobs:                 jobs,
			DefaultMaxLifetimeMs: cfg.Retention.DefaultMaxLifetimeMs,
		})
		d.worker.Start()
	}

	if cfg.Observability.MetricsAddr != "" {
		d.metricsServer = metrics.NewServerWithRegistry(cfg.Observability.MetricsAddr, registry)
		if err := d.metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	d.apiServer = server.New(d.store, d.purger, pager, d.logger, server.Options{
		ListenAddr: cfg.Server.ListenAddr,
	})
	if err := d.apiServer.Start(); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}

	d.logger.Info("synapsed started", zap.String("listen_addr", d.apiServer.Addr()))
	return nil
}

// APIAddr returns the bound API address. Only valid after Start.
func (d *Daemon) APIAddr() string {
	if d.apiServer == nil {
		return ""
	}
	return d.apiServer.Addr()
}

// Shutdown stops all components, newest first.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var firstErr error

	if d.apiServer != nil {
		if err := d.apiServer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.worker != nil {
		d.worker.Stop()
	}
	if d.purger != nil {
		d.purger.Close()
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// newLogger builds a zap logger from the observability config.
func newLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
