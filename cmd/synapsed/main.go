package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/NullIsNot0/synapse/internal/config"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	fs := flag.NewFlagSet("synapsed", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listenAddr := fs.String("listen", "", "Override listen address (e.g., :8008)")
	metricsAddr := fs.String("metrics-addr", "", "Override metrics endpoint address (e.g., :9090)")
	serverName := fs.String("server-name", "", "Override server name")
	showVersion := fs.Bool("version", false, "Print version information and exit")

	fs.Usage = func() {
		fmt.Println(`Usage: synapsed [options]

Start the homeserver daemon (messages API, purge admin API, retention).

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *showVersion {
		fmt.Printf("synapsed version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Apply CLI overrides
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}
	if *serverName != "" {
		cfg.Server.ServerName = *serverName
	}

	logger, err := newLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	daemon, err := NewDaemon(DaemonOptions{
		Config:    cfg,
		Logger:    logger,
		Version:   version,
		GitCommit: gitCommit,
		BuildTime: buildTime,
	})
	if err != nil {
		logger.Error("failed to create daemon", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := daemon.Start(ctx); err != nil {
		logger.Error("failed to start daemon", zap.Error(err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
