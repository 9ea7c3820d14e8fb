// Package main is the entry point for riskcheck, a service that tells callers
// whether a hostname appears on any of a set of remote malicious-domain lists
// or on a local fallback list.
//
// Lists are downloaded on demand and cached for hours. Downloads go through
// a concurrency and memory admission gate and a per-list circuit breaker,
// and callers are rate limited per client address.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/riskcheck/riskcheck/internal/config"
	"github.com/riskcheck/riskcheck/internal/observability"
	"github.com/riskcheck/riskcheck/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("riskcheck %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, level := observability.NewLogger(cfg.Logging)
	logger.Info("starting riskcheck", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version, server.WithLogLevel(level))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Fallback host files are watched with the config file so edits to them
	// reload the list too.
	watcher := config.NewWatcher(config.ConfigFilePath(), cfg.Fallback.Files, srv.Reload, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("riskcheck shut down gracefully")
}
