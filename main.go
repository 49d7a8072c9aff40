// parley - A websocket relay between a local chat front-end and Ollama.
//
// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/ollama"
	"github.com/parleyhq/parley/internal/server"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		addr       = flag.String("addr", "", "listen address (overrides config)")
		configPath = flag.String("config", "parley.toml", "path to the TOML config file")
		debug      = flag.Bool("debug", false, "verbose logging")
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("parley %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	log, err := logging.New(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(*addr, *configPath, log); err != nil {
		log.Fatal("FATAL", zap.Error(err))
	}
}

func run(addr, configPath string, log *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	client := ollama.NewClient(&ollama.ClientConfig{
		BaseURL:      cfg.Ollama.URL,
		DefaultModel: cfg.Ollama.DefaultModel,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Backend reachability is reported, not required: the server starts
	// either way and /health reflects the current state.
	healthCtx, cancel := context.WithTimeout(ctx, cfg.HealthTimeout())
	if err := client.CheckRunning(healthCtx); err != nil {
		log.Warn("OLLAMA_UNREACHABLE", zap.String("url", cfg.Ollama.URL), zap.Error(err))
	} else {
		log.Info("OLLAMA_OK", zap.String("url", cfg.Ollama.URL), zap.String("model", cfg.Ollama.DefaultModel))
	}
	cancel()

	srv := server.New(cfg, configPath, log, client)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		return config.Watch(gctx, configPath, log, srv.SetConfig)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("SERVER_STOP")
	return nil
}
