// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

// orbit-hub is the per-user WebSocket relay hub: browsers and device
// clients connect on one side, local agent-bridge anchors on the other,
// and the hub routes JSON-RPC traffic between them while keeping
// replayable thread snapshots.
//
// Configuration comes from a YAML file named by --config or the
// ORBIT_CONFIG environment variable; defaults serve local development.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/orbit-foundation/orbit/lib/config"
	"github.com/orbit-foundation/orbit/lib/process"
	"github.com/orbit-foundation/orbit/lib/version"
	"github.com/orbit-foundation/orbit/push"
	"github.com/orbit-foundation/orbit/server"
	"github.com/orbit-foundation/orbit/threadstore"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	configPath := pflag.String("config", "", "path to the YAML configuration file (overrides ORBIT_CONFIG)")
	listenAddr := pflag.String("listen", "", "listen address (overrides the configuration file)")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		version.Print("orbit-hub")
		return nil
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		return err
	}
	logger.Info("orbit-hub starting",
		"version", version.Info(),
		"listen_addr", cfg.Server.ListenAddr,
	)

	store, err := threadstore.Open(threadstore.Config{
		Path:     cfg.Store.DatabasePath,
		PoolSize: cfg.Store.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing thread store", "error", err)
		}
	}()

	serverCfg := server.Config{
		ListenAddr:      cfg.Server.ListenAddr,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Authenticator:   server.NewStaticTokenAuthenticator(cfg.Server.AuthTokens),
		Stores:          store,
		Logger:          logger,
		DispatchTimeout: cfg.Relay.DispatchTimeout,
		PushTimeout:     cfg.Push.Timeout,
		ActionURLBase:   cfg.Push.ActionURLBase,
	}
	if cfg.Push.WebhookURL != "" {
		serverCfg.Push = push.NewWebhook(cfg.Push.WebhookURL, cfg.Push.Timeout, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = server.New(serverCfg).Run(ctx)
	logger.Info("orbit-hub stopped")
	return err
}

func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})), nil
}
