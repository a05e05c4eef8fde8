// SPDX-License-Identifier: MIT

// Command daemon runs the pipearr pipeline: media acquisition from
// search through download, encode, and delivery.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pipearr/pipearr/internal/config"
	"github.com/pipearr/pipearr/internal/daemon"
	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/telemetry"
	"github.com/pipearr/pipearr/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pipearr %s (%s, %s)\n", version.Version, version.Commit, version.Date)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "pipearr:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	loader := &config.Loader{Path: configPath}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "pipearr"})
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Msg("pipearr starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "pipearr",
		ServiceVersion: version.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	app, err := daemon.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}
	defer app.Close()

	return app.Run(ctx)
}
