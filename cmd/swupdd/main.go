// Copyright 2025 The swupdd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	sysdaemon "github.com/coreos/go-systemd/v22/daemon"

	"github.com/updatebus/swupdd/internal/config"
	"github.com/updatebus/swupdd/internal/daemon"
	"github.com/updatebus/swupdd/internal/lifecycle"
	"github.com/updatebus/swupdd/internal/log"
	"github.com/updatebus/swupdd/internal/metrics"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		toolPath    = flag.String("tool", "", "Path to the swupd binary")
		busName     = flag.String("bus-name", "", "Well-known bus name to claim")
		idleTimeout = flag.Int("idle-timeout", 0, "Seconds of inactivity before self-shutdown")
		pidFile     = flag.String("pid-file", "", "Path to PID file (empty to disable)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("swupdd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Initialize structured logging from environment
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", log.Error(err))
		os.Exit(1)
	}

	// Apply CLI flag overrides
	if *toolPath != "" {
		cfg.ToolPath = *toolPath
	}
	if *busName != "" {
		cfg.BusName = *busName
	}
	if *idleTimeout > 0 {
		cfg.IdleTimeoutSeconds = *idleTimeout
	}
	if *pidFile != "" {
		cfg.PIDFile = *pidFile
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}

	if cfg.PIDFile != "" {
		pf := lifecycle.NewPIDFile(cfg.PIDFile)
		if err := pf.Create(); err != nil {
			logger.Error("Failed to create PID file", log.Error(err))
			os.Exit(1)
		}
		defer func() {
			if err := pf.Remove(); err != nil {
				logger.Warn("Failed to remove PID file", log.Error(err))
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Listen); err != nil {
				logger.Error("Metrics server failed", log.Error(err))
			}
		}()
	}

	d := daemon.New(cfg, daemon.Options{
		Logger:  logger,
		Metrics: m,
	})

	bus, err := daemon.ConnectBus(cfg, logger)
	if err != nil {
		logger.Error("Failed to connect to system bus", log.Error(err))
		os.Exit(1)
	}
	if err := bus.Export(d); err != nil {
		logger.Error("Failed to export bus interface", log.Error(err))
		bus.Close()
		os.Exit(1)
	}
	d.SetBus(bus)

	// Feed the service manager's watchdog if one is armed.
	if interval, err := sysdaemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go watchdog(ctx, interval)
	}

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", log.String("signal", sig.String()))
		cancel()
		if err := <-errCh; err != nil {
			logger.Error("Error during shutdown", log.Error(err))
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("Daemon error", log.Error(err))
			os.Exit(1)
		}
	}
}

func watchdog(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = sysdaemon.SdNotify(false, sysdaemon.SdNotifyWatchdog)
		}
	}
}
