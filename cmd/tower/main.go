// SPDX-License-Identifier: MIT

// Package main implements the tower daemon, the broadcast audio encoding
// pipeline.
//
// tower ingests canonical PCM frames over the network, paces them through an
// external MP3 encoder subprocess on a 24 ms metronome, and fans the encoded
// stream out to HTTP listeners — with the guarantee that listeners keep
// receiving MP3 audio regardless of upstream PCM availability or encoder
// process health.
//
// Usage:
//
//	tower [options]
//
// Options:
//
//	--config=PATH     Path to config file (default: /etc/tower/config.yaml)
//	--lock-dir=PATH   Directory for the instance lock (default: /var/run/tower)
//	--log-level=LEVEL Log level: debug, info, warn, error (default: info)
//	--version         Print version and exit
//
// The daemon handles SIGINT/SIGTERM for graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/slbailey/tower/internal/config"
	"github.com/slbailey/tower/internal/lock"
	"github.com/slbailey/tower/internal/service"
)

// Build information (set by ldflags).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// lockAcquireTimeout bounds startup lock acquisition.
const lockAcquireTimeout = 30 * time.Second

var (
	configPath  = pflag.String("config", config.ConfigFilePath, "Path to configuration file")
	lockDir     = pflag.String("lock-dir", "/var/run/tower", "Directory for the instance lock")
	logLevel    = pflag.String("log-level", "info", "Log level: debug, info, warn, error")
	showVersion = pflag.Bool("version", false, "Print version and exit")
)

func main() {
	pflag.Parse()

	if *showVersion {
		fmt.Printf("tower %s (%s) built %s\n", Version, Commit, BuildTime)
		os.Exit(0)
	}

	logger := newLogger(*logLevel)
	logger.Info("tower starting", "version", Version, "commit", Commit)

	cfg, err := loadConfiguration(*configPath, logger)
	if err != nil {
		logger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	fl, err := lock.New(filepath.Join(*lockDir, "tower.lock"))
	if err != nil {
		logger.Error("failed to create instance lock", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := fl.Acquire(ctx, lockAcquireTimeout); err != nil {
		logger.Error("another tower instance holds the lock", "path", fl.Path(), "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := fl.Release(); err != nil {
			logger.Warn("failed to release instance lock", "err", err)
		}
	}()

	tower, err := service.New(cfg, logger)
	if err != nil {
		logger.Error("failed to assemble pipeline", "err", err)
		os.Exit(1)
	}

	if err := tower.Serve(ctx); err != nil {
		logger.Error("tower exited with error", "err", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// newLogger builds the daemon's structured logger.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// loadConfiguration loads the layered configuration. A missing config file
// is not an error: defaults plus TOWER_* environment overrides apply.
func loadConfiguration(path string, logger *slog.Logger) (*config.Config, error) {
	opts := []config.Option{config.WithEnvPrefix("TOWER")}

	if _, err := os.Stat(path); err == nil {
		opts = append(opts, config.WithYAMLFile(path))
		logger.Info("loading configuration", "path", path)
	} else {
		logger.Info("config file not found, using defaults and environment", "path", path)
	}

	kc, err := config.NewKoanfConfig(opts...)
	if err != nil {
		return nil, err
	}
	return kc.Load()
}
