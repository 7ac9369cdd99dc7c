// SPDX-License-Identifier: MIT

// Package service wires the Tower pipeline together.
//
// Construction is strictly bottom-up (buffers inside the manager, then the
// pump, then the edges) and startup is strictly forward (manager first, pump
// second, network edges last), so no component ever observes a half-built
// graph. The network edges run under a suture supervision tree.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/slbailey/tower/internal/buffer"
	"github.com/slbailey/tower/internal/config"
	"github.com/slbailey/tower/internal/encoder"
	"github.com/slbailey/tower/internal/httpd"
	"github.com/slbailey/tower/internal/ingest"
	"github.com/slbailey/tower/internal/pump"
)

// pumpStopTimeout bounds the tick-task join during shutdown.
const pumpStopTimeout = 200 * time.Millisecond

// Tower is the assembled pipeline.
type Tower struct {
	cfg    *config.Config
	logger *slog.Logger

	manager   *encoder.Manager
	pump      *pump.Pump
	tcpIngest *ingest.TCPServer
	udpIngest *ingest.UDPServer
	httpd     *httpd.Server
}

// New constructs the component graph in dependency order. No goroutines are
// started until Serve.
func New(cfg *config.Config, logger *slog.Logger) (*Tower, error) {
	if cfg == nil {
		return nil, fmt.Errorf("service: config is required")
	}

	mgr, err := encoder.NewManager(encoder.ManagerConfig{
		EncoderEnabled:    cfg.Encoder.Enabled,
		AllowFFmpeg:       cfg.Encoder.AllowFFmpeg,
		FFmpegPath:        cfg.Encoder.FFmpegPath,
		Bitrate:           cfg.Encoder.Bitrate,
		StartupTimeout:    cfg.Encoder.StartupTimeout,
		StallThreshold:    cfg.Encoder.StallThreshold,
		Backoff:           cfg.BackoffSchedule(),
		MaxRestarts:       cfg.Encoder.MaxRestarts,
		LogDir:            cfg.Encoder.LogDir,
		GracePeriod:       cfg.Audio.GracePeriod,
		LossWindow:        cfg.Audio.LossWindow,
		ThresholdFrames:   cfg.Audio.ThresholdFrames,
		RecoveryInterval:  cfg.Audio.RecoveryInterval,
		PCMBufferCapacity: cfg.Buffers.PCMCapacity,
		MP3BufferCapacity: cfg.Buffers.MP3Capacity,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("service: manager: %w", err)
	}

	t := &Tower{
		cfg:     cfg,
		logger:  logger,
		manager: mgr,
		pump:    pump.New(mgr, logger),
	}

	if cfg.Ingest.TCPAddr != "" {
		t.tcpIngest = ingest.NewTCPServer(cfg.Ingest.TCPAddr, mgr.PCMBuffer(), logger)
	}
	if cfg.Ingest.UDPAddr != "" {
		t.udpIngest = ingest.NewUDPServer(cfg.Ingest.UDPAddr, mgr.PCMBuffer(), logger)
	}
	t.httpd = httpd.New(cfg.HTTP.Addr, mgr, t, logger)

	return t, nil
}

// Serve starts the pipeline and blocks until ctx is cancelled.
//
// Start order: encoder manager (which spawns its supervisor), then the
// AudioPump, then the network edges under supervision. Shutdown runs in
// reverse with bounded joins throughout.
func (t *Tower) Serve(ctx context.Context) error {
	if err := t.manager.Start(); err != nil {
		return fmt.Errorf("service: start manager: %w", err)
	}
	if err := t.pump.Start(); err != nil {
		t.manager.Stop()
		return fmt.Errorf("service: start pump: %w", err)
	}

	sup := suture.NewSimple("tower")
	if t.tcpIngest != nil {
		sup.Add(t.tcpIngest)
	}
	if t.udpIngest != nil {
		sup.Add(t.udpIngest)
	}
	sup.Add(t.httpd)

	if t.logger != nil {
		t.logger.Info("tower serving", "mode", t.Mode())
	}

	err := sup.Serve(ctx)

	t.pump.Stop(pumpStopTimeout)
	t.manager.Stop()

	if t.logger != nil {
		t.logger.Info("tower stopped")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Mode returns the operational mode string for observers.
func (t *Tower) Mode() string {
	return t.manager.Mode().String()
}

// AudioState returns the admission state string for observers.
func (t *Tower) AudioState() string {
	return t.manager.AudioStateNow().String()
}

// Restarts returns the encoder restart count.
func (t *Tower) Restarts() int {
	return t.manager.Restarts()
}

// PCMBufferStats returns the upstream PCM buffer snapshot.
func (t *Tower) PCMBufferStats() buffer.Stats {
	return t.manager.PCMBuffer().Stats()
}

// MP3BufferStats returns the MP3 output buffer snapshot.
func (t *Tower) MP3BufferStats() buffer.Stats {
	return t.manager.MP3Buffer().Stats()
}

// Manager exposes the routing authority, chiefly for tests.
func (t *Tower) Manager() *encoder.Manager {
	return t.manager
}
