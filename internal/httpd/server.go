// SPDX-License-Identifier: MIT

// Package httpd is the Tower HTTP edge: the MP3 listener fan-out endpoint
// plus the health, status, and metrics surface.
//
// The fan-out is deliberately thin. Each listener gets a per-connection loop
// pulling frames from the manager's GetFrame, whose never-empty guarantee
// means the loop has no special cases: pull, write, flush, repeat until the
// client goes away.
package httpd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/slbailey/tower/internal/buffer"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// FrameSource supplies complete MP3 frames to listeners.
type FrameSource interface {
	GetFrame() []byte
}

// StatusProvider supplies the observability snapshot served by /status,
// /healthz, and /metrics.
type StatusProvider interface {
	Mode() string
	AudioState() string
	Restarts() int
	PCMBufferStats() buffer.Stats
	MP3BufferStats() buffer.Stats
}

// Status is the JSON body returned by /status.
type Status struct {
	Mode       string            `json:"mode"`
	AudioState string            `json:"audio_state"`
	Restarts   int               `json:"restarts"`
	Buffers    map[string]Buffer `json:"buffers"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Buffer is the per-buffer snapshot embedded in Status.
type Buffer struct {
	Capacity      int    `json:"capacity"`
	Count         int    `json:"count"`
	OverflowCount uint64 `json:"overflow_count"`
}

// Server serves the Tower HTTP edge. Implements suture.Service.
type Server struct {
	addr   string
	source FrameSource
	status StatusProvider
	logger *slog.Logger
	echo   *echo.Echo
}

// New constructs the HTTP edge and registers all routes.
func New(addr string, source FrameSource, status StatusProvider, logger *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		addr:   addr,
		source: source,
		status: status,
		logger: logger,
		echo:   e,
	}

	e.GET("/stream", s.handleStream)
	e.GET("/healthz", s.handleHealthz)
	e.GET("/status", s.handleStatus)
	e.GET("/metrics", s.handleMetrics)

	return s
}

// Serve starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	if s.logger != nil {
		s.logger.Info("HTTP edge listening", "addr", s.addr)
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("httpd: %w", err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		return err
	}
	return ctx.Err()
}

// handleStream serves one listener an endless chunked MP3 stream.
func (s *Server) handleStream(c echo.Context) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "audio/mpeg")
	resp.Header().Set("Cache-Control", "no-cache, no-store")
	resp.Header().Set("Connection", "close")
	resp.WriteHeader(http.StatusOK)

	if s.logger != nil {
		s.logger.Info("listener connected", "remote", c.RealIP())
		defer s.logger.Info("listener disconnected", "remote", c.RealIP())
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frame := s.source.GetFrame()
		if _, err := resp.Write(frame); err != nil {
			return nil
		}
		resp.Flush()
	}
}

func (s *Server) handleHealthz(c echo.Context) error {
	mode := s.status.Mode()
	body := map[string]string{"status": "ok", "mode": mode}
	if mode == "DEGRADED" {
		body["status"] = "degraded"
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) handleStatus(c echo.Context) error {
	pcm := s.status.PCMBufferStats()
	mp3 := s.status.MP3BufferStats()

	return c.JSON(http.StatusOK, Status{
		Mode:       s.status.Mode(),
		AudioState: s.status.AudioState(),
		Restarts:   s.status.Restarts(),
		Buffers: map[string]Buffer{
			"pcm": {Capacity: pcm.Capacity, Count: pcm.Count, OverflowCount: pcm.OverflowCount},
			"mp3": {Capacity: mp3.Capacity, Count: mp3.Count, OverflowCount: mp3.OverflowCount},
		},
		Timestamp: time.Now(),
	})
}

// handleMetrics writes a minimal Prometheus text exposition without any
// client library dependency.
func (s *Server) handleMetrics(c echo.Context) error {
	var sb strings.Builder

	mode := s.status.Mode()
	fmt.Fprintln(&sb, "# HELP tower_mode Current operational mode (label carries the mode name).")
	fmt.Fprintln(&sb, "# TYPE tower_mode gauge")
	fmt.Fprintf(&sb, "tower_mode{mode=%q} 1\n", mode)

	fmt.Fprintln(&sb, "# HELP tower_encoder_restarts_total Encoder subprocess restarts.")
	fmt.Fprintln(&sb, "# TYPE tower_encoder_restarts_total counter")
	fmt.Fprintf(&sb, "tower_encoder_restarts_total %d\n", s.status.Restarts())

	for name, st := range map[string]buffer.Stats{
		"pcm": s.status.PCMBufferStats(),
		"mp3": s.status.MP3BufferStats(),
	} {
		fmt.Fprintf(&sb, "tower_buffer_capacity{buffer=%q} %d\n", name, st.Capacity)
		fmt.Fprintf(&sb, "tower_buffer_count{buffer=%q} %d\n", name, st.Count)
		fmt.Fprintf(&sb, "tower_buffer_overflow_total{buffer=%q} %d\n", name, st.OverflowCount)
	}

	return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(sb.String()))
}
