// SPDX-License-Identifier: MIT

package httpd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/slbailey/tower/internal/buffer"
	"github.com/slbailey/tower/internal/mp3"
)

// fakeStatus is a canned StatusProvider.
type fakeStatus struct {
	mode       string
	audioState string
	restarts   int
}

func (f *fakeStatus) Mode() string       { return f.mode }
func (f *fakeStatus) AudioState() string { return f.audioState }
func (f *fakeStatus) Restarts() int      { return f.restarts }
func (f *fakeStatus) PCMBufferStats() buffer.Stats {
	return buffer.Stats{Capacity: 32, Count: 3, OverflowCount: 1}
}
func (f *fakeStatus) MP3BufferStats() buffer.Stats {
	return buffer.Stats{Capacity: 400, Count: 42, OverflowCount: 0}
}

// cancellingSource serves silence frames and cancels the request context
// after a fixed number of frames, ending the stream loop.
type cancellingSource struct {
	remaining int
	cancel    context.CancelFunc
}

func (c *cancellingSource) GetFrame() []byte {
	c.remaining--
	if c.remaining <= 0 && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return mp3.SilenceFrame()
}

func TestHandleStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := &cancellingSource{remaining: 3, cancel: cancel}

	s := New("127.0.0.1:0", source, &fakeStatus{mode: "LIVE_INPUT"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := s.handleStream(c); err != nil {
		t.Fatalf("handleStream: %v", err)
	}

	if got := rec.Header().Get("Content-Type"); got != "audio/mpeg" {
		t.Errorf("Content-Type = %q, want audio/mpeg", got)
	}

	body := rec.Body.Bytes()
	if len(body) == 0 {
		t.Fatal("stream body is empty")
	}
	if len(body)%mp3.SilenceFrameSize != 0 {
		t.Errorf("body length %d is not a whole number of frames", len(body))
	}
}

func TestHandleHealthz(t *testing.T) {
	tests := []struct {
		mode       string
		wantStatus int
	}{
		{"LIVE_INPUT", http.StatusOK},
		{"FALLBACK_ONLY", http.StatusOK},
		{"RESTART_RECOVERY", http.StatusOK},
		{"DEGRADED", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			s := New("127.0.0.1:0", nil, &fakeStatus{mode: tt.mode}, nil)

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			rec := httptest.NewRecorder()
			c := s.echo.NewContext(req, rec)

			if err := s.handleHealthz(c); err != nil {
				t.Fatalf("handleHealthz: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	status := &fakeStatus{mode: "FALLBACK_ONLY", audioState: "SILENCE_GRACE", restarts: 2}
	s := New("127.0.0.1:0", nil, status, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := s.handleStatus(c); err != nil {
		t.Fatalf("handleStatus: %v", err)
	}

	var got Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if got.Mode != "FALLBACK_ONLY" {
		t.Errorf("Mode = %q, want FALLBACK_ONLY", got.Mode)
	}
	if got.AudioState != "SILENCE_GRACE" {
		t.Errorf("AudioState = %q, want SILENCE_GRACE", got.AudioState)
	}
	if got.Restarts != 2 {
		t.Errorf("Restarts = %d, want 2", got.Restarts)
	}
	if got.Buffers["pcm"].OverflowCount != 1 {
		t.Errorf("pcm overflow = %d, want 1", got.Buffers["pcm"].OverflowCount)
	}
	if got.Buffers["mp3"].Count != 42 {
		t.Errorf("mp3 count = %d, want 42", got.Buffers["mp3"].Count)
	}
}

func TestHandleMetrics(t *testing.T) {
	s := New("127.0.0.1:0", nil, &fakeStatus{mode: "LIVE_INPUT", restarts: 3}, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := s.handleMetrics(c); err != nil {
		t.Fatalf("handleMetrics: %v", err)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`tower_mode{mode="LIVE_INPUT"} 1`,
		"tower_encoder_restarts_total 3",
		`tower_buffer_capacity{buffer="pcm"} 32`,
		`tower_buffer_overflow_total{buffer="mp3"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
