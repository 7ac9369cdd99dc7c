// SPDX-License-Identifier: MIT

package encoder

import (
	"bytes"
	"testing"
	"time"

	"github.com/slbailey/tower/internal/audio"
	"github.com/slbailey/tower/internal/mp3"
)

// stubEncoderCommand emits one silence MP3 frame on stdout, then consumes
// stdin forever — enough for the supervisor to reach RUNNING without ffmpeg.
var stubEncoderCommand = []string{
	"/bin/sh", "-c",
	"printf '\\377\\373\\224\\000'; head -c 380 /dev/zero; cat > /dev/null",
}

func newTestManager(t *testing.T, mutate func(*ManagerConfig)) *Manager {
	t.Helper()

	cfg := ManagerConfig{
		EncoderEnabled: true,
		AllowFFmpeg:    true,
		Command:        stubEncoderCommand,
		StallThreshold: time.Minute,
		Backoff:        []time.Duration{10 * time.Millisecond},
		MaxRestarts:    10,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

// programFrame is a recognizable non-silence canonical PCM frame.
func programFrame() []byte {
	f := make([]byte, audio.FrameBytes)
	for i := range f {
		f[i] = 0x01
	}
	return f
}

func startRunning(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		mode := m.Mode()
		return mode == ModeFallbackOnly || mode == ModeLiveInput
	}, "supervisor RUNNING")
}

func TestOfflineTestMode(t *testing.T) {
	m := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.EncoderEnabled = false
	})
	defer m.Stop()

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := m.Mode(); got != ModeOfflineTest {
		t.Errorf("Mode = %s, want OFFLINE_TEST_MODE", got)
	}

	frame := m.NextFrame()
	if !bytes.Equal(frame, audio.SilenceFrame()) {
		t.Error("NextFrame in offline mode is not canonical silence")
	}

	if got := m.GetFrame(); len(got) == 0 {
		t.Error("GetFrame returned empty bytes in offline mode")
	}
}

func TestColdStartBeforeStart(t *testing.T) {
	m := newTestManager(t, nil)

	if got := m.Mode(); got != ModeColdStart {
		t.Errorf("Mode before Start = %s, want COLD_START", got)
	}

	frame := m.NextFrame()
	if !bytes.Equal(frame, audio.SilenceFrame()) {
		t.Error("NextFrame in cold start is not canonical silence")
	}
}

func TestAdmissionThreshold(t *testing.T) {
	m := newTestManager(t, nil)
	defer m.Stop()
	startRunning(t, m)

	program := programFrame()
	for i := 0; i < DefaultThresholdFrames; i++ {
		frame := make([]byte, audio.FrameBytes)
		copy(frame, program)
		if err := m.PCMBuffer().Push(frame); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	// The first threshold-1 ticks must route fallback, not program.
	for i := 0; i < DefaultThresholdFrames-1; i++ {
		frame := m.NextFrame()
		if bytes.Equal(frame, program) {
			t.Fatalf("tick %d routed program audio before threshold", i+1)
		}
		if st := m.AudioStateNow(); st == AudioProgram {
			t.Fatalf("audio state PROGRAM after %d frames, want pre-admission state", i+1)
		}
	}

	// The threshold-th consecutive frame admits program audio.
	frame := m.NextFrame()
	if !bytes.Equal(frame, program) {
		t.Fatal("threshold tick did not route the program frame")
	}
	if st := m.AudioStateNow(); st != AudioProgram {
		t.Errorf("audio state = %s after admission, want PROGRAM", st)
	}
	if got := m.Mode(); got != ModeLiveInput {
		t.Errorf("Mode = %s after admission, want LIVE_INPUT", got)
	}
}

func TestSingleStrayFrameNotAdmitted(t *testing.T) {
	m := newTestManager(t, nil)
	defer m.Stop()
	startRunning(t, m)

	if err := m.PCMBuffer().Push(programFrame()); err != nil {
		t.Fatalf("Push: %v", err)
	}

	frame := m.NextFrame()
	if bytes.Equal(frame, programFrame()) {
		t.Error("a single stray PCM frame was admitted")
	}
	if st := m.AudioStateNow(); st == AudioProgram {
		t.Error("audio state PROGRAM after one frame, want pre-admission state")
	}
}

func TestAdmissionResetsOnGap(t *testing.T) {
	m := newTestManager(t, nil)
	defer m.Stop()
	startRunning(t, m)

	// Feed threshold-1 frames, then one empty tick, then one more frame:
	// the run is no longer consecutive and must not admit.
	for i := 0; i < DefaultThresholdFrames-1; i++ {
		_ = m.PCMBuffer().Push(programFrame())
		m.NextFrame()
	}
	m.NextFrame() // empty tick resets the consecutive count

	_ = m.PCMBuffer().Push(programFrame())
	frame := m.NextFrame()
	if bytes.Equal(frame, programFrame()) {
		t.Error("program admitted despite a gap in the consecutive run")
	}
}

func TestPCMLossDemotesToGrace(t *testing.T) {
	lossWindow := 50 * time.Millisecond
	m := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.LossWindow = lossWindow
	})
	defer m.Stop()
	startRunning(t, m)

	for i := 0; i < DefaultThresholdFrames; i++ {
		_ = m.PCMBuffer().Push(programFrame())
		m.NextFrame()
	}
	if st := m.AudioStateNow(); st != AudioProgram {
		t.Fatalf("audio state = %s, want PROGRAM before loss", st)
	}

	// Inside the loss window the state holds.
	m.NextFrame()
	if st := m.AudioStateNow(); st != AudioProgram {
		t.Errorf("audio state = %s inside loss window, want PROGRAM", st)
	}

	// Past the window, the manager demotes and restarts admission.
	time.Sleep(lossWindow + 20*time.Millisecond)
	m.NextFrame()
	if st := m.AudioStateNow(); st != AudioSilenceGrace {
		t.Errorf("audio state = %s after loss, want SILENCE_GRACE", st)
	}
	if got := m.Mode(); got != ModeFallbackOnly {
		t.Errorf("Mode = %s after loss, want FALLBACK_ONLY", got)
	}

	// A single frame after the loss must not re-admit.
	_ = m.PCMBuffer().Push(programFrame())
	frame := m.NextFrame()
	if bytes.Equal(frame, programFrame()) {
		t.Error("program re-admitted without satisfying the threshold again")
	}
}

func TestGraceSilenceThenTone(t *testing.T) {
	grace := 500 * time.Millisecond
	m := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.GracePeriod = grace
	})
	defer m.Stop()
	startRunning(t, m)

	frame := m.NextFrame()
	if !bytes.Equal(frame, audio.SilenceFrame()) {
		t.Error("fallback during grace period is not silence")
	}

	time.Sleep(grace + 100*time.Millisecond)

	frame = m.NextFrame()
	if bytes.Equal(frame, audio.SilenceFrame()) {
		t.Error("fallback after grace period is still silence, want tone")
	}
	if len(frame) != audio.FrameBytes {
		t.Errorf("tone frame is %d bytes, want %d", len(frame), audio.FrameBytes)
	}
	if st := m.AudioStateNow(); st != AudioFallbackTone {
		t.Errorf("audio state = %s after grace, want FALLBACK_TONE", st)
	}
}

func TestGetFrameNeverEmpty(t *testing.T) {
	m := newTestManager(t, nil)
	defer m.Stop()
	startRunning(t, m)

	// First call drains the stub's real frame, later calls substitute
	// canonical silence. Every result is a complete MP3 frame.
	for i := 0; i < 3; i++ {
		frame := m.GetFrame()
		if len(frame) == 0 {
			t.Fatalf("GetFrame %d returned empty bytes", i)
		}
		if _, err := mp3.ParseHeader(frame); err != nil {
			t.Fatalf("GetFrame %d returned an invalid MP3 frame: %v", i, err)
		}
	}
}

func TestStopReturnsSilence(t *testing.T) {
	m := newTestManager(t, nil)
	startRunning(t, m)

	m.Stop()
	m.Stop() // idempotent

	if got := m.NextFrame(); !bytes.Equal(got, audio.SilenceFrame()) {
		t.Error("NextFrame after Stop is not canonical silence")
	}
	if got := m.GetFrame(); !bytes.Equal(got, mp3.SilenceFrame()) {
		t.Error("GetFrame after Stop is not the canonical silence MP3 frame")
	}
}

func TestModeStringValues(t *testing.T) {
	tests := []struct {
		mode Mode
		want string
	}{
		{ModeColdStart, "COLD_START"},
		{ModeBooting, "BOOTING"},
		{ModeLiveInput, "LIVE_INPUT"},
		{ModeFallbackOnly, "FALLBACK_ONLY"},
		{ModeRestartRecovery, "RESTART_RECOVERY"},
		{ModeDegraded, "DEGRADED"},
		{ModeOfflineTest, "OFFLINE_TEST_MODE"},
	}

	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.mode, got, tt.want)
		}
	}
}

func TestDeriveMode(t *testing.T) {
	tests := []struct {
		name          string
		hasSupervisor bool
		supState      State
		audioState    AudioState
		thresholdMet  bool
		want          Mode
	}{
		{"no supervisor", false, StateStopped, AudioSilenceGrace, false, ModeColdStart},
		{"stopped", true, StateStopped, AudioSilenceGrace, false, ModeColdStart},
		{"starting", true, StateStarting, AudioSilenceGrace, false, ModeColdStart},
		{"booting", true, StateBooting, AudioSilenceGrace, false, ModeBooting},
		{"restarting", true, StateRestarting, AudioSilenceGrace, false, ModeRestartRecovery},
		{"failed", true, StateFailed, AudioDegraded, false, ModeDegraded},
		{"running pre-admission", true, StateRunning, AudioSilenceGrace, false, ModeFallbackOnly},
		{"running tone", true, StateRunning, AudioFallbackTone, false, ModeFallbackOnly},
		{"running program", true, StateRunning, AudioProgram, true, ModeLiveInput},
		{"running program without threshold", true, StateRunning, AudioProgram, false, ModeFallbackOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deriveMode(tt.hasSupervisor, tt.supState, tt.audioState, tt.thresholdMet)
			if got != tt.want {
				t.Errorf("deriveMode = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestModeIsPureOverObservableState(t *testing.T) {
	m := newTestManager(t, nil)
	defer m.Stop()
	startRunning(t, m)

	a := m.Mode()
	b := m.Mode()
	if a != b {
		t.Errorf("two Mode calls with no intervening event differ: %s vs %s", a, b)
	}
}
