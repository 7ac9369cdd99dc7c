// SPDX-License-Identifier: MIT

package encoder

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slbailey/tower/internal/audio"
	"github.com/slbailey/tower/internal/buffer"
	"github.com/slbailey/tower/internal/mp3"
	"github.com/slbailey/tower/internal/util"
)

// Mode is the externally visible operational mode, derived deterministically
// from supervisor state and admission state.
type Mode int

const (
	ModeColdStart       Mode = iota // Supervisor not yet started
	ModeBooting                     // Process spawned, first MP3 frame pending
	ModeLiveInput                   // Program audio admitted and flowing
	ModeFallbackOnly                // Running but admission unmet or PCM lost
	ModeRestartRecovery             // Supervisor in restart backoff
	ModeDegraded                    // Restart budget exhausted
	ModeOfflineTest                 // Encoder disabled by configuration
)

// String returns the string representation of Mode.
func (m Mode) String() string {
	switch m {
	case ModeColdStart:
		return "COLD_START"
	case ModeBooting:
		return "BOOTING"
	case ModeLiveInput:
		return "LIVE_INPUT"
	case ModeFallbackOnly:
		return "FALLBACK_ONLY"
	case ModeRestartRecovery:
		return "RESTART_RECOVERY"
	case ModeDegraded:
		return "DEGRADED"
	case ModeOfflineTest:
		return "OFFLINE_TEST_MODE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(m))
	}
}

// AudioState is the manager's internal admission state machine.
type AudioState int

const (
	AudioSilenceGrace AudioState = iota // Fallback active, silence phase
	AudioFallbackTone                   // Fallback active, tone phase
	AudioProgram                        // Program audio admitted
	AudioDegraded                       // Supervisor failed
)

// String returns the string representation of AudioState.
func (a AudioState) String() string {
	switch a {
	case AudioSilenceGrace:
		return "SILENCE_GRACE"
	case AudioFallbackTone:
		return "FALLBACK_TONE"
	case AudioProgram:
		return "PROGRAM"
	case AudioDegraded:
		return "DEGRADED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(a))
	}
}

const (
	// DefaultGracePeriod is the silence phase before fallback tone.
	DefaultGracePeriod = 1500 * time.Millisecond

	// DefaultLossWindow is the PCM-absence tolerance while in PROGRAM.
	DefaultLossWindow = 500 * time.Millisecond

	// DefaultThresholdFrames is the consecutive-frame admission threshold.
	DefaultThresholdFrames = 15

	// DefaultRecoveryInterval is the DEGRADED retry cadence.
	DefaultRecoveryInterval = 10 * time.Minute

	// DefaultPCMBufferCapacity bounds the upstream PCM buffer.
	DefaultPCMBufferCapacity = 32

	// DefaultMP3BufferCapacity bounds the MP3 output buffer
	// (~9.6 s at ~41.7 frames/second).
	DefaultMP3BufferCapacity = 400

	// pcmPopTimeout is the per-tick bounded wait for an upstream PCM frame.
	pcmPopTimeout = 5 * time.Millisecond

	// getFrameTimeout is the fan-out edge's bounded wait for an MP3 frame.
	getFrameTimeout = 250 * time.Millisecond

	// stopTimeout bounds supervisor shutdown during Stop.
	stopTimeout = 5 * time.Second
)

// ManagerConfig contains configuration for an EncoderManager.
type ManagerConfig struct {
	EncoderEnabled bool
	AllowFFmpeg    bool
	FFmpegPath     string
	Bitrate        string
	Command        []string
	StartupTimeout time.Duration
	StallThreshold time.Duration
	Backoff        []time.Duration
	MaxRestarts    int
	LogDir         string

	GracePeriod      time.Duration
	LossWindow       time.Duration
	ThresholdFrames  int
	RecoveryInterval time.Duration

	PCMBufferCapacity int
	MP3BufferCapacity int

	Logger *slog.Logger
}

// Manager is the single routing authority of the pipeline.
//
// On every AudioPump tick it selects exactly one source — upstream program
// PCM, grace-period silence, or fallback tone — and forwards exactly one
// 4608-byte frame to the supervisor. It owns the operational-mode derivation,
// the admission state machine, the grace timer, and the fallback provider,
// and supplies MP3 frames to the fan-out edge with a never-empty guarantee.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	pcmBuf   *buffer.Ring
	mp3Buf   *buffer.Ring
	fallback *audio.FallbackProvider
	sup      *Supervisor

	mu           sync.Mutex // audio-state mutex; never held across supervisor calls
	audioState   AudioState
	admission    int
	thresholdMet bool
	lastPCM      time.Time // zero = never seen
	graceStart   time.Time // zero = grace timer unset
	supState     State     // mirror updated by the event loop
	started      bool
	stopped      bool

	events       chan State
	eventsWG     sync.WaitGroup
	recoveryStop chan struct{}
	recoveryOnce sync.Once
}

// NewManager creates a manager and its buffers. The supervisor is not
// created until Start (and never in offline test mode).
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.LossWindow <= 0 {
		cfg.LossWindow = DefaultLossWindow
	}
	if cfg.ThresholdFrames <= 0 {
		cfg.ThresholdFrames = DefaultThresholdFrames
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = DefaultRecoveryInterval
	}
	if cfg.PCMBufferCapacity <= 0 {
		cfg.PCMBufferCapacity = DefaultPCMBufferCapacity
	}
	if cfg.MP3BufferCapacity <= 0 {
		cfg.MP3BufferCapacity = DefaultMP3BufferCapacity
	}

	pcmBuf, err := buffer.NewRing(cfg.PCMBufferCapacity, buffer.WithExpectedFrameSize(audio.FrameBytes))
	if err != nil {
		return nil, fmt.Errorf("encoder: pcm buffer: %w", err)
	}
	mp3Buf, err := buffer.NewRing(cfg.MP3BufferCapacity)
	if err != nil {
		return nil, fmt.Errorf("encoder: mp3 buffer: %w", err)
	}

	return &Manager{
		cfg:          cfg,
		logger:       cfg.Logger,
		pcmBuf:       pcmBuf,
		mp3Buf:       mp3Buf,
		fallback:     audio.NewFallbackProvider(),
		audioState:   AudioSilenceGrace,
		recoveryStop: make(chan struct{}),
	}, nil
}

// PCMBuffer returns the upstream PCM buffer written by the ingest edge.
func (m *Manager) PCMBuffer() *buffer.Ring {
	return m.pcmBuf
}

// MP3Buffer returns the MP3 output buffer.
func (m *Manager) MP3Buffer() *buffer.Ring {
	return m.mp3Buf
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Info(fmt.Sprintf(format, args...))
	}
}

func (m *Manager) warnf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Warn(fmt.Sprintf(format, args...))
	}
}

// Start constructs and starts the supervisor (unless the encoder is
// disabled) and initializes admission state.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("encoder: manager already started")
	}
	m.started = true
	m.audioState = AudioSilenceGrace
	m.admission = 0
	m.thresholdMet = false
	m.graceStart = time.Time{}
	m.mu.Unlock()

	if !m.cfg.EncoderEnabled {
		m.logf("Encoder disabled by configuration, running in offline test mode")
		return nil
	}

	m.events = make(chan State, 32)
	m.eventsWG.Add(1)
	go m.eventLoop()

	sup, err := NewSupervisor(SupervisorConfig{
		FFmpegPath:     m.cfg.FFmpegPath,
		Bitrate:        m.cfg.Bitrate,
		Command:        m.cfg.Command,
		AllowFFmpeg:    m.cfg.AllowFFmpeg,
		StartupTimeout: m.cfg.StartupTimeout,
		StallThreshold: m.cfg.StallThreshold,
		Backoff:        NewBackoff(m.cfg.Backoff, m.cfg.MaxRestarts),
		MP3Buffer:      m.mp3Buf,
		Logger:         m.logger,
		LogDir:         m.cfg.LogDir,
		OnStateChange:  m.onSupervisorState,
	})
	if err != nil {
		return err
	}
	m.sup = sup

	if err := sup.Start(); err != nil {
		return fmt.Errorf("encoder: supervisor start: %w", err)
	}

	// The encoder needs input while booting; the grace timer starts now so
	// the initial fallback is the silence phase.
	m.mu.Lock()
	m.graceStart = time.Now()
	m.mu.Unlock()

	return nil
}

// onSupervisorState is the supervisor's state-change callback. It runs on
// the supervisor's notify goroutine, outside both locks, and must not call
// back into the supervisor synchronously — it only forwards the event.
func (m *Manager) onSupervisorState(st State) {
	select {
	case m.events <- st:
	default:
		m.warnf("supervisor event backlog full, dropping %s", st)
	}
}

// eventLoop processes supervisor state transitions on a dedicated task,
// keeping supervisor and manager lock scopes disjoint.
func (m *Manager) eventLoop() {
	defer m.eventsWG.Done()

	for st := range m.events {
		m.mu.Lock()
		m.supState = st
		switch st {
		case StateRestarting:
			// Admission restarts from zero after any supervisor restart.
			m.admission = 0
			m.thresholdMet = false
			m.graceStart = time.Now()
			m.setAudioStateLocked(AudioSilenceGrace, "supervisor restarting")
		case StateFailed:
			m.setAudioStateLocked(AudioDegraded, "restart budget exhausted")
			m.mu.Unlock()
			m.startRecovery()
			continue
		case StateRunning:
			if m.audioState == AudioDegraded {
				m.setAudioStateLocked(AudioSilenceGrace, "supervisor recovered")
				m.graceStart = time.Now()
			}
		}
		m.mu.Unlock()
	}
}

// startRecovery launches the DEGRADED self-healing task. Runs indefinitely;
// each wake resets the restart budget if the supervisor is still failed.
func (m *Manager) startRecovery() {
	m.recoveryOnce.Do(func() {
		util.SafeGo("encoder-recovery", m.logger, func() {
			ticker := time.NewTicker(m.cfg.RecoveryInterval)
			defer ticker.Stop()

			for {
				select {
				case <-m.recoveryStop:
					return
				case <-ticker.C:
					sup := m.sup
					if sup != nil && sup.State() == StateFailed {
						m.logf("Recovery task: retrying encoder after degraded period")
						sup.Recover()
					}
				}
			}
		})
	})
}

// Mode derives the operational mode from public supervisor state and the
// admission snapshot. Pure over observable state: no hidden flags.
func (m *Manager) Mode() Mode {
	if !m.cfg.EncoderEnabled {
		return ModeOfflineTest
	}

	sup := m.sup
	var supState State
	hasSupervisor := sup != nil
	if hasSupervisor {
		supState = sup.State()
	}

	m.mu.Lock()
	audioState := m.audioState
	thresholdMet := m.thresholdMet
	m.mu.Unlock()

	return deriveMode(hasSupervisor, supState, audioState, thresholdMet)
}

// deriveMode maps supervisor state and admission state to a Mode.
func deriveMode(hasSupervisor bool, supState State, audioState AudioState, thresholdMet bool) Mode {
	if !hasSupervisor {
		return ModeColdStart
	}
	switch supState {
	case StateStopped, StateStarting:
		return ModeColdStart
	case StateBooting:
		return ModeBooting
	case StateRestarting:
		return ModeRestartRecovery
	case StateFailed:
		return ModeDegraded
	case StateRunning:
		if audioState == AudioProgram && thresholdMet {
			return ModeLiveInput
		}
		return ModeFallbackOnly
	default:
		return ModeColdStart
	}
}

// AudioStateNow returns the current admission state.
func (m *Manager) AudioStateNow() AudioState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioState
}

// NextFrame is called exactly once per AudioPump tick. It always routes
// exactly one canonical PCM frame to the supervisor (in forwarding modes)
// and returns the routed frame.
func (m *Manager) NextFrame() []byte {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return audio.SilenceFrame()
	}

	mode := m.Mode()
	now := time.Now()

	switch mode {
	case ModeBooting, ModeRestartRecovery, ModeDegraded:
		// Fallback-driven modes: always fallback, even if PCM is available.
		m.mu.Lock()
		m.admission = 0
		m.ensureGraceLocked(now)
		frame := m.fallbackFrameLocked(now)
		m.mu.Unlock()

		if mode == ModeBooting {
			m.writePCM(mode, frame)
		} else {
			m.writeFallback(mode, frame)
		}
		return frame

	case ModeLiveInput, ModeFallbackOnly:
		pcmFrame, ok := m.pcmBuf.Pop(pcmPopTimeout)
		if ok {
			m.mu.Lock()
			m.admission++
			m.lastPCM = now
			if m.admission >= m.cfg.ThresholdFrames {
				m.thresholdMet = true
				m.graceStart = time.Time{}
				m.setAudioStateLocked(AudioProgram, "PCM admission threshold met")
				m.mu.Unlock()

				m.writePCM(ModeLiveInput, pcmFrame)
				return pcmFrame
			}
			// Pre-threshold: a stray frame must not be admitted.
			m.ensureGraceLocked(now)
			frame := m.fallbackFrameLocked(now)
			m.mu.Unlock()

			m.writeFallback(mode, frame)
			return frame
		}

		// No PCM this tick. Pre-admission, the consecutive-frame count
		// restarts; in PROGRAM the loss window governs instead.
		m.mu.Lock()
		if m.audioState != AudioProgram {
			m.admission = 0
		}
		if m.audioState == AudioProgram && !m.lastPCM.IsZero() &&
			now.Sub(m.lastPCM) > m.cfg.LossWindow {
			m.admission = 0
			m.thresholdMet = false
			m.graceStart = now
			m.setAudioStateLocked(AudioSilenceGrace, "PCM lost")
		}
		m.ensureGraceLocked(now)
		frame := m.fallbackFrameLocked(now)
		m.mu.Unlock()

		m.writeFallback(mode, frame)
		return frame

	default:
		// COLD_START, OFFLINE_TEST_MODE: no forwarding, no supervisor.
		return audio.SilenceFrame()
	}
}

// ensureGraceLocked arms the grace timer if it is not already set.
// Caller must hold m.mu.
func (m *Manager) ensureGraceLocked(now time.Time) {
	if m.graceStart.IsZero() {
		m.graceStart = now
	}
}

// fallbackFrameLocked returns the fallback frame for this tick: silence while
// the grace timer is inside the grace period, tone afterwards.
// Caller must hold m.mu.
func (m *Manager) fallbackFrameLocked(now time.Time) []byte {
	if !m.graceStart.IsZero() && now.Sub(m.graceStart) < m.cfg.GracePeriod {
		return audio.SilenceFrame()
	}
	if m.audioState == AudioSilenceGrace {
		m.setAudioStateLocked(AudioFallbackTone, "grace period elapsed")
	}
	return m.fallback.NextFrame()
}

// writePCM forwards program audio to the supervisor, applying the mode gate:
// only BOOTING and admitted LIVE_INPUT forward program PCM.
func (m *Manager) writePCM(mode Mode, frame []byte) {
	if m.sup == nil {
		return
	}
	switch mode {
	case ModeBooting, ModeLiveInput:
		m.sup.WritePCM(frame)
	default:
		// Program PCM is suppressed outside admission.
	}
}

// writeFallback forwards synthesized audio to the supervisor. The supervisor
// is source-agnostic, so this collapses onto the same underlying write; the
// distinction is kept for gating and log clarity.
func (m *Manager) writeFallback(mode Mode, frame []byte) {
	if m.sup == nil {
		return
	}
	switch mode {
	case ModeLiveInput, ModeFallbackOnly, ModeBooting, ModeRestartRecovery, ModeDegraded:
		m.sup.WritePCM(frame)
	default:
	}
}

// GetFrame returns one complete MP3 frame for the fan-out edge.
//
// Never returns an empty slice. In forwarding modes it waits up to 250 ms
// for encoder output before substituting the canonical silence MP3 frame;
// in recovery modes it drains any preserved frames without waiting, then
// substitutes silence.
func (m *Manager) GetFrame() []byte {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return mp3.SilenceFrame()
	}

	switch m.Mode() {
	case ModeBooting, ModeLiveInput, ModeFallbackOnly:
		if frame, ok := m.mp3Buf.Pop(getFrameTimeout); ok {
			return frame
		}
		return mp3.SilenceFrame()
	default:
		// COLD_START, OFFLINE_TEST_MODE, RESTART_RECOVERY, DEGRADED:
		// queued frames keep feeding the fan-out, then silence.
		if frame, ok := m.mp3Buf.Pop(0); ok {
			return frame
		}
		return mp3.SilenceFrame()
	}
}

// setAudioStateLocked applies an audio-state transition with its log
// contract. Forbidden transitions are rejected and logged at WARN.
// Caller must hold m.mu.
func (m *Manager) setAudioStateLocked(next AudioState, reason string) {
	old := m.audioState
	if old == next {
		return
	}

	// Never fall back from tone to the silence grace phase while the
	// encoder is live; that would re-run the grace period mid-stream.
	if old == AudioFallbackTone && next == AudioSilenceGrace && m.supState == StateRunning {
		m.warnf("Blocked invalid transition: %s -> %s (supervisor RUNNING)", old, next)
		return
	}

	m.audioState = next
	m.logf("Audio state transition: %s -> %s (reason: %s)", old, next, reason)
}

// Restarts returns the supervisor restart count, or 0 without a supervisor.
func (m *Manager) Restarts() int {
	if m.sup == nil {
		return 0
	}
	return m.sup.Restarts()
}

// Stop shuts the manager down: subsequent NextFrame and GetFrame calls
// return canonical silence. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.recoveryStop)

	if m.sup != nil {
		m.sup.Stop(stopTimeout)
	}
	if m.events != nil {
		close(m.events)
		m.eventsWG.Wait()
	}
}
