// SPDX-License-Identifier: MIT

// Package config defines the Tower configuration schema and loaders.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/tower/config.yaml"

// Config represents the complete Tower configuration.
type Config struct {
	// Encoder contains supervisor and subprocess settings.
	Encoder EncoderConfig `yaml:"encoder" koanf:"encoder"`

	// Audio contains admission and fallback tuning.
	Audio AudioConfig `yaml:"audio" koanf:"audio"`

	// Buffers sizes the pipeline ring buffers.
	Buffers BufferConfig `yaml:"buffers" koanf:"buffers"`

	// Ingest configures the PCM ingest transports.
	Ingest IngestConfig `yaml:"ingest" koanf:"ingest"`

	// HTTP configures the listener fan-out and observability edge.
	HTTP HTTPConfig `yaml:"http" koanf:"http"`
}

// EncoderConfig contains the external encoder subprocess settings.
type EncoderConfig struct {
	Enabled        bool          `yaml:"enabled" koanf:"enabled"`                 // false => offline test mode, no supervisor
	AllowFFmpeg    bool          `yaml:"allow_ffmpeg" koanf:"allow_ffmpeg"`       // hard guard against accidental subprocess launch
	FFmpegPath     string        `yaml:"ffmpeg_path" koanf:"ffmpeg_path"`         // path to ffmpeg binary
	Bitrate        string        `yaml:"bitrate" koanf:"bitrate"`                 // MP3 bitrate (e.g. "128k")
	StartupTimeout time.Duration `yaml:"startup_timeout" koanf:"startup_timeout"` // hard first-frame deadline
	StallThreshold time.Duration `yaml:"stall_threshold" koanf:"stall_threshold"` // no-output stall limit
	BackoffMS      []int         `yaml:"backoff_ms" koanf:"backoff_ms"`           // restart backoff schedule in milliseconds
	MaxRestarts    int           `yaml:"max_restarts" koanf:"max_restarts"`       // restart budget before degraded
	LogDir         string        `yaml:"log_dir" koanf:"log_dir"`                 // optional rotated ffmpeg stderr log
}

// AudioConfig contains admission and fallback tuning.
type AudioConfig struct {
	GracePeriod      time.Duration `yaml:"grace_period" koanf:"grace_period"`           // fallback silence phase before tone
	LossWindow       time.Duration `yaml:"loss_window" koanf:"loss_window"`             // PCM-absence tolerance while in program
	ThresholdFrames  int           `yaml:"threshold_frames" koanf:"threshold_frames"`   // consecutive frames to admit program
	RecoveryInterval time.Duration `yaml:"recovery_interval" koanf:"recovery_interval"` // degraded retry cadence
}

// BufferConfig sizes the pipeline ring buffers.
type BufferConfig struct {
	PCMCapacity int `yaml:"pcm_capacity" koanf:"pcm_capacity"` // upstream PCM frames
	MP3Capacity int `yaml:"mp3_capacity" koanf:"mp3_capacity"` // MP3 output frames (~41.7/s)
}

// IngestConfig configures the PCM ingest transports.
type IngestConfig struct {
	TCPAddr string `yaml:"tcp_addr" koanf:"tcp_addr"` // framed TCP listener address
	UDPAddr string `yaml:"udp_addr" koanf:"udp_addr"` // datagram listener address (empty disables)
}

// HTTPConfig configures the HTTP edge.
type HTTPConfig struct {
	Addr string `yaml:"addr" koanf:"addr"` // fan-out + status listener address
}

// LoadConfig reads, parses, and validates the configuration file.
// Keys absent from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
//
// The write is atomic: data goes to a temp file in the same directory, is
// synced, then renamed over the target, so a crash mid-write leaves either
// the old file or the new file, never a torn one.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// BackoffSchedule converts the millisecond schedule to durations.
func (c *Config) BackoffSchedule() []time.Duration {
	out := make([]time.Duration, 0, len(c.Encoder.BackoffMS))
	for _, ms := range c.Encoder.BackoffMS {
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if c.Encoder.FFmpegPath == "" {
		return fmt.Errorf("encoder: ffmpeg_path cannot be empty")
	}
	if c.Encoder.Bitrate == "" {
		return fmt.Errorf("encoder: bitrate cannot be empty")
	}
	if c.Encoder.StartupTimeout <= 0 {
		return fmt.Errorf("encoder: startup_timeout must be positive")
	}
	if c.Encoder.StallThreshold <= 0 {
		return fmt.Errorf("encoder: stall_threshold must be positive")
	}
	if len(c.Encoder.BackoffMS) == 0 {
		return fmt.Errorf("encoder: backoff_ms cannot be empty")
	}
	for i, ms := range c.Encoder.BackoffMS {
		if ms <= 0 {
			return fmt.Errorf("encoder: backoff_ms[%d] must be positive", i)
		}
	}
	if c.Encoder.MaxRestarts <= 0 {
		return fmt.Errorf("encoder: max_restarts must be positive")
	}

	if c.Audio.GracePeriod <= 0 {
		return fmt.Errorf("audio: grace_period must be positive")
	}
	if c.Audio.LossWindow <= 0 {
		return fmt.Errorf("audio: loss_window must be positive")
	}
	if c.Audio.ThresholdFrames < 1 {
		return fmt.Errorf("audio: threshold_frames must be >= 1")
	}
	if c.Audio.RecoveryInterval <= 0 {
		return fmt.Errorf("audio: recovery_interval must be positive")
	}

	if c.Buffers.PCMCapacity <= 0 {
		return fmt.Errorf("buffers: pcm_capacity must be positive")
	}
	if c.Buffers.MP3Capacity <= 0 {
		return fmt.Errorf("buffers: mp3_capacity must be positive")
	}

	if c.Ingest.TCPAddr == "" && c.Ingest.UDPAddr == "" {
		return fmt.Errorf("ingest: at least one of tcp_addr, udp_addr must be set")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http: addr cannot be empty")
	}

	return nil
}

// DefaultConfig returns a configuration with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Encoder: EncoderConfig{
			Enabled:        true,
			AllowFFmpeg:    false,
			FFmpegPath:     "ffmpeg",
			Bitrate:        "128k",
			StartupTimeout: 1500 * time.Millisecond,
			StallThreshold: 2 * time.Second,
			BackoffMS:      []int{1000, 2000, 4000, 8000, 10000},
			MaxRestarts:    5,
		},
		Audio: AudioConfig{
			GracePeriod:      1500 * time.Millisecond,
			LossWindow:       500 * time.Millisecond,
			ThresholdFrames:  15,
			RecoveryInterval: 10 * time.Minute,
		},
		Buffers: BufferConfig{
			PCMCapacity: 32,
			MP3Capacity: 400,
		},
		Ingest: IngestConfig{
			TCPAddr: "127.0.0.1:9750",
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:9751",
		},
	}
}
