// SPDX-License-Identifier: MIT

// Package audio defines the canonical PCM frame format shared by the Tower
// pipeline and provides the fallback frame synthesizer.
//
// The only PCM unit accepted anywhere in the pipeline is the canonical frame:
// 1152 samples x 2 channels x 16-bit signed little-endian at 48 kHz, exactly
// 4608 bytes, 24 ms of audio. Frames are never split, merged, padded, or
// mutated.
package audio

import "time"

const (
	// SampleRate is the fixed pipeline sample rate in Hz.
	SampleRate = 48000

	// Channels is the fixed channel count (stereo interleaved).
	Channels = 2

	// BytesPerSample is the width of one signed little-endian sample.
	BytesPerSample = 2

	// SamplesPerFrame is the number of samples per channel in one frame.
	// Matches the MP3 encoder's MPEG-1 Layer III granule size.
	SamplesPerFrame = 1152

	// FrameBytes is the exact size of a canonical PCM frame.
	FrameBytes = SamplesPerFrame * Channels * BytesPerSample // 4608

	// FrameInterval is the wall-clock duration of one frame and the tick
	// cadence of the AudioPump.
	FrameInterval = SamplesPerFrame * time.Second / SampleRate // 24ms
)

// silence is the shared all-zero canonical frame. Callers must not mutate it.
var silence = make([]byte, FrameBytes)

// SilenceFrame returns the canonical all-zero PCM frame.
// The returned slice is shared; callers must treat it as read-only.
func SilenceFrame() []byte {
	return silence
}

// ValidFrame reports whether b is a canonical PCM frame.
func ValidFrame(b []byte) bool {
	return len(b) == FrameBytes
}
