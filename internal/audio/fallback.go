// SPDX-License-Identifier: MIT

package audio

import "math"

// ToneFrequency is the fallback tone pitch in Hz.
const ToneFrequency = 440.0

// toneAmplitude keeps the fallback tone well below full scale so it is
// audible without being alarming on a listener's speakers.
const toneAmplitude = 0.25

// FallbackProvider synthesizes program-substitute PCM frames on demand.
//
// NextFrame is non-blocking and cheap: one sine evaluation per sample, no
// allocation beyond the returned frame, no I/O. The phase accumulator
// persists across calls so consecutive frames form a continuous 440 Hz tone
// with no discontinuities at frame boundaries.
//
// A provider is owned by exactly one caller (the EncoderManager tick path)
// and is not safe for concurrent use.
type FallbackProvider struct {
	phase float64
}

// NewFallbackProvider creates a tone provider with phase zero.
func NewFallbackProvider() *FallbackProvider {
	return &FallbackProvider{}
}

// NextFrame returns one canonical PCM frame of continuous 440 Hz sine tone.
func (p *FallbackProvider) NextFrame() []byte {
	frame := make([]byte, FrameBytes)
	step := 2 * math.Pi * ToneFrequency / SampleRate

	for i := 0; i < SamplesPerFrame; i++ {
		sample := int16(toneAmplitude * math.Sin(p.phase) * math.MaxInt16)
		p.phase += step
		if p.phase >= 2*math.Pi {
			p.phase -= 2 * math.Pi
		}

		lo := byte(uint16(sample) & 0xFF)
		hi := byte(uint16(sample) >> 8)

		// Interleaved stereo: identical samples on both channels.
		off := i * Channels * BytesPerSample
		frame[off] = lo
		frame[off+1] = hi
		frame[off+2] = lo
		frame[off+3] = hi
	}

	return frame
}

// Reset returns the phase accumulator to zero.
func (p *FallbackProvider) Reset() {
	p.phase = 0
}
