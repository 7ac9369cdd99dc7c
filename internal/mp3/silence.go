// SPDX-License-Identifier: MIT

package mp3

// SilenceFrameSize is the length of the canonical silence frame:
// an MPEG-1 Layer III frame at 128 kbps / 48 kHz with no padding.
const SilenceFrameSize = 144 * 128000 / 48000 // 384

// silenceFrame is the precomputed canonical silence MP3 frame. The header
// declares MPEG-1 Layer III, no CRC, 128 kbps, 48 kHz, stereo; the side info
// and main data are all zero, which decodes to silence.
var silenceFrame = func() []byte {
	f := make([]byte, SilenceFrameSize)
	f[0] = 0xFF
	f[1] = 0xFB // MPEG-1, Layer III, no CRC
	f[2] = 0x94 // bitrate 128k, sample rate 48 kHz, no padding
	f[3] = 0x00 // stereo
	return f
}()

// SilenceFrame returns the canonical silence MP3 frame.
// The returned slice is shared; callers must treat it as read-only.
func SilenceFrame() []byte {
	return silenceFrame
}
