// SPDX-License-Identifier: MIT

// Package mp3 implements MP3 frame-boundary detection for the encoder output
// drain. It parses just enough of the MPEG-1 Layer III header to compute
// frame sizes; it never decodes audio.
package mp3

import (
	"errors"
	"fmt"
)

// HeaderSize is the fixed MP3 frame header length in bytes.
const HeaderSize = 4

// ErrNotSync is returned by ParseHeader when the bytes do not start with a
// valid MPEG-1 Layer III sync pattern.
var ErrNotSync = errors.New("mp3: not a frame sync")

// Bitrate values in kbps for MPEG-1 Layer III, indexed by the header's
// 4-bit bitrate field. Index 0 is "free format" and 15 is invalid.
var bitrateMPEG1Layer3 = [16]int{
	0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0,
}

// Sample rate values in Hz for MPEG-1, indexed by the header's 2-bit
// sample-rate field. Index 3 is reserved.
var sampleRateMPEG1 = [4]int{44100, 48000, 32000, 0}

// Header is the parsed information from a 4-byte MP3 frame header.
type Header struct {
	Bitrate    int  // kbps
	SampleRate int  // Hz
	Padding    bool // padding bit set
	FrameSize  int  // total frame length in bytes, header included
}

// FindSync returns the offset of the next MP3 sync pattern in b, or -1.
// A sync is 0xFF followed by a byte whose top three bits are set.
func FindSync(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == 0xFF && b[i+1]&0xE0 == 0xE0 {
			return i
		}
	}
	return -1
}

// ParseHeader parses a 4-byte MPEG-1 Layer III header at the start of b.
//
// Returns ErrNotSync when the bytes are not a sync, and a descriptive error
// for syncs whose version/layer/bitrate/sample-rate fields are invalid or
// unsupported (MPEG-2, Layer I/II, free-format bitrate).
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("mp3: header needs %d bytes, got %d", HeaderSize, len(b))
	}
	if b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return Header{}, ErrNotSync
	}

	version := (b[1] >> 3) & 0x03 // 3 = MPEG-1
	layer := (b[1] >> 1) & 0x03   // 1 = Layer III
	if version != 3 {
		return Header{}, fmt.Errorf("mp3: unsupported MPEG version bits %d", version)
	}
	if layer != 1 {
		return Header{}, fmt.Errorf("mp3: unsupported layer bits %d", layer)
	}

	bitrateIdx := (b[2] >> 4) & 0x0F
	sampleIdx := (b[2] >> 2) & 0x03
	padding := b[2]&0x02 != 0

	bitrate := bitrateMPEG1Layer3[bitrateIdx]
	sampleRate := sampleRateMPEG1[sampleIdx]
	if bitrate == 0 {
		return Header{}, fmt.Errorf("mp3: invalid bitrate index %d", bitrateIdx)
	}
	if sampleRate == 0 {
		return Header{}, fmt.Errorf("mp3: invalid sample rate index %d", sampleIdx)
	}

	// MPEG-1 Layer III frame length: 144 * bitrate / samplerate + padding.
	size := 144 * bitrate * 1000 / sampleRate
	if padding {
		size++
	}

	return Header{
		Bitrate:    bitrate,
		SampleRate: sampleRate,
		Padding:    padding,
		FrameSize:  size,
	}, nil
}

// ExtractFrames scans accum for complete MP3 frames.
//
// It returns the complete frames found, in order, and the unconsumed
// remainder (a partial frame or partial sync that needs more input). Bytes
// before a sync and syncs with unparsable headers are discarded.
//
// The function is pure: it never mutates accum's contents, only re-slices.
func ExtractFrames(accum []byte) (frames [][]byte, rest []byte) {
	rest = accum
	for {
		i := FindSync(rest)
		if i < 0 {
			// No sync. Keep the final byte in case it is the 0xFF of a
			// sync split across reads.
			if n := len(rest); n > 0 && rest[n-1] == 0xFF {
				rest = rest[n-1:]
			} else {
				rest = rest[len(rest):]
			}
			return frames, rest
		}
		rest = rest[i:]

		if len(rest) < HeaderSize {
			return frames, rest
		}

		hdr, err := ParseHeader(rest)
		if err != nil {
			// False sync. Skip one byte and rescan.
			rest = rest[1:]
			continue
		}

		if len(rest) < hdr.FrameSize {
			return frames, rest
		}

		frames = append(frames, rest[:hdr.FrameSize])
		rest = rest[hdr.FrameSize:]
	}
}
