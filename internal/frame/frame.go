// SPDX-License-Identifier: MIT

// Package frame reassembles the raw byte stream emitted by a capture
// helper process into discrete sensor units: fixed-size PCM frames for
// audio, complete PNG images for video.
//
// No comparable framing logic exists elsewhere in this codebase (the
// FFmpeg/MediaMTX pipeline it's adapted from hands framing off to
// MediaMTX entirely); styled on the pure-function slicing conventions
// of internal/audio/sanitize.go.
package frame

import (
	"encoding/binary"
	"errors"
)

// ErrCorrupted is returned by Video.Push when its buffer grows past the
// cap without producing a unit; the buffer is discarded. Callers treat
// this as recovery reason "corrupted-frame". Aligned-pipe-mode audio
// misalignment is reported separately as AlignmentError, which the
// caller maps to "stream-error".
var ErrCorrupted = errors.New("frame: buffer exceeded cap without producing a unit")

// AlignmentError is returned by Audio.Push in aligned pipe mode when an
// incoming chunk is not a whole multiple of the sample frame size.
type AlignmentError struct {
	ChunkLen int
	FrameLen int
}

func (e *AlignmentError) Error() string {
	return "frame: chunk not aligned to sample frame size"
}

// Audio reassembles a PCM byte stream into fixed-size units of
// frameDurationMs * sampleRate * channels * 2 bytes (16-bit samples).
type Audio struct {
	unitSize int
	aligned  bool // aligned pipe mode: every chunk must be a whole multiple of channels*2
	sampleAl int  // channels*2, the per-sample alignment in aligned mode

	buf []byte
}

// NewAudio constructs an Audio reassembler.
//
// unitSize is frameDurationMs*sampleRate*channels*2/1000; aligned
// selects "aligned pipe mode" (set when the channel's input is a
// pipe source).
func NewAudio(frameDurationMs, sampleRate, channels int, aligned bool) *Audio {
	unitSize := frameDurationMs * sampleRate * channels * 2 / 1000
	return &Audio{
		unitSize: unitSize,
		aligned:  aligned,
		sampleAl: channels * 2,
	}
}

// UnitSize returns the configured byte size of one emitted unit.
func (a *Audio) UnitSize() int { return a.unitSize }

// Push appends chunk to the internal buffer and returns any complete
// units now available, in stream order. The trailing remainder (len <
// unitSize) is retained for the next Push.
//
// In aligned pipe mode, chunk must itself be a whole multiple of
// channels*2 bytes; a misaligned chunk returns *AlignmentError and the
// buffer is cleared (caller must then trigger a stream-error recovery).
func (a *Audio) Push(chunk []byte) ([][]byte, error) {
	if a.aligned && a.sampleAl > 0 && len(chunk)%a.sampleAl != 0 {
		a.buf = a.buf[:0]
		return nil, &AlignmentError{ChunkLen: len(chunk), FrameLen: a.sampleAl}
	}

	a.buf = append(a.buf, chunk...)

	var units [][]byte
	for len(a.buf) >= a.unitSize && a.unitSize > 0 {
		unit := make([]byte, a.unitSize)
		copy(unit, a.buf[:a.unitSize])
		units = append(units, unit)
		a.buf = a.buf[a.unitSize:]
	}
	return units, nil
}

// Reset discards any buffered, not-yet-unit-sized bytes.
func (a *Audio) Reset() {
	a.buf = a.buf[:0]
}

// Buffered returns the number of bytes currently retained (< UnitSize).
func (a *Audio) Buffered() int { return len(a.buf) }

// SampleInt16 decodes one little-endian int16 sample at the given
// sample index (0-based) within a unit produced by Push.
func SampleInt16(unit []byte, sampleIndex int) int16 {
	off := sampleIndex * 2
	return int16(binary.LittleEndian.Uint16(unit[off : off+2]))
}

var pngSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// Video reassembles a byte stream of concatenated PNG images into
// complete, whole-image units by walking PNG chunk headers.
type Video struct {
	maxBufferBytes int
	buf            []byte
}

// NewVideo constructs a Video reassembler with the given buffer cap
// (the max_buffer_bytes).
func NewVideo(maxBufferBytes int) *Video {
	return &Video{maxBufferBytes: maxBufferBytes}
}

// Push appends chunk and returns any complete PNG images now available.
// Returns ErrCorrupted (and clears the buffer) if the buffer exceeds
// maxBufferBytes without completing a unit.
func (v *Video) Push(chunk []byte) ([][]byte, error) {
	v.buf = append(v.buf, chunk...)

	var units [][]byte
	for {
		sigIdx := indexOf(v.buf, pngSignature)
		if sigIdx == -1 {
			// No signature yet; keep at most signature-length-1 trailing
			// bytes that could be a partial signature, discard the rest.
			if len(v.buf) > len(pngSignature) {
				v.buf = v.buf[len(v.buf)-len(pngSignature)+1:]
			}
			break
		}
		if sigIdx > 0 {
			v.buf = v.buf[sigIdx:] // discard prefix before the signature
		}

		end, ok := walkPNG(v.buf)
		if !ok {
			break // incomplete image; wait for more data
		}

		unit := make([]byte, end)
		copy(unit, v.buf[:end])
		units = append(units, unit)
		v.buf = v.buf[end:]
	}

	if len(v.buf) > v.maxBufferBytes && v.maxBufferBytes > 0 {
		v.buf = v.buf[:0]
		return units, ErrCorrupted
	}

	return units, nil
}

// Reset discards any buffered, incomplete image data.
func (v *Video) Reset() {
	v.buf = v.buf[:0]
}

// Buffered returns the number of bytes currently retained.
func (v *Video) Buffered() int { return len(v.buf) }

// walkPNG walks chunk headers starting at the PNG signature at buf[0]
// and returns the byte offset one past the IEND chunk's CRC, or false
// if the buffer ends before IEND is reached.
func walkPNG(buf []byte) (end int, ok bool) {
	pos := len(pngSignature)
	for {
		if pos+8 > len(buf) {
			return 0, false
		}
		length := int(binary.BigEndian.Uint32(buf[pos : pos+4]))
		typ := string(buf[pos+4 : pos+8])
		chunkEnd := pos + 8 + length + 4 // length + type + data + crc
		if chunkEnd > len(buf) {
			return 0, false
		}
		pos = chunkEnd
		if typ == "IEND" {
			return pos, true
		}
	}
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
