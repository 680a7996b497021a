// Package audio defines the shared audio primitives for the Verdure client:
// the [Frame] and [Format] value types, the physical device interfaces, the
// single-producer/multi-subscriber [CaptureHub], and the jittered [Player]
// playback queue.
//
// All PCM data flowing through this package is 16-bit signed little-endian,
// interleaved when more than one channel is present. The frame duration is
// fixed at 60 ms across the whole pipeline; a frame's sample count is derived
// from its [Format].
//
// This package lives under pkg/ because device implementations (portaudio,
// test mocks) are expected to implement [InputDevice] and [OutputDevice].
package audio

import "time"

// FrameDuration is the fixed duration of every audio frame in the pipeline.
const FrameDuration = 60 * time.Millisecond

// Format describes the sample rate and channel count of an audio stream.
// Two formats are equal exactly when both fields match; a format change
// anywhere in the pipeline forces re-initialization of the affected stage.
type Format struct {
	// SampleRate in Hz. The wire protocol permits 16000 or 24000.
	SampleRate int

	// Channels is the interleaved channel count. The wire protocol uses 1.
	Channels int
}

// FrameSize returns the number of samples per channel in one 60 ms frame
// (e.g. 960 at 16 kHz).
func (f Format) FrameSize() int {
	return f.SampleRate * int(FrameDuration.Milliseconds()) / 1000
}

// FrameBytes returns the byte length of one 60 ms PCM frame in this format.
func (f Format) FrameBytes() int {
	return f.FrameSize() * f.Channels * 2
}

// Valid reports whether the format carries a positive sample rate and
// channel count.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// Frame is a single 60 ms block of PCM audio flowing through the pipeline —
// captured from the input device, fanned out by the [CaptureHub], encoded by
// the codec, or queued for playback.
type Frame struct {
	// PCM holds little-endian int16 samples, interleaved across channels.
	PCM []byte

	// Format is the sample rate and channel count of PCM.
	Format Format

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Int16ToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16 converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
