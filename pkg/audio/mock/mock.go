// Package mock provides in-memory implementations of [audio.InputDevice] and
// [audio.OutputDevice] for tests. The input device lets tests inject frames;
// the output device records what the player pulls.
package mock

import (
	"errors"
	"sync"

	"github.com/verdureai/verdure/pkg/audio"
)

// InputDevice is a test double for a capture device. Frames are injected via
// [InputDevice.Inject].
type InputDevice struct {
	// OpenErr, when non-nil, is returned by Open to simulate a device failure.
	OpenErr error

	// CloseDelay, when non-nil, is received from before Close returns,
	// letting tests simulate a device that blocks during teardown.
	CloseDelay chan struct{}

	mu      sync.Mutex
	open    bool
	opens   int
	closes  int
	format  audio.Format
	deliver func(pcm []byte)
}

// Open records the stream parameters and the delivery callback.
func (d *InputDevice) Open(format audio.Format, deliver func(pcm []byte)) error {
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return errors.New("mock: input device already open")
	}
	d.open = true
	d.opens++
	d.format = format
	d.deliver = deliver
	return nil
}

// Close stops the stream, optionally blocking on CloseDelay first.
func (d *InputDevice) Close() error {
	if d.CloseDelay != nil {
		<-d.CloseDelay
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.closes++
	d.deliver = nil
	return nil
}

// Inject delivers one PCM frame as if it came from the hardware callback.
// It is a no-op when the device is closed.
func (d *InputDevice) Inject(pcm []byte) {
	d.mu.Lock()
	deliver := d.deliver
	d.mu.Unlock()
	if deliver != nil {
		deliver(pcm)
	}
}

// Opens returns how many times Open succeeded.
func (d *InputDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// IsOpen reports whether the stream is currently open.
func (d *InputDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Format returns the format the device was last opened with.
func (d *InputDevice) Format() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

// OutputDevice is a test double for a playback device. Tests drive the pull
// callback manually via [OutputDevice.Pull].
type OutputDevice struct {
	mu     sync.Mutex
	open   bool
	format audio.Format
	fill   func(out []byte)
	pulled [][]byte
}

// Open records the pull callback.
func (d *OutputDevice) Open(format audio.Format, fill func(out []byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return errors.New("mock: output device already open")
	}
	d.open = true
	d.format = format
	d.fill = fill
	return nil
}

// Close stops the stream.
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.fill = nil
	return nil
}

// Pull invokes the registered fill callback with a zeroed frame-sized buffer
// and returns the result, recording it for later inspection.
func (d *OutputDevice) Pull() []byte {
	d.mu.Lock()
	fill := d.fill
	format := d.format
	d.mu.Unlock()

	if fill == nil {
		return nil
	}
	out := make([]byte, format.FrameBytes())
	fill(out)

	d.mu.Lock()
	d.pulled = append(d.pulled, out)
	d.mu.Unlock()
	return out
}

// Pulled returns all buffers handed back by the fill callback so far.
func (d *OutputDevice) Pulled() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.pulled))
	copy(out, d.pulled)
	return out
}
