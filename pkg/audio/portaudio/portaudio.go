// Package portaudio implements [audio.InputDevice] and [audio.OutputDevice]
// on top of the PortAudio bindings, targeting the default system microphone
// and speaker.
//
// PortAudio's global library state is reference-counted here so that the
// capture and playback devices can be opened and closed independently.
package portaudio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/verdureai/verdure/pkg/audio"
)

var (
	libMu   sync.Mutex
	libRefs int
)

// acquire initializes the PortAudio library on first use.
func acquire() error {
	libMu.Lock()
	defer libMu.Unlock()
	if libRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	libRefs++
	return nil
}

// release terminates the library when the last device closes.
func release() {
	libMu.Lock()
	defer libMu.Unlock()
	libRefs--
	if libRefs == 0 {
		_ = portaudio.Terminate()
	}
}

// InputDevice captures 16-bit PCM from the default input device.
type InputDevice struct {
	mu     sync.Mutex
	stream *portaudio.Stream
}

// Open starts the capture stream. The deliver callback receives one 60 ms
// little-endian PCM frame per invocation, on PortAudio's callback thread.
func (d *InputDevice) Open(format audio.Format, deliver func(pcm []byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		return fmt.Errorf("portaudio: input device already open")
	}

	if err := acquire(); err != nil {
		return err
	}

	frameSize := format.FrameSize()
	stream, err := portaudio.OpenDefaultStream(
		format.Channels, 0, float64(format.SampleRate), frameSize,
		func(in []int16) {
			deliver(audio.Int16ToBytes(in))
		},
	)
	if err != nil {
		release()
		return fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return fmt.Errorf("portaudio: start input stream: %w", err)
	}

	d.stream = stream
	return nil
}

// Close stops and releases the capture stream.
func (d *InputDevice) Close() error {
	d.mu.Lock()
	stream := d.stream
	d.stream = nil
	d.mu.Unlock()

	if stream == nil {
		return nil
	}
	defer release()

	if err := stream.Stop(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("portaudio: stop input stream: %w", err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("portaudio: close input stream: %w", err)
	}
	return nil
}

// OutputDevice plays 16-bit PCM through the default output device.
type OutputDevice struct {
	mu     sync.Mutex
	stream *portaudio.Stream
}

// Open starts the playback stream. PortAudio pulls one 60 ms frame per
// period; the fill callback populates a byte buffer that is converted into
// the device's int16 output slice.
func (d *OutputDevice) Open(format audio.Format, fill func(out []byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		return fmt.Errorf("portaudio: output device already open")
	}

	if err := acquire(); err != nil {
		return err
	}

	frameSize := format.FrameSize()
	scratch := make([]byte, format.FrameBytes())
	stream, err := portaudio.OpenDefaultStream(
		0, format.Channels, float64(format.SampleRate), frameSize,
		func(out []int16) {
			clear(scratch)
			fill(scratch)
			for i := range out {
				out[i] = int16(scratch[i*2]) | int16(scratch[i*2+1])<<8
			}
		},
	)
	if err != nil {
		release()
		return fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return fmt.Errorf("portaudio: start output stream: %w", err)
	}

	d.stream = stream
	return nil
}

// Close stops and releases the playback stream.
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	stream := d.stream
	d.stream = nil
	d.mu.Unlock()

	if stream == nil {
		return nil
	}
	defer release()

	if err := stream.Stop(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("portaudio: stop output stream: %w", err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("portaudio: close output stream: %w", err)
	}
	return nil
}
