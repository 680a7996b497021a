// Package opus wraps the gopus Opus codec for the fixed 60 ms frame pipeline.
//
// An encoder/decoder pair is keyed by (sample rate, channels, application).
// The codec is stateful: a parameter change must dispose the pair and build a
// fresh one — reusing codec state across parameter changes corrupts output in
// the underlying library, so [Codec.Reconfigure] always rebuilds.
package opus

import (
	"fmt"
	"log/slog"
	"sync"

	"layeh.com/gopus"

	"github.com/verdureai/verdure/pkg/audio"
)

// MaxPacketSize is the upper bound on one encoded 60 ms packet, matching the
// wire protocol's limit.
const MaxPacketSize = 4000

// Application selects the Opus coding mode.
type Application string

const (
	// AppVoIP favours speech intelligibility at low bitrates.
	AppVoIP Application = "voip"

	// AppAudio favours fidelity for music and mixed content.
	AppAudio Application = "audio"
)

// gopusApplication maps an Application to the gopus constant. Unknown values
// fall back to VoIP, the mode used for all conversational audio.
func gopusApplication(a Application) gopus.Application {
	if a == AppAudio {
		return gopus.Audio
	}
	return gopus.Voip
}

// Codec is a stateful Opus encoder/decoder pair for one audio format.
//
// Encode tolerates missized input: undersized PCM is zero-padded and
// oversized PCM truncated to exactly one frame, logged once per session.
// Decode never fails: a malformed packet yields a silence frame.
//
// All methods are safe for concurrent use, though encode and decode each
// serialize on the codec's lock.
type Codec struct {
	mu     sync.Mutex
	format audio.Format
	app    Application
	enc    *gopus.Encoder
	dec    *gopus.Decoder

	warnedShort sync.Once
	warnedLong  sync.Once
}

// New creates a codec for the given format and application.
func New(format audio.Format, app Application) (*Codec, error) {
	c := &Codec{}
	if err := c.init(format, app); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Codec) init(format audio.Format, app Application) error {
	if !format.Valid() {
		return fmt.Errorf("opus: invalid format %+v", format)
	}
	enc, err := gopus.NewEncoder(format.SampleRate, format.Channels, gopusApplication(app))
	if err != nil {
		return fmt.Errorf("opus: create encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return fmt.Errorf("opus: create decoder: %w", err)
	}

	c.format = format
	c.app = app
	c.enc = enc
	c.dec = dec
	return nil
}

// Format returns the codec's current format.
func (c *Codec) Format() audio.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format
}

// Reconfigure rebuilds the encoder/decoder pair for a new format. It is a
// no-op when the format is unchanged. Codec state is never carried across a
// parameter change.
func (c *Codec) Reconfigure(format audio.Format) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if format == c.format {
		return nil
	}

	slog.Info("opus: parameter change, rebuilding codec",
		"from_rate", c.format.SampleRate, "to_rate", format.SampleRate,
		"from_channels", c.format.Channels, "to_channels", format.Channels,
	)
	c.warnedShort = sync.Once{}
	c.warnedLong = sync.Once{}
	return c.init(format, c.app)
}

// Encode compresses one 60 ms PCM frame (little-endian int16 bytes) into an
// Opus packet of at most [MaxPacketSize] bytes.
func (c *Codec) Encode(pcm []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := c.format.FrameBytes()
	switch {
	case len(pcm) < want:
		c.warnedShort.Do(func() {
			slog.Warn("opus: undersized PCM frame, zero-padding",
				"got", len(pcm), "want", want,
			)
		})
		padded := make([]byte, want)
		copy(padded, pcm)
		pcm = padded
	case len(pcm) > want:
		c.warnedLong.Do(func() {
			slog.Warn("opus: oversized PCM frame, truncating",
				"got", len(pcm), "want", want,
			)
		})
		pcm = pcm[:want]
	}

	packet, err := c.enc.Encode(audio.BytesToInt16(pcm), c.format.FrameSize(), MaxPacketSize)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}

// Decode decompresses one Opus packet into a 60 ms PCM frame. A malformed
// packet yields a silence frame rather than an error so that one corrupt
// network frame never interrupts playback.
func (c *Codec) Decode(packet []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	pcm, err := c.dec.Decode(packet, c.format.FrameSize(), false)
	if err != nil {
		slog.Debug("opus: decode failed, substituting silence", "error", err)
		return make([]byte, c.format.FrameBytes())
	}
	return audio.Int16ToBytes(pcm)
}
