package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/verdureai/verdure/internal/mcp"
)

// Speaker is an audio speaker adapter with volume and mute state.
type Speaker struct {
	mu     sync.Mutex
	volume int
	muted  bool
}

// Compile-time check: Speaker must implement mcp.Device.
var _ mcp.Device = (*Speaker)(nil)

// NewSpeaker creates a speaker at 50% volume, unmuted.
func NewSpeaker() *Speaker {
	return &Speaker{volume: 50}
}

// Name implements [mcp.Device].
func (s *Speaker) Name() string { return "audio_speaker" }

// Tools implements [mcp.Device].
func (s *Speaker) Tools() []mcp.DeviceTool {
	return []mcp.DeviceTool{
		{
			Action:      "set_volume",
			Description: "Set the speaker volume.",
			InputSchema: intRange("volume", "Volume percentage.", 0, 100),
			Handler:     s.setVolume,
		},
		{
			Action:      "mute",
			Description: "Mute the speaker without changing the stored volume.",
			InputSchema: &jsonschema.Schema{Type: "object"},
			Handler:     s.mute,
		},
		{
			Action:      "unmute",
			Description: "Unmute the speaker.",
			InputSchema: &jsonschema.Schema{Type: "object"},
			Handler:     s.unmute,
		},
	}
}

// Status implements [mcp.Device].
func (s *Speaker) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"volume": s.volume,
		"muted":  s.muted,
	}
}

// Volume returns the current volume percentage.
func (s *Speaker) Volume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

func (s *Speaker) setVolume(_ context.Context, args map[string]any) (string, error) {
	volume := intArg(args, "volume")

	s.mu.Lock()
	s.volume = volume
	s.muted = false
	s.mu.Unlock()

	return fmt.Sprintf("Speaker volume set to %d", volume), nil
}

func (s *Speaker) mute(context.Context, map[string]any) (string, error) {
	s.mu.Lock()
	s.muted = true
	s.mu.Unlock()
	return "Speaker muted", nil
}

func (s *Speaker) unmute(context.Context, map[string]any) (string, error) {
	s.mu.Lock()
	s.muted = false
	s.mu.Unlock()
	return "Speaker unmuted", nil
}
