package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/verdureai/verdure/internal/mcp"
)

// MusicPlayer is the local media player adapter. Besides its MCP tools it
// exposes Pause/Resume directly for the music-voice coordinator, which must
// duck music while a conversation is active.
type MusicPlayer struct {
	mu      sync.Mutex
	playing bool
	song    string
}

// Compile-time check: MusicPlayer must implement mcp.Device.
var _ mcp.Device = (*MusicPlayer)(nil)

// NewMusicPlayer creates a stopped player.
func NewMusicPlayer() *MusicPlayer {
	return &MusicPlayer{}
}

// Name implements [mcp.Device].
func (p *MusicPlayer) Name() string { return "music_player" }

// Tools implements [mcp.Device].
func (p *MusicPlayer) Tools() []mcp.DeviceTool {
	return []mcp.DeviceTool{
		{
			Action:      "play",
			Description: "Start playing the named song.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"song": {Type: "string", Description: "Song title to play."},
				},
				Required: []string{"song"},
			},
			Handler: p.play,
		},
		{
			Action:      "pause",
			Description: "Pause playback.",
			InputSchema: &jsonschema.Schema{Type: "object"},
			Handler:     p.pauseTool,
		},
		{
			Action:      "resume",
			Description: "Resume paused playback.",
			InputSchema: &jsonschema.Schema{Type: "object"},
			Handler:     p.resumeTool,
		},
	}
}

// Status implements [mcp.Device].
func (p *MusicPlayer) Status() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"playing": p.playing,
		"song":    p.song,
	}
}

// Playing reports whether music is currently playing.
func (p *MusicPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Pause pauses playback. Used by the music-voice coordinator.
func (p *MusicPlayer) Pause() {
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
}

// Resume resumes playback of the loaded song, if any.
func (p *MusicPlayer) Resume() {
	p.mu.Lock()
	if p.song != "" {
		p.playing = true
	}
	p.mu.Unlock()
}

func (p *MusicPlayer) play(_ context.Context, args map[string]any) (string, error) {
	song, _ := args["song"].(string)

	p.mu.Lock()
	p.playing = true
	p.song = song
	p.mu.Unlock()

	return fmt.Sprintf("Playing %q", song), nil
}

func (p *MusicPlayer) pauseTool(context.Context, map[string]any) (string, error) {
	p.Pause()
	return "Playback paused", nil
}

func (p *MusicPlayer) resumeTool(context.Context, map[string]any) (string, error) {
	p.mu.Lock()
	song := p.song
	p.mu.Unlock()
	if song == "" {
		return "Nothing to resume", nil
	}
	p.Resume()
	return fmt.Sprintf("Resumed %q", song), nil
}
