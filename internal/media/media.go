// Package media coordinates background music with the conversation
// lifecycle: music ducks out of the way when a conversation starts and
// comes back when the device returns to idle — but only when it was this
// coordinator that paused it. Music the user paused themselves stays
// paused.
package media

import (
	"log/slog"
	"sync"

	"github.com/verdureai/verdure/internal/conversation"
)

// Player is the slice of the media player the coordinator controls.
// Satisfied by *devices.MusicPlayer.
type Player interface {
	Playing() bool
	Pause()
	Resume()
}

// Coordinator pauses and resumes a [Player] in response to conversation
// state changes. All methods are safe for concurrent use.
type Coordinator struct {
	player Player

	mu        sync.Mutex
	ownsPause bool
}

// NewCoordinator creates a Coordinator controlling player.
func NewCoordinator(player Player) *Coordinator {
	return &Coordinator{player: player}
}

// OnStateChange reacts to one conversation transition. Entering Listening
// or Speaking pauses active playback; returning to Idle resumes it, but
// only when the pause is owned by the coordinator. The method is idempotent
// across repeated transitions into the same state.
func (c *Coordinator) OnStateChange(change conversation.StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch change.To {
	case conversation.StateListening, conversation.StateSpeaking:
		if c.player.Playing() {
			c.player.Pause()
			c.ownsPause = true
			slog.Debug("media: paused for conversation", "state", change.To)
		}

	case conversation.StateIdle:
		if c.ownsPause {
			c.player.Resume()
			c.ownsPause = false
			slog.Debug("media: resumed after conversation")
		}
	}
}

// OwnsPause reports whether the coordinator paused the current playback.
func (c *Coordinator) OwnsPause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownsPause
}
