package media_test

import (
	"context"
	"testing"

	"github.com/verdureai/verdure/internal/conversation"
	"github.com/verdureai/verdure/internal/mcp/devices"
	"github.com/verdureai/verdure/internal/media"
)

func change(to conversation.DeviceState) conversation.StateChange {
	return conversation.StateChange{To: to}
}

// startPlayback drives the player's own MCP tool so the test exercises the
// real adapter, not a shortcut.
func startPlayback(t *testing.T, p *devices.MusicPlayer) {
	t.Helper()
	for _, tool := range p.Tools() {
		if tool.Action == "play" {
			if _, err := tool.Handler(context.Background(), map[string]any{"song": "test song"}); err != nil {
				t.Fatalf("play: %v", err)
			}
			return
		}
	}
	t.Fatal("music player has no play tool")
}

func TestCoordinator_PausesForConversationAndResumes(t *testing.T) {
	t.Parallel()

	player := devices.NewMusicPlayer()
	startPlayback(t, player)
	c := media.NewCoordinator(player)

	c.OnStateChange(change(conversation.StateListening))
	if player.Playing() {
		t.Fatal("music still playing after Enter Listening")
	}
	if !c.OwnsPause() {
		t.Fatal("coordinator does not own the pause it made")
	}

	c.OnStateChange(change(conversation.StateIdle))
	if !player.Playing() {
		t.Fatal("music not resumed after Enter Idle")
	}
	if c.OwnsPause() {
		t.Fatal("coordinator still owns a released pause")
	}
}

func TestCoordinator_KeepsOwnershipAcrossListeningToSpeaking(t *testing.T) {
	t.Parallel()

	player := devices.NewMusicPlayer()
	startPlayback(t, player)
	c := media.NewCoordinator(player)

	c.OnStateChange(change(conversation.StateListening))
	c.OnStateChange(change(conversation.StateSpeaking))
	if player.Playing() {
		t.Fatal("music playing mid-conversation")
	}

	c.OnStateChange(change(conversation.StateIdle))
	if !player.Playing() {
		t.Fatal("music not resumed after the full conversation turn")
	}
}

func TestCoordinator_DoesNotResumeUserPause(t *testing.T) {
	t.Parallel()

	player := devices.NewMusicPlayer()
	startPlayback(t, player)
	player.Pause() // the user paused before the conversation

	c := media.NewCoordinator(player)
	c.OnStateChange(change(conversation.StateListening))
	c.OnStateChange(change(conversation.StateIdle))

	if player.Playing() {
		t.Fatal("coordinator resumed music the user paused")
	}
}

func TestCoordinator_IdleWithoutPauseIsNoOp(t *testing.T) {
	t.Parallel()

	player := devices.NewMusicPlayer()
	c := media.NewCoordinator(player)

	c.OnStateChange(change(conversation.StateIdle))
	if player.Playing() {
		t.Fatal("player started playing out of nowhere")
	}
}

func TestCoordinator_ConnectingLeavesMusicAlone(t *testing.T) {
	t.Parallel()

	player := devices.NewMusicPlayer()
	startPlayback(t, player)
	c := media.NewCoordinator(player)

	c.OnStateChange(change(conversation.StateConnecting))
	if !player.Playing() {
		t.Fatal("music paused on Enter Connecting")
	}
	if c.OwnsPause() {
		t.Fatal("coordinator claims a pause it never made")
	}
}
