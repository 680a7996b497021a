// Package conversation implements the client's conversation state machine:
// four device states, a fixed transition table, and a single dispatcher
// goroutine that serializes triggers so every observer sees the same
// linear history of transitions.
package conversation

import "fmt"

// DeviceState is the conversation state of the client.
type DeviceState int

const (
	// StateIdle means no conversation is active; the keyword spotter listens.
	StateIdle DeviceState = iota
	// StateConnecting means a connection attempt or reconnect is in flight.
	StateConnecting
	// StateListening means the microphone streams to the server.
	StateListening
	// StateSpeaking means server audio is being played back.
	StateSpeaking
)

// String implements [fmt.Stringer].
func (s DeviceState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("DeviceState(%d)", int(s))
	}
}

// Trigger is an event that may move the state machine.
type Trigger int

const (
	// TriggerStartVoiceChat begins a conversational turn from Idle.
	TriggerStartVoiceChat Trigger = iota
	// TriggerKeywordDetected is the wake word; starts a turn from Idle and
	// interrupts an active one.
	TriggerKeywordDetected
	// TriggerTtsStarted means the server began (or continues) speaking.
	TriggerTtsStarted
	// TriggerTtsCompleted means the server finished its reply.
	TriggerTtsCompleted
	// TriggerStopVoiceChat ends the conversation from any state.
	TriggerStopVoiceChat
	// TriggerServerDisconnected moves any state into Connecting.
	TriggerServerDisconnected
	// TriggerForceIdle unconditionally returns to Idle. A successful
	// handshake surfaces as ForceIdle to leave Connecting.
	TriggerForceIdle
	// TriggerUserInterrupt is an explicit user interruption (keyboard or
	// detected voice barge-in); it ends the active turn like the wake word.
	TriggerUserInterrupt
	// TriggerConnectToServer starts a connection attempt from Idle.
	TriggerConnectToServer
	// TriggerPlaybackCompleted means the playback queue drained; it closes a
	// Speaking turn.
	TriggerPlaybackCompleted
)

// String implements [fmt.Stringer].
func (t Trigger) String() string {
	switch t {
	case TriggerStartVoiceChat:
		return "start_voice_chat"
	case TriggerKeywordDetected:
		return "keyword_detected"
	case TriggerTtsStarted:
		return "tts_started"
	case TriggerTtsCompleted:
		return "tts_completed"
	case TriggerStopVoiceChat:
		return "stop_voice_chat"
	case TriggerServerDisconnected:
		return "server_disconnected"
	case TriggerForceIdle:
		return "force_idle"
	case TriggerUserInterrupt:
		return "user_interrupt"
	case TriggerConnectToServer:
		return "connect_to_server"
	case TriggerPlaybackCompleted:
		return "playback_completed"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

// ListeningMode controls how a listening turn ends.
type ListeningMode int

const (
	// ModeAutoStop lets server-side VAD end the turn.
	ModeAutoStop ListeningMode = iota
	// ModeManual requires an explicit stop from the client.
	ModeManual
	// ModeAlwaysOn keeps the client listening even while the server speaks.
	ModeAlwaysOn
)

// String returns the wire representation used in listen messages.
func (m ListeningMode) String() string {
	switch m {
	case ModeAutoStop:
		return "auto"
	case ModeManual:
		return "manual"
	case ModeAlwaysOn:
		return "always_on"
	default:
		return fmt.Sprintf("ListeningMode(%d)", int(m))
	}
}

// ParseListeningMode parses the wire representation of a listening mode.
func ParseListeningMode(s string) (ListeningMode, error) {
	switch s {
	case "auto":
		return ModeAutoStop, nil
	case "manual":
		return ModeManual, nil
	case "always_on", "realtime":
		return ModeAlwaysOn, nil
	default:
		return ModeAutoStop, fmt.Errorf("conversation: unknown listening mode %q", s)
	}
}

// AbortReason qualifies an abort message sent to the server.
type AbortReason int

const (
	// AbortNone means no abort is pending.
	AbortNone AbortReason = iota
	// AbortWakeWordDetected aborts because the wake word fired mid-turn.
	AbortWakeWordDetected
	// AbortUserInterrupt aborts on an explicit user interruption.
	AbortUserInterrupt
)

// String returns the wire representation used in abort messages.
func (r AbortReason) String() string {
	switch r {
	case AbortNone:
		return "none"
	case AbortWakeWordDetected:
		return "wake_word_detected"
	case AbortUserInterrupt:
		return "user_interrupt"
	default:
		return fmt.Sprintf("AbortReason(%d)", int(r))
	}
}
