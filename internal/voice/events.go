package voice

import (
	"github.com/verdureai/verdure/internal/conversation"
	"github.com/verdureai/verdure/internal/protocol"
)

// ErrorKind classifies an error surfaced through [Events.Error] so that
// consumers can react per failure domain rather than string-matching.
type ErrorKind int

const (
	// ErrKindTransport covers connection drops and send failures.
	ErrKindTransport ErrorKind = iota
	// ErrKindProtocol covers undecodable or malformed server envelopes.
	ErrKindProtocol
	// ErrKindMcp covers MCP handshake and request failures.
	ErrKindMcp
	// ErrKindAudioDevice covers capture and playback device failures.
	ErrKindAudioDevice
	// ErrKindKeyword covers wake-word recognizer failures, including the
	// spotter disabling itself after repeated restart errors.
	ErrKindKeyword
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindTransport:
		return "transport"
	case ErrKindProtocol:
		return "protocol"
	case ErrKindMcp:
		return "mcp"
	case ErrKindAudioDevice:
		return "audio_device"
	case ErrKindKeyword:
		return "keyword"
	default:
		return "unknown"
	}
}

// Events is the orchestrator's outbound callback surface. Every field is
// optional; nil callbacks are skipped. Callbacks run on orchestrator
// goroutines and must not block: hand off to your own queue if the work is
// slow.
type Events struct {
	// StateChanged fires after every applied conversation transition.
	StateChanged func(change conversation.StateChange)

	// VoiceChatActive fires when a voice turn starts (true) or the
	// conversation returns to idle (false).
	VoiceChatActive func(active bool)

	// ModeChanged fires when the listening policy is updated.
	ModeChanged func(mode conversation.ListeningMode, keepListening bool)

	// TtsState reports server speech synthesis progress. Sentence
	// boundaries carry the sentence text.
	TtsState func(state, text string)

	// Transcript delivers the server's transcription of the user's speech.
	Transcript func(text string)

	// LlmMessage delivers the assistant's text reply with its emotion tag.
	LlmMessage func(text, emotion string)

	// MusicMessage delivers song metadata, lyrics and playback status.
	MusicMessage func(msg *protocol.Music)

	// KeywordDetected fires when the offline spotter recognizes a wake
	// phrase, before the conversation reacts to it.
	KeywordDetected func(keyword string, confidence float64)

	// Error reports a failure in one of the orchestrator's domains. The
	// orchestrator keeps running; Error is informational.
	Error func(kind ErrorKind, err error)
}

func (e *Events) stateChanged(change conversation.StateChange) {
	if e.StateChanged != nil {
		e.StateChanged(change)
	}
}

func (e *Events) voiceChatActive(active bool) {
	if e.VoiceChatActive != nil {
		e.VoiceChatActive(active)
	}
}

func (e *Events) modeChanged(mode conversation.ListeningMode, keep bool) {
	if e.ModeChanged != nil {
		e.ModeChanged(mode, keep)
	}
}

func (e *Events) ttsState(state, text string) {
	if e.TtsState != nil {
		e.TtsState(state, text)
	}
}

func (e *Events) transcript(text string) {
	if e.Transcript != nil {
		e.Transcript(text)
	}
}

func (e *Events) llmMessage(text, emotion string) {
	if e.LlmMessage != nil {
		e.LlmMessage(text, emotion)
	}
}

func (e *Events) musicMessage(msg *protocol.Music) {
	if e.MusicMessage != nil {
		e.MusicMessage(msg)
	}
}

func (e *Events) keywordDetected(keyword string, confidence float64) {
	if e.KeywordDetected != nil {
		e.KeywordDetected(keyword, confidence)
	}
}

func (e *Events) error(kind ErrorKind, err error) {
	if e.Error != nil {
		e.Error(kind, err)
	}
}
