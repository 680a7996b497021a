// Package protocol defines the JSON envelopes exchanged with the assistant
// server and the codec that parses inbound text frames into typed messages.
//
// Every envelope carries a string "type" discriminator. Binary transport
// frames are not handled here; they carry exactly one encoded audio packet
// and bypass the JSON layer entirely.
package protocol

import "encoding/json"

// Protocol envelope type discriminators.
const (
	TypeHello  = "hello"
	TypeListen = "listen"
	TypeTts    = "tts"
	TypeLlm    = "llm"
	TypeMusic  = "music"
	TypeIot    = "iot"
	TypeMcp    = "mcp"
	TypeStt    = "stt"
	TypeAbort  = "abort"
)

// Listen message states.
const (
	ListenStateStart  = "start"
	ListenStateStop   = "stop"
	ListenStateDetect = "detect"
)

// TTS message states.
const (
	TtsStateStart         = "start"
	TtsStateStop          = "stop"
	TtsStateSentenceStart = "sentence_start"
	TtsStateSentenceEnd   = "sentence_end"
)

// Wire protocol version announced in the client hello.
const Version = 1

// AudioParams describes the audio stream negotiated in the hello exchange.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// Features advertises optional capabilities in the hello exchange.
type Features struct {
	Mcp bool `json:"mcp"`
}

// Hello is the handshake envelope, sent by both sides. The client announces
// its transport, audio parameters and features; the server's reply carries
// the session id and the authoritative audio parameters.
type Hello struct {
	Type        string       `json:"type"`
	Version     int          `json:"version,omitempty"`
	Transport   string       `json:"transport,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
	Features    *Features    `json:"features,omitempty"`
}

// Listen announces the start or stop of a listening turn, or reports an
// offline wake-word detection (state "detect" with the keyword in Text).
type Listen struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state"`
	Mode      string `json:"mode,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Tts reports server speech synthesis progress. Sentence boundaries carry
// the sentence text.
type Tts struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state"`
	Text      string `json:"text,omitempty"`
}

// Llm carries the assistant's text reply with an optional emotion tag.
type Llm struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Emotion   string `json:"emotion,omitempty"`
}

// Lyric is a timed lyric line within a music message.
type Lyric struct {
	Text     string  `json:"text"`
	Position float64 `json:"position"`
	Duration float64 `json:"duration"`
}

// Music carries song metadata, timed lyrics and playback status updates.
type Music struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Action    string `json:"action,omitempty"`
	Song      string `json:"song,omitempty"`
	Artist    string `json:"artist,omitempty"`
	Lyric     *Lyric `json:"lyric,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Iot is the legacy device status/command envelope, superseded by MCP but
// still accepted for servers that have not migrated.
type Iot struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"session_id,omitempty"`
	Descriptors json.RawMessage `json:"descriptors,omitempty"`
	States      json.RawMessage `json:"states,omitempty"`
	Commands    json.RawMessage `json:"commands,omitempty"`
}

// Mcp wraps one JSON-RPC 2.0 payload. The payload is passed to the MCP
// engine opaquely; this layer does not interpret it.
type Mcp struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Stt carries the server's transcription of the user's speech.
type Stt struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

// Abort asks the server to cancel the in-flight reply.
type Abort struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// NewClientHello builds the client side of the handshake. MCP support is
// always advertised.
func NewClientHello(transport string, params AudioParams) *Hello {
	return &Hello{
		Type:        TypeHello,
		Version:     Version,
		Transport:   transport,
		AudioParams: &params,
		Features:    &Features{Mcp: true},
	}
}

// NewListenStart announces the start of a listening turn.
func NewListenStart(sessionID, mode string) *Listen {
	return &Listen{Type: TypeListen, SessionID: sessionID, State: ListenStateStart, Mode: mode}
}

// NewListenStop announces the end of a listening turn.
func NewListenStop(sessionID string) *Listen {
	return &Listen{Type: TypeListen, SessionID: sessionID, State: ListenStateStop}
}

// NewListenDetect reports an offline wake-word detection to the server.
func NewListenDetect(sessionID, keyword string) *Listen {
	return &Listen{Type: TypeListen, SessionID: sessionID, State: ListenStateDetect, Text: keyword}
}

// NewAbort asks the server to cancel the current reply.
func NewAbort(sessionID, reason string) *Abort {
	return &Abort{Type: TypeAbort, SessionID: sessionID, Reason: reason}
}

// NewMcp wraps a JSON-RPC payload for transmission.
func NewMcp(sessionID string, payload json.RawMessage) *Mcp {
	return &Mcp{Type: TypeMcp, SessionID: sessionID, Payload: payload}
}
