// Package config provides the configuration schema, loader, and the keyword
// model watcher for the Verdure voice client.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the client.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Transport selects the server connection mechanism.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportMQTT      Transport = "mqtt"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportWebSocket || t == TransportMQTT
}

// Duration wraps time.Duration so YAML values can be written as "5s" or
// "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler so saved configs round-trip.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for the Verdure client.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	Keyword  KeywordConfig  `yaml:"keyword"`
	Chat     ChatConfig     `yaml:"chat"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
}

// ServerConfig holds connection, identity and logging settings.
type ServerConfig struct {
	// Transport selects websocket or mqtt. Defaults to websocket.
	Transport Transport `yaml:"transport"`

	// URL is the ws:// or wss:// endpoint for the websocket transport.
	URL string `yaml:"url"`

	// MQTT configures the mqtt transport. Required when Transport is "mqtt".
	MQTT *MQTTConfig `yaml:"mqtt"`

	// AccessToken is sent as a bearer Authorization header when non-empty.
	AccessToken string `yaml:"access_token"`

	// ClientID identifies this installation. Generated and persisted back
	// to the file as a fresh UUID when empty.
	ClientID string `yaml:"client_id"`

	// DeviceID identifies the physical device, typically its MAC address.
	DeviceID string `yaml:"device_id"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// MQTTConfig holds broker settings for the mqtt transport.
type MQTTConfig struct {
	// Broker is the tcp:// or ssl:// broker address.
	Broker string `yaml:"broker"`

	// Username and Password authenticate against the broker.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ClientTopic carries client→server envelopes; ServerTopic the reverse.
	ClientTopic string `yaml:"client_topic"`
	ServerTopic string `yaml:"server_topic"`

	// Keepalive is the MQTT ping interval. Defaults to 30s.
	Keepalive Duration `yaml:"keepalive"`
}

// AudioConfig selects the capture format and devices.
type AudioConfig struct {
	// SampleRate is the capture sample rate in Hz. Defaults to 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the capture channel count. Defaults to 1.
	Channels int `yaml:"channels"`

	// InputDevice and OutputDevice name specific sound devices. Empty
	// selects the system default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`
}

// KeywordConfig controls the offline wake-word spotter.
type KeywordConfig struct {
	// Enabled arms the spotter at startup.
	Enabled bool `yaml:"enabled"`

	// ModelsPath is the directory holding whisper model files.
	ModelsPath string `yaml:"models_path"`

	// CurrentModel is the model file within ModelsPath. Edits to this field
	// are picked up at runtime by the [Watcher].
	CurrentModel string `yaml:"current_model"`

	// Phrases lists the wake phrases to match against transcripts.
	Phrases []string `yaml:"phrases"`

	// Language is the transcription language hint. Defaults to "en".
	Language string `yaml:"language"`
}

// ChatConfig holds the conversation policy.
type ChatConfig struct {
	// EnableVoice allows audio capture; when false the client is text-only.
	EnableVoice bool `yaml:"enable_voice"`

	// Mode is the listening policy: auto, manual or always_on.
	Mode string `yaml:"mode"`

	// KeepListening re-arms a new turn after each server reply in auto mode.
	KeepListening bool `yaml:"keep_listening"`
}

// TimeoutsConfig overrides the built-in protocol timeouts. Zero values take
// the defaults.
type TimeoutsConfig struct {
	// Hello bounds the wait for the server hello. Defaults to 5s.
	Hello Duration `yaml:"hello"`

	// McpRequest bounds each outbound MCP request. Defaults to 10s.
	McpRequest Duration `yaml:"mcp_request"`

	// ReadIdle closes the connection when no frame arrives for this long.
	// Defaults to 30s.
	ReadIdle Duration `yaml:"read_idle"`

	// Drain caps how long shutdown waits for queued playback. Defaults
	// to 10s.
	Drain Duration `yaml:"drain"`
}
