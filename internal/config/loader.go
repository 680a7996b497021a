package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. A missing or empty client_id is filled with a fresh UUID and
// written back so the identity survives restarts.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}

	if cfg.Server.ClientID == "" {
		cfg.Server.ClientID = uuid.NewString()
		if err := save(path, cfg); err != nil {
			return nil, fmt.Errorf("config: persist generated client_id: %w", err)
		}
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals. Unlike [Load] it does not generate a client_id.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = TransportWebSocket
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Keyword.Language == "" {
		cfg.Keyword.Language = "en"
	}
	if cfg.Chat.Mode == "" {
		cfg.Chat.Mode = "auto"
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("server.transport %q is invalid; valid values: websocket, mqtt", cfg.Server.Transport))
	}
	if cfg.Server.Transport == TransportWebSocket && cfg.Server.URL == "" {
		errs = append(errs, errors.New("server.url is required when transport is websocket"))
	}
	if cfg.Server.Transport == TransportMQTT {
		switch {
		case cfg.Server.MQTT == nil:
			errs = append(errs, errors.New("server.mqtt is required when transport is mqtt"))
		case cfg.Server.MQTT.Broker == "":
			errs = append(errs, errors.New("server.mqtt.broker is required"))
		}
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 48000]", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", cfg.Audio.Channels))
	}

	if cfg.Keyword.Enabled {
		if cfg.Keyword.ModelsPath == "" {
			errs = append(errs, errors.New("keyword.models_path is required when the spotter is enabled"))
		}
		if cfg.Keyword.CurrentModel == "" {
			errs = append(errs, errors.New("keyword.current_model is required when the spotter is enabled"))
		}
		if len(cfg.Keyword.Phrases) == 0 {
			errs = append(errs, errors.New("keyword.phrases must list at least one wake phrase"))
		}
	}

	switch cfg.Chat.Mode {
	case "auto", "manual", "always_on":
	default:
		errs = append(errs, fmt.Errorf("chat.mode %q is invalid; valid values: auto, manual, always_on", cfg.Chat.Mode))
	}

	return errors.Join(errs...)
}

// ModelPath returns the absolute path of the currently selected keyword model.
func (c *Config) ModelPath() string {
	return filepath.Join(c.Keyword.ModelsPath, c.Keyword.CurrentModel)
}

// save writes cfg back to path, preserving the file's permissions when it
// exists.
func save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode()
	}
	return os.WriteFile(path, data, mode)
}
