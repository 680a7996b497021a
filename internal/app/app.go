// Package app wires all Verdure subsystems into a running client.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems from the loaded config, Run drives them until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithInputDevice, WithDialer, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verdureai/verdure/internal/config"
	"github.com/verdureai/verdure/internal/conversation"
	"github.com/verdureai/verdure/internal/keyword"
	"github.com/verdureai/verdure/internal/mcp"
	"github.com/verdureai/verdure/internal/mcp/devices"
	"github.com/verdureai/verdure/internal/protocol"
	"github.com/verdureai/verdure/internal/resilience"
	"github.com/verdureai/verdure/internal/transport"
	"github.com/verdureai/verdure/internal/voice"
	"github.com/verdureai/verdure/pkg/audio"
	paudio "github.com/verdureai/verdure/pkg/audio/portaudio"
)

// spotterMaxRestartFailures disables the spotter after this many consecutive
// recognizer restart failures inside the failure window.
const (
	spotterMaxRestartFailures = 3
	spotterFailureWindow      = 10 * time.Second
)

// App owns all subsystem lifetimes for one Verdure client instance.
type App struct {
	cfg        *config.Config
	configPath string

	input   audio.InputDevice
	output  audio.OutputDevice
	dialer  transport.Dialer
	events  voice.Events
	factory keyword.Factory

	hub     *audio.CaptureHub
	spotter *keyword.Spotter
	orch    *voice.Orchestrator
	watcher *config.Watcher

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithInputDevice injects a capture device instead of the PortAudio default.
func WithInputDevice(d audio.InputDevice) Option {
	return func(a *App) { a.input = d }
}

// WithOutputDevice injects a playback device instead of the PortAudio default.
func WithOutputDevice(d audio.OutputDevice) Option {
	return func(a *App) { a.output = d }
}

// WithDialer injects a transport dialer instead of building one from config.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithEvents registers the orchestrator callback surface.
func WithEvents(ev voice.Events) Option {
	return func(a *App) { a.events = ev }
}

// WithRecognizerFactory injects a wake-word recognizer factory instead of the
// whisper-backed default.
func WithRecognizerFactory(f keyword.Factory) Option {
	return func(a *App) { a.factory = f }
}

// New assembles a client from cfg. configPath is watched for keyword model
// changes; pass an empty string to disable the watcher.
func New(cfg *config.Config, configPath string, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, configPath: configPath}
	for _, o := range opts {
		o(a)
	}

	if a.input == nil {
		a.input = &paudio.InputDevice{}
	}
	if a.output == nil {
		a.output = &paudio.OutputDevice{}
	}
	if a.dialer == nil {
		dialer, err := buildDialer(cfg)
		if err != nil {
			return nil, err
		}
		a.dialer = dialer
	}

	captureFormat := audio.Format{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
	}
	a.hub = audio.NewCaptureHub(a.input)

	registry := mcp.NewRegistry()
	musicPlayer := devices.NewMusicPlayer()
	for _, d := range []mcp.Device{
		devices.NewLamp(),
		devices.NewSpeaker(),
		devices.NewCamera(),
		musicPlayer,
	} {
		if err := registry.RegisterDevice(d); err != nil {
			return nil, fmt.Errorf("app: register device: %w", err)
		}
	}

	if cfg.Keyword.Enabled && cfg.Chat.EnableVoice {
		if a.factory == nil {
			factory, err := keyword.NewWhisperFactory(cfg.ModelPath(), cfg.Keyword.Phrases,
				keyword.WithLanguage(cfg.Keyword.Language))
			if err != nil {
				return nil, fmt.Errorf("app: keyword factory: %w", err)
			}
			a.factory = factory
		}
		guard := resilience.NewBreaker(resilience.BreakerConfig{
			Name:          "keyword-restart",
			MaxFailures:   spotterMaxRestartFailures,
			FailureWindow: spotterFailureWindow,
		})
		a.spotter = keyword.NewSpotter(a.hub, a.factory, keyword.WithRestartGuard(guard))
	}

	mode, err := conversation.ParseListeningMode(cfg.Chat.Mode)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	orch, err := voice.New(voice.Config{
		Dialer:            a.dialer,
		Hub:               a.hub,
		Output:            a.output,
		Registry:          registry,
		Format:            captureFormat,
		Mode:              mode,
		KeepListening:     cfg.Chat.KeepListening,
		Spotter:           a.spotter,
		MusicPlayer:       musicPlayer,
		Events:            a.events,
		DrainTimeout:      cfg.Timeouts.Drain.Std(),
		McpRequestTimeout: cfg.Timeouts.McpRequest.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("app: orchestrator: %w", err)
	}
	a.orch = orch

	if configPath != "" && a.spotter != nil {
		a.watcher = config.NewWatcher(configPath, cfg, a.reloadModel)
	}
	return a, nil
}

// buildDialer constructs the configured transport.
func buildDialer(cfg *config.Config) (transport.Dialer, error) {
	params := protocolAudioParams(cfg)
	switch cfg.Server.Transport {
	case config.TransportWebSocket:
		return transport.NewWebSocket(transport.WebSocketConfig{
			URL:             cfg.Server.URL,
			AccessToken:     cfg.Server.AccessToken,
			DeviceID:        cfg.Server.DeviceID,
			ClientID:        cfg.Server.ClientID,
			AudioParams:     params,
			HelloTimeout:    cfg.Timeouts.Hello.Std(),
			ReadIdleTimeout: cfg.Timeouts.ReadIdle.Std(),
		}), nil
	case config.TransportMQTT:
		m := cfg.Server.MQTT
		return transport.NewMQTT(transport.MQTTConfig{
			Broker:       m.Broker,
			ClientTopic:  m.ClientTopic,
			ServerTopic:  m.ServerTopic,
			Username:     m.Username,
			Password:     m.Password,
			DeviceID:     cfg.Server.DeviceID,
			ClientID:     cfg.Server.ClientID,
			AudioParams:  params,
			HelloTimeout: cfg.Timeouts.Hello.Std(),
			Keepalive:    m.Keepalive.Std(),
		}), nil
	default:
		return nil, fmt.Errorf("app: unsupported transport %q", cfg.Server.Transport)
	}
}

func protocolAudioParams(cfg *config.Config) protocol.AudioParams {
	return protocol.AudioParams{
		Format:        "opus",
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      cfg.Audio.Channels,
		FrameDuration: int(audio.FrameDuration.Milliseconds()),
	}
}

// reloadModel swaps the wake-word model in place when the config file names a
// new one.
func (a *App) reloadModel(modelPath string) {
	factory, err := keyword.NewWhisperFactory(modelPath, a.cfg.Keyword.Phrases,
		keyword.WithLanguage(a.cfg.Keyword.Language))
	if err != nil {
		slog.Error("app: invalid keyword model, keeping previous", "model", modelPath, "error", err)
		return
	}
	if err := a.spotter.SetFactory(factory); err != nil {
		slog.Error("app: keyword model swap failed", "model", modelPath, "error", err)
	}
}

// Orchestrator exposes the voice orchestrator for interactive control.
func (a *App) Orchestrator() *voice.Orchestrator {
	return a.orch
}

// Run connects to the server and drives the client until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.orch.Initialize(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	slog.Info("app running",
		"transport", a.cfg.Server.Transport,
		"mode", a.cfg.Chat.Mode,
		"keyword_spotting", a.spotter != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	if a.watcher != nil {
		g.Go(func() error {
			a.watcher.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})
	return g.Wait()
}

// Shutdown stops all subsystems in order: the orchestrator drains playback
// before closing, then the capture hub releases the input device. Safe to
// call more than once.
func (a *App) Shutdown() error {
	var err error
	a.stopOnce.Do(func() {
		if cerr := a.orch.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		if cerr := a.hub.Stop(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	})
	return err
}
