package app_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/verdureai/verdure/internal/app"
	"github.com/verdureai/verdure/internal/config"
	"github.com/verdureai/verdure/internal/conversation"
	"github.com/verdureai/verdure/internal/keyword"
	"github.com/verdureai/verdure/internal/protocol"
	"github.com/verdureai/verdure/internal/transport"
	"github.com/verdureai/verdure/pkg/audio/mock"
)

const appYAML = `
server:
  url: ws://localhost:8000
  client_id: test-client
chat:
  enable_voice: true
  mode: auto
`

func loadConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	return cfg
}

// stubConn answers the hello and swallows traffic.
type stubConn struct{}

func (stubConn) SendText(context.Context, []byte) error  { return nil }
func (stubConn) SendAudio(context.Context, []byte) error { return nil }
func (stubConn) Close() error                            { return nil }
func (stubConn) Hello() *protocol.Hello {
	return &protocol.Hello{
		Type:      protocol.TypeHello,
		SessionID: "sess-app",
		AudioParams: &protocol.AudioParams{
			Format: "opus", SampleRate: 16000, Channels: 1,
		},
	}
}

type stubDialer struct {
	mu    sync.Mutex
	dials int
	err   error
}

func (d *stubDialer) Dial(context.Context, transport.Callbacks) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return stubConn{}, nil
}

func (d *stubDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type stubRecognizer struct{}

func (stubRecognizer) Start(func(keyword.Detection)) error { return nil }
func (stubRecognizer) Feed([]byte)                         {}
func (stubRecognizer) Close() error                        { return nil }

func newTestApp(t *testing.T, yaml string, opts ...app.Option) (*app.App, *stubDialer) {
	t.Helper()
	dialer := &stubDialer{}
	base := []app.Option{
		app.WithInputDevice(&mock.InputDevice{}),
		app.WithOutputDevice(&mock.OutputDevice{}),
		app.WithDialer(dialer),
		app.WithRecognizerFactory(func() (keyword.Recognizer, error) {
			return stubRecognizer{}, nil
		}),
	}
	a, err := app.New(loadConfig(t, yaml), "", append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Shutdown() })
	return a, dialer
}

func TestApp_RunConnectsAndStopsOnCancel(t *testing.T) {
	a, dialer := newTestApp(t, appYAML)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for dialer.dialCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if dialer.dialCount() == 0 {
		t.Fatal("Run did not dial the server")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if a.Orchestrator().State() == conversation.StateConnecting {
		t.Log("still connecting at shutdown, acceptable")
	}
	if err := a.Shutdown(); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestApp_DialFailureSurfacedByRun(t *testing.T) {
	dialer := &stubDialer{err: errors.New("connection refused")}
	a, err := app.New(loadConfig(t, appYAML), "",
		app.WithInputDevice(&mock.InputDevice{}),
		app.WithOutputDevice(&mock.OutputDevice{}),
		app.WithDialer(dialer),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err == nil {
		t.Error("Run() returned nil despite dial failures")
	}
}

func TestApp_InvalidTransportRejected(t *testing.T) {
	cfg := loadConfig(t, appYAML)
	cfg.Server.Transport = "carrier-pigeon"
	if _, err := app.New(cfg, ""); err == nil {
		t.Error("New() accepted an unsupported transport")
	}
}

func TestApp_KeywordSpotterWiredWhenEnabled(t *testing.T) {
	yaml := appYAML + `
keyword:
  enabled: true
  models_path: /opt/models
  current_model: tiny.bin
  phrases: [hey verdure]
`
	a, _ := newTestApp(t, yaml)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// The spotter subscribes to the hub at initialize; give it a moment.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if err := a.Shutdown(); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	a, _ := newTestApp(t, appYAML)
	if err := a.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := a.Shutdown(); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}
}
