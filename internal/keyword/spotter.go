package keyword

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/verdureai/verdure/internal/resilience"
	"github.com/verdureai/verdure/pkg/audio"
)

const (
	// subscriberName identifies the spotter on the capture hub.
	subscriberName = "keyword-spotter"

	// defaultDisposeGap is the minimum pause between disposing a recognizer
	// and allocating its replacement. Recreating immediately after dispose
	// triggers invalid-handle failures in the underlying SDKs.
	defaultDisposeGap = 200 * time.Millisecond

	detectionQueueDepth = 8
)

// ErrSpotterDisabled is returned by [Spotter.Start] after the restart guard
// has tripped. The spotter stays disabled until [Spotter.Reset].
var ErrSpotterDisabled = errors.New("keyword: spotter is disabled")

// spotFormat is the capture format the recognizer consumes. Frames arriving
// in any other format are converted.
var spotFormat = audio.Format{SampleRate: 16000, Channels: 1}

// RestartGuard gates recognizer recreation. [Spotter] wraps every restart
// in Execute; when Execute rejects the call the spotter disables itself.
// A *resilience.Breaker satisfies this interface.
type RestartGuard interface {
	Execute(fn func() error) error
}

// allowAll is the default guard: every restart is attempted.
type allowAll struct{}

func (allowAll) Execute(fn func() error) error { return fn() }

// SpotterOption is a functional option for configuring a [Spotter].
type SpotterOption func(*Spotter)

// WithDisposeGap overrides the minimum dispose-to-create gap. Intended for
// tests; production code should keep the default.
func WithDisposeGap(gap time.Duration) SpotterOption {
	return func(s *Spotter) { s.disposeGap = gap }
}

// WithRestartGuard installs a guard around recognizer recreation, typically
// a resilience breaker so that a crash-looping model disables the spotter
// instead of burning CPU forever.
func WithRestartGuard(g RestartGuard) SpotterOption {
	return func(s *Spotter) { s.guard = g }
}

// Spotter runs continuous wake-phrase recognition on the capture hub.
//
// Lifecycle: Start subscribes to the hub and allocates a recognizer through
// the factory; Stop unsubscribes and disposes it. Pause and Resume suspend
// frame delivery without giving up the subscriber slot, for conversational
// turns where the orchestrator reclaims the microphone. After every
// detection the recognizer is disposed and recreated so recognition keeps
// running on fresh handles.
//
// Detections are published on the channel returned by [Spotter.Detections].
// Exactly one consumer reads it and decides what a detection means; the
// spotter itself never starts a conversation.
type Spotter struct {
	hub        *audio.CaptureHub
	disposeGap time.Duration
	guard      RestartGuard

	mu          sync.Mutex
	factory     Factory
	sub         *audio.Subscription
	rec         Recognizer
	conv        *audio.Converter
	running     bool
	paused      bool
	disabled    bool
	lastDispose time.Time

	detections chan Detection
}

// NewSpotter creates a Spotter reading from hub and allocating recognizers
// through factory.
func NewSpotter(hub *audio.CaptureHub, factory Factory, opts ...SpotterOption) *Spotter {
	s := &Spotter{
		hub:        hub,
		factory:    factory,
		disposeGap: defaultDisposeGap,
		guard:      allowAll{},
		detections: make(chan Detection, detectionQueueDepth),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Detections returns the channel carrying wake-phrase hits. It is never
// closed; exactly one goroutine must consume it.
func (s *Spotter) Detections() <-chan Detection {
	return s.detections
}

// Start subscribes to the capture hub and begins recognition with a fresh
// recognizer. Calling Start on a running spotter is a no-op. Returns
// [ErrSpotterDisabled] when the restart guard has tripped.
func (s *Spotter) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.disabled {
		return ErrSpotterDisabled
	}

	if err := s.createRecognizerLocked(); err != nil {
		return err
	}

	sub, err := s.hub.Subscribe(subscriberName, s.onFrame)
	if err != nil {
		s.disposeRecognizerLocked()
		return fmt.Errorf("keyword: subscribe: %w", err)
	}
	s.sub = sub
	s.conv = &audio.Converter{Target: spotFormat}
	s.running = true
	s.paused = false
	slog.Info("keyword spotter started")
	return nil
}

// Pause suspends frame delivery to the recognizer without tearing it down.
func (s *Spotter) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.paused {
		return
	}
	s.sub.Pause()
	s.paused = true
}

// Resume re-enables frame delivery after [Spotter.Pause].
func (s *Spotter) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || !s.paused {
		return
	}
	s.sub.Resume()
	s.paused = false
}

// Stop unsubscribes from the hub and disposes the recognizer. Calling Stop
// on an idle spotter is a no-op.
func (s *Spotter) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.sub.Close()
	s.sub = nil
	s.running = false
	s.paused = false
	err := s.disposeRecognizerLocked()
	slog.Info("keyword spotter stopped")
	return err
}

// Restart disposes the current recognizer and allocates a fresh one through
// the factory, keeping the hub subscription alive. Used after detections
// and when the active model changes. The restart runs under the guard; when
// the guard trips the spotter disables itself.
func (s *Spotter) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return errors.New("keyword: spotter is not running")
	}
	return s.restartLocked()
}

// SetFactory swaps the recognizer factory, restarting recognition when the
// spotter is running. This is the hot-reload path for keyword model changes.
func (s *Spotter) SetFactory(factory Factory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factory = factory
	if !s.running {
		return nil
	}
	return s.restartLocked()
}

// Enabled reports whether the spotter will accept Start calls. It becomes
// false when the restart guard trips.
func (s *Spotter) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disabled
}

// Reset clears the disabled flag set by a tripped guard. The caller is
// responsible for resetting the guard itself.
func (s *Spotter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = false
}

// onFrame is the hub delivery callback. It runs on the subscription's
// delivery goroutine; Feed never blocks, so hub dispatch is never stalled
// by inference.
func (s *Spotter) onFrame(f audio.Frame) {
	s.mu.Lock()
	rec := s.rec
	conv := s.conv
	s.mu.Unlock()

	// rec is nil during a restart gap; those frames are dropped.
	if rec == nil {
		return
	}
	rec.Feed(conv.Convert(f).PCM)
}

// onDetection forwards a hit to the consumer and schedules the recreate.
// Runs on the recognizer's processing goroutine.
func (s *Spotter) onDetection(d Detection) {
	select {
	case s.detections <- d:
	default:
		slog.Warn("keyword detection dropped, consumer not keeping up",
			"keyword", d.Keyword)
	}

	// Restart from a separate goroutine: restartLocked closes the current
	// recognizer, which would deadlock if done from its own callback.
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.running {
			return
		}
		if err := s.restartLocked(); err != nil {
			// The subscription stays alive; the next Restart or model swap
			// can still recover recognition.
			slog.Error("keyword recognizer restart failed", "error", err)
		}
	}()
}

// restartLocked disposes the current recognizer and creates a fresh one
// under the guard. Must be called with s.mu held.
func (s *Spotter) restartLocked() error {
	if err := s.disposeRecognizerLocked(); err != nil {
		slog.Warn("keyword recognizer dispose failed", "error", err)
	}

	err := s.guard.Execute(s.createRecognizerLocked)
	if errors.Is(err, resilience.ErrOpen) {
		s.disabled = true
		slog.Error("keyword spotter disabled by restart guard")
		return fmt.Errorf("%w: %w", ErrSpotterDisabled, err)
	}
	return err
}

// createRecognizerLocked allocates and starts a fresh recognizer, honoring
// the dispose gap. Must be called with s.mu held.
func (s *Spotter) createRecognizerLocked() error {
	if wait := s.disposeGap - time.Since(s.lastDispose); wait > 0 {
		time.Sleep(wait)
	}

	rec, err := s.factory()
	if err != nil {
		return fmt.Errorf("keyword: create recognizer: %w", err)
	}
	if err := rec.Start(s.onDetection); err != nil {
		_ = rec.Close()
		return fmt.Errorf("keyword: start recognizer: %w", err)
	}
	s.rec = rec
	return nil
}

// disposeRecognizerLocked closes the current recognizer and stamps the
// dispose time. Must be called with s.mu held.
func (s *Spotter) disposeRecognizerLocked() error {
	if s.rec == nil {
		return nil
	}
	rec := s.rec
	s.rec = nil
	s.lastDispose = time.Now()
	return rec.Close()
}
