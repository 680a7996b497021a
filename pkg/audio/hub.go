package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/verdureai/verdure/internal/observe"
)

// Per-subscriber buffer depth. A blocked handler can fall at most this many
// frames behind before the hub starts dropping its oldest frames.
const subscriberBuffer = 8

// Default lifecycle bounds. Both are overridable via options.
const (
	defaultStopTimeout = 5 * time.Second
	defaultCloseGrace  = 500 * time.Millisecond
)

// ErrStopTimeout is returned by [CaptureHub.Start] and [CaptureHub.Stop] when
// the underlying device does not stop within the configured hard timeout.
// The hub's state is forcibly reset; the device handle is abandoned.
var ErrStopTimeout = errors.New("audio: device stop timed out")

// CaptureHub owns the single physical input stream and fans captured frames
// out to any number of subscribers.
//
// Guarantees:
//
//   - Each subscriber receives frames in capture order, never duplicated or
//     reordered. Frames are dropped (oldest first) only when that subscriber's
//     bounded buffer overflows, and the overflow is logged.
//   - Calling [CaptureHub.Start] with the format of the already-running stream
//     is a no-op. Tearing down a capture stream can block for seconds on
//     constrained hardware, so the state machine cycling Listening ↔ Speaking
//     must never cause a reopen.
//   - The device stays open while any subscriber is active and closes within
//     a bounded grace period after the last unsubscribe.
//
// All methods are safe for concurrent use.
type CaptureHub struct {
	device InputDevice

	stopTimeout time.Duration
	closeGrace  time.Duration

	mu         sync.Mutex
	format     Format
	started    bool // Start has been called and Stop has not
	deviceOpen bool
	openCount  int // total successful device opens, for tests and diagnostics
	streamedAt time.Time
	subs       map[*Subscription]struct{}
	graceTimer *time.Timer
}

// HubOption is a functional option for configuring a [CaptureHub].
type HubOption func(*CaptureHub)

// WithStopTimeout sets the hard ceiling on device teardown. Past the timeout
// the hub abandons the device handle and resets its state. Default: 5s.
func WithStopTimeout(d time.Duration) HubOption {
	return func(h *CaptureHub) {
		if d > 0 {
			h.stopTimeout = d
		}
	}
}

// WithCloseGrace sets how long the device stays open after the last
// subscriber leaves before it is closed. Default: 500ms.
func WithCloseGrace(d time.Duration) HubOption {
	return func(h *CaptureHub) {
		if d > 0 {
			h.closeGrace = d
		}
	}
}

// NewCaptureHub creates a hub around the given input device. The device is
// not opened until [CaptureHub.Start] is called with at least one subscriber
// attached.
func NewCaptureHub(device InputDevice, opts ...HubOption) *CaptureHub {
	h := &CaptureHub{
		device:      device,
		stopTimeout: defaultStopTimeout,
		closeGrace:  defaultCloseGrace,
		subs:        make(map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscription is an owned handle to a capture hub subscription. Frames are
// delivered serialized, in capture order, on a dedicated goroutine. Release
// the slot with [Subscription.Close].
type Subscription struct {
	hub     *CaptureHub
	name    string
	handler func(Frame)
	ch      chan Frame

	mu       sync.Mutex
	closed   bool
	paused   bool
	dropped  uint64
	warnOnce sync.Once
}

// Subscribe registers handler under name and returns its subscription handle.
// If the hub is started and the device was closed (or pending its grace-period
// close), the device is (re)opened.
func (h *CaptureHub) Subscribe(name string, handler func(Frame)) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("audio: subscribe requires a non-nil handler")
	}

	s := &Subscription{
		hub:     h,
		name:    name,
		handler: handler,
		ch:      make(chan Frame, subscriberBuffer),
	}
	go s.deliverLoop()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.subs[s] = struct{}{}
	if h.graceTimer != nil {
		h.graceTimer.Stop()
		h.graceTimer = nil
	}
	if h.started && !h.deviceOpen {
		if err := h.openLocked(); err != nil {
			delete(h.subs, s)
			s.shutdown()
			return nil, err
		}
	}
	observe.DefaultMetrics().CaptureSubscribers.Add(context.Background(), 1)
	return s, nil
}

// Start opens the capture stream at the given format. Calling Start with the
// format of the already-running stream is a no-op. A format mismatch forces a
// teardown bounded by the configured stop timeout; past the timeout the hub
// state is forcibly reset and [ErrStopTimeout] is returned (wrapped).
func (h *CaptureHub) Start(format Format) error {
	if !format.Valid() {
		return fmt.Errorf("audio: start with invalid format %+v", format)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.deviceOpen && h.format == format {
		h.started = true
		return nil
	}

	if h.deviceOpen {
		slog.Info("capture hub: format change, reopening device",
			"from_rate", h.format.SampleRate, "to_rate", format.SampleRate,
			"from_channels", h.format.Channels, "to_channels", format.Channels,
		)
		if err := h.closeDeviceLocked(); err != nil {
			h.format = format
			h.started = true
			return fmt.Errorf("audio: teardown before format change: %w", err)
		}
	}

	h.format = format
	h.started = true

	if len(h.subs) == 0 {
		// No consumers yet; the device opens on the first subscribe.
		return nil
	}
	return h.openLocked()
}

// Stop closes the capture stream. Subscribers keep their slots and resume
// receiving frames after the next Start.
func (h *CaptureHub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.started = false
	if !h.deviceOpen {
		return nil
	}
	return h.closeDeviceLocked()
}

// Format returns the format of the current (or last started) stream.
func (h *CaptureHub) Format() Format {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.format
}

// OpenCount returns the total number of successful device opens since the hub
// was created. Cycling Listening ↔ Speaking with unchanged parameters must not
// increase it.
func (h *CaptureHub) OpenCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.openCount
}

// openLocked opens the device at h.format. Caller holds h.mu.
func (h *CaptureHub) openLocked() error {
	if err := h.device.Open(h.format, h.dispatch); err != nil {
		return fmt.Errorf("audio: open capture device: %w", err)
	}
	h.deviceOpen = true
	h.openCount++
	h.streamedAt = time.Now()
	slog.Debug("capture hub: device opened",
		"sample_rate", h.format.SampleRate,
		"channels", h.format.Channels,
		"frame_size", h.format.FrameSize(),
	)
	return nil
}

// closeDeviceLocked closes the device with the hard stop timeout. Caller
// holds h.mu. On timeout the device handle is abandoned and the hub state is
// reset so a later Start can proceed.
func (h *CaptureHub) closeDeviceLocked() error {
	done := make(chan error, 1)
	dev := h.device
	go func() { done <- dev.Close() }()

	timer := time.NewTimer(h.stopTimeout)
	defer timer.Stop()

	h.deviceOpen = false
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("audio: close capture device: %w", err)
		}
		return nil
	case <-timer.C:
		slog.Warn("capture hub: device stop exceeded hard timeout, forcing reset",
			"timeout", h.stopTimeout,
		)
		return ErrStopTimeout
	}
}

// dispatch fans one captured frame out to every subscriber. It runs on the
// device callback thread and must not block: a full subscriber buffer drops
// that subscriber's oldest frame instead.
func (h *CaptureHub) dispatch(pcm []byte) {
	h.mu.Lock()
	frame := Frame{
		PCM:       pcm,
		Format:    h.format,
		Timestamp: time.Since(h.streamedAt),
	}
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.offer(frame)
	}
}

// unsubscribe removes s and schedules the grace-period device close when it
// was the last subscriber.
func (h *CaptureHub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs, s)
	observe.DefaultMetrics().CaptureSubscribers.Add(context.Background(), -1)
	if len(h.subs) > 0 || !h.deviceOpen {
		return
	}

	if h.graceTimer != nil {
		h.graceTimer.Stop()
	}
	h.graceTimer = time.AfterFunc(h.closeGrace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.graceTimer = nil
		if len(h.subs) == 0 && h.deviceOpen {
			if err := h.closeDeviceLocked(); err != nil {
				slog.Warn("capture hub: deferred close failed", "error", err)
			}
		}
	})
}

// offer enqueues frame for this subscriber, dropping the oldest buffered
// frame on overflow.
func (s *Subscription) offer(frame Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.paused {
		return
	}

	select {
	case s.ch <- frame:
		return
	default:
	}

	// Buffer full: drop the oldest frame, then retry once.
	select {
	case <-s.ch:
		s.dropped++
	default:
	}
	select {
	case s.ch <- frame:
	default:
		s.dropped++
	}

	s.warnOnce.Do(func() {
		slog.Warn("capture hub: subscriber buffer overflow, dropping oldest frames",
			"subscriber", s.name,
			"buffer", subscriberBuffer,
		)
	})
}

// deliverLoop invokes the handler for each buffered frame, preserving capture
// order for this subscriber.
func (s *Subscription) deliverLoop() {
	for frame := range s.ch {
		s.handler(frame)
	}
}

// Pause suspends frame delivery without releasing the subscriber slot.
// Frames arriving while paused are discarded, not buffered.
func (s *Subscription) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume re-enables frame delivery after [Subscription.Pause].
func (s *Subscription) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// Dropped returns the number of frames dropped due to buffer overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close releases the subscriber slot. If it was the last active subscriber
// the underlying device closes after the hub's grace period. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.unsubscribe(s)
	s.shutdown()
}

// shutdown closes the delivery channel, terminating deliverLoop.
func (s *Subscription) shutdown() {
	close(s.ch)
}
