package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Playback queue bounds and end-of-stream detection defaults. All are
// overridable via options.
const (
	defaultQueueDepth = 50 // ≈ 3 s of 60 ms frames
	defaultResidual   = 100 * time.Millisecond
	defaultStreamIdle = 1500 * time.Millisecond
	monitorInterval   = 100 * time.Millisecond
)

// Player queues decoded PCM frames and drives the output device from its pull
// callback. The producer (protocol layer) enqueues; the single consumer is
// the device callback.
//
// Backpressure: when the queue is full the oldest frame is dropped and a
// warning logged. End-of-stream: once the buffered audio drains below the
// residual threshold and no new frame has arrived for the idle window, the
// completion callback fires exactly once per stream.
//
// All methods are safe for concurrent use.
type Player struct {
	device OutputDevice

	depth      int
	residual   time.Duration
	idle       time.Duration
	onComplete func()

	mu          sync.Mutex
	format      Format
	open        bool
	queue       [][]byte
	lastEnqueue time.Time
	streaming   bool // at least one frame enqueued since the last completion/flush
	warnOnce    sync.Once

	done     chan struct{}
	stopOnce sync.Once
}

// PlayerOption is a functional option for configuring a [Player].
type PlayerOption func(*Player)

// WithQueueDepth sets the maximum number of buffered frames. Default: 50.
func WithQueueDepth(n int) PlayerOption {
	return func(p *Player) {
		if n > 0 {
			p.depth = n
		}
	}
}

// WithStreamIdle sets how long the queue must stay starved before the
// completion callback fires. Default: 1.5s.
func WithStreamIdle(d time.Duration) PlayerOption {
	return func(p *Player) {
		if d > 0 {
			p.idle = d
		}
	}
}

// WithResidual sets the buffered-audio threshold below which the queue is
// considered drained. Default: 100ms.
func WithResidual(d time.Duration) PlayerOption {
	return func(p *Player) {
		if d > 0 {
			p.residual = d
		}
	}
}

// WithOnComplete registers the callback fired once per stream when playback
// drains. It is invoked from the player's monitor goroutine, never from the
// device callback.
func WithOnComplete(fn func()) PlayerOption {
	return func(p *Player) {
		p.onComplete = fn
	}
}

// NewPlayer creates a playback queue around the given output device.
func NewPlayer(device OutputDevice, opts ...PlayerOption) *Player {
	p := &Player{
		device:   device,
		depth:    defaultQueueDepth,
		residual: defaultResidual,
		idle:     defaultStreamIdle,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open starts the output device at the given format and launches the
// end-of-stream monitor.
func (p *Player) Open(format Format) error {
	if !format.Valid() {
		return fmt.Errorf("audio: player open with invalid format %+v", format)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		if p.format == format {
			return nil
		}
		return errors.New("audio: player already open with a different format")
	}

	if err := p.device.Open(format, p.fill); err != nil {
		return fmt.Errorf("audio: open output device: %w", err)
	}
	p.format = format
	p.open = true
	go p.monitor()
	return nil
}

// Close stops the device and the monitor. Safe to call more than once.
func (p *Player) Close() error {
	p.stopOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	wasOpen := p.open
	p.open = false
	p.queue = nil
	p.mu.Unlock()

	if !wasOpen {
		return nil
	}
	if err := p.device.Close(); err != nil {
		return fmt.Errorf("audio: close output device: %w", err)
	}
	return nil
}

// Enqueue appends one decoded PCM frame to the playback queue. When the queue
// is full the oldest frame is dropped and a warning logged.
func (p *Player) Enqueue(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) >= p.depth {
		p.queue = p.queue[1:]
		p.warnOnce.Do(func() {
			slog.Warn("playback: queue overflow, dropping oldest frame", "depth", p.depth)
		})
	}
	p.queue = append(p.queue, pcm)
	p.lastEnqueue = time.Now()
	p.streaming = true
}

// Flush discards all buffered frames. It is idempotent and does not trigger
// the completion callback; use it on interruption and disconnect.
func (p *Player) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	p.streaming = false
}

// Buffered returns the duration of audio currently queued.
func (p *Player) Buffered() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(len(p.queue)) * FrameDuration
}

// fill is the output device pull callback. It copies the next queued frame
// into out, or leaves it zeroed (silence) when the queue is empty. It must
// never block.
func (p *Player) fill(out []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return
	}
	head := p.queue[0]
	p.queue = p.queue[1:]
	copy(out, head)
}

// monitor watches for end-of-stream: queue below the residual threshold and
// no enqueue within the idle window. Fires the completion callback once per
// stream.
func (p *Player) monitor() {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		buffered := time.Duration(len(p.queue)) * FrameDuration
		fire := p.streaming &&
			buffered < p.residual &&
			time.Since(p.lastEnqueue) >= p.idle
		if fire {
			p.streaming = false
		}
		cb := p.onComplete
		p.mu.Unlock()

		if fire && cb != nil {
			cb()
		}
	}
}
