package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters. The backoff resets after every
// successful hello.
const (
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 8 * time.Second
)

// Reconnector maintains a live connection through a [Dialer], redialing with
// exponential backoff whenever the connection drops.
//
// Callers obtain the initial connection via [Reconnector.Connect], then call
// [Reconnector.Monitor] to start a background goroutine that watches for
// disconnections signalled through [Reconnector.NotifyDisconnect]. On every
// successful dial the configured OnConnect callback runs with the fresh
// connection and the backoff resets to its initial value.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	dialer         Dialer
	callbacks      Callbacks
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxRetries     int // 0 means retry until stopped
	onConnect      func(Conn)

	mu           sync.Mutex
	conn         Conn
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a disconnect is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Dialer establishes connections.
	Dialer Dialer

	// Callbacks are passed to every dial.
	Callbacks Callbacks

	// InitialBackoff is the delay before the first retry. Doubles each
	// attempt up to MaxBackoff. Defaults to 250ms if zero.
	InitialBackoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 8s.
	MaxBackoff time.Duration

	// MaxRetries bounds attempts per reconnection cycle; 0 retries until
	// the reconnector is stopped.
	MaxRetries int

	// OnConnect is called after every successful dial, including the
	// initial one. May be nil.
	OnConnect func(Conn)
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		dialer:         cfg.Dialer,
		callbacks:      cfg.Callbacks,
		initialBackoff: initial,
		maxBackoff:     maxBackoff,
		maxRetries:     cfg.MaxRetries,
		onConnect:      cfg.OnConnect,
		done:           make(chan struct{}),
		disconnected:   make(chan struct{}, 1),
	}
}

// Connect performs the initial dial.
func (r *Reconnector) Connect(ctx context.Context) (Conn, error) {
	conn, err := r.dialer.Dial(ctx, r.callbacks)
	if err != nil {
		return nil, fmt.Errorf("reconnector initial connect: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	if r.onConnect != nil {
		r.onConnect(conn)
	}
	return conn, nil
}

// Monitor starts watching for disconnections in a background goroutine.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the connection has been lost
// and redialing should begin. Safe to call multiple times; only the first
// call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// Stop halts monitoring and closes the current connection.
// Safe to call multiple times.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Connection returns the current active connection. May return nil while a
// reconnection cycle is in flight.
func (r *Reconnector) Connection() Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// monitorLoop waits for disconnect notifications and redials.
func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect redials with exponential backoff. The backoff resets for
// the next cycle once a dial (hello included) succeeds.
func (r *Reconnector) attemptReconnect(ctx context.Context) {
	backoff := r.initialBackoff

	for attempt := 1; r.maxRetries == 0 || attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(backoff):
		}

		slog.Info("transport: attempting reconnection",
			"attempt", attempt,
			"backoff", backoff,
		)

		conn, err := r.dialer.Dial(ctx, r.callbacks)
		if err == nil {
			r.mu.Lock()
			oldConn := r.conn
			r.conn = conn
			r.mu.Unlock()

			// Release whatever the failed connection still holds.
			if oldConn != nil {
				_ = oldConn.Close()
			}

			slog.Info("transport: reconnection successful", "attempt", attempt)
			if r.onConnect != nil {
				r.onConnect(conn)
			}
			return
		}

		slog.Warn("transport: reconnection attempt failed",
			"attempt", attempt,
			"error", err,
		)

		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}

	slog.Error("transport: reconnection failed after max retries",
		"max_retries", r.maxRetries,
	)
}
