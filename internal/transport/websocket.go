package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/verdureai/verdure/internal/observe"
	"github.com/verdureai/verdure/internal/protocol"
)

// Handshake and keepalive defaults. Both are overridable via config.
const (
	defaultHelloTimeout    = 5 * time.Second
	defaultReadIdleTimeout = 30 * time.Second
)

// textQueueDepth bounds the ordered control-message path. Audio frames are
// dispatched directly off the reader so a burst of large JSON payloads
// cannot delay them.
const textQueueDepth = 64

// maxFrameSize bounds inbound frames. Covers large tool catalogues.
const maxFrameSize = 1 << 20

// WebSocketConfig configures a [WebSocket] dialer.
type WebSocketConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// AccessToken is sent as a bearer Authorization header when non-empty.
	AccessToken string

	// DeviceID and ClientID identify this client in the dial headers.
	DeviceID string
	ClientID string

	// AudioParams is advertised in the client hello.
	AudioParams protocol.AudioParams

	// HelloTimeout bounds the wait for the server hello. Defaults to 5s.
	HelloTimeout time.Duration

	// ReadIdleTimeout closes the connection when no frame arrives for this
	// long. Defaults to 30s.
	ReadIdleTimeout time.Duration
}

// WebSocket dials hello-completed WebSocket connections.
type WebSocket struct {
	cfg WebSocketConfig
}

// Compile-time check: WebSocket must implement Dialer.
var _ Dialer = (*WebSocket)(nil)

// NewWebSocket creates a dialer with defaults applied.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = defaultHelloTimeout
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = defaultReadIdleTimeout
	}
	return &WebSocket{cfg: cfg}
}

// Dial connects, performs the hello handshake and starts the inbound loops.
// It fails with [ErrHelloTimeout] (wrapped) when the server does not answer
// the client hello in time.
func (w *WebSocket) Dial(ctx context.Context, cb Callbacks) (Conn, error) {
	header := http.Header{
		"Protocol-Version": []string{fmt.Sprint(protocol.Version)},
		"Device-Id":        []string{w.cfg.DeviceID},
		"Client-Id":        []string{w.cfg.ClientID},
	}
	if w.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+w.cfg.AccessToken)
	}

	start := time.Now()
	conn, _, err := websocket.Dial(ctx, w.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", w.cfg.URL, err)
	}
	conn.SetReadLimit(maxFrameSize)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		conn:     conn,
		cb:       cb,
		ctx:      connCtx,
		cancel:   cancel,
		readIdle: w.cfg.ReadIdleTimeout,
		textCh:   make(chan []byte, textQueueDepth),
	}

	hello, err := c.handshake(ctx, w.cfg.AudioParams, w.cfg.HelloTimeout)
	if err != nil {
		cancel()
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, err
	}
	c.hello = hello
	observe.DefaultMetrics().HandshakeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("transport", "websocket")))

	go c.readLoop()
	go c.dispatchLoop()
	return c, nil
}

// wsConn is one established WebSocket connection.
type wsConn struct {
	conn  *websocket.Conn
	cb    Callbacks
	hello *protocol.Hello

	ctx      context.Context
	cancel   context.CancelFunc
	readIdle time.Duration

	writeMu sync.Mutex
	textCh  chan []byte

	closeOnce  sync.Once
	notifyOnce sync.Once
}

// Compile-time check: wsConn must implement Conn.
var _ Conn = (*wsConn)(nil)

// handshake sends the client hello and waits for the server's reply.
// Non-hello frames arriving before the reply are discarded.
func (c *wsConn) handshake(ctx context.Context, params protocol.AudioParams, timeout time.Duration) (*protocol.Hello, error) {
	hello := protocol.NewClientHello("websocket", params)
	data, err := protocol.Encode(hello)
	if err != nil {
		return nil, err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("transport: send hello: %w", err)
	}

	helloCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		typ, data, err := c.conn.Read(helloCtx)
		if err != nil {
			if helloCtx.Err() != nil {
				return nil, fmt.Errorf("%w (%s)", ErrHelloTimeout, timeout)
			}
			return nil, fmt.Errorf("transport: read during handshake: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			slog.Debug("transport: discarding pre-hello frame", "error", err)
			continue
		}
		if h, ok := msg.(*protocol.Hello); ok {
			slog.Info("transport: handshake complete",
				"session_id", h.SessionID,
				"transport", h.Transport,
			)
			return h, nil
		}
	}
}

// SendText implements [Conn].
func (c *wsConn) SendText(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: write text frame: %w", err)
	}
	return nil
}

// SendAudio implements [Conn].
func (c *wsConn) SendAudio(ctx context.Context, packet []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageBinary, packet); err != nil {
		return fmt.Errorf("transport: write audio frame: %w", err)
	}
	return nil
}

// Hello implements [Conn].
func (c *wsConn) Hello() *protocol.Hello { return c.hello }

// Close implements [Conn].
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "client closed")
	})
	return nil
}

// readLoop owns the socket reader. Each read carries the idle timeout; a
// connection silent for longer is considered dead.
func (c *wsConn) readLoop() {
	defer close(c.textCh)

	for {
		readCtx, cancel := context.WithTimeout(c.ctx, c.readIdle)
		typ, data, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			if c.ctx.Err() != nil {
				// Local close; not a failure.
				return
			}
			c.fail(fmt.Errorf("transport: read: %w", err))
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if c.cb.OnAudio != nil {
				c.cb.OnAudio(data)
			}
		case websocket.MessageText:
			select {
			case c.textCh <- data:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// dispatchLoop delivers control messages in arrival order.
func (c *wsConn) dispatchLoop() {
	for data := range c.textCh {
		if c.cb.OnText != nil {
			c.cb.OnText(data)
		}
	}
}

// fail closes the connection and reports the error exactly once.
func (c *wsConn) fail(err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("transport: read idle timeout, closing", "idle", c.readIdle)
	}
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close(websocket.StatusGoingAway, "read failure")
	})
	c.notifyOnce.Do(func() {
		if c.cb.OnClosed != nil {
			c.cb.OnClosed(err)
		}
	})
}
