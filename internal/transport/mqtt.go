package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.opentelemetry.io/otel/metric"

	"github.com/verdureai/verdure/internal/observe"
	"github.com/verdureai/verdure/internal/protocol"
)

// MQTT quality-of-service levels: control messages must arrive, audio is
// fire-and-forget like a binary WebSocket frame.
const (
	qosControl = 1
	qosAudio   = 0
)

// MQTTConfig configures an [MQTT] dialer. Message semantics are identical
// to WebSocket; delivery is topic-based. Audio rides sibling topics with an
// /audio suffix so binary packets never need sniffing apart from JSON.
type MQTTConfig struct {
	// Broker is the tcp:// or ssl:// broker address.
	Broker string

	// ClientTopic carries client→server envelopes; ServerTopic the reverse.
	ClientTopic string
	ServerTopic string

	// Username and Password authenticate against the broker.
	Username string
	Password string

	// DeviceID and ClientID identify this client.
	DeviceID string
	ClientID string

	// AudioParams is advertised in the client hello.
	AudioParams protocol.AudioParams

	// HelloTimeout bounds the wait for the server hello. Defaults to 5s.
	HelloTimeout time.Duration

	// Keepalive is the MQTT ping interval. Defaults to 30s.
	Keepalive time.Duration
}

// MQTT dials hello-completed MQTT connections.
type MQTT struct {
	cfg MQTTConfig
}

// Compile-time check: MQTT must implement Dialer.
var _ Dialer = (*MQTT)(nil)

// NewMQTT creates a dialer with defaults applied.
func NewMQTT(cfg MQTTConfig) *MQTT {
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = defaultHelloTimeout
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = defaultReadIdleTimeout
	}
	return &MQTT{cfg: cfg}
}

// Dial connects to the broker, subscribes to the server topics and performs
// the hello handshake.
func (m *MQTT) Dial(ctx context.Context, cb Callbacks) (Conn, error) {
	start := time.Now()
	c := &mqttConn{
		cfg:     m.cfg,
		cb:      cb,
		helloCh: make(chan *protocol.Hello, 1),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(m.cfg.ClientID).
		SetUsername(m.cfg.Username).
		SetPassword(m.cfg.Password).
		SetKeepAlive(m.cfg.Keepalive).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.notifyOnce.Do(func() {
				if cb.OnClosed != nil {
					cb.OnClosed(fmt.Errorf("transport: mqtt connection lost: %w", err))
				}
			})
		})

	client := pahomqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("transport: mqtt connect %s: %w", m.cfg.Broker, token.Error())
	}
	c.client = client

	if token := client.Subscribe(m.cfg.ServerTopic, qosControl, c.onServerMessage); token.Wait() && token.Error() != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("transport: subscribe %s: %w", m.cfg.ServerTopic, token.Error())
	}
	if token := client.Subscribe(m.cfg.ServerTopic+"/audio", qosAudio, c.onServerAudio); token.Wait() && token.Error() != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("transport: subscribe %s/audio: %w", m.cfg.ServerTopic, token.Error())
	}

	hello, err := c.handshake(ctx)
	if err != nil {
		client.Disconnect(250)
		return nil, err
	}
	c.hello = hello
	observe.DefaultMetrics().HandshakeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("transport", "mqtt")))
	return c, nil
}

// mqttConn is one established MQTT connection.
type mqttConn struct {
	cfg    MQTTConfig
	client pahomqtt.Client
	cb     Callbacks
	hello  *protocol.Hello

	helloCh       chan *protocol.Hello
	handshakeDone atomic.Bool
	closeOnce     sync.Once
	notifyOnce    sync.Once
}

// Compile-time check: mqttConn must implement Conn.
var _ Conn = (*mqttConn)(nil)

// handshake publishes the client hello and waits for the server's reply on
// the server topic.
func (c *mqttConn) handshake(ctx context.Context) (*protocol.Hello, error) {
	hello := protocol.NewClientHello("mqtt", c.cfg.AudioParams)
	data, err := protocol.Encode(hello)
	if err != nil {
		return nil, err
	}
	if token := c.client.Publish(c.cfg.ClientTopic, qosControl, false, data); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("transport: publish hello: %w", token.Error())
	}

	timer := time.NewTimer(c.cfg.HelloTimeout)
	defer timer.Stop()
	select {
	case h := <-c.helloCh:
		c.handshakeDone.Store(true)
		slog.Info("transport: handshake complete", "session_id", h.SessionID, "transport", "mqtt")
		return h, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w (%s)", ErrHelloTimeout, c.cfg.HelloTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onServerMessage handles one control envelope. Paho invokes handlers from
// its own router goroutine, preserving per-topic arrival order. The first
// hello belongs to the handshake; everything after flows to OnText.
func (c *mqttConn) onServerMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	data := msg.Payload()

	if !c.handshakeDone.Load() {
		if m, err := protocol.Decode(data); err == nil {
			if h, ok := m.(*protocol.Hello); ok {
				select {
				case c.helloCh <- h:
				default:
				}
				return
			}
		}
		slog.Debug("transport: discarding pre-hello mqtt message")
		return
	}

	if c.cb.OnText != nil {
		c.cb.OnText(data)
	}
}

// onServerAudio handles one binary audio packet.
func (c *mqttConn) onServerAudio(_ pahomqtt.Client, msg pahomqtt.Message) {
	if c.cb.OnAudio != nil {
		c.cb.OnAudio(msg.Payload())
	}
}

// SendText implements [Conn].
func (c *mqttConn) SendText(ctx context.Context, data []byte) error {
	token := c.client.Publish(c.cfg.ClientTopic, qosControl, false, data)
	if !token.WaitTimeout(publishTimeout(ctx)) {
		return fmt.Errorf("transport: publish text timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("transport: publish text: %w", err)
	}
	return nil
}

// SendAudio implements [Conn].
func (c *mqttConn) SendAudio(ctx context.Context, packet []byte) error {
	token := c.client.Publish(c.cfg.ClientTopic+"/audio", qosAudio, false, packet)
	if !token.WaitTimeout(publishTimeout(ctx)) {
		return fmt.Errorf("transport: publish audio timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("transport: publish audio: %w", err)
	}
	return nil
}

// Hello implements [Conn].
func (c *mqttConn) Hello() *protocol.Hello { return c.hello }

// Close implements [Conn].
func (c *mqttConn) Close() error {
	c.closeOnce.Do(func() {
		c.client.Disconnect(250)
	})
	return nil
}

// publishTimeout derives a paho wait bound from the caller's context.
func publishTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return 5 * time.Second
}
