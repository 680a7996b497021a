// Package transport maintains the connection to the assistant server. The
// WebSocket implementation is primary; MQTT is a parallel implementation of
// the same contract with topic-based delivery. Both perform the hello
// handshake on dial and split inbound traffic into an ordered text path and
// a dedicated audio path.
package transport

import (
	"context"
	"errors"

	"github.com/verdureai/verdure/internal/protocol"
)

// ErrHelloTimeout is returned when the server does not answer the client
// hello within the configured window.
var ErrHelloTimeout = errors.New("transport: no server hello within handshake timeout")

// Conn is an established, hello-completed connection. SendText and SendAudio
// are safe for concurrent use; inbound traffic arrives on the callbacks the
// connection was dialed with.
type Conn interface {
	// SendText transmits one JSON envelope.
	SendText(ctx context.Context, data []byte) error

	// SendAudio transmits one encoded audio packet as a binary frame.
	SendAudio(ctx context.Context, packet []byte) error

	// Hello returns the server's handshake reply. It carries the session id
	// and the authoritative audio parameters.
	Hello() *protocol.Hello

	// Close tears the connection down. Idempotent.
	Close() error
}

// Callbacks receive inbound traffic. OnText is invoked in arrival order from
// a single reader goroutine; OnAudio runs on a dedicated path so large JSON
// payloads cannot head-of-line block audio. OnClosed fires exactly once when
// the connection dies, with the causing error.
type Callbacks struct {
	OnText   func(data []byte)
	OnAudio  func(packet []byte)
	OnClosed func(err error)
}

// Dialer establishes connections. Implemented by [*WebSocket] and [*MQTT].
type Dialer interface {
	Dial(ctx context.Context, cb Callbacks) (Conn, error)
}
