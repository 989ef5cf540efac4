package transport

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotConnected    = errors.New("websocket not connected")
	ErrAlreadyClosed   = errors.New("websocket already closed")
	ErrStaleConnection = errors.New("websocket stale: no ping or pong received")
)

// EventType tags an inbound connection event.
type EventType int

const (
	EventOpen EventType = iota + 1
	EventMessage
	EventPong
	EventClosed
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventPong:
		return "pong"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one inbound occurrence on a connection: an open handshake, a text
// message, a pong, a close, or a transport error. Consumers pattern-match on
// Type; Data carries message or pong payloads, Err carries the error.
type Event struct {
	Type       EventType
	Data       []byte
	Err        error
	ReceivedAt time.Time
}

// Conn is the transport capability the subscription engine multiplexes over.
// A Conn is single-use: Connect establishes it once, Close tears it down, and
// a reconnect means dialing a fresh Conn.
type Conn interface {
	// Connect establishes the connection, blocking until the handshake
	// completes or ctx is done.
	Connect(ctx context.Context) error

	// Send writes a text frame.
	Send(data []byte) error

	// SendPing writes a ping control frame.
	SendPing(data []byte) error

	// Close tears the connection down. Safe to call more than once.
	Close() error

	// IsActive reports whether the connection is established and usable.
	IsActive() bool

	// Events returns the inbound event stream. The channel is closed after
	// the terminal Closed event has been delivered.
	Events() <-chan Event
}

// Config carries per-connection transport settings.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	MessageBuffer    int
}

// Dialer builds a Conn for the given configuration. The engine takes a
// Dialer so tests can substitute in-memory connections.
type Dialer func(cfg Config) Conn
