package engine

import "errors"

var (
	// ErrInvalidEvent marks a subscription request naming an event that is
	// not declared in configuration. The whole batch is rejected before any
	// state changes.
	ErrInvalidEvent = errors.New("event not configured")

	// ErrInvalidConfig marks a connection template missing required fields.
	ErrInvalidConfig = errors.New("invalid connection template")

	// ErrNotSupported marks an unknown connection template type.
	ErrNotSupported = errors.New("template type not supported")

	// ErrTimeout is returned when a pending operation's deadline elapses
	// before an acknowledgement arrives.
	ErrTimeout = errors.New("request timed out")

	// ErrNotConnected is returned when an operation targets a connection id
	// with no established connection.
	ErrNotConnected = errors.New("connection not established")

	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("engine closed")
)
