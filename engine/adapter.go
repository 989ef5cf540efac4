package engine

import (
	"context"

	"marketmux/config"
	"marketmux/models"
)

// Adapter supplies the exchange-specific half of the engine: connection
// routing, outbound frame construction and inbound message parsing. The
// engine never interprets wire payloads itself.
type Adapter interface {
	// Name identifies the exchange (e.g. "binance").
	Name() string

	// ConnID derives the connection id serving a request from its event
	// configuration. Ids may collide across requests; colliding requests
	// share a physical connection.
	ConnID(eventCfg config.EventConfig, event, symbol string, params map[string]interface{}) (string, error)

	// StreamURL builds the aggregate-stream URL encoding the full pair set.
	// Called only for ws-stream templates.
	StreamURL(tpl config.TemplateConfig, pairs []models.EventSymbol) (string, error)

	// SubscribeFrame builds the outbound subscribe payload carrying
	// requestID. A nil frame with nil error means the connection subscribes
	// implicitly (no frame, no acknowledgement awaited).
	SubscribeFrame(event, symbol, requestID string, params map[string]interface{}) ([]byte, error)

	// UnsubscribeFrame mirrors SubscribeFrame for unsubscription.
	UnsubscribeFrame(event, symbol, requestID string, params map[string]interface{}) ([]byte, error)

	// HandleMessage parses one inbound frame from connID and feeds results
	// back through the session: acknowledgements resolve pending operations,
	// data messages update cached books and publish downstream. Calls for
	// one connection are serialized by the engine.
	HandleMessage(ctx context.Context, sess Session, connID string, data []byte)
}

// Session is the engine surface an Adapter works against while handling
// inbound messages.
type Session interface {
	// ResolvePending completes the pending operation registered under
	// requestID. Duplicate and late resolutions return false.
	ResolvePending(requestID string, err error) bool

	// MarkReady signals that the connection finished its ready handshake.
	// Connections on templates without a ready event are marked by the
	// engine itself.
	MarkReady(connID string)

	// MarkAuthenticated records the connection's authentication state.
	MarkAuthenticated(connID string, auth bool)

	// Book returns the cached order book for a tracked subscription,
	// creating it on first access. Returns nil for unknown subscriptions.
	Book(connID, event, symbol string) *models.OrderBook

	// Scratch returns the free-form per-connection cache. The engine
	// serializes message handling per connection, so no locking is needed
	// for values only the adapter touches.
	Scratch(connID string) map[string]interface{}

	// Publish delivers a finished book update downstream.
	Publish(ctx context.Context, update models.BookUpdate)

	// Fail reports an asynchronous stream-level error on the engine error
	// channel.
	Fail(ctx context.Context, connID string, err error)
}
