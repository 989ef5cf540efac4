package models

// SubscriptionRequest identifies one logical (event, symbol) subscription.
// Params are opaque request parameters forwarded to the exchange template and
// retained so aggregate stream URLs can be regenerated on reconnect.
type SubscriptionRequest struct {
	Event  string                 `json:"event"`
	Symbol string                 `json:"symbol"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// EventSymbol is a resolved (event, symbol, params) triple as tracked inside
// a connection context.
type EventSymbol struct {
	Event  string
	Symbol string
	Params map[string]interface{}
}

// StreamError is an asynchronous transport-level failure. Its origin is a
// connection, not a single pending request, so it is delivered on the engine
// error channel instead of being raised to a specific caller.
type StreamError struct {
	ConnID string
	Err    error
}
