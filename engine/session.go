package engine

import (
	"context"

	"marketmux/logger"
	"marketmux/models"
)

// The engine itself is the Session handed to adapters.
var _ Session = (*Engine)(nil)

func (e *Engine) ResolvePending(requestID string, err error) bool {
	return e.pending.resolve(requestID, err)
}

func (e *Engine) MarkReady(connID string) {
	e.store.markReady(connID)
}

func (e *Engine) MarkAuthenticated(connID string, auth bool) {
	e.store.setAuthenticated(connID, auth)
}

func (e *Engine) Book(connID, event, symbol string) *models.OrderBook {
	return e.store.orderBook(connID, event, symbol)
}

func (e *Engine) Scratch(connID string) map[string]interface{} {
	return e.store.scratchMap(connID)
}

func (e *Engine) Publish(ctx context.Context, update models.BookUpdate) {
	if e.channels == nil {
		return
	}
	e.channels.SendBook(ctx, update)
}

func (e *Engine) Fail(ctx context.Context, connID string, err error) {
	e.log.WithError(err).WithFields(logger.Fields{"conn_id": connID}).Warn("stream error")
	if e.channels == nil {
		return
	}
	e.channels.SendError(ctx, models.StreamError{ConnID: connID, Err: err})
}
