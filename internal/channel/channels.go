package channel

import (
	"context"
	"sync"

	"marketmux/logger"
	"marketmux/models"
)

type ChannelStats struct {
	BooksSent     int64
	ErrorsSent    int64
	BooksDropped  int64
	ErrorsDropped int64
}

// Channels carries engine output to downstream consumers. Book updates are
// dropped when the buffer is full so a slow consumer never stalls message
// dispatch; stream errors block until delivered or ctx ends.
type Channels struct {
	Books  chan models.BookUpdate
	Errors chan models.StreamError

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(bookBufferSize, errorBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Books:  make(chan models.BookUpdate, bookBufferSize),
		Errors: make(chan models.StreamError, errorBufferSize),
		log:    log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"book_buffer_size":  bookBufferSize,
		"error_buffer_size": errorBufferSize,
	}).Info("channels initialized")

	return c
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Books)
		close(c.Errors)
		c.log.WithComponent("channels").Info("channels closed")
	})
}

func (c *Channels) SendBook(ctx context.Context, update models.BookUpdate) bool {
	select {
	case c.Books <- update:
		c.statsMutex.Lock()
		c.stats.BooksSent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("books", len(update.Book.Bids)+len(update.Book.Asks))
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.BooksDropped++
		c.statsMutex.Unlock()
		c.log.WithComponent("channels").WithFields(logger.Fields{
			"exchange": update.Exchange,
			"symbol":   update.Symbol,
		}).Warn("book channel full, update dropped")
		return false
	}
}

func (c *Channels) SendError(ctx context.Context, serr models.StreamError) bool {
	select {
	case c.Errors <- serr:
		c.statsMutex.Lock()
		c.stats.ErrorsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
