package channel

import (
	"context"
	"errors"
	"testing"

	"marketmux/models"
)

func TestSendBookAndStats(t *testing.T) {
	ch := NewChannels(1, 1)
	defer ch.Close()

	update := models.BookUpdate{
		Exchange: "binance",
		Symbol:   "BTC/USDT",
		Event:    "orderbook",
		Book:     models.OrderBook{},
	}

	if !ch.SendBook(context.Background(), update) {
		t.Fatal("expected first send to succeed")
	}
	if ch.SendBook(context.Background(), update) {
		t.Fatal("expected second send to drop with full buffer")
	}

	stats := ch.GetStats()
	if stats.BooksSent != 1 || stats.BooksDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	got := <-ch.Books
	if got.Symbol != "BTC/USDT" {
		t.Errorf("received symbol = %q, want %q", got.Symbol, "BTC/USDT")
	}
}

func TestSendErrorBlocksUntilDelivered(t *testing.T) {
	ch := NewChannels(1, 1)
	defer ch.Close()

	serr := models.StreamError{ConnID: "ws-1", Err: errors.New("boom")}
	if !ch.SendError(context.Background(), serr) {
		t.Fatal("expected send to succeed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if ch.SendError(ctx, serr) {
		t.Fatal("expected send on full buffer with cancelled context to fail")
	}

	got := <-ch.Errors
	if got.ConnID != "ws-1" {
		t.Errorf("received conn id = %q, want %q", got.ConnID, "ws-1")
	}
	if ch.GetStats().ErrorsSent != 1 {
		t.Errorf("errors sent = %d, want 1", ch.GetStats().ErrorsSent)
	}
}
