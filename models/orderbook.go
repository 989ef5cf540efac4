package models

import "time"

// PriceLevel is a single quoted level of one order book side.
type PriceLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBook is an incrementally maintained order book. Bids are sorted by
// descending price, asks by ascending price; neither side contains duplicate
// prices or zero-amount levels. Mutation goes through the orderbook package.
type OrderBook struct {
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
	Datetime  string       `json:"datetime"`
	Nonce     int64        `json:"nonce"`
}

// BookUpdate carries a merged order book to downstream consumers such as the
// capture recorder.
type BookUpdate struct {
	Exchange   string    `json:"exchange"`
	Symbol     string    `json:"symbol"`
	Event      string    `json:"event"`
	Book       OrderBook `json:"book"`
	ReceivedAt time.Time `json:"received_at"`
}
