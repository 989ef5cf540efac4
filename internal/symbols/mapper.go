package symbols

import "strings"

// MarketID converts a unified symbol to the exchange market id.
// Examples:
//
//	BTC/USDT -> BTCUSDT
//	eth/usdt -> ETHUSDT
func MarketID(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// StreamID is the lowercase market id used in stream names and aggregate
// stream URLs, e.g. BTC/USDT -> btcusdt.
func StreamID(symbol string) string {
	return strings.ToLower(MarketID(symbol))
}

// Mapper is a read-only bidirectional lookup between unified symbols
// ("BTC/USDT") and exchange market ids ("BTCUSDT"). Built once at startup,
// never mutated afterwards.
type Mapper struct {
	toMarket map[string]string
	toSymbol map[string]string
}

// NewMapper builds a Mapper from unified symbols, deriving each market id
// with MarketID.
func NewMapper(unified []string) *Mapper {
	m := &Mapper{
		toMarket: make(map[string]string, len(unified)),
		toSymbol: make(map[string]string, len(unified)),
	}
	for _, symbol := range unified {
		marketID := MarketID(symbol)
		m.toMarket[symbol] = marketID
		m.toSymbol[marketID] = symbol
	}
	return m
}

// Market returns the market id for a unified symbol.
func (m *Mapper) Market(symbol string) (string, bool) {
	id, ok := m.toMarket[symbol]
	return id, ok
}

// Symbol returns the unified symbol for a market id. The lookup is
// case-insensitive since stream payloads carry lowercase ids.
func (m *Mapper) Symbol(marketID string) (string, bool) {
	symbol, ok := m.toSymbol[strings.ToUpper(marketID)]
	return symbol, ok
}

// Symbols lists the unified symbols the mapper knows.
func (m *Mapper) Symbols() []string {
	out := make([]string, 0, len(m.toMarket))
	for symbol := range m.toMarket {
		out = append(out, symbol)
	}
	return out
}
