package symbols

import "testing"

func TestMarketID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BTC/USDT", "BTCUSDT"},
		{"eth/usdt", "ETHUSDT"},
		{"SOLUSDT", "SOLUSDT"},
	}
	for _, tt := range tests {
		if got := MarketID(tt.in); got != tt.want {
			t.Errorf("MarketID(%s)=%s want %s", tt.in, got, tt.want)
		}
	}
	if got := StreamID("BTC/USDT"); got != "btcusdt" {
		t.Errorf("StreamID(BTC/USDT)=%s want btcusdt", got)
	}
}

func TestMapperRoundTrip(t *testing.T) {
	m := NewMapper([]string{"BTC/USDT", "ETH/USDT"})

	id, ok := m.Market("BTC/USDT")
	if !ok || id != "BTCUSDT" {
		t.Errorf("Market(BTC/USDT)=(%s,%v)", id, ok)
	}
	sym, ok := m.Symbol("btcusdt")
	if !ok || sym != "BTC/USDT" {
		t.Errorf("Symbol(btcusdt)=(%s,%v)", sym, ok)
	}
	if _, ok := m.Symbol("DOGEUSDT"); ok {
		t.Error("unknown market id should not resolve")
	}
	if got := len(m.Symbols()); got != 2 {
		t.Errorf("Symbols()=%d entries, want 2", got)
	}
}
