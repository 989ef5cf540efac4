package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketmux/config"
	"marketmux/internal/channel"
	"marketmux/models"
	"marketmux/transport"
)

type fakeConn struct {
	url      string
	ack      bool
	ackErr   error
	readyMsg []byte

	mu        sync.Mutex
	connected bool
	closed    bool
	sent      [][]byte

	events    chan transport.Event
	closeOnce sync.Once
}

func (f *fakeConn) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	if f.readyMsg != nil {
		f.events <- transport.Event{Type: transport.EventMessage, Data: f.readyMsg}
	}
	return nil
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	if !f.connected || f.closed {
		f.mu.Unlock()
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, data)
	f.mu.Unlock()

	if f.ack {
		var frame struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &frame); err == nil && frame.ID != "" {
			status := "ok"
			if f.ackErr != nil {
				status = f.ackErr.Error()
			}
			resp := fmt.Sprintf(`{"id":%q,"status":%q}`, frame.ID, status)
			f.events <- transport.Event{Type: transport.EventMessage, Data: []byte(resp)}
		}
	}
	return nil
}

func (f *fakeConn) SendPing(data []byte) error { return nil }

func (f *fakeConn) Close() error {
	f.closeWith(nil)
	return nil
}

// closeWith ends the connection as the transport would after a remote drop:
// a terminal Closed event carrying err, then the channel closes.
func (f *fakeConn) closeWith(err error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.connected = false
		f.mu.Unlock()
		f.events <- transport.Event{Type: transport.EventClosed, Err: err}
		close(f.events)
	})
}

func (f *fakeConn) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && !f.closed
}

func (f *fakeConn) Events() <-chan transport.Event { return f.events }

func (f *fakeConn) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	ack      bool
	ackErr   error
	readyMsg []byte
}

func (d *fakeDialer) dial(cfg transport.Config) transport.Conn {
	conn := &fakeConn{
		url:      cfg.URL,
		ack:      d.ack,
		ackErr:   d.ackErr,
		readyMsg: d.readyMsg,
		events:   make(chan transport.Event, 32),
	}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeAdapter speaks a minimal op/id protocol. Acknowledgements carry the
// request id and a status string.
type fakeAdapter struct{}

func (fakeAdapter) Name() string { return "fake" }

func (fakeAdapter) ConnID(eventCfg config.EventConfig, event, symbol string, params map[string]interface{}) (string, error) {
	return config.ImplodeParams(eventCfg.ConnID, map[string]string{"event": event, "symbol": symbol}), nil
}

func (fakeAdapter) StreamURL(tpl config.TemplateConfig, pairs []models.EventSymbol) (string, error) {
	streams := make([]string, len(pairs))
	for i, p := range pairs {
		streams[i] = p.Event + ":" + p.Symbol
	}
	return config.ImplodeParams(tpl.URL, map[string]string{"streams": strings.Join(streams, "/")}), nil
}

func (fakeAdapter) SubscribeFrame(event, symbol, requestID string, params map[string]interface{}) ([]byte, error) {
	return []byte(fmt.Sprintf(`{"op":"sub","id":%q,"event":%q,"symbol":%q}`, requestID, event, symbol)), nil
}

func (fakeAdapter) UnsubscribeFrame(event, symbol, requestID string, params map[string]interface{}) ([]byte, error) {
	return []byte(fmt.Sprintf(`{"op":"unsub","id":%q,"event":%q,"symbol":%q}`, requestID, event, symbol)), nil
}

func (fakeAdapter) HandleMessage(ctx context.Context, sess Session, connID string, data []byte) {
	var msg struct {
		Op     string `json:"op"`
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Op == "ready" {
		sess.MarkReady(connID)
		return
	}
	if msg.ID == "" {
		return
	}
	var resErr error
	if msg.Status != "ok" {
		resErr = errors.New(msg.Status)
	}
	sess.ResolvePending(msg.ID, resErr)
}

// trackingAdapter fails loudly when HandleMessage runs concurrently; the
// engine promises adapters serialized delivery per connection.
type trackingAdapter struct {
	fakeAdapter
	inFlight int32
	overlaps int32
}

func (a *trackingAdapter) HandleMessage(ctx context.Context, sess Session, connID string, data []byte) {
	if atomic.AddInt32(&a.inFlight, 1) > 1 {
		atomic.AddInt32(&a.overlaps, 1)
	}
	time.Sleep(200 * time.Microsecond)
	a.fakeAdapter.HandleMessage(ctx, sess, connID, data)
	atomic.AddInt32(&a.inFlight, -1)
}

func testTemplates() map[string]config.TemplateConfig {
	return map[string]config.TemplateConfig{
		"stream": {URL: "wss://example.test/stream?streams={streams}", Type: "ws-stream"},
		"single": {URL: "wss://example.test/ws/{event}/{symbol}", Type: "ws"},
		"gated":  {URL: "wss://example.test/gated?streams={streams}", Type: "ws-stream", WaitForReadyEvent: "ready"},
	}
}

func testEvents() map[string]config.EventConfig {
	return map[string]config.EventConfig{
		"orderbook": {Template: "stream", ConnID: "stream"},
		"trades":    {Template: "stream", ConnID: "stream"},
		"ticker":    {Template: "single", ConnID: "ticker-{symbol}"},
		"candles":   {Template: "gated", ConnID: "gated"},
	}
}

func newTestEngine(t *testing.T, dialer *fakeDialer) *Engine {
	t.Helper()
	return newTestEngineWith(t, dialer, fakeAdapter{}, channel.NewChannels(32, 32))
}

func newTestEngineWith(t *testing.T, dialer *fakeDialer, adapter Adapter, chans *channel.Channels) *Engine {
	t.Helper()
	eng := New(Options{
		Engine: config.EngineConfig{
			SubscribeTimeout: 500 * time.Millisecond,
			ConnectTimeout:   300 * time.Millisecond,
			WriteTimeout:     time.Second,
			PingInterval:     time.Minute,
			MessageBuffer:    32,
		},
		Templates: testTemplates(),
		Events:    testEvents(),
		Adapter:   adapter,
		Channels:  chans,
		Dial:      dialer.dial,
	})
	t.Cleanup(func() { eng.CloseAll() })
	return eng
}

func TestSubscribeAllSingleFlushPerBatch(t *testing.T) {
	dialer := &fakeDialer{ack: true}
	eng := newTestEngine(t, dialer)

	requests := []models.SubscriptionRequest{
		{Event: "orderbook", Symbol: "BTC/USDT"},
		{Event: "orderbook", Symbol: "ETH/USDT"},
		{Event: "trades", Symbol: "BTC/USDT"},
	}
	if err := eng.SubscribeAll(context.Background(), requests); err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}

	// All three requests share the aggregate connection: one dial, not three.
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dial count = %d, want 1", got)
	}
	for _, req := range requests {
		if !eng.IsSubscribed("stream", req.Event, req.Symbol) {
			t.Errorf("expected %s %s subscribed", req.Event, req.Symbol)
		}
		if eng.IsSubscribing("stream", req.Event, req.Symbol) {
			t.Errorf("expected %s %s not subscribing after ack", req.Event, req.Symbol)
		}
	}
	if got := len(dialer.lastConn().sentFrames()); got != 3 {
		t.Errorf("sent frames = %d, want 3", got)
	}
}

func TestSubscribeDistinctConnectionsDialEach(t *testing.T) {
	dialer := &fakeDialer{ack: true}
	eng := newTestEngine(t, dialer)

	requests := []models.SubscriptionRequest{
		{Event: "ticker", Symbol: "BTC/USDT"},
		{Event: "ticker", Symbol: "ETH/USDT"},
		{Event: "ticker", Symbol: "SOL/USDT"},
	}
	if err := eng.SubscribeAll(context.Background(), requests); err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}
	if got := dialer.dialCount(); got != 3 {
		t.Fatalf("dial count = %d, want 3", got)
	}
}

func TestAggregateStreamReconnectEncodesUnion(t *testing.T) {
	dialer := &fakeDialer{ack: true}
	eng := newTestEngine(t, dialer)

	if err := eng.Subscribe(context.Background(), "orderbook", "ETH/USD", nil); err != nil {
		t.Fatalf("Subscribe ETH: %v", err)
	}
	if err := eng.Subscribe(context.Background(), "orderbook", "BTC/USD", nil); err != nil {
		t.Fatalf("Subscribe BTC: %v", err)
	}

	if got := dialer.dialCount(); got != 2 {
		t.Fatalf("dial count = %d, want 2 (connect then reconnect)", got)
	}
	url := dialer.lastConn().url
	if !strings.Contains(url, "orderbook:ETH/USD") || !strings.Contains(url, "orderbook:BTC/USD") {
		t.Errorf("reconnect url %q does not encode both symbols", url)
	}
	if !eng.IsSubscribed("stream", "orderbook", "ETH/USD") {
		t.Error("ETH/USD subscription lost across reconnect")
	}
	if !eng.IsSubscribed("stream", "orderbook", "BTC/USD") {
		t.Error("BTC/USD not subscribed after ack")
	}
}

func TestUnsubscribeLastSymbolDisconnects(t *testing.T) {
	dialer := &fakeDialer{ack: true}
	eng := newTestEngine(t, dialer)

	if err := eng.Subscribe(context.Background(), "orderbook", "BTC/USD", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	conn := dialer.lastConn()

	if err := eng.Unsubscribe(context.Background(), "orderbook", "BTC/USD", nil); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if conn.IsActive() {
		t.Error("expected connection closed after last symbol unsubscribed")
	}
	if got := len(eng.ActiveSubscriptions("stream")); got != 0 {
		t.Errorf("active subscriptions = %d, want 0", got)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1 (no reconnect on disconnect)", got)
	}
}

func TestUnsubscribeOneOfSeveralReconnects(t *testing.T) {
	dialer := &fakeDialer{ack: true}
	eng := newTestEngine(t, dialer)

	requests := []models.SubscriptionRequest{
		{Event: "orderbook", Symbol: "BTC/USD"},
		{Event: "orderbook", Symbol: "ETH/USD"},
	}
	if err := eng.SubscribeAll(context.Background(), requests); err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}
	if err := eng.Unsubscribe(context.Background(), "orderbook", "BTC/USD", nil); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	url := dialer.lastConn().url
	if strings.Contains(url, "BTC/USD") {
		t.Errorf("reconnect url %q still encodes unsubscribed symbol", url)
	}
	if !strings.Contains(url, "orderbook:ETH/USD") {
		t.Errorf("reconnect url %q lost remaining symbol", url)
	}
	if eng.IsSubscribed("stream", "orderbook", "BTC/USD") {
		t.Error("BTC/USD still marked subscribed")
	}
}

func TestSubscribeTimeoutRollsBack(t *testing.T) {
	dialer := &fakeDialer{ack: false}
	eng := newTestEngine(t, dialer)

	err := eng.Subscribe(context.Background(), "orderbook", "BTC/USD", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Subscribe = %v, want ErrTimeout", err)
	}
	if eng.IsSubscribed("stream", "orderbook", "BTC/USD") || eng.IsSubscribing("stream", "orderbook", "BTC/USD") {
		t.Error("expected subscription rolled back after timeout")
	}
}

func TestSubscribeAckFailureIsolatedPerRequest(t *testing.T) {
	dialer := &fakeDialer{ack: true, ackErr: errors.New("denied")}
	eng := newTestEngine(t, dialer)

	err := eng.Subscribe(context.Background(), "orderbook", "BTC/USD", nil)
	if err == nil || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("Subscribe = %v, want ack failure", err)
	}
	if eng.IsSubscribed("stream", "orderbook", "BTC/USD") {
		t.Error("expected subscription rolled back after ack failure")
	}
}

func TestInvalidEventRejectsWholeBatch(t *testing.T) {
	dialer := &fakeDialer{ack: true}
	eng := newTestEngine(t, dialer)

	requests := []models.SubscriptionRequest{
		{Event: "orderbook", Symbol: "BTC/USD"},
		{Event: "funding", Symbol: "BTC/USD"},
	}
	err := eng.SubscribeAll(context.Background(), requests)
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("SubscribeAll = %v, want ErrInvalidEvent", err)
	}
	if got := dialer.dialCount(); got != 0 {
		t.Errorf("dial count = %d, want 0 (no side effects before validation)", got)
	}
	if eng.IsSubscribing("stream", "orderbook", "BTC/USD") {
		t.Error("expected no state change for valid sibling request")
	}
}

func TestSimpleTemplateUnsubscribeResetsContext(t *testing.T) {
	dialer := &fakeDialer{ack: true}
	eng := newTestEngine(t, dialer)

	if err := eng.Subscribe(context.Background(), "ticker", "BTC/USDT", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	conn := dialer.lastConn()
	if !strings.Contains(conn.url, "/ws/ticker/BTC/USDT") {
		t.Errorf("dedicated url = %q", conn.url)
	}

	if err := eng.Unsubscribe(context.Background(), "ticker", "BTC/USDT", nil); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if conn.IsActive() {
		t.Error("expected dedicated connection closed")
	}
	if got := len(eng.ActiveSubscriptions("ticker-BTC/USDT")); got != 0 {
		t.Errorf("active subscriptions = %d, want 0 after reset", got)
	}
}

func TestRecoverConnectionResubscribes(t *testing.T) {
	dialer := &fakeDialer{ack: true}
	eng := newTestEngine(t, dialer)

	requests := []models.SubscriptionRequest{
		{Event: "orderbook", Symbol: "BTC/USD"},
		{Event: "trades", Symbol: "BTC/USD"},
	}
	if err := eng.SubscribeAll(context.Background(), requests); err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}
	before := dialer.dialCount()

	if err := eng.RecoverConnection(context.Background(), "stream"); err != nil {
		t.Fatalf("RecoverConnection: %v", err)
	}
	if got := dialer.dialCount(); got != before+1 {
		t.Fatalf("dial count = %d, want %d", got, before+1)
	}
	for _, req := range requests {
		if !eng.IsSubscribed("stream", req.Event, req.Symbol) {
			t.Errorf("expected %s %s re-subscribed after recovery", req.Event, req.Symbol)
		}
	}
}

func TestCloseAllFailsPendingAndRejectsNewWork(t *testing.T) {
	dialer := &fakeDialer{ack: true}
	eng := newTestEngine(t, dialer)

	if err := eng.Subscribe(context.Background(), "orderbook", "BTC/USD", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := eng.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	err := eng.Subscribe(context.Background(), "orderbook", "ETH/USD", nil)
	if !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("Subscribe after close = %v, want ErrEngineClosed", err)
	}
}

func TestSubscribeAlreadySubscribedIsNoop(t *testing.T) {
	dialer := &fakeDialer{ack: true}
	eng := newTestEngine(t, dialer)

	if err := eng.Subscribe(context.Background(), "orderbook", "BTC/USD", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	frames := len(dialer.lastConn().sentFrames())

	if err := eng.Subscribe(context.Background(), "orderbook", "BTC/USD", nil); err != nil {
		t.Fatalf("second Subscribe: %v", err)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1 (no reconnect for duplicate)", got)
	}
	if got := len(dialer.lastConn().sentFrames()); got != frames {
		t.Errorf("sent frames = %d, want %d (no duplicate subscribe frame)", got, frames)
	}
}

func TestReconnectNeverOverlapsDispatch(t *testing.T) {
	dialer := &fakeDialer{ack: true}
	adapter := &trackingAdapter{}
	eng := newTestEngineWith(t, dialer, adapter, channel.NewChannels(32, 32))

	if err := eng.Subscribe(context.Background(), "orderbook", "BTC/USD", nil); err != nil {
		t.Fatalf("Subscribe BTC: %v", err)
	}
	conn1 := dialer.lastConn()
	// Keep the first connection's dispatch loop loaded across the reconnect.
	for i := 0; i < 24; i++ {
		conn1.events <- transport.Event{Type: transport.EventMessage, Data: []byte(`{"op":"data"}`)}
	}

	if err := eng.Subscribe(context.Background(), "orderbook", "ETH/USD", nil); err != nil {
		t.Fatalf("Subscribe ETH: %v", err)
	}
	conn2 := dialer.lastConn()
	if conn2 == conn1 {
		t.Fatal("expected reconnect to dial a new connection")
	}
	if conn1.IsActive() {
		t.Error("expected superseded connection closed")
	}
	for i := 0; i < 8; i++ {
		conn2.events <- transport.Event{Type: transport.EventMessage, Data: []byte(`{"op":"data"}`)}
	}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&adapter.overlaps); got != 0 {
		t.Fatalf("HandleMessage ran concurrently %d times for one connection id", got)
	}
}

func TestRemoteCloseSurfacesStreamError(t *testing.T) {
	dialer := &fakeDialer{ack: true}
	chans := channel.NewChannels(4, 4)
	eng := newTestEngineWith(t, dialer, fakeAdapter{}, chans)

	if err := eng.Subscribe(context.Background(), "orderbook", "BTC/USD", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	dropErr := errors.New("connection reset by peer")
	dialer.lastConn().closeWith(dropErr)

	select {
	case serr := <-chans.Errors:
		if serr.ConnID != "stream" {
			t.Errorf("stream error conn id = %q, want %q", serr.ConnID, "stream")
		}
		if !errors.Is(serr.Err, dropErr) {
			t.Errorf("stream error = %v, want %v", serr.Err, dropErr)
		}
	case <-time.After(time.Second):
		t.Fatal("no stream error delivered after remote close")
	}
}

func TestReadyEventGatesConnect(t *testing.T) {
	dialer := &fakeDialer{ack: true, readyMsg: []byte(`{"op":"ready"}`)}
	eng := newTestEngine(t, dialer)

	if err := eng.Subscribe(context.Background(), "candles", "BTC/USD", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !eng.IsSubscribed("gated", "candles", "BTC/USD") {
		t.Error("expected subscription after ready handshake")
	}
}

func TestReadyEventTimeoutFailsConnect(t *testing.T) {
	dialer := &fakeDialer{ack: true} // the ready frame never arrives
	eng := newTestEngine(t, dialer)

	err := eng.Subscribe(context.Background(), "candles", "BTC/USD", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Subscribe = %v, want ErrTimeout", err)
	}
	if eng.IsSubscribing("gated", "candles", "BTC/USD") {
		t.Error("expected subscription rolled back after handshake timeout")
	}
	if dialer.lastConn().IsActive() {
		t.Error("expected gated connection closed after handshake timeout")
	}
}
