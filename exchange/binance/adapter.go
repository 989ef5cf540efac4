package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"

	"marketmux/config"
	"marketmux/engine"
	"marketmux/internal/symbols"
	"marketmux/logger"
	"marketmux/models"
	"marketmux/orderbook"
)

const Name = "binance"

// EventOrderbook is the logical event name depth streams feed.
const EventOrderbook = "orderbook"

const defaultSnapshotLimit = 1000

// Depth deltas arrive as {"b": [...], "a": [...]} arrays.
var depthMergeOpts = &orderbook.MergeOptions{BidsKey: "b", AsksKey: "a"}

// restClient is the slice of the Binance REST API the adapter needs. The
// production implementation wraps go-binance's depth service.
type restClient interface {
	DepthSnapshot(ctx context.Context, marketID string, limit int) (*models.OrderBook, error)
}

// Adapter speaks Binance's combined-stream websocket protocol: SUBSCRIBE and
// UNSUBSCRIBE frames with integer request ids acknowledged by
// {"result":null,"id":N}, depth deltas wrapped in {"stream","data"}
// envelopes, and REST depth snapshots to seed each book.
type Adapter struct {
	cfg      config.BinanceSourceConfig
	events   map[string]config.EventConfig
	mapper   *symbols.Mapper
	rest     restClient
	additive bool
	log      *logger.Entry
}

func New(cfg config.BinanceSourceConfig, events map[string]config.EventConfig, mapper *symbols.Mapper) *Adapter {
	return &Adapter{
		cfg:      cfg,
		events:   events,
		mapper:   mapper,
		rest:     newDepthClient(cfg),
		additive: events[EventOrderbook].Merge == "additive",
		log:      logger.GetLogger().WithComponent("binance_adapter"),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) ConnID(eventCfg config.EventConfig, event, symbol string, params map[string]interface{}) (string, error) {
	pattern := eventCfg.ConnID
	if pattern == "" {
		pattern = "binance-stream"
	}
	return config.ImplodeParams(pattern, map[string]string{
		"event":  event,
		"symbol": symbol,
		"market": symbols.StreamID(symbol),
	}), nil
}

func (a *Adapter) StreamURL(tpl config.TemplateConfig, pairs []models.EventSymbol) (string, error) {
	streams := make([]string, len(pairs))
	for i, pair := range pairs {
		streams[i] = a.streamName(pair.Event, pair.Symbol)
	}
	return config.ImplodeParams(tpl.URL, map[string]string{"streams": strings.Join(streams, "/")}), nil
}

// streamName renders an event's stream pattern for one symbol, e.g.
// "{market}@depth@100ms" -> "btcusdt@depth@100ms".
func (a *Adapter) streamName(event, symbol string) string {
	pattern := a.events[event].Stream
	if pattern == "" {
		pattern = "{market}@depth"
	}
	return config.ImplodeParams(pattern, map[string]string{
		"market": symbols.StreamID(symbol),
		"symbol": symbol,
	})
}

type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (a *Adapter) SubscribeFrame(event, symbol, requestID string, params map[string]interface{}) ([]byte, error) {
	return a.frame("SUBSCRIBE", event, symbol, requestID)
}

func (a *Adapter) UnsubscribeFrame(event, symbol, requestID string, params map[string]interface{}) ([]byte, error) {
	return a.frame("UNSUBSCRIBE", event, symbol, requestID)
}

func (a *Adapter) frame(method, event, symbol, requestID string) ([]byte, error) {
	id, err := strconv.ParseInt(requestID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("request id %q: %w", requestID, err)
	}
	return json.Marshal(wsRequest{
		Method: method,
		Params: []string{a.streamName(event, symbol)},
		ID:     id,
	})
}

type wsError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Error  *wsError        `json:"error"`
}

func (a *Adapter) HandleMessage(ctx context.Context, sess engine.Session, connID string, data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.log.WithError(err).WithFields(logger.Fields{"conn_id": connID}).Warn("unparseable frame")
		return
	}

	if env.ID != nil {
		requestID := strconv.FormatInt(*env.ID, 10)
		var ackErr error
		if env.Error != nil {
			ackErr = fmt.Errorf("binance rejected request: code %d: %s", env.Error.Code, env.Error.Msg)
		}
		sess.ResolvePending(requestID, ackErr)
		return
	}

	payload := env.Data
	if payload == nil {
		// Raw single-stream frames carry the event without an envelope.
		payload = data
	}
	a.handleDepth(ctx, sess, connID, payload)
}

type depthEvent struct {
	Type          string `json:"e"`
	EventTime     int64  `json:"E"`
	Market        string `json:"s"`
	FirstUpdateID int64  `json:"U"`
	FinalUpdateID int64  `json:"u"`
}

func (a *Adapter) handleDepth(ctx context.Context, sess engine.Session, connID string, payload []byte) {
	var ev depthEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Type != "depthUpdate" {
		return
	}
	symbol, ok := a.mapper.Symbol(ev.Market)
	if !ok {
		return
	}
	book := sess.Book(connID, EventOrderbook, symbol)
	if book == nil {
		// Deltas for symbols the engine no longer tracks.
		return
	}

	scratch := sess.Scratch(connID)
	snapKey := "snapshot:" + symbol
	if _, seeded := scratch[snapKey]; !seeded {
		if err := a.seedSnapshot(ctx, symbol, book); err != nil {
			sess.Fail(ctx, connID, fmt.Errorf("depth snapshot %s: %w", symbol, err))
			return
		}
		scratch[snapKey] = true
	}

	if ev.FinalUpdateID <= book.Nonce {
		return
	}
	if book.Nonce > 0 && ev.FirstUpdateID > book.Nonce+1 {
		sess.Fail(ctx, connID, fmt.Errorf("depth gap for %s: have %d, got %d-%d",
			symbol, book.Nonce, ev.FirstUpdateID, ev.FinalUpdateID))
		delete(scratch, snapKey)
		return
	}

	merge := orderbook.MergeDelta
	if a.additive {
		merge = orderbook.MergeDeltaAdditive
	}
	if err := merge(book, payload, ev.EventTime, depthMergeOpts); err != nil {
		sess.Fail(ctx, connID, fmt.Errorf("depth merge %s: %w", symbol, err))
		return
	}
	book.Nonce = ev.FinalUpdateID
	logger.IncrementBookMerge()

	sess.Publish(ctx, models.BookUpdate{
		Exchange:   Name,
		Symbol:     symbol,
		Event:      EventOrderbook,
		Book:       orderbook.Clone(book, 0),
		ReceivedAt: time.Now(),
	})
}

func (a *Adapter) seedSnapshot(ctx context.Context, symbol string, book *models.OrderBook) error {
	marketID, ok := a.mapper.Market(symbol)
	if !ok {
		marketID = symbols.MarketID(symbol)
	}
	limit := a.cfg.SnapshotLimit
	if limit <= 0 {
		limit = defaultSnapshotLimit
	}

	snapshot, err := a.rest.DepthSnapshot(ctx, marketID, limit)
	if err != nil {
		return err
	}
	*book = *snapshot

	a.log.WithFields(logger.Fields{
		"symbol": symbol,
		"bids":   len(book.Bids),
		"asks":   len(book.Asks),
		"nonce":  book.Nonce,
	}).Info("order book snapshot loaded")
	return nil
}

// depthClient fetches REST depth snapshots through go-binance.
type depthClient struct {
	client *gobinance.Client
}

func newDepthClient(cfg config.BinanceSourceConfig) *depthClient {
	client := gobinance.NewClient("", "")
	if cfg.RestURL != "" {
		client.BaseURL = cfg.RestURL
	}
	return &depthClient{client: client}
}

func (d *depthClient) DepthSnapshot(ctx context.Context, marketID string, limit int) (*models.OrderBook, error) {
	res, err := d.client.NewDepthService().Symbol(marketID).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}

	book := &models.OrderBook{
		Bids:      make([]models.PriceLevel, 0, len(res.Bids)),
		Asks:      make([]models.PriceLevel, 0, len(res.Asks)),
		Nonce:     res.LastUpdateID,
		Timestamp: time.Now().UnixMilli(),
	}
	for _, level := range res.Bids {
		price, qty, err := level.Parse()
		if err != nil {
			return nil, fmt.Errorf("snapshot bid: %w", err)
		}
		book.Bids = append(book.Bids, models.PriceLevel{Price: price, Amount: qty})
	}
	for _, level := range res.Asks {
		price, qty, err := level.Parse()
		if err != nil {
			return nil, fmt.Errorf("snapshot ask: %w", err)
		}
		book.Asks = append(book.Asks, models.PriceLevel{Price: price, Amount: qty})
	}
	return book, nil
}
