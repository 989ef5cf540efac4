package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"marketmux/config"
	"marketmux/internal/channel"
	"marketmux/logger"
	"marketmux/models"
	"marketmux/transport"
)

// Options wires an Engine. Dial defaults to the gorilla websocket transport;
// tests substitute in-memory connections.
type Options struct {
	Engine    config.EngineConfig
	Templates map[string]config.TemplateConfig
	Events    map[string]config.EventConfig
	Adapter   Adapter
	Channels  *channel.Channels
	Dial      transport.Dialer
}

// delayedConnection is one queued physical action, keyed by connection id.
// The whole batch is cleared atomically at flush.
type delayedConnection struct {
	templateID string
	url        string
	action     Action
}

// dispatcher tracks one connection's dispatch goroutine. Closing stop makes
// the goroutine drain remaining events without handling them; done closes
// when it has exited.
type dispatcher struct {
	stop chan struct{}
	done chan struct{}
}

// plannedRequest is one resolved subscription request awaiting its
// acknowledgement round trip.
type plannedRequest struct {
	connID string
	event  string
	symbol string
	params map[string]interface{}
	skip   bool
}

// Engine multiplexes logical (event, symbol) subscriptions onto physical
// connections. One mutex serializes all context and delayed-batch mutation;
// acknowledgement waits run concurrently outside it.
type Engine struct {
	cfg       config.EngineConfig
	templates map[string]config.TemplateConfig
	events    map[string]config.EventConfig
	adapter   Adapter
	channels  *channel.Channels
	dial      transport.Dialer
	limiter   *rate.Limiter
	log       *logger.Entry

	mu          sync.Mutex
	store       *contextStore
	delayed     map[string]delayedConnection
	dispatchers map[string]*dispatcher
	closed      bool

	pending *pendingRegistry
	wg      sync.WaitGroup
}

func New(opts Options) *Engine {
	dial := opts.Dial
	if dial == nil {
		dial = transport.NewWebsocket
	}
	limit := rate.Inf
	burst := opts.Engine.SendBurst
	if opts.Engine.SendRate > 0 {
		limit = rate.Limit(opts.Engine.SendRate)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Engine{
		cfg:         opts.Engine,
		templates:   opts.Templates,
		events:      opts.Events,
		adapter:     opts.Adapter,
		channels:    opts.Channels,
		dial:        dial,
		limiter:     rate.NewLimiter(limit, burst),
		log:         logger.GetLogger().WithComponent("engine"),
		store:       newContextStore(),
		delayed:     make(map[string]delayedConnection),
		dispatchers: make(map[string]*dispatcher),
		pending:     newPendingRegistry(),
	}
}

// SubscribeAll subscribes every request in the batch. Event names are
// validated up front and reject the whole batch before any state changes.
// After that, failures are per request: a failed subscribe rolls its symbol
// back to unsubscribed and is reported in the joined error while sibling
// requests proceed.
func (e *Engine) SubscribeAll(ctx context.Context, requests []models.SubscriptionRequest) error {
	if err := e.validateEvents(requests); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	plan, errs := e.resolveBatchLocked(requests, true)
	flushErrs := e.flushDelayedLocked(ctx)
	e.mu.Unlock()

	results := make([]error, len(plan))
	var wg sync.WaitGroup
	for i, p := range plan {
		if p.skip {
			continue
		}
		if ferr, ok := flushErrs[p.connID]; ok {
			e.store.setSubscribing(p.connID, p.event, p.symbol, false, nil)
			results[i] = fmt.Errorf("subscribe %s %s: %w", p.event, p.symbol, ferr)
			continue
		}
		wg.Add(1)
		go func(i int, p plannedRequest) {
			defer wg.Done()
			results[i] = e.performSubscribe(ctx, p)
		}(i, p)
	}
	wg.Wait()

	errs = append(errs, results...)
	return errors.Join(errs...)
}

// UnsubscribeAll unsubscribes every request in the batch. The delayed batch
// is flushed after the acknowledgement round trips, and always runs even
// when individual unsubscribes fail, so connections are never left with a
// stale aggregate URL.
func (e *Engine) UnsubscribeAll(ctx context.Context, requests []models.SubscriptionRequest) (err error) {
	if verr := e.validateEvents(requests); verr != nil {
		return verr
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	plan, errs := e.resolveBatchLocked(requests, false)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		flushErrs := e.flushDelayedLocked(context.Background())
		e.mu.Unlock()
		for _, connID := range sortedKeys(flushErrs) {
			err = errors.Join(err, fmt.Errorf("flush %s: %w", connID, flushErrs[connID]))
		}
	}()

	results := make([]error, len(plan))
	var wg sync.WaitGroup
	for i, p := range plan {
		if p.skip {
			continue
		}
		wg.Add(1)
		go func(i int, p plannedRequest) {
			defer wg.Done()
			results[i] = e.performUnsubscribe(ctx, p)
		}(i, p)
	}
	wg.Wait()

	errs = append(errs, results...)
	return errors.Join(errs...)
}

// Subscribe subscribes a single (event, symbol) pair.
func (e *Engine) Subscribe(ctx context.Context, event, symbol string, params map[string]interface{}) error {
	return e.SubscribeAll(ctx, []models.SubscriptionRequest{{Event: event, Symbol: symbol, Params: params}})
}

// Unsubscribe unsubscribes a single (event, symbol) pair.
func (e *Engine) Unsubscribe(ctx context.Context, event, symbol string, params map[string]interface{}) error {
	return e.UnsubscribeAll(ctx, []models.SubscriptionRequest{{Event: event, Symbol: symbol, Params: params}})
}

// RecoverConnection captures the connection's active subscription set, drops
// the connection and its state, and re-subscribes the captured set. Used
// after an unexpected transport close.
func (e *Engine) RecoverConnection(ctx context.Context, connID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	active := e.store.listActive(connID)
	if conn := e.store.conn(connID); conn != nil {
		_ = conn.Close()
	}
	e.stopDispatchLocked(connID)
	e.store.reset(connID, true)
	e.mu.Unlock()

	if len(active) == 0 {
		return nil
	}
	e.log.WithFields(logger.Fields{"conn_id": connID, "subscriptions": len(active)}).
		Info("recovering connection")

	requests := make([]models.SubscriptionRequest, len(active))
	for i, pair := range active {
		requests[i] = models.SubscriptionRequest{Event: pair.Event, Symbol: pair.Symbol, Params: pair.Params}
	}
	return e.SubscribeAll(ctx, requests)
}

// CloseAll tears down every connection, fails all outstanding pending
// operations and marks the engine closed. Output channels are left open for
// the caller to close once consumers drained.
func (e *Engine) CloseAll() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.delayed = make(map[string]delayedConnection)
	for _, connID := range e.store.connIDs() {
		if conn := e.store.conn(connID); conn != nil {
			_ = conn.Close()
		}
		e.stopDispatchLocked(connID)
		e.store.reset(connID, true)
	}
	e.mu.Unlock()

	e.pending.failAll(ErrEngineClosed)
	e.wg.Wait()
	e.log.Info("engine closed")
	return nil
}

// CleanContext drops the state record for a connection id. The connection is
// closed first if still present.
func (e *Engine) CleanContext(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if conn := e.store.conn(connID); conn != nil {
		_ = conn.Close()
	}
	e.stopDispatchLocked(connID)
	e.store.remove(connID)
}

// SendPing forwards a ping over the named connection.
func (e *Engine) SendPing(connID string, payload []byte) error {
	conn := e.store.conn(connID)
	if conn == nil {
		return fmt.Errorf("ping %s: %w", connID, ErrNotConnected)
	}
	return conn.SendPing(payload)
}

// IsSubscribed reports whether the pair is fully subscribed.
func (e *Engine) IsSubscribed(connID, event, symbol string) bool {
	return e.store.isSubscribed(connID, event, symbol)
}

// IsSubscribing reports whether the pair has a subscribe in flight.
func (e *Engine) IsSubscribing(connID, event, symbol string) bool {
	return e.store.isSubscribing(connID, event, symbol)
}

// ActiveSubscriptions lists the pairs subscribed or subscribing on a
// connection.
func (e *Engine) ActiveSubscriptions(connID string) []models.EventSymbol {
	return e.store.listActive(connID)
}

func (e *Engine) validateEvents(requests []models.SubscriptionRequest) error {
	for _, req := range requests {
		if _, ok := e.events[req.Event]; !ok {
			return fmt.Errorf("%w: %q", ErrInvalidEvent, req.Event)
		}
	}
	return nil
}

// resolveBatchLocked resolves every request in input order, so later
// requests see earlier ones' state changes, and queues the physical actions
// into the delayed batch. Per-request resolution failures are collected and
// do not stop the batch.
func (e *Engine) resolveBatchLocked(requests []models.SubscriptionRequest, want bool) ([]plannedRequest, []error) {
	plan := make([]plannedRequest, len(requests))
	var errs []error

	for i, req := range requests {
		plan[i] = plannedRequest{event: req.Event, symbol: req.Symbol, params: req.Params, skip: true}

		eventCfg := e.events[req.Event]
		tpl, ok := e.templates[eventCfg.Template]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: event %q references unknown template %q",
				ErrInvalidConfig, req.Event, eventCfg.Template))
			continue
		}
		connID, err := e.adapter.ConnID(eventCfg, req.Event, req.Symbol, req.Params)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve %s %s: %w", req.Event, req.Symbol, err))
			continue
		}

		e.store.ensure(connID, eventCfg.Template)
		res, err := resolveAction(resolveInput{
			TemplateID: eventCfg.Template,
			Template:   tpl,
			ConnID:     connID,
			Event:      req.Event,
			Symbol:     req.Symbol,
			Params:     req.Params,
			Want:       want,
			Active:     e.store.listActive(connID),
			StreamURL: func(pairs []models.EventSymbol) (string, error) {
				return e.adapter.StreamURL(tpl, pairs)
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve %s %s: %w", req.Event, req.Symbol, err))
			continue
		}

		if res.Action == ActionNone {
			continue
		}
		e.delayed[connID] = delayedConnection{
			templateID: eventCfg.Template,
			url:        res.URL,
			action:     res.Action,
		}
		if want {
			e.store.setSubscribing(connID, req.Event, req.Symbol, true, req.Params)
		}
		plan[i] = plannedRequest{connID: connID, event: req.Event, symbol: req.Symbol, params: req.Params}

		e.log.WithFields(logger.Fields{
			"conn_id": connID,
			"event":   req.Event,
			"symbol":  req.Symbol,
			"action":  res.Action.String(),
		}).Debug("subscription resolved")
	}
	return plan, errs
}

// flushDelayedLocked executes every queued physical action exactly once and
// clears the batch.
func (e *Engine) flushDelayedLocked(ctx context.Context) map[string]error {
	batch := e.delayed
	e.delayed = make(map[string]delayedConnection)

	errs := make(map[string]error)
	for _, connID := range sortedKeys(batch) {
		dc := batch[connID]
		switch dc.action {
		case ActionDisconnect:
			if conn := e.store.conn(connID); conn != nil {
				_ = conn.Close()
			}
			e.stopDispatchLocked(connID)
			e.store.reset(connID, true)
			e.log.WithFields(logger.Fields{"conn_id": connID}).Info("connection closed")
		case ActionConnect, ActionReconnect:
			if err := e.openConnLocked(ctx, connID, dc); err != nil {
				errs[connID] = err
			}
		}
	}
	return errs
}

// stopDispatchLocked makes connID's dispatch goroutine stop handling events
// and waits for it to exit. Called before a replacement dispatch starts, so
// message handling for one connection id never runs in two goroutines.
func (e *Engine) stopDispatchLocked(connID string) {
	d, ok := e.dispatchers[connID]
	if !ok {
		return
	}
	close(d.stop)
	<-d.done
	delete(e.dispatchers, connID)
}

// openConnLocked replaces any stale connection under connID with a freshly
// dialed one, starts its dispatch loop and waits for the template's ready
// handshake if one is configured.
func (e *Engine) openConnLocked(ctx context.Context, connID string, dc delayedConnection) error {
	if old := e.store.conn(connID); old != nil {
		_ = old.Close()
	}
	e.stopDispatchLocked(connID)
	e.store.resetHandshake(connID)

	conn := e.dial(transport.Config{
		URL:              dc.url,
		HandshakeTimeout: e.cfg.ConnectTimeout,
		WriteTimeout:     e.cfg.WriteTimeout,
		PingInterval:     e.cfg.PingInterval,
		MessageBuffer:    e.cfg.MessageBuffer,
	})
	readyCh := make(chan struct{})
	e.store.setConn(connID, conn, readyCh)

	connectCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()
	if err := conn.Connect(connectCtx); err != nil {
		e.store.setConn(connID, nil, nil)
		return fmt.Errorf("connect %s: %w", connID, err)
	}

	d := &dispatcher{stop: make(chan struct{}), done: make(chan struct{})}
	e.dispatchers[connID] = d
	e.wg.Add(1)
	go e.dispatch(connID, conn, d)

	tpl := e.templates[dc.templateID]
	if tpl.WaitForReadyEvent == "" {
		e.store.markReady(connID)
	} else {
		select {
		case <-readyCh:
		case <-time.After(e.cfg.ConnectTimeout):
			_ = conn.Close()
			e.store.setConn(connID, nil, nil)
			return fmt.Errorf("connect %s: ready event %q: %w", connID, tpl.WaitForReadyEvent, ErrTimeout)
		case <-ctx.Done():
			_ = conn.Close()
			e.store.setConn(connID, nil, nil)
			return ctx.Err()
		}
	}

	e.log.WithFields(logger.Fields{"conn_id": connID, "url": dc.url}).Info("connection established")
	return nil
}

// dispatch drains one connection's event stream. All message handling for a
// connection runs here, so adapters see serialized calls and cached books
// have a single writer. Once stop closes the loop keeps draining but handles
// nothing: the connection has been superseded.
func (e *Engine) dispatch(connID string, conn transport.Conn, d *dispatcher) {
	defer e.wg.Done()
	defer close(d.done)
	ctx := context.Background()
	errored := false
	for ev := range conn.Events() {
		select {
		case <-d.stop:
			continue
		default:
		}
		switch ev.Type {
		case transport.EventMessage:
			e.adapter.HandleMessage(ctx, e, connID, ev.Data)
		case transport.EventError:
			errored = true
			e.Fail(ctx, connID, ev.Err)
		case transport.EventClosed:
			// Under backpressure the terminal event can be the only one
			// carrying the transport failure.
			if ev.Err != nil && !errored {
				e.Fail(ctx, connID, ev.Err)
			}
			e.log.WithFields(logger.Fields{"conn_id": connID}).Debug("dispatch loop finished")
		}
	}
}

func (e *Engine) performSubscribe(ctx context.Context, p plannedRequest) error {
	rollback := func() {
		e.store.setSubscribing(p.connID, p.event, p.symbol, false, nil)
		e.store.setSubscribed(p.connID, p.event, p.symbol, false)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		rollback()
		return fmt.Errorf("subscribe %s %s: %w", p.event, p.symbol, err)
	}
	requestID := Nonce()
	frame, err := e.adapter.SubscribeFrame(p.event, p.symbol, requestID, p.params)
	if err != nil {
		rollback()
		return fmt.Errorf("subscribe %s %s: %w", p.event, p.symbol, err)
	}
	if frame == nil {
		e.markSubscribed(p)
		return nil
	}

	conn := e.store.conn(p.connID)
	if conn == nil {
		rollback()
		return fmt.Errorf("subscribe %s %s: %w", p.event, p.symbol, ErrNotConnected)
	}
	op := e.pending.register(requestID)
	if err := conn.Send(frame); err != nil {
		e.pending.drop(requestID)
		rollback()
		return fmt.Errorf("subscribe %s %s: %w", p.event, p.symbol, err)
	}
	if err := e.pending.wait(ctx, requestID, op, e.cfg.SubscribeTimeout); err != nil {
		rollback()
		return fmt.Errorf("subscribe %s %s: %w", p.event, p.symbol, err)
	}

	e.markSubscribed(p)
	return nil
}

func (e *Engine) markSubscribed(p plannedRequest) {
	e.store.setSubscribed(p.connID, p.event, p.symbol, true)
	e.store.setSubscribing(p.connID, p.event, p.symbol, false, nil)
	logger.IncrementSubscribe()
	e.log.WithFields(logger.Fields{"conn_id": p.connID, "event": p.event, "symbol": p.symbol}).
		Info("subscribed")
}

func (e *Engine) performUnsubscribe(ctx context.Context, p plannedRequest) error {
	// The pair leaves the tracked set regardless of the acknowledgement
	// outcome; the flushed reconnect no longer carries it.
	defer func() {
		e.store.setSubscribed(p.connID, p.event, p.symbol, false)
		e.store.setSubscribing(p.connID, p.event, p.symbol, false, nil)
	}()

	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s %s: %w", p.event, p.symbol, err)
	}
	requestID := Nonce()
	frame, err := e.adapter.UnsubscribeFrame(p.event, p.symbol, requestID, p.params)
	if err != nil {
		return fmt.Errorf("unsubscribe %s %s: %w", p.event, p.symbol, err)
	}
	if frame == nil {
		logger.IncrementUnsubscribe()
		return nil
	}

	conn := e.store.conn(p.connID)
	if conn == nil {
		return fmt.Errorf("unsubscribe %s %s: %w", p.event, p.symbol, ErrNotConnected)
	}
	op := e.pending.register(requestID)
	if err := conn.Send(frame); err != nil {
		e.pending.drop(requestID)
		return fmt.Errorf("unsubscribe %s %s: %w", p.event, p.symbol, err)
	}
	if err := e.pending.wait(ctx, requestID, op, e.cfg.SubscribeTimeout); err != nil {
		return fmt.Errorf("unsubscribe %s %s: %w", p.event, p.symbol, err)
	}

	logger.IncrementUnsubscribe()
	e.log.WithFields(logger.Fields{"conn_id": p.connID, "event": p.event, "symbol": p.symbol}).
		Info("unsubscribed")
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
