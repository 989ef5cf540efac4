package engine

import (
	"sort"
	"sync"

	"marketmux/models"
	"marketmux/transport"
)

// symbolSubscription tracks one (event, symbol) pair on a connection.
// subscribed and subscribing are mutually exclusive target states; both false
// means unsubscribed.
type symbolSubscription struct {
	subscribed  bool
	subscribing bool
	params      map[string]interface{}
	data        interface{}
}

// connContext is the per-connection state record: the physical connection,
// its handshake flags and the nested event/symbol subscription map.
type connContext struct {
	connID     string
	templateID string
	conn       transport.Conn
	ready      bool
	auth       bool
	readyCh    chan struct{}
	events     map[string]map[string]*symbolSubscription
	scratch    map[string]interface{}
}

func (c *connContext) subscription(event, symbol string) *symbolSubscription {
	symbols, ok := c.events[event]
	if !ok {
		return nil
	}
	return symbols[symbol]
}

func (c *connContext) ensureSubscription(event, symbol string) *symbolSubscription {
	symbols, ok := c.events[event]
	if !ok {
		symbols = make(map[string]*symbolSubscription)
		c.events[event] = symbols
	}
	sub, ok := symbols[symbol]
	if !ok {
		sub = &symbolSubscription{}
		symbols[symbol] = sub
	}
	return sub
}

// contextStore is the single source of truth for connection state. Reads on
// unknown connection ids, events or symbols return zero values and never
// create state; only ensure creates a context.
type contextStore struct {
	mu       sync.RWMutex
	contexts map[string]*connContext
}

func newContextStore() *contextStore {
	return &contextStore{contexts: make(map[string]*connContext)}
}

func (s *contextStore) ensure(connID, templateID string) *connContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	cctx, ok := s.contexts[connID]
	if !ok {
		cctx = &connContext{
			connID:     connID,
			templateID: templateID,
			events:     make(map[string]map[string]*symbolSubscription),
			scratch:    make(map[string]interface{}),
		}
		s.contexts[connID] = cctx
	}
	return cctx
}

func (s *contextStore) get(connID string) (*connContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cctx, ok := s.contexts[connID]
	return cctx, ok
}

// reset zeroes subscription flags, cached data and handshake state. The
// physical connection reference is dropped only when dropConn is set.
func (s *contextStore) reset(connID string, dropConn bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cctx, ok := s.contexts[connID]
	if !ok {
		return
	}
	for _, symbols := range cctx.events {
		for _, sub := range symbols {
			sub.subscribed = false
			sub.subscribing = false
			sub.data = nil
		}
	}
	cctx.ready = false
	cctx.auth = false
	cctx.readyCh = nil
	cctx.scratch = make(map[string]interface{})
	if dropConn {
		cctx.conn = nil
	}
}

// resetHandshake clears ready/auth state and the per-connection scratch
// ahead of a connect or reconnect. Subscription flags survive: on an
// aggregate stream the tracked set is what the regenerated URL encodes.
func (s *contextStore) resetHandshake(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cctx, ok := s.contexts[connID]
	if !ok {
		return
	}
	cctx.ready = false
	cctx.auth = false
	cctx.readyCh = nil
	cctx.conn = nil
	cctx.scratch = make(map[string]interface{})
}

func (s *contextStore) remove(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, connID)
}

func (s *contextStore) setConn(connID string, conn transport.Conn, readyCh chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cctx, ok := s.contexts[connID]; ok {
		cctx.conn = conn
		cctx.readyCh = readyCh
	}
}

func (s *contextStore) conn(connID string) transport.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cctx, ok := s.contexts[connID]; ok {
		return cctx.conn
	}
	return nil
}

func (s *contextStore) markReady(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cctx, ok := s.contexts[connID]
	if !ok || cctx.ready {
		return
	}
	cctx.ready = true
	if cctx.readyCh != nil {
		close(cctx.readyCh)
	}
}

func (s *contextStore) setAuthenticated(connID string, auth bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cctx, ok := s.contexts[connID]; ok {
		cctx.auth = auth
	}
}

func (s *contextStore) setSubscribing(connID, event, symbol string, v bool, params map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cctx, ok := s.contexts[connID]
	if !ok {
		return
	}
	sub := cctx.ensureSubscription(event, symbol)
	sub.subscribing = v
	if params != nil {
		sub.params = params
	}
}

func (s *contextStore) setSubscribed(connID, event, symbol string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cctx, ok := s.contexts[connID]
	if !ok {
		return
	}
	sub := cctx.ensureSubscription(event, symbol)
	sub.subscribed = v
}

func (s *contextStore) isSubscribed(connID, event, symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cctx, ok := s.contexts[connID]; ok {
		if sub := cctx.subscription(event, symbol); sub != nil {
			return sub.subscribed
		}
	}
	return false
}

func (s *contextStore) isSubscribing(connID, event, symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cctx, ok := s.contexts[connID]; ok {
		if sub := cctx.subscription(event, symbol); sub != nil {
			return sub.subscribing
		}
	}
	return false
}

// listActive returns the (event, symbol, params) triples currently subscribed
// or subscribing on a connection, in a deterministic order so regenerated
// stream URLs are stable.
func (s *contextStore) listActive(connID string) []models.EventSymbol {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cctx, ok := s.contexts[connID]
	if !ok {
		return nil
	}
	var active []models.EventSymbol
	for event, symbols := range cctx.events {
		for symbol, sub := range symbols {
			if sub.subscribed || sub.subscribing {
				active = append(active, models.EventSymbol{Event: event, Symbol: symbol, Params: sub.params})
			}
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Event != active[j].Event {
			return active[i].Event < active[j].Event
		}
		return active[i].Symbol < active[j].Symbol
	})
	return active
}

// orderBook returns the cached book for a tracked subscription, creating it
// on first access. Unknown connection, event or symbol returns nil.
func (s *contextStore) orderBook(connID, event, symbol string) *models.OrderBook {
	s.mu.Lock()
	defer s.mu.Unlock()
	cctx, ok := s.contexts[connID]
	if !ok {
		return nil
	}
	sub := cctx.subscription(event, symbol)
	if sub == nil {
		return nil
	}
	book, ok := sub.data.(*models.OrderBook)
	if !ok || book == nil {
		book = &models.OrderBook{}
		sub.data = book
	}
	return book
}

func (s *contextStore) scratchMap(connID string) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cctx, ok := s.contexts[connID]; ok {
		return cctx.scratch
	}
	return nil
}

func (s *contextStore) connIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
