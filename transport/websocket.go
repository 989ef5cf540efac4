package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketmux/logger"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultPingTimeout      = 90 * time.Second
	defaultMessageBuffer    = 256
)

// websocketConn is the gorilla/websocket implementation of Conn.
type websocketConn struct {
	cfg Config
	log *logger.Entry

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	termErr   error

	writeMu sync.Mutex

	events chan Event
	done   chan struct{}

	doneOnce sync.Once
	termOnce sync.Once
	wg       sync.WaitGroup

	pongMu   sync.Mutex
	lastPong time.Time
}

// NewWebsocket returns a Conn that dials cfg.URL over gorilla/websocket.
// NewWebsocket is a Dialer.
func NewWebsocket(cfg Config) Conn {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = defaultMessageBuffer
	}
	return &websocketConn{
		cfg:    cfg,
		log:    logger.GetLogger().WithComponent("transport"),
		events: make(chan Event, cfg.MessageBuffer),
		done:   make(chan struct{}),
	}
}

func (w *websocketConn) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrAlreadyClosed
	}
	if w.connected {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		w.log.WithError(err).WithFields(logger.Fields{"url": w.cfg.URL}).Error("websocket dial failed")
		return err
	}

	conn.SetPongHandler(func(data string) error {
		w.touchPong()
		w.emit(Event{Type: EventPong, Data: []byte(data), ReceivedAt: time.Now()})
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		w.touchPong()
		w.writeMu.Lock()
		defer w.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(w.cfg.WriteTimeout))
	})

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()
	w.touchPong()

	w.emit(Event{Type: EventOpen, ReceivedAt: time.Now()})
	w.log.WithFields(logger.Fields{"url": w.cfg.URL}).Info("websocket connected")

	w.wg.Add(2)
	go w.readLoop(conn)
	go w.heartbeatLoop(conn)

	// The terminal Closed event is delivered once both loops have stopped,
	// so nothing can send on the event channel after it is closed.
	go func() {
		w.wg.Wait()
		w.terminate()
	}()
	return nil
}

func (w *websocketConn) Send(data []byte) error {
	w.mu.Lock()
	conn, ok := w.conn, w.connected
	w.mu.Unlock()
	if !ok || conn == nil {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (w *websocketConn) SendPing(data []byte) error {
	w.mu.Lock()
	conn, ok := w.conn, w.connected
	w.mu.Unlock()
	if !ok || conn == nil {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteControl(websocket.PingMessage, data, time.Now().Add(w.cfg.WriteTimeout))
}

// Close tears the connection down. If Connect never succeeded the event
// channel is finished here; otherwise the loop shutdown delivers the
// terminal event.
func (w *websocketConn) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.connected = false
	conn := w.conn
	w.mu.Unlock()

	w.doneOnce.Do(func() { close(w.done) })
	if conn != nil {
		w.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		_ = conn.Close()
	} else {
		w.terminate()
	}
	return nil
}

func (w *websocketConn) IsActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected && !w.closed
}

func (w *websocketConn) Events() <-chan Event {
	return w.events
}

func (w *websocketConn) readLoop(conn *websocket.Conn) {
	defer w.wg.Done()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
			default:
				w.log.WithError(err).Warn("websocket read failed")
				w.setTermErr(err)
				w.emit(Event{Type: EventError, Err: err, ReceivedAt: time.Now()})
			}
			w.shutdown(conn)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		logger.IncrementStreamRead(len(data))
		w.emit(Event{Type: EventMessage, Data: data, ReceivedAt: time.Now()})
	}
}

func (w *websocketConn) heartbeatLoop(conn *websocket.Conn) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if w.sincePong() > w.cfg.PingTimeout {
				w.log.WithFields(logger.Fields{"url": w.cfg.URL}).Warn("websocket stale, closing")
				w.setTermErr(ErrStaleConnection)
				w.emit(Event{Type: EventError, Err: ErrStaleConnection, ReceivedAt: time.Now()})
				w.shutdown(conn)
				return
			}
			w.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.cfg.WriteTimeout))
			w.writeMu.Unlock()
			if err != nil {
				w.shutdown(conn)
				return
			}
		}
	}
}

// shutdown unblocks both loops: closing done stops the heartbeat, closing
// the underlying conn fails the pending read.
func (w *websocketConn) shutdown(conn *websocket.Conn) {
	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()
	w.doneOnce.Do(func() { close(w.done) })
	_ = conn.Close()
}

func (w *websocketConn) terminate() {
	w.termOnce.Do(func() {
		w.mu.Lock()
		err := w.termErr
		w.mu.Unlock()
		w.events <- Event{Type: EventClosed, Err: err, ReceivedAt: time.Now()}
		close(w.events)
	})
}

func (w *websocketConn) setTermErr(err error) {
	w.mu.Lock()
	if w.termErr == nil {
		w.termErr = err
	}
	w.mu.Unlock()
}

func (w *websocketConn) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.log.WithFields(logger.Fields{"type": ev.Type.String()}).Warn("event channel full, dropping")
	}
}

func (w *websocketConn) touchPong() {
	w.pongMu.Lock()
	w.lastPong = time.Now()
	w.pongMu.Unlock()
}

func (w *websocketConn) sincePong() time.Duration {
	w.pongMu.Lock()
	defer w.pongMu.Unlock()
	return time.Since(w.lastPong)
}
