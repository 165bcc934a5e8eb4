package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Reconnect backoff bounds.
const (
	reconnectMin = 1 * time.Second
	reconnectMax = 30 * time.Second
)

// ErrNotConnected indicates a send attempted while the socket is down.
var ErrNotConnected = errors.New("transport: not connected")

// WS is a reconnecting WebSocket transport. After the initial Connect it
// keeps a background loop that re-dials with exponential backoff until
// Close is called.
type WS struct {
	url    string
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	writeMu sync.Mutex
	onFrame func(*Frame)
	onUp    func()
	onDown  func()
}

// NewWS creates a transport for the given relay URL. Connect must be
// called before Send.
func NewWS(url string) *WS {
	return &WS{
		url:    url,
		dialer: websocket.DefaultDialer,
	}
}

// OnFrame registers the inbound frame handler.
func (w *WS) OnFrame(fn func(*Frame)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onFrame = fn
}

// OnConnect registers a handler invoked after every successful dial.
func (w *WS) OnConnect(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onUp = fn
}

// OnDisconnect registers a handler invoked when the connection drops.
func (w *WS) OnDisconnect(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDown = fn
}

// Connect dials the relay and starts the read/reconnect loop. The first
// dial failure is returned; after a successful dial, reconnection is
// handled internally.
func (w *WS) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.New("transport: closed")
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.mu.Unlock()

	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		cancel()
		return err
	}
	w.setConn(conn)
	w.notifyUp()

	w.wg.Add(1)
	go w.run(loopCtx, conn)
	return nil
}

// Send writes a frame to the socket as a JSON text message.
func (w *WS) Send(f *Frame) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteJSON(f)
}

// Close stops reconnecting and closes the socket.
func (w *WS) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	cancel := w.cancel
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *WS) notifyUp() {
	w.mu.Lock()
	fn := w.onUp
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (w *WS) notifyDown() {
	w.mu.Lock()
	fn := w.onDown
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (w *WS) setConn(conn *websocket.Conn) {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
}

func (w *WS) run(ctx context.Context, conn *websocket.Conn) {
	defer w.wg.Done()
	for {
		w.readLoop(conn)
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		w.notifyDown()

		conn = w.redial(ctx)
		if conn == nil {
			return
		}
		w.setConn(conn)
		w.notifyUp()
	}
}

func (w *WS) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"url":   w.url,
				"error": err,
			}).Debug("relay socket read ended")
			conn.Close()
			return
		}
		f, err := ParseFrame(raw)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error": err,
			}).Warn("dropping unparseable relay frame")
			continue
		}
		w.mu.Lock()
		handler := w.onFrame
		w.mu.Unlock()
		if handler != nil {
			handler(f)
		}
	}
}

// redial loops with exponential backoff until a dial succeeds or the
// context is cancelled.
func (w *WS) redial(ctx context.Context) *websocket.Conn {
	delay := reconnectMin
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"url": w.url,
			}).Info("relay socket reconnected")
			return conn
		}
		logrus.WithFields(logrus.Fields{
			"url":   w.url,
			"delay": delay,
			"error": err,
		}).Debug("relay reconnect failed")
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}
