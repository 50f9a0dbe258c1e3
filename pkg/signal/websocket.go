package signal

import (
	"context"
	"sync"
	"time"

	"peercall/pkg/log"
	"peercall/pkg/notify"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const writeWait = 10 * time.Second

type WebSocketConfig struct {
	URL string

	// MaxAttempts bounds one connect cycle. A failed cycle is retried in the
	// background, pausing from RetryInterval up to MaxBackoff.
	MaxAttempts      int
	RetryInterval    time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration

	Notifier notify.Notifier
}

// WebSocket is the relay connection. One instance per process and identity.
type WebSocket struct {
	handlers

	cfg     WebSocketConfig
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	// connectMx serializes Connect and background reconnects.
	connectMx sync.Mutex

	mu       sync.Mutex
	identity string
	conn     *websocket.Conn
	closed   bool
	notified bool
	// retrying is the identity the background reconnect loop works for.
	retrying string

	writeMx sync.Mutex
}

func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.RetryInterval {
		cfg.MaxBackoff = cfg.RetryInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WebSocket{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		limiter: rate.NewLimiter(rate.Every(cfg.RetryInterval), 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (w *WebSocket) Connect(ctx context.Context, identity string) error {
	w.connectMx.Lock()
	defer w.connectMx.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()

		return ErrClosed
	}
	if w.conn != nil && w.identity == identity {
		w.mu.Unlock()

		return nil
	}
	prev := w.conn
	w.conn = nil
	w.identity = identity
	w.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}

	err := w.connect(ctx, identity)
	if errors.Is(err, ErrUnreachable) {
		go w.reconnect(identity)
	}

	return err
}

func (w *WebSocket) connect(ctx context.Context, identity string) error {
	var lastErr error

	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if err := w.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "signaling connect")
		}

		conn, err := w.dial(ctx, identity)
		if err == nil {
			w.install(conn)

			return nil
		}

		lastErr = err
		log.WithFields(log.Fields{"attempt": attempt, "url": w.cfg.URL}).Warnf("signaling dial failed: %v", err)
	}

	w.notifyUnreachable()

	return errors.Wrapf(ErrUnreachable, "after %d attempts: %v", w.cfg.MaxAttempts, lastErr)
}

func (w *WebSocket) dial(ctx context.Context, identity string) (*websocket.Conn, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Message{Event: EventAuthenticate, From: identity}); err != nil {
		_ = conn.Close()

		return nil, errors.Wrap(err, "authenticate")
	}

	_ = conn.SetReadDeadline(time.Now().Add(w.cfg.HandshakeTimeout))

	var reply Message
	if err := conn.ReadJSON(&reply); err != nil {
		_ = conn.Close()

		return nil, errors.Wrap(err, "authenticate")
	}

	if reply.Event != EventAuthenticated {
		_ = conn.Close()

		return nil, errors.Wrapf(ErrAuthRejected, "got %q", reply.Event)
	}

	return conn, nil
}

func (w *WebSocket) install(conn *websocket.Conn) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = conn.Close()

		return
	}
	w.conn = conn
	w.notified = false
	identity := w.identity
	w.mu.Unlock()

	log.WithFields(log.Fields{"identity": identity, "url": w.cfg.URL}).Info("signaling channel authenticated")

	go w.readLoop(conn)

	w.emit(Message{Event: EventAuthenticated, From: identity})
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	pongWait := w.cfg.PingInterval + w.cfg.PingInterval/2

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	go w.pingLoop(conn, stopPing)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("signaling read: %v", err)
			}

			break
		}

		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Event {
		case EventAuthenticated, EventDisconnected, EventAuthenticate:
			// Local vocabulary, never accepted from the wire.
			continue
		}

		w.emit(msg)
	}

	close(stopPing)
	_ = conn.Close()

	w.mu.Lock()
	current := w.conn == conn
	if current {
		w.conn = nil
	}
	closed := w.closed
	identity := w.identity
	w.mu.Unlock()

	if closed || !current {
		return
	}

	log.Warnf("signaling channel lost, reconnecting")
	w.emit(Message{Event: EventDisconnected})

	go w.reconnect(identity)
}

func (w *WebSocket) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// reconnect runs connect cycles for identity until one succeeds, the channel
// is closed or Connect rebinds it. Cycles are spaced by a doubling pause.
func (w *WebSocket) reconnect(identity string) {
	w.mu.Lock()
	if w.retrying == identity {
		w.mu.Unlock()

		return
	}
	w.retrying = identity
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		if w.retrying == identity {
			w.retrying = ""
		}
		w.mu.Unlock()
	}()

	pause := w.cfg.RetryInterval

	for !w.reconnectOnce(identity) {
		log.WithFields(log.Fields{"identity": identity, "retry_in": pause}).Warn("signaling relay still unreachable")

		select {
		case <-w.ctx.Done():
			return
		case <-time.After(pause):
		}

		if pause *= 2; pause > w.cfg.MaxBackoff {
			pause = w.cfg.MaxBackoff
		}
	}
}

// reconnectOnce reports whether the loop is done.
func (w *WebSocket) reconnectOnce(identity string) bool {
	w.connectMx.Lock()
	defer w.connectMx.Unlock()

	w.mu.Lock()
	skip := w.closed || w.conn != nil || w.identity != identity
	w.mu.Unlock()

	if skip {
		return true
	}

	err := w.connect(w.ctx, identity)
	if err != nil {
		log.Debugf("%v", err)
	}

	return err == nil || w.ctx.Err() != nil
}

func (w *WebSocket) notifyUnreachable() {
	w.mu.Lock()
	already := w.notified
	w.notified = true
	w.mu.Unlock()

	if already {
		return
	}

	w.cfg.Notifier.Notify(notify.Notification{
		Level:   notify.LevelError,
		Kind:    "signaling-unreachable",
		Message: "Unable to reach the call server. Calls are unavailable until it comes back.",
	})
}

func (w *WebSocket) Send(ctx context.Context, msg Message) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return ErrDisconnected
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	w.writeMx.Lock()
	defer w.writeMx.Unlock()

	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		return errors.Wrapf(ErrDisconnected, "write %s: %v", msg.Event, err)
	}

	return nil
}

func (w *WebSocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.conn != nil
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()

		return nil
	}
	w.closed = true
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	w.cancel()

	if conn == nil {
		return nil
	}

	w.writeMx.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	w.writeMx.Unlock()

	return conn.Close()
}
