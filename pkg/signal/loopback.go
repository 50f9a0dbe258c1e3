package signal

import (
	"context"
	"sync"
)

// LoopbackHub is an in-process relay. Channels created from the same hub can
// call each other without a network; used by the mock/dev mode and tests.
type LoopbackHub struct {
	mu       sync.Mutex
	channels map[string]*Loopback
}

func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{
		channels: make(map[string]*Loopback),
	}
}

// Channel returns a new, unconnected channel attached to the hub.
func (h *LoopbackHub) Channel() *Loopback {
	l := &Loopback{
		hub:    h,
		wakeup: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	go l.deliverLoop()

	return l
}

func (h *LoopbackHub) route(from string, msg Message) {
	h.mu.Lock()
	target := h.channels[msg.To]
	sender := h.channels[from]
	h.mu.Unlock()

	if target == nil {
		if sender != nil {
			sender.deliver(Message{Event: EventFailed, From: msg.To, Reason: ReasonUserOffline})
		}

		return
	}

	out := msg
	out.From = from
	out.To = ""

	target.deliver(out)
}

// Loopback delivers asynchronously, in order, on its own goroutine so that a
// handler sending a reply never re-enters the sender's handler.
type Loopback struct {
	handlers

	hub *LoopbackHub

	mu        sync.Mutex
	identity  string
	connected bool
	closed    bool
	queue     []Message

	wakeup chan struct{}
	done   chan struct{}
}

func (l *Loopback) Connect(_ context.Context, identity string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()

		return ErrClosed
	}
	if l.connected && l.identity == identity {
		l.mu.Unlock()

		return nil
	}
	prev := l.identity
	l.identity = identity
	l.connected = true
	l.mu.Unlock()

	l.hub.mu.Lock()
	if prev != "" && l.hub.channels[prev] == l {
		delete(l.hub.channels, prev)
	}
	l.hub.channels[identity] = l
	l.hub.mu.Unlock()

	l.deliver(Message{Event: EventAuthenticated, From: identity})

	return nil
}

func (l *Loopback) Send(_ context.Context, msg Message) error {
	l.mu.Lock()
	connected := l.connected
	identity := l.identity
	l.mu.Unlock()

	if !connected {
		return ErrDisconnected
	}

	l.hub.route(identity, msg)

	return nil
}

func (l *Loopback) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.connected
}

// Drop simulates losing the relay connection. Connect restores it.
func (l *Loopback) Drop() {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()

		return
	}
	l.connected = false
	identity := l.identity
	l.mu.Unlock()

	l.hub.mu.Lock()
	if l.hub.channels[identity] == l {
		delete(l.hub.channels, identity)
	}
	l.hub.mu.Unlock()

	l.deliver(Message{Event: EventDisconnected})
}

func (l *Loopback) Close() error {
	l.Drop()

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		l.closed = true
		close(l.done)
	}

	return nil
}

func (l *Loopback) deliver(msg Message) {
	l.mu.Lock()
	l.queue = append(l.queue, msg)
	l.mu.Unlock()

	select {
	case l.wakeup <- struct{}{}:
	default:
	}
}

func (l *Loopback) deliverLoop() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wakeup:
		}

		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()

				break
			}
			msg := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.emit(msg)
		}
	}
}
