package peer

import (
	"encoding/json"
	"sync"

	"peercall/pkg/media"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// LoopbackFactory makes in-process links that connect to each other through
// their descriptors. Paired with signal.LoopbackHub it simulates whole calls
// without a network or hardware.
type LoopbackFactory struct {
	mu    sync.Mutex
	links map[string]*Loopback
}

func NewLoopbackFactory() *LoopbackFactory {
	return &LoopbackFactory{
		links: make(map[string]*Loopback),
	}
}

type loopbackDescriptor struct {
	Type string `json:"type"`
	Link string `json:"loopback"`
}

type Loopback struct {
	factory *LoopbackFactory
	id      string
	role    Role
	obs     Observer

	mu        sync.Mutex
	peer      *Loopback
	connected bool
	done      bool
	destroyed bool
}

func (f *LoopbackFactory) NewLink(role Role, _ *media.Stream, obs Observer) (Link, error) {
	l := &Loopback{
		factory: f,
		id:      uuid.New().String(),
		role:    role,
		obs:     obs,
	}

	f.mu.Lock()
	f.links[l.id] = l
	f.mu.Unlock()

	if role == Initiator {
		l.emitSignal("offer")
	}

	return l, nil
}

func (l *Loopback) emitSignal(typ string) {
	payload, _ := json.Marshal(loopbackDescriptor{Type: typ, Link: l.id})

	go l.deliver(func() { l.obs.OnSignal(payload) })
}

// deliver runs fn unless the link has been destroyed.
func (l *Loopback) deliver(fn func()) {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()

	if !done {
		fn()
	}
}

func (l *Loopback) ConsumeSignal(d Descriptor) error {
	var desc loopbackDescriptor
	if err := json.Unmarshal(d, &desc); err != nil || desc.Link == "" {
		return errors.Wrap(ErrBadDescriptor, "not a loopback descriptor")
	}

	l.factory.mu.Lock()
	remote := l.factory.links[desc.Link]
	l.factory.mu.Unlock()

	l.mu.Lock()
	if l.done {
		l.mu.Unlock()

		return ErrLinkClosed
	}
	if l.peer != nil {
		l.mu.Unlock()

		return nil
	}
	if remote == nil {
		l.done = true
		l.mu.Unlock()

		return errors.Wrap(ErrLinkClosed, "remote loopback link is gone")
	}
	l.peer = remote
	l.mu.Unlock()

	if l.role == Responder {
		l.emitSignal("answer")

		return nil
	}

	remote.mu.Lock()
	remote.peer = l
	remote.mu.Unlock()

	l.connect()
	remote.connect()

	return nil
}

func (l *Loopback) connect() {
	l.mu.Lock()
	first := !l.connected && !l.done
	l.connected = true
	l.mu.Unlock()

	if first {
		go l.deliver(func() { l.obs.OnConnected(&RemoteStream{}) })
	}
}

// Fail reports err as if the underlying connection broke.
func (l *Loopback) Fail(err error) {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()

		return
	}
	l.done = true
	l.mu.Unlock()

	go l.obs.OnError(err)
}

// remoteClosed is the loopback equivalent of the in-band hangup.
func (l *Loopback) remoteClosed() {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()

		return
	}
	l.done = true
	l.mu.Unlock()

	go l.obs.OnClosed()
}

func (l *Loopback) Destroy() {
	l.factory.mu.Lock()
	delete(l.factory.links, l.id)
	l.factory.mu.Unlock()

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()

		return
	}
	l.destroyed = true
	l.done = true
	remote := l.peer
	l.peer = nil
	connected := l.connected
	l.mu.Unlock()

	if remote != nil && connected {
		remote.remoteClosed()
	}
}
