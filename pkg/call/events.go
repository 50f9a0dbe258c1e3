package call

import (
	"context"
	"time"

	"peercall/pkg/media"
	"peercall/pkg/peer"
	"peercall/pkg/signal"
)

// event is anything the run loop handles. Results of asynchronous work carry
// the session id they were started for and are dropped when it is stale.
type event interface {
	apply(c *Coordinator)
}

type command struct {
	fn    func() error
	reply chan error
}

// apply publishes before replying so the caller observes its own transition.
func (e command) apply(c *Coordinator) {
	err := e.fn()
	c.publish()
	e.reply <- err
}

type remoteEvent struct {
	msg signal.Message
}

func (e remoteEvent) apply(c *Coordinator) {
	c.onRemote(e.msg)
}

type mediaResult struct {
	session string
	stream  *media.Stream
	err     error
}

func (e mediaResult) apply(c *Coordinator) {
	c.onMedia(e)
}

type linkSignal struct {
	session string
	signal  peer.Descriptor
}

func (e linkSignal) apply(c *Coordinator) {
	c.onLinkSignal(e.session, e.signal)
}

type linkConnected struct {
	session string
	remote  *peer.RemoteStream
}

func (e linkConnected) apply(c *Coordinator) {
	c.onLinkConnected(e.session, e.remote)
}

type linkFailed struct {
	session string
	err     error
}

func (e linkFailed) apply(c *Coordinator) {
	c.onLinkFailed(e.session, e.err)
}

type timeout struct {
	session string
	state   State
}

func (e timeout) apply(c *Coordinator) {
	c.onTimeout(e.session, e.state)
}

// observer forwards link callbacks of one session into the run loop.
type observer struct {
	c       *Coordinator
	session string
}

func (o observer) OnSignal(d peer.Descriptor) {
	o.c.post(linkSignal{session: o.session, signal: d})
}

func (o observer) OnConnected(remote *peer.RemoteStream) {
	o.c.post(linkConnected{session: o.session, remote: remote})
}

func (o observer) OnError(err error) {
	o.c.post(linkFailed{session: o.session, err: err})
}

func (o observer) OnClosed() {
	o.c.post(linkFailed{session: o.session, err: ErrPeerLinkClosed})
}

func (c *Coordinator) acquire(s *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelAcquire = cancel

	id, kind := s.ID, s.MediaKind

	go func() {
		stream, err := c.media.Acquire(ctx, kind)
		if !c.post(mediaResult{session: id, stream: stream, err: err}) && stream != nil {
			c.media.Release(stream)
		}
	}()
}

func (c *Coordinator) arm(s *Session, state State, d time.Duration) {
	s.stopTimer()

	id := s.ID
	s.timer = time.AfterFunc(d, func() {
		c.post(timeout{session: id, state: state})
	})
}
