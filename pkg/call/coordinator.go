// Package call drives one call at a time through its lifecycle. Every input
// (user intents, relay events, media results, peer link events, timers) is a
// message handled by a single run loop, so transitions never overlap.
package call

import (
	"context"
	"sync"
	"time"

	"peercall/pkg/log"
	"peercall/pkg/media"
	"peercall/pkg/notify"
	"peercall/pkg/peer"
	"peercall/pkg/signal"

	"github.com/pkg/errors"
)

const inboxSize = 256

type Config struct {
	// Identity is the local user id the channel is authenticated as.
	Identity    string
	DisplayName string

	// RingTimeout bounds OutgoingRinging, counted from the invite being sent.
	RingTimeout time.Duration
	// ConnectTimeout bounds Connecting, and the media acquisition and ICE
	// gathering that precede an outgoing invite.
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
}

// Metrics receives lifecycle counters. See pkg/metrics.
type Metrics interface {
	CallStarted(direction string)
	CallEnded(reason string)
	InviteAutoRejected()
	StateChanged(state string)
}

type Deps struct {
	Channel  signal.Channel
	Media    media.Source
	Links    peer.Factory
	Notifier notify.Notifier
	Metrics  Metrics
}

type Coordinator struct {
	cfg      Config
	channel  signal.Channel
	media    media.Source
	links    peer.Factory
	notifier notify.Notifier
	metrics  Metrics

	inbox   chan event
	stopped chan struct{}
	running sync.Once

	// Owned by the run loop.
	state   State
	session *Session
	offer   *IncomingOffer
	changed bool

	snapMu    sync.RWMutex
	snap      Snapshot
	watchers  map[int]chan Snapshot
	nextWatch int
}

func New(cfg Config, deps Deps) *Coordinator {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}

	c := &Coordinator{
		cfg:      cfg,
		channel:  deps.Channel,
		media:    deps.Media,
		links:    deps.Links,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		inbox:    make(chan event, inboxSize),
		stopped:  make(chan struct{}),
		watchers: make(map[int]chan Snapshot),
	}

	for _, e := range []signal.Event{
		signal.EventInvite,
		signal.EventAccepted,
		signal.EventRejected,
		signal.EventEnded,
		signal.EventSignal,
		signal.EventSignalRequest,
		signal.EventFailed,
		signal.EventAuthenticated,
		signal.EventDisconnected,
	} {
		c.channel.On(e, func(msg signal.Message) {
			c.post(remoteEvent{msg: msg})
		})
	}

	return c
}

// Run processes events until ctx is done. On exit any live call is ended and
// any pending offer rejected, without notifications.
func (c *Coordinator) Run(ctx context.Context) error {
	err := ErrStopped

	c.running.Do(func() {
		err = nil
		defer close(c.stopped)

		for {
			select {
			case <-ctx.Done():
				c.shutdown()

				return
			case ev := <-c.inbox:
				ev.apply(c)
				c.publish()
			}
		}
	})

	return err
}

func (c *Coordinator) InitiateCall(ctx context.Context, peerUserID string, kind media.Kind) error {
	return c.do(ctx, func() error { return c.initiate(peerUserID, kind) })
}

func (c *Coordinator) AcceptCall(ctx context.Context) error {
	return c.do(ctx, c.accept)
}

func (c *Coordinator) RejectCall(ctx context.Context) error {
	return c.do(ctx, c.reject)
}

func (c *Coordinator) EndCall(ctx context.Context) error {
	return c.do(ctx, c.end)
}

func (c *Coordinator) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()

	return c.snap
}

// Watch streams snapshots, latest value wins. The channel starts with the
// current snapshot. cancel must be called to release the watcher.
func (c *Coordinator) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	c.snapMu.Lock()
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = ch
	ch <- c.snap
	c.snapMu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			c.snapMu.Lock()
			delete(c.watchers, id)
			c.snapMu.Unlock()
		})
	}
}

// do runs fn on the loop. A command still queued when ctx ends is dropped
// without acting.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	cmd := command{
		fn: func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			return fn()
		},
		reply: make(chan error, 1),
	}

	select {
	case c.inbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

// post delivers ev to the run loop. It reports false once the loop is gone.
func (c *Coordinator) post(ev event) bool {
	select {
	case c.inbox <- ev:
		return true
	case <-c.stopped:
		return false
	}
}

func (c *Coordinator) send(msg signal.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
	defer cancel()

	if err := c.channel.Send(ctx, msg); err != nil {
		return errors.Wrapf(ErrSignalingDisconnected, "send %s: %v", msg.Event, err)
	}

	return nil
}

func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}

	fields := log.Fields{"from": c.state.String(), "to": s.String()}
	if c.session != nil {
		fields["session"] = c.session.ID
		fields["peer"] = c.session.PeerUserID
	}
	log.WithFields(fields).Info("call state")

	c.state = s
	c.changed = true
	c.metrics.StateChanged(s.String())
}

func (c *Coordinator) snapshot() Snapshot {
	snap := Snapshot{State: c.state}

	if s := c.session; s != nil {
		snap.SessionID = s.ID
		snap.Direction = s.Direction
		snap.MediaKind = s.MediaKind
		snap.PeerUserID = s.PeerUserID
		snap.RemoteStream = s.remoteStream
	}

	if o := c.offer; o != nil {
		snap.Offer = &Offer{
			CallerUserID:      o.CallerUserID,
			CallerDisplayName: o.CallerDisplayName,
			MediaKind:         o.MediaKind,
		}
	}

	return snap
}

func (c *Coordinator) publish() {
	if !c.changed {
		return
	}
	c.changed = false

	snap := c.snapshot()

	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	c.snap = snap

	for _, ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (c *Coordinator) shutdown() {
	if c.session != nil {
		c.teardown(nil, true, false)
	}

	if c.offer != nil {
		if err := c.send(signal.Message{Event: signal.EventRejected, To: c.offer.CallerUserID}); err != nil {
			log.Debugf("reject on shutdown: %v", err)
		}
		c.offer = nil
		c.setState(Idle)
	}

	c.publish()
}

type nopMetrics struct{}

func (nopMetrics) CallStarted(string)  {}
func (nopMetrics) CallEnded(string)    {}
func (nopMetrics) InviteAutoRejected() {}
func (nopMetrics) StateChanged(string) {}
