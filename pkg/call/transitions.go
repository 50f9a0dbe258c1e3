package call

import (
	"peercall/pkg/log"
	"peercall/pkg/media"
	"peercall/pkg/notify"
	"peercall/pkg/peer"
	"peercall/pkg/signal"

	"github.com/pkg/errors"
)

func (c *Coordinator) initiate(peerUserID string, kind media.Kind) error {
	if peerUserID == "" || peerUserID == c.cfg.Identity {
		return errors.Wrapf(ErrInvalidPeer, "%q", peerUserID)
	}

	if c.state != Idle {
		return ErrBusy
	}

	if !c.channel.Connected() {
		c.notifier.Notify(describe(ErrSignalingDisconnected).notification(peerUserID))

		return ErrSignalingDisconnected
	}

	s := newSession(Outgoing, kind, peerUserID)
	c.session = s
	c.setState(OutgoingRinging)
	c.metrics.CallStarted(Outgoing.String())
	// Bounds media acquisition and gathering; re-armed once the invite is out.
	c.arm(s, OutgoingRinging, c.cfg.ConnectTimeout)
	c.acquire(s)

	return nil
}

func (c *Coordinator) accept() error {
	o := c.offer
	if c.state != IncomingPending || o == nil {
		c.notifier.Notify(describe(ErrNothingToAccept).notification(""))

		return ErrNothingToAccept
	}

	s := newSession(Incoming, o.MediaKind, o.CallerUserID)
	s.announced = true
	s.remoteSignal = o.Signal

	c.offer = nil
	c.session = s
	c.setState(Connecting)
	c.metrics.CallStarted(Incoming.String())
	c.arm(s, Connecting, c.cfg.ConnectTimeout)
	c.acquire(s)

	return nil
}

func (c *Coordinator) reject() error {
	o := c.offer
	if c.state != IncomingPending || o == nil {
		return ErrNothingToReject
	}

	if err := c.send(signal.Message{Event: signal.EventRejected, To: o.CallerUserID}); err != nil {
		log.Warnf("reject call from %s: %v", o.CallerUserID, err)
	}

	c.offer = nil
	c.setState(Idle)

	return nil
}

func (c *Coordinator) end() error {
	switch {
	case c.state == IncomingPending:
		return c.reject()
	case c.session == nil:
		return ErrNoActiveCall
	}

	c.teardown(nil, true, true)

	return nil
}

func (c *Coordinator) current(id string) *Session {
	if c.session == nil || c.session.ID != id {
		return nil
	}

	return c.session
}

func (c *Coordinator) onMedia(r mediaResult) {
	s := c.current(r.session)
	if s == nil {
		if r.stream != nil {
			log.Debugf("releasing stream acquired for stale session %s", r.session)
			c.media.Release(r.stream)
		}

		return
	}

	s.cancelAcquire = nil

	if r.err != nil {
		c.teardown(r.err, true, true)

		return
	}

	s.localStream = r.stream

	role := peer.Initiator
	if s.Direction == Incoming {
		role = peer.Responder
	}

	link, err := c.links.NewLink(role, r.stream, observer{c: c, session: s.ID})
	if err != nil {
		c.teardown(errors.Wrap(ErrPeerLink, err.Error()), true, true)

		return
	}
	s.link = link

	if s.Direction == Outgoing {
		return
	}

	if s.remoteSignal != nil {
		c.consume(s, s.remoteSignal)
		s.remoteSignal = nil

		return
	}

	if err := c.send(signal.Message{Event: signal.EventSignalRequest, To: s.PeerUserID}); err != nil {
		c.teardown(err, true, true)
	}
}

func (c *Coordinator) consume(s *Session, d peer.Descriptor) {
	if err := s.link.ConsumeSignal(d); err != nil {
		c.teardown(errors.Wrap(ErrPeerLink, err.Error()), true, true)
	}
}

func (c *Coordinator) onLinkSignal(id string, d peer.Descriptor) {
	s := c.current(id)
	if s == nil || s.pendingLocalSignal != nil {
		return
	}
	s.pendingLocalSignal = d

	switch {
	case s.Direction == Outgoing && c.state == OutgoingRinging:
		err := c.send(signal.Message{
			Event:       signal.EventInvite,
			To:          s.PeerUserID,
			Signal:      d.JSON(),
			MediaKind:   s.MediaKind.String(),
			DisplayName: c.cfg.DisplayName,
		})
		if err != nil {
			c.teardown(err, false, true)

			return
		}
		s.announced = true
		c.arm(s, OutgoingRinging, c.cfg.RingTimeout)

	case s.Direction == Incoming && c.state == Connecting:
		err := c.send(signal.Message{Event: signal.EventAccepted, To: s.PeerUserID, Signal: d.JSON()})
		if err != nil {
			c.teardown(err, true, true)
		}
	}
}

func (c *Coordinator) onLinkConnected(id string, remote *peer.RemoteStream) {
	s := c.current(id)
	if s == nil || c.state != Connecting {
		return
	}

	s.stopTimer()
	s.remoteStream = remote
	c.setState(Active)
	c.notifier.Notify(notify.Notification{
		Level:   notify.LevelInfo,
		Kind:    "call-active",
		Message: "Connected to " + s.PeerUserID,
	})
}

func (c *Coordinator) onLinkFailed(id string, err error) {
	if c.current(id) == nil {
		return
	}

	if !errors.Is(err, ErrPeerLinkClosed) {
		err = errors.Wrap(ErrPeerLink, err.Error())
	}

	c.teardown(err, true, true)
}

func (c *Coordinator) onTimeout(id string, state State) {
	s := c.current(id)
	if s == nil || c.state != state {
		return
	}
	s.timer = nil

	cause := ErrConnectTimeout
	if state == OutgoingRinging && s.announced {
		cause = ErrInviteTimeout
	}

	c.teardown(cause, true, true)
}

func (c *Coordinator) onRemote(msg signal.Message) {
	switch msg.Event {
	case signal.EventAuthenticated:
		log.Info("signaling channel up")

	case signal.EventDisconnected:
		c.onDisconnected()

	case signal.EventInvite:
		c.onInvite(msg)

	case signal.EventAccepted:
		s := c.session
		if s == nil || c.state != OutgoingRinging || s.Direction != Outgoing || msg.From != s.PeerUserID {
			return
		}

		s.stopTimer()
		c.setState(Connecting)
		c.arm(s, Connecting, c.cfg.ConnectTimeout)

		if d := peer.ParseDescriptor(msg.Signal); d != nil && s.link != nil {
			c.consume(s, d)
		}

	case signal.EventRejected:
		if s := c.session; s != nil && c.state == OutgoingRinging && msg.From == s.PeerUserID {
			c.teardown(ErrRemoteRejected, false, true)
		}

	case signal.EventEnded:
		if o := c.offer; o != nil && msg.From == o.CallerUserID {
			c.offer = nil
			c.setState(Idle)
			c.notifier.Notify(notify.Notification{
				Level:   notify.LevelInfo,
				Kind:    "call-cancelled",
				Message: "Missed call from " + displayName(o),
			})

			return
		}

		if s := c.session; s != nil && msg.From == s.PeerUserID {
			c.teardown(ErrRemoteEnded, false, true)
		}

	case signal.EventSignal:
		c.onRemoteSignal(msg)

	case signal.EventSignalRequest:
		s := c.session
		if s == nil || msg.From != s.PeerUserID || s.pendingLocalSignal == nil {
			return
		}

		err := c.send(signal.Message{Event: signal.EventSignal, To: s.PeerUserID, Signal: s.pendingLocalSignal.JSON()})
		if err != nil {
			c.teardown(err, false, true)
		}

	case signal.EventFailed:
		s := c.session
		if s == nil || (c.state != OutgoingRinging && c.state != Connecting) {
			return
		}
		if msg.From != "" && msg.From != s.PeerUserID {
			return
		}

		cause := ErrRelayFailed
		if msg.Reason == signal.ReasonUserOffline {
			cause = ErrRemoteOffline
		}

		c.teardown(cause, false, true)
	}
}

func (c *Coordinator) onRemoteSignal(msg signal.Message) {
	d := peer.ParseDescriptor(msg.Signal)
	if d == nil {
		return
	}

	if o := c.offer; o != nil && msg.From == o.CallerUserID {
		if o.Signal == nil {
			o.Signal = d
		}

		return
	}

	s := c.session
	if s == nil || msg.From != s.PeerUserID || c.state != Connecting {
		return
	}

	if s.link == nil {
		s.remoteSignal = d

		return
	}

	c.consume(s, d)
}

func (c *Coordinator) onInvite(msg signal.Message) {
	if msg.From == "" {
		return
	}

	if o := c.offer; o != nil && o.CallerUserID == msg.From {
		log.WithFields(log.Fields{"from": msg.From}).Debugf("duplicate invite ignored")

		return
	}

	if c.state != Idle {
		log.WithFields(log.Fields{"from": msg.From, "state": c.state.String()}).Info("busy, rejecting invite")

		if err := c.send(signal.Message{Event: signal.EventRejected, To: msg.From}); err != nil {
			log.Warnf("auto-reject %s: %v", msg.From, err)
		}
		c.metrics.InviteAutoRejected()

		return
	}

	kind, err := media.ParseKind(msg.MediaKind)
	if err != nil {
		kind = media.AudioOnly
	}

	c.offer = &IncomingOffer{
		CallerUserID:      msg.From,
		CallerDisplayName: msg.DisplayName,
		MediaKind:         kind,
		Signal:            peer.ParseDescriptor(msg.Signal),
	}
	c.setState(IncomingPending)
	c.notifier.Notify(notify.Notification{
		Level:   notify.LevelInfo,
		Kind:    "incoming-call",
		Message: "Incoming " + kind.String() + " call from " + displayName(c.offer),
	})
}

func (c *Coordinator) onDisconnected() {
	log.Warnf("signaling channel down in state %s", c.state)

	switch c.state {
	case OutgoingRinging:
		c.teardown(ErrSignalingDisconnected, false, true)

	case IncomingPending:
		o := c.offer
		c.offer = nil
		c.setState(Idle)
		c.notifier.Notify(describe(ErrSignalingDisconnected).notification(o.CallerUserID))
	}
}

// teardown ends the current session. notifyRemote sends "ended" when the
// remote side knows about the session; surface reports the outcome to the
// user, once.
func (c *Coordinator) teardown(cause error, notifyRemote, surface bool) {
	s := c.session
	if s == nil {
		return
	}

	c.setState(Ending)

	if notifyRemote && s.announced && c.channel.Connected() {
		if err := c.send(signal.Message{Event: signal.EventEnded, To: s.PeerUserID}); err != nil {
			log.Debugf("send ended: %v", err)
		}
	}

	s.stopTimer()

	if s.cancelAcquire != nil {
		s.cancelAcquire()
		s.cancelAcquire = nil
	}

	if s.link != nil {
		s.link.Destroy()
		s.link = nil
	}

	if s.localStream != nil {
		c.media.Release(s.localStream)
		s.localStream = nil
	}

	s.pendingLocalSignal = nil
	s.remoteSignal = nil
	s.remoteStream = nil

	c.session = nil
	c.setState(Idle)

	reason := "local"
	if cause != nil {
		reason = describe(cause).kind
	}
	c.metrics.CallEnded(reason)

	log.WithFields(log.Fields{"session": s.ID, "peer": s.PeerUserID, "reason": reason}).Info("call ended")

	if !surface {
		return
	}

	if cause == nil {
		c.notifier.Notify(notify.Notification{
			Level:   notify.LevelInfo,
			Kind:    "call-ended",
			Message: "Call with " + s.PeerUserID + " ended",
		})

		return
	}

	c.notifier.Notify(describe(cause).notification(s.PeerUserID))
}

func displayName(o *IncomingOffer) string {
	if o.CallerDisplayName != "" {
		return o.CallerDisplayName
	}

	return o.CallerUserID
}
