package call

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"peercall/pkg/media"
	"peercall/pkg/notify"
	"peercall/pkg/peer"
	"peercall/pkg/signal"

	"github.com/stretchr/testify/require"
)

const within = 2 * time.Second

type fakeChannel struct {
	mu        sync.Mutex
	handlers  map[signal.Event][]signal.Handler
	connected atomic.Bool
	sent      chan signal.Message
}

func newFakeChannel() *fakeChannel {
	ch := &fakeChannel{
		handlers: make(map[signal.Event][]signal.Handler),
		sent:     make(chan signal.Message, 64),
	}
	ch.connected.Store(true)

	return ch
}

func (f *fakeChannel) Connect(context.Context, string) error {
	f.connected.Store(true)

	return nil
}

func (f *fakeChannel) Send(_ context.Context, msg signal.Message) error {
	if !f.connected.Load() {
		return signal.ErrDisconnected
	}
	f.sent <- msg

	return nil
}

func (f *fakeChannel) On(e signal.Event, h signal.Handler) {
	f.mu.Lock()
	f.handlers[e] = append(f.handlers[e], h)
	f.mu.Unlock()
}

func (f *fakeChannel) Connected() bool { return f.connected.Load() }

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) deliver(msg signal.Message) {
	f.mu.Lock()
	hs := f.handlers[msg.Event]
	f.mu.Unlock()

	for _, h := range hs {
		h(msg)
	}
}

func (f *fakeChannel) drop() {
	f.connected.Store(false)
	f.deliver(signal.Message{Event: signal.EventDisconnected})
}

type fakeMedia struct {
	mu       sync.Mutex
	streams  []*media.Stream
	acquires int
	err      error
	gate     chan struct{}
}

func (f *fakeMedia) Acquire(_ context.Context, kind media.Kind) (*media.Stream, error) {
	f.mu.Lock()
	f.acquires++
	err, gate := f.err, f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	s := media.NewStream(kind)

	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()

	return s, nil
}

func (f *fakeMedia) Release(s *media.Stream) {
	s.Close()
}

func (f *fakeMedia) acquireCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.acquires
}

func (f *fakeMedia) unreleased() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, s := range f.streams {
		if !s.Released() {
			n++
		}
	}

	return n
}

type fakeLink struct {
	role peer.Role
	obs  peer.Observer

	mu        sync.Mutex
	consumed  []peer.Descriptor
	destroyed bool
}

func (l *fakeLink) ConsumeSignal(d peer.Descriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.destroyed {
		return peer.ErrLinkClosed
	}
	l.consumed = append(l.consumed, d)

	return nil
}

func (l *fakeLink) Destroy() {
	l.mu.Lock()
	l.destroyed = true
	l.mu.Unlock()
}

func (l *fakeLink) isDestroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.destroyed
}

func (l *fakeLink) consumedSignals() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.consumed))
	for _, d := range l.consumed {
		out = append(out, string(d))
	}

	return out
}

type fakeLinks struct {
	created chan *fakeLink
}

func (f *fakeLinks) NewLink(role peer.Role, _ *media.Stream, obs peer.Observer) (peer.Link, error) {
	l := &fakeLink{role: role, obs: obs}
	f.created <- l

	return l, nil
}

type fakeMetrics struct {
	mu           sync.Mutex
	started      []string
	ended        []string
	autoRejected int
	states       []string
}

func (m *fakeMetrics) CallStarted(direction string) {
	m.mu.Lock()
	m.started = append(m.started, direction)
	m.mu.Unlock()
}

func (m *fakeMetrics) CallEnded(reason string) {
	m.mu.Lock()
	m.ended = append(m.ended, reason)
	m.mu.Unlock()
}

func (m *fakeMetrics) InviteAutoRejected() {
	m.mu.Lock()
	m.autoRejected++
	m.mu.Unlock()
}

func (m *fakeMetrics) StateChanged(state string) {
	m.mu.Lock()
	m.states = append(m.states, state)
	m.mu.Unlock()
}

// probe lets a test wait until everything posted before it was handled.
type probe struct {
	done chan struct{}
}

func (p probe) apply(*Coordinator) {
	close(p.done)
}

type harness struct {
	t       *testing.T
	c       *Coordinator
	ch      *fakeChannel
	media   *fakeMedia
	links   *fakeLinks
	metrics *fakeMetrics
	notes   chan notify.Notification
	stop    context.CancelFunc
	done    chan struct{}
}

func newHarness(t *testing.T, tweak ...func(*Config)) *harness {
	t.Helper()

	cfg := Config{
		Identity:       "alice",
		DisplayName:    "Alice",
		RingTimeout:    time.Minute,
		ConnectTimeout: time.Minute,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}

	h := &harness{
		t:       t,
		ch:      newFakeChannel(),
		media:   &fakeMedia{},
		links:   &fakeLinks{created: make(chan *fakeLink, 16)},
		metrics: &fakeMetrics{},
		notes:   make(chan notify.Notification, 32),
		done:    make(chan struct{}),
	}

	h.c = New(cfg, Deps{
		Channel:  h.ch,
		Media:    h.media,
		Links:    h.links,
		Notifier: notify.Func(func(n notify.Notification) { h.notes <- n }),
		Metrics:  h.metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel

	go func() {
		defer close(h.done)
		_ = h.c.Run(ctx)
	}()

	t.Cleanup(h.shutdown)

	return h
}

func (h *harness) shutdown() {
	h.stop()
	<-h.done
}

func (h *harness) sync() {
	h.t.Helper()

	p := probe{done: make(chan struct{})}
	require.True(h.t, h.c.post(p))

	select {
	case <-p.done:
	case <-time.After(within):
		h.t.Fatal("run loop did not drain")
	}
}

func (h *harness) deliver(msg signal.Message) {
	h.ch.deliver(msg)
	h.sync()
}

func (h *harness) state() State {
	return h.c.Snapshot().State
}

func (h *harness) link() *fakeLink {
	h.t.Helper()

	select {
	case l := <-h.links.created:
		h.sync()

		return l
	case <-time.After(within):
		h.t.Fatal("no peer link created")
	}

	return nil
}

func (h *harness) expectSent(event signal.Event) signal.Message {
	h.t.Helper()

	select {
	case msg := <-h.ch.sent:
		require.Equal(h.t, event, msg.Event, "unexpected message %+v", msg)

		return msg
	case <-time.After(within):
		h.t.Fatalf("%s was not sent", event)
	}

	return signal.Message{}
}

func (h *harness) expectNothingSent() {
	h.t.Helper()
	h.sync()

	select {
	case msg := <-h.ch.sent:
		h.t.Fatalf("unexpected message %+v", msg)
	default:
	}
}

func (h *harness) expectNote(kind string) notify.Notification {
	h.t.Helper()

	select {
	case n := <-h.notes:
		require.Equal(h.t, kind, n.Kind, "unexpected notification %+v", n)

		return n
	case <-time.After(within):
		h.t.Fatalf("no %s notification", kind)
	}

	return notify.Notification{}
}

func (h *harness) expectNoNote() {
	h.t.Helper()
	h.sync()

	select {
	case n := <-h.notes:
		h.t.Fatalf("unexpected notification %+v", n)
	default:
	}
}

// ringing starts an outgoing call to bob and returns its link once the invite
// is out.
func (h *harness) ringing(kind media.Kind) *fakeLink {
	h.t.Helper()

	require.NoError(h.t, h.c.InitiateCall(context.Background(), "bob", kind))
	l := h.link()
	l.obs.OnSignal(peer.Descriptor(`"offer"`))
	h.expectSent(signal.EventInvite)

	return l
}

func (h *harness) active() *fakeLink {
	h.t.Helper()

	l := h.ringing(media.AudioOnly)
	h.deliver(signal.Message{Event: signal.EventAccepted, From: "bob", Signal: []byte(`"answer"`)})
	l.obs.OnConnected(&peer.RemoteStream{})
	h.sync()
	h.expectNote("call-active")
	require.Equal(h.t, Active, h.state())

	return l
}

func (h *harness) invite(from string, sig string) {
	msg := signal.Message{Event: signal.EventInvite, From: from, MediaKind: "video", DisplayName: "Bob"}
	if sig != "" {
		msg.Signal = []byte(sig)
	}
	h.deliver(msg)
}
