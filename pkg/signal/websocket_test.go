package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"peercall/pkg/notify"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay authenticates every client and forwards messages by identity.
type fakeRelay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	accepted atomic.Int32

	mu    sync.Mutex
	conns map[string]*relayConn
}

type relayConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *relayConn) write(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.WriteJSON(msg)
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()

	r := newIdleRelay(t)
	r.srv.Start()

	return r
}

// newIdleRelay binds the relay address but serves nothing until srv.Start.
func newIdleRelay(t *testing.T) *fakeRelay {
	t.Helper()

	r := &fakeRelay{conns: make(map[string]*relayConn)}
	r.srv = httptest.NewUnstartedServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.srv.Close)

	return r
}

func (r *fakeRelay) url() string {
	return "ws://" + r.srv.Listener.Addr().String()
}

func (r *fakeRelay) serve(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.accepted.Add(1)

	var auth Message
	if err := conn.ReadJSON(&auth); err != nil || auth.Event != EventAuthenticate {
		_ = conn.Close()

		return
	}

	self := &relayConn{conn: conn}

	r.mu.Lock()
	r.conns[auth.From] = self
	r.mu.Unlock()

	self.write(Message{Event: EventAuthenticated})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		r.mu.Lock()
		target := r.conns[msg.To]
		r.mu.Unlock()

		if target == nil {
			self.write(Message{Event: EventFailed, From: msg.To, Reason: ReasonUserOffline})

			continue
		}

		msg.From, msg.To = auth.From, ""
		target.write(msg)
	}
}

// kick closes the server side of identity's connection.
func (r *fakeRelay) kick(identity string) {
	r.mu.Lock()
	conn := r.conns[identity]
	delete(r.conns, identity)
	r.mu.Unlock()

	if conn != nil {
		_ = conn.conn.Close()
	}
}

func collect(ch Channel, events ...Event) <-chan Message {
	out := make(chan Message, 16)
	for _, e := range events {
		ch.On(e, func(m Message) { out <- m })
	}

	return out
}

func waitMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()

	select {
	case m := <-ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	return Message{}
}

func testConfig(url string) WebSocketConfig {
	return WebSocketConfig{
		URL:              url,
		MaxAttempts:      3,
		RetryInterval:    10 * time.Millisecond,
		HandshakeTimeout: time.Second,
		PingInterval:     time.Second,
	}
}

func TestWebSocketConnectAndRoute(t *testing.T) {
	relay := newFakeRelay(t)
	ctx := context.Background()

	alice := NewWebSocket(testConfig(relay.url()))
	bob := NewWebSocket(testConfig(relay.url()))
	defer alice.Close()
	defer bob.Close()

	aliceAuth := collect(alice, EventAuthenticated)
	bobInbox := collect(bob, EventInvite)

	require.NoError(t, alice.Connect(ctx, "alice"))
	require.NoError(t, bob.Connect(ctx, "bob"))
	assert.Equal(t, EventAuthenticated, waitMessage(t, aliceAuth).Event)
	assert.True(t, alice.Connected())

	require.NoError(t, alice.Send(ctx, Message{
		Event:     EventInvite,
		To:        "bob",
		Signal:    []byte(`{"type":"offer","sdp":"v=0"}`),
		MediaKind: "video",
	}))

	got := waitMessage(t, bobInbox)
	assert.Equal(t, "alice", got.From)
	assert.Empty(t, got.To)
	assert.Equal(t, "video", got.MediaKind)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(got.Signal))
}

func TestWebSocketConnectIsIdempotent(t *testing.T) {
	relay := newFakeRelay(t)
	ctx := context.Background()

	ch := NewWebSocket(testConfig(relay.url()))
	defer ch.Close()

	require.NoError(t, ch.Connect(ctx, "alice"))
	require.NoError(t, ch.Connect(ctx, "alice"))

	assert.EqualValues(t, 1, relay.accepted.Load())
}

func TestWebSocketSendWhileDisconnected(t *testing.T) {
	ch := NewWebSocket(testConfig("ws://127.0.0.1:1"))
	defer ch.Close()

	err := ch.Send(context.Background(), Message{Event: EventEnded, To: "bob"})
	assert.True(t, errors.Is(err, ErrDisconnected))
}

func TestWebSocketUnreachableNotifiesOnce(t *testing.T) {
	notes := make(chan notify.Notification, 8)
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.Notifier = notify.Func(func(n notify.Notification) { notes <- n })

	ch := NewWebSocket(cfg)
	defer ch.Close()

	err := ch.Connect(context.Background(), "alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable))

	err = ch.Connect(context.Background(), "alice")
	require.Error(t, err)

	require.Len(t, notes, 1)
	assert.Equal(t, notify.LevelError, (<-notes).Level)
}

func TestWebSocketKeepsRetryingAfterUnreachable(t *testing.T) {
	relay := newIdleRelay(t)

	notes := make(chan notify.Notification, 8)
	cfg := testConfig(relay.url())
	cfg.MaxAttempts = 2
	cfg.HandshakeTimeout = 100 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	cfg.Notifier = notify.Func(func(n notify.Notification) { notes <- n })

	ch := NewWebSocket(cfg)
	defer ch.Close()

	auth := collect(ch, EventAuthenticated)

	err := ch.Connect(context.Background(), "alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable))
	assert.False(t, ch.Connected())

	relay.srv.Start()

	assert.Equal(t, EventAuthenticated, waitMessage(t, auth).Event)
	assert.Eventually(t, ch.Connected, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, notes, 1)
}

func TestWebSocketReconnectsAfterDrop(t *testing.T) {
	relay := newFakeRelay(t)

	ch := NewWebSocket(testConfig(relay.url()))
	defer ch.Close()

	events := collect(ch, EventAuthenticated, EventDisconnected)

	require.NoError(t, ch.Connect(context.Background(), "alice"))
	assert.Equal(t, EventAuthenticated, waitMessage(t, events).Event)

	relay.kick("alice")

	assert.Equal(t, EventDisconnected, waitMessage(t, events).Event)
	assert.Equal(t, EventAuthenticated, waitMessage(t, events).Event)
	assert.True(t, ch.Connected())
}

func TestWebSocketOfflineRecipient(t *testing.T) {
	relay := newFakeRelay(t)

	ch := NewWebSocket(testConfig(relay.url()))
	defer ch.Close()

	failed := collect(ch, EventFailed)

	require.NoError(t, ch.Connect(context.Background(), "alice"))
	require.NoError(t, ch.Send(context.Background(), Message{Event: EventInvite, To: "nobody"}))

	got := waitMessage(t, failed)
	assert.Equal(t, ReasonUserOffline, got.Reason)
	assert.Equal(t, "nobody", got.From)
}
