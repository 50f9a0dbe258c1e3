package signal

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackRoutesBetweenChannels(t *testing.T) {
	hub := NewLoopbackHub()
	ctx := context.Background()

	alice := hub.Channel()
	bob := hub.Channel()
	defer alice.Close()
	defer bob.Close()

	inbox := collect(bob, EventSignalRequest)

	require.NoError(t, alice.Connect(ctx, "alice"))
	require.NoError(t, bob.Connect(ctx, "bob"))
	require.NoError(t, alice.Send(ctx, Message{Event: EventSignalRequest, To: "bob"}))

	got := waitMessage(t, inbox)
	assert.Equal(t, "alice", got.From)
}

func TestLoopbackUnknownRecipientFails(t *testing.T) {
	hub := NewLoopbackHub()
	ctx := context.Background()

	alice := hub.Channel()
	defer alice.Close()

	failed := collect(alice, EventFailed)

	require.NoError(t, alice.Connect(ctx, "alice"))
	require.NoError(t, alice.Send(ctx, Message{Event: EventInvite, To: "u2"}))

	got := waitMessage(t, failed)
	assert.Equal(t, ReasonUserOffline, got.Reason)
}

func TestLoopbackDrop(t *testing.T) {
	hub := NewLoopbackHub()
	ctx := context.Background()

	alice := hub.Channel()
	defer alice.Close()

	events := collect(alice, EventAuthenticated, EventDisconnected)

	require.NoError(t, alice.Connect(ctx, "alice"))
	assert.Equal(t, EventAuthenticated, waitMessage(t, events).Event)

	alice.Drop()
	assert.Equal(t, EventDisconnected, waitMessage(t, events).Event)
	assert.False(t, alice.Connected())

	err := alice.Send(ctx, Message{Event: EventEnded, To: "bob"})
	assert.True(t, errors.Is(err, ErrDisconnected))
}
