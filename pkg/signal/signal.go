// Package signal is the transport to the signaling relay. It moves named events
// between two parties and knows nothing about calls.
package signal

import (
	"context"
	"encoding/json"
	"sync"
)

type Event string

const (
	EventInvite        Event = "invite"
	EventAccepted      Event = "accepted"
	EventRejected      Event = "rejected"
	EventEnded         Event = "ended"
	EventSignal        Event = "signal"
	EventSignalRequest Event = "signalRequest"
	EventFailed        Event = "failed"

	// Handshake. The client sends authenticate, the relay answers authenticated.
	EventAuthenticate  Event = "authenticate"
	EventAuthenticated Event = "authenticated"

	// Emitted locally when an established connection drops.
	EventDisconnected Event = "disconnected"
)

// Reasons carried by EventFailed.
const (
	ReasonUserOffline = "user-offline"
	ReasonOther       = "other"
)

// Message is the single wire shape for every event. The relay rewrites To into
// From on delivery.
type Message struct {
	Event       Event           `json:"event"`
	To          string          `json:"to,omitempty"`
	From        string          `json:"from,omitempty"`
	Signal      json.RawMessage `json:"signal,omitempty"`
	MediaKind   string          `json:"mediaKind,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Handler is invoked on the channel's receive goroutine and must not block.
type Handler func(Message)

type Channel interface {
	// Connect establishes (or re-establishes) the authenticated connection for
	// identity. Calling it while already connected as identity is a no-op.
	Connect(ctx context.Context, identity string) error
	Send(ctx context.Context, msg Message) error
	On(event Event, h Handler)
	Connected() bool
	Close() error
}

type handlers struct {
	mu sync.RWMutex
	m  map[Event][]Handler
}

func (hs *handlers) On(event Event, h Handler) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	if hs.m == nil {
		hs.m = make(map[Event][]Handler)
	}

	hs.m[event] = append(hs.m[event], h)
}

func (hs *handlers) emit(msg Message) {
	hs.mu.RLock()
	list := make([]Handler, len(hs.m[msg.Event]))
	copy(list, hs.m[msg.Event])
	hs.mu.RUnlock()

	for _, h := range list {
		h(msg)
	}
}
