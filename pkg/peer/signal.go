package peer

import (
	"bytes"
	"encoding/json"
	"sync"

	"peercall/pkg/media"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Responder {
		return "responder"
	}

	return "initiator"
}

// Descriptor is one side's complete session description, candidates included.
// It is opaque to everything but the link that produced or consumes it.
type Descriptor []byte

// ParseDescriptor returns nil when raw carries no descriptor.
func ParseDescriptor(raw json.RawMessage) Descriptor {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	return Descriptor(raw)
}

func (d Descriptor) JSON() json.RawMessage {
	return json.RawMessage(d)
}

var (
	ErrLinkClosed       = errors.New("peer link closed")
	ErrConnectionFailed = errors.New("peer connection failed")
	ErrBadDescriptor    = errors.New("bad peer descriptor")
)

// Observer receives link events. Implementations must not block: callbacks run
// on the link's internal goroutines. Nothing is delivered after Destroy, and at
// most one of OnError or OnClosed is delivered.
type Observer interface {
	// OnSignal is called exactly once with the local descriptor.
	OnSignal(d Descriptor)
	OnConnected(remote *RemoteStream)
	OnError(err error)
	OnClosed()
}

type Link interface {
	// ConsumeSignal applies the remote descriptor. A repeated descriptor is
	// ignored; after the link failed or was destroyed it returns ErrLinkClosed.
	ConsumeSignal(d Descriptor) error
	// Destroy tears the connection down. Safe to call any number of times.
	Destroy()
}

type Factory interface {
	NewLink(role Role, local *media.Stream, obs Observer) (Link, error)
}

// RemoteStream collects the tracks the remote side sends. Tracks may keep
// arriving after the link reports connected.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*webrtc.TrackRemote, len(r.tracks))
	copy(out, r.tracks)

	return out
}

func (r *RemoteStream) add(t *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}
