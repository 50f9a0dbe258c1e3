package call

import (
	"peercall/pkg/media"
	"peercall/pkg/peer"
)

type State int

const (
	Idle State = iota
	OutgoingRinging
	IncomingPending
	Connecting
	Active
	// Ending only exists inside a single teardown and is never published.
	Ending
)

var stateNames = map[State]string{
	Idle:            "idle",
	OutgoingRinging: "outgoing-ringing",
	IncomingPending: "incoming-pending",
	Connecting:      "connecting",
	Active:          "active",
	Ending:          "ending",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return "unknown"
}

type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}

	return "outgoing"
}

// Offer is the UI view of a pending incoming call.
type Offer struct {
	CallerUserID      string
	CallerDisplayName string
	MediaKind         media.Kind
}

// Snapshot is what observers see. Session fields are zero while Idle or
// IncomingPending; Offer is set only while IncomingPending.
type Snapshot struct {
	State        State
	SessionID    string
	Direction    Direction
	MediaKind    media.Kind
	PeerUserID   string
	RemoteStream *peer.RemoteStream
	Offer        *Offer
}

func (s Snapshot) InCall() bool {
	return s.SessionID != ""
}
