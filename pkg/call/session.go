package call

import (
	"context"
	"time"

	"peercall/pkg/media"
	"peercall/pkg/peer"

	"github.com/google/uuid"
)

// Session is the one call being attempted or in progress. Only the
// coordinator's run loop reads or writes it.
type Session struct {
	ID         string
	Direction  Direction
	MediaKind  media.Kind
	PeerUserID string

	localStream  *media.Stream
	remoteStream *peer.RemoteStream
	link         peer.Link

	// pendingLocalSignal is set once, when the link produces its descriptor,
	// and replayed on signalRequest. Cleared on teardown.
	pendingLocalSignal peer.Descriptor
	// remoteSignal holds a remote descriptor that arrived before the link existed.
	remoteSignal peer.Descriptor

	// announced is true once the remote side knows about this session.
	announced bool

	timer         *time.Timer
	cancelAcquire context.CancelFunc
}

func newSession(dir Direction, kind media.Kind, peerUserID string) *Session {
	return &Session{
		ID:         uuid.New().String(),
		Direction:  dir,
		MediaKind:  kind,
		PeerUserID: peerUserID,
	}
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// IncomingOffer is an invite waiting for the user's decision.
type IncomingOffer struct {
	CallerUserID      string
	CallerDisplayName string
	MediaKind         media.Kind
	Signal            peer.Descriptor
}
