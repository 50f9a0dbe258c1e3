// Package media acquires and releases local capture devices. It is the only
// package allowed to touch camera and microphone hardware.
package media

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

type Kind int

const (
	AudioOnly Kind = iota
	AudioVideo
)

func (k Kind) String() string {
	if k == AudioVideo {
		return "video"
	}

	return "audio"
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audio", "":
		return AudioOnly, nil
	case "video":
		return AudioVideo, nil
	}

	return AudioOnly, errors.Errorf("unknown media kind %q", s)
}

// Track is a local track that can be attached to a peer connection and stopped.
// mediadevices.Track satisfies it.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// Stream owns the tracks of one acquisition. Close stops them exactly once.
type Stream struct {
	id     string
	kind   Kind
	tracks []Track
	codecs *mediadevices.CodecSelector

	once     sync.Once
	released atomic.Bool
}

func NewStream(kind Kind, tracks ...Track) *Stream {
	return &Stream{
		id:     uuid.New().String(),
		kind:   kind,
		tracks: tracks,
	}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Kind() Kind { return s.kind }

func (s *Stream) Tracks() []Track { return s.tracks }

func (s *Stream) Released() bool { return s.released.Load() }

// RegisterCodecs prepares a media engine for this stream's tracks. Streams that
// were not encoded through a codec selector get pion's default codec set.
func (s *Stream) RegisterCodecs(me *webrtc.MediaEngine) error {
	if s == nil || s.codecs == nil {
		return me.RegisterDefaultCodecs()
	}

	s.codecs.Populate(me)

	return nil
}

func (s *Stream) Close() {
	if s == nil {
		return
	}

	s.once.Do(func() {
		for _, t := range s.tracks {
			_ = t.Close()
		}
		s.released.Store(true)
	})
}

// Source is what the call layer needs from the hardware.
type Source interface {
	Acquire(ctx context.Context, kind Kind) (*Stream, error)
	Release(s *Stream)
}

// Null hands out track-less streams. Used with the loopback peer links in the
// mock/dev mode where no media flows.
type Null struct{}

func (Null) Acquire(_ context.Context, kind Kind) (*Stream, error) {
	return NewStream(kind), nil
}

func (Null) Release(s *Stream) {
	s.Close()
}
