package media

import (
	"context"

	"peercall/pkg/log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

type ManagerConfig struct {
	MaxWidth  int
	MaxHeight int
}

// Manager captures camera and microphone through pion/mediadevices. Drivers
// must be registered by the binary (blank imports of the driver packages).
type Manager struct {
	cfg ManagerConfig

	getUserMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
	codecs       func() (*mediadevices.CodecSelector, error)
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 640
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = 480
	}

	return &Manager{
		cfg:          cfg,
		getUserMedia: mediadevices.GetUserMedia,
		codecs:       newCodecSelector,
	}
}

type acquireResult struct {
	stream *Stream
	err    error
}

// Acquire opens the devices for kind. It never retries; a failure is classified
// as ErrPermissionDenied, ErrDeviceNotFound or ErrDeviceBusy. If ctx ends first
// the late stream is released in the background.
func (m *Manager) Acquire(ctx context.Context, kind Kind) (*Stream, error) {
	done := make(chan acquireResult, 1)

	go func() {
		s, err := m.acquire(kind)
		done <- acquireResult{stream: s, err: err}
	}()

	select {
	case res := <-done:
		return res.stream, res.err
	case <-ctx.Done():
		go func() {
			res := <-done
			res.stream.Close()
		}()

		return nil, errors.Wrap(ctx.Err(), "media acquire")
	}
}

func (m *Manager) acquire(kind Kind) (*Stream, error) {
	selector, err := m.codecs()
	if err != nil {
		return nil, errors.Wrap(ErrDeviceNotFound, err.Error())
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}

	if kind == AudioVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only, some cameras expose MJPEG nodes that emit broken frames.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: m.cfg.MaxWidth}
			c.Height = prop.IntRanged{Max: m.cfg.MaxHeight}
		}
	}

	ms, err := m.getUserMedia(constraints)
	if err != nil {
		return nil, classify(err)
	}

	var (
		tracks   []Track
		hasVideo bool
	)

	for _, t := range ms.GetTracks() {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			hasVideo = true
		}
		tracks = append(tracks, t)
	}

	s := NewStream(kind, tracks...)
	s.codecs = selector

	if kind == AudioVideo && !hasVideo {
		s.Close()

		return nil, errors.Wrap(ErrDeviceNotFound, "no video track")
	}

	log.WithFields(log.Fields{"stream": s.ID(), "kind": kind.String(), "tracks": len(tracks)}).Info("local media acquired")

	return s, nil
}

// Release stops every track. Nil and already released streams are ignored.
func (m *Manager) Release(s *Stream) {
	if s == nil || s.Released() {
		return
	}

	s.Close()

	log.WithFields(log.Fields{"stream": s.ID()}).Info("local media released")
}
