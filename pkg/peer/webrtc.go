package peer

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"peercall/pkg/log"
	"peercall/pkg/media"

	"github.com/pion/datachannel"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

const (
	controlLabel = "control"
	controlBye   = "bye"
)

type WebRTCConfig struct {
	// STUN accepts bare host:port pairs or full stun:/turn: URLs.
	STUN []string

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func (c WebRTCConfig) iceServers() []webrtc.ICEServer {
	ice := make([]webrtc.ICEServer, 0, len(c.STUN))

	for _, stun := range c.STUN {
		stun = strings.TrimSpace(stun)
		if stun == "" {
			continue
		}
		if !hasScheme(stun) {
			stun = "stun:" + stun
		}

		ice = append(ice, webrtc.ICEServer{
			URLs: []string{stun},
		})
	}

	return ice
}

func hasScheme(url string) bool {
	for _, scheme := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(url, scheme) {
			return true
		}
	}

	return false
}

type WebRTCFactory struct {
	cfg WebRTCConfig
}

func NewWebRTCFactory(cfg WebRTCConfig) *WebRTCFactory {
	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = 30 * time.Second
	}
	if cfg.FailedTimeout <= 0 {
		cfg.FailedTimeout = 60 * time.Second
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 2 * time.Second
	}

	return &WebRTCFactory{cfg: cfg}
}

// WebRTC is one pion peer connection. Trickle ICE is off: the local descriptor
// is emitted once, after candidate gathering has completed.
type WebRTC struct {
	role   Role
	obs    Observer
	conn   *webrtc.PeerConnection
	remote *RemoteStream

	mu        sync.Mutex
	control   datachannel.ReadWriteCloser
	remoteSet bool
	connected bool
	finished  bool
	destroyed bool
}

func (f *WebRTCFactory) NewLink(role Role, local *media.Stream, obs Observer) (Link, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := local.RegisterCodecs(mediaEngine); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, errors.Wrap(err, "register interceptors")
	}

	settings := webrtc.SettingEngine{}

	settings.DetachDataChannels()
	settings.SetICETimeouts(f.cfg.DisconnectedTimeout, f.cfg.FailedTimeout, f.cfg.KeepAliveInterval)
	settings.LoggerFactory = log.PionFactory()

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settings),
	)

	conn, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: f.cfg.iceServers(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}

	p := &WebRTC{
		role:   role,
		obs:    obs,
		conn:   conn,
		remote: &RemoteStream{},
	}

	p.conn.OnTrack(p.onConnTrack)
	p.conn.OnConnectionStateChange(p.onConnStateChange)

	if err := p.addLocalTracks(local); err != nil {
		_ = conn.Close()

		return nil, err
	}

	if role == Responder {
		p.conn.OnDataChannel(p.registerDataChannel)

		return p, nil
	}

	if err := p.offer(); err != nil {
		_ = conn.Close()

		return nil, err
	}

	return p, nil
}

func (p *WebRTC) addLocalTracks(local *media.Stream) error {
	var hasAudio, hasVideo bool

	if local != nil {
		for _, track := range local.Tracks() {
			if _, err := p.conn.AddTrack(track); err != nil {
				return errors.Wrap(err, "add track")
			}

			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				hasAudio = true
			case webrtc.RTPCodecTypeVideo:
				hasVideo = true
			}
		}
	}

	if p.role == Responder {
		return nil
	}

	// Receive what we cannot send so the offer still carries both m-lines.
	wantVideo := local != nil && local.Kind() == media.AudioVideo
	if !hasAudio {
		if err := p.addRecvOnly(webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
	}
	if wantVideo && !hasVideo {
		if err := p.addRecvOnly(webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}

	return nil
}

func (p *WebRTC) addRecvOnly(kind webrtc.RTPCodecType) error {
	_, err := p.conn.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})

	return errors.Wrapf(err, "add %s transceiver", kind)
}

func (p *WebRTC) offer() error {
	dataChannel, err := p.conn.CreateDataChannel(controlLabel, nil)
	if err != nil {
		return errors.Wrap(err, "control channel")
	}

	p.registerDataChannel(dataChannel)

	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return errors.Wrap(err, "create offer")
	}

	gathered := webrtc.GatheringCompletePromise(p.conn)

	if err := p.conn.SetLocalDescription(offer); err != nil {
		return errors.Wrap(err, "set local offer")
	}

	go p.emitLocal(gathered)

	return nil
}

func (p *WebRTC) ConsumeSignal(d Descriptor) error {
	p.mu.Lock()
	if p.destroyed || p.finished {
		p.mu.Unlock()

		return ErrLinkClosed
	}
	if p.remoteSet {
		p.mu.Unlock()

		return nil
	}
	p.remoteSet = true
	p.mu.Unlock()

	if err := p.consume(d); err != nil {
		p.mu.Lock()
		p.finished = true
		p.mu.Unlock()

		return err
	}

	return nil
}

func (p *WebRTC) consume(d Descriptor) error {
	sdp := webrtc.SessionDescription{}

	if err := json.Unmarshal(d, &sdp); err != nil {
		return errors.Wrap(ErrBadDescriptor, err.Error())
	}

	want := webrtc.SDPTypeAnswer
	if p.role == Responder {
		want = webrtc.SDPTypeOffer
	}
	if sdp.Type != want {
		return errors.Wrapf(ErrBadDescriptor, "%s got %s", p.role, sdp.Type)
	}

	if err := p.conn.SetRemoteDescription(sdp); err != nil {
		return errors.Wrap(err, "set remote description")
	}

	if p.role == Initiator {
		return nil
	}

	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return errors.Wrap(err, "create answer")
	}

	gathered := webrtc.GatheringCompletePromise(p.conn)

	if err := p.conn.SetLocalDescription(answer); err != nil {
		return errors.Wrap(err, "set local answer")
	}

	go p.emitLocal(gathered)

	return nil
}

func (p *WebRTC) emitLocal(gathered <-chan struct{}) {
	<-gathered

	desc := p.conn.LocalDescription()
	if desc == nil {
		return
	}

	payload, err := json.Marshal(desc)
	if err != nil {
		log.Error(err)

		return
	}

	p.mu.Lock()
	live := !p.destroyed
	p.mu.Unlock()

	if live {
		p.obs.OnSignal(payload)
	}
}

func (p *WebRTC) onConnTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.WithFields(log.Fields{"kind": track.Kind().String(), "codec": track.Codec().MimeType}).Info("remote track")

	p.remote.add(track)
}

func (p *WebRTC) onConnStateChange(state webrtc.PeerConnectionState) {
	log.Info("connection state changed: ", state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.mu.Lock()
		first := !p.connected && !p.destroyed && !p.finished
		p.connected = true
		p.mu.Unlock()

		if first {
			p.obs.OnConnected(p.remote)
		}
	case webrtc.PeerConnectionStateFailed:
		p.finish(ErrConnectionFailed)
	case webrtc.PeerConnectionStateClosed:
		p.finish(nil)
	}
}

// finish delivers the single terminal event unless the link was destroyed locally.
func (p *WebRTC) finish(err error) {
	p.mu.Lock()
	skip := p.destroyed || p.finished
	p.finished = true
	p.mu.Unlock()

	if skip {
		return
	}

	if err != nil {
		p.obs.OnError(err)

		return
	}

	p.obs.OnClosed()
}

func (p *WebRTC) registerDataChannel(channel *webrtc.DataChannel) {
	if channel.Label() != controlLabel {
		return
	}

	channel.OnOpen(func() {
		raw, err := channel.Detach()
		if err != nil {
			log.Error(err)

			return
		}

		p.mu.Lock()
		p.control = raw
		p.mu.Unlock()

		go p.readControl(raw)
	})
}

// readControl waits for the remote's in-band hangup so a call can end cleanly
// even when the signaling relay is gone.
func (p *WebRTC) readControl(raw datachannel.ReadWriteCloser) {
	buf := make([]byte, 64)

	for {
		n, err := raw.Read(buf)
		if err != nil {
			return
		}

		if string(buf[:n]) == controlBye {
			log.Info("remote hung up in-band")
			p.finish(nil)

			return
		}
	}
}

func (p *WebRTC) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()

		return
	}
	p.destroyed = true
	control := p.control
	p.mu.Unlock()

	if control != nil {
		if _, err := control.Write([]byte(controlBye)); err != nil {
			log.Debugf("in-band hangup: %v", err)
		}
		_ = control.Close()
	}

	if err := p.conn.Close(); err != nil {
		log.Error(err)
	}
}
