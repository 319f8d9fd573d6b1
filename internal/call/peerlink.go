package call

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/mossy-p/telecare-signaling/config"
	"github.com/mossy-p/telecare-signaling/internal/models"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Signal is negotiation data for the remote side. Payload is the JSON form
// browsers use: RTCSessionDescriptionInit or RTCIceCandidateInit.
type Signal struct {
	Type    models.SignalType
	Payload json.RawMessage
}

// LinkEvents are raised by a PeerLink, possibly from its own goroutines.
type LinkEvents struct {
	OnLocalSignal func(Signal)
	OnRemoteTrack func(*webrtc.TrackRemote)
	OnConnected   func()
	OnError       func(error)
}

// PeerLink owns one peer connection for one call attempt. It never talks to
// the signaling channel itself: outbound data leaves through OnLocalSignal.
type PeerLink interface {
	// ApplyRemoteSignal feeds an offer, answer or candidate from the remote
	// side. After Destroy it only logs.
	ApplyRemoteSignal(sig Signal)
	// Destroy detaches local tracks without stopping them, closes the
	// connection and drops every callback. Safe to call repeatedly.
	Destroy()
}

// LinkFactory builds the PeerLink for a call. An initiator link starts
// generating its offer immediately.
type LinkFactory func(role Role, tracks []webrtc.TrackLocal, events LinkEvents) (PeerLink, error)

// NewPionFactory returns a LinkFactory producing pion peer connections that
// negotiate without trickle: every local description is surfaced only after
// candidate gathering has completed.
func NewPionFactory(cfg *config.ClientConfig, logger zerolog.Logger) LinkFactory {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, url := range cfg.STUNServers {
		if url != "" {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
		}
	}

	return func(role Role, tracks []webrtc.TrackLocal, events LinkEvents) (PeerLink, error) {
		api, err := newAPI(cfg.ICE)
		if err != nil {
			return nil, err
		}
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, err
		}
		return newPionLink(pc, role, tracks, events, logger)
	}
}

// newAPI builds a fresh API per connection; a MediaEngine must not be shared
// between peer connections.
func newAPI(ice config.ICETimeouts) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if ice.Disconnected > 0 && ice.Failed > 0 && ice.KeepAlive > 0 {
		se.SetICETimeouts(ice.Disconnected, ice.Failed, ice.KeepAlive)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// PionLink is a PeerLink over a pion PeerConnection.
type PionLink struct {
	log  zerolog.Logger
	role Role
	pc   *webrtc.PeerConnection

	senders []*webrtc.RTPSender

	mu     sync.Mutex
	events LinkEvents

	destroyed atomic.Bool
	closed    chan struct{}
	connected sync.Once
}

func newPionLink(pc *webrtc.PeerConnection, role Role, tracks []webrtc.TrackLocal, events LinkEvents, logger zerolog.Logger) (*PionLink, error) {
	l := &PionLink{
		log:    logger.With().Str("role", role.String()).Logger(),
		role:   role,
		pc:     pc,
		events: events,
		closed: make(chan struct{}),
	}

	haveAudio, haveVideo := false, false
	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			_ = pc.Close()
			return nil, errors.Wrapf(err, "add %s track", t.Kind())
		}
		l.senders = append(l.senders, sender)
		go drainRTCP(sender)

		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			haveAudio = true
		case webrtc.RTPCodecTypeVideo:
			haveVideo = true
		}
	}

	// Keep both m-lines so the remote side can still send what we lack.
	for kind, have := range map[webrtc.RTPCodecType]bool{
		webrtc.RTPCodecTypeAudio: haveAudio,
		webrtc.RTPCodecTypeVideo: haveVideo,
	} {
		if have {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, errors.Wrapf(err, "add recvonly %s transceiver", kind)
		}
	}

	pc.OnConnectionStateChange(l.onStateChange)
	pc.OnTrack(l.onTrack)

	if role == RoleInitiator {
		go l.negotiate(webrtc.SDPTypeOffer)
	}

	return l, nil
}

// drainRTCP reads incoming RTCP so interceptors (NACK, TWCC) keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (l *PionLink) ApplyRemoteSignal(sig Signal) {
	if l.destroyed.Load() {
		l.log.Debug().Str("type", string(sig.Type)).Msg("signal for destroyed link ignored")
		return
	}

	switch sig.Type {
	case models.SignalTypeOffer, models.SignalTypeAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(sig.Payload, &desc); err != nil {
			l.fail(errors.Wrap(err, "decode session description"))
			return
		}
		if err := l.pc.SetRemoteDescription(desc); err != nil {
			l.fail(errors.Wrap(err, "set remote description"))
			return
		}
		if desc.Type == webrtc.SDPTypeOffer {
			go l.negotiate(webrtc.SDPTypeAnswer)
		}

	case models.SignalTypeCandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Payload, &candidate); err != nil {
			l.log.Debug().Err(err).Msg("malformed candidate ignored")
			return
		}
		if err := l.pc.AddICECandidate(candidate); err != nil {
			l.log.Debug().Err(err).Msg("add candidate failed")
		}

	default:
		l.log.Debug().Str("type", string(sig.Type)).Msg("unknown signal type ignored")
	}
}

// negotiate creates the local offer or answer, waits for gathering to finish
// and surfaces the complete description.
func (l *PionLink) negotiate(kind webrtc.SDPType) {
	var (
		desc webrtc.SessionDescription
		err  error
	)
	if kind == webrtc.SDPTypeOffer {
		desc, err = l.pc.CreateOffer(nil)
	} else {
		desc, err = l.pc.CreateAnswer(nil)
	}
	if err != nil {
		l.fail(errors.Wrapf(err, "create %s", kind))
		return
	}

	gathered := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(desc); err != nil {
		l.fail(errors.Wrapf(err, "set local %s", kind))
		return
	}

	select {
	case <-gathered:
	case <-l.closed:
		return
	}

	local := l.pc.LocalDescription()
	if local == nil {
		l.fail(errors.Errorf("no local %s after gathering", kind))
		return
	}
	payload, err := json.Marshal(local)
	if err != nil {
		l.fail(err)
		return
	}

	l.log.Debug().Str("type", kind.String()).Msg("local description ready")
	if ev := l.callbacks(); ev.OnLocalSignal != nil {
		ev.OnLocalSignal(Signal{Type: models.SignalType(kind.String()), Payload: payload})
	}
}

func (l *PionLink) onStateChange(state webrtc.PeerConnectionState) {
	l.log.Debug().Str("state", state.String()).Msg("peer connection state")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		l.connected.Do(func() {
			if ev := l.callbacks(); ev.OnConnected != nil {
				ev.OnConnected()
			}
		})
	case webrtc.PeerConnectionStateFailed:
		l.fail(errors.New("connection failed"))
	}
}

func (l *PionLink) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		// Ask for a keyframe so the first frames decode.
		err := l.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
		if err != nil {
			l.log.Debug().Err(err).Msg("keyframe request failed")
		}
	}

	if ev := l.callbacks(); ev.OnRemoteTrack != nil {
		ev.OnRemoteTrack(track)
	}
}

func (l *PionLink) fail(err error) {
	if l.destroyed.Load() {
		return
	}
	l.log.Warn().Err(err).Msg("peer link error")
	if ev := l.callbacks(); ev.OnError != nil {
		ev.OnError(errors.Wrap(ErrNegotiationFailed, err.Error()))
	}
}

// callbacks returns the current events, or none once destroyed.
func (l *PionLink) callbacks() LinkEvents {
	if l.destroyed.Load() {
		return LinkEvents{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events
}

func (l *PionLink) Destroy() {
	if !l.destroyed.CompareAndSwap(false, true) {
		return
	}
	close(l.closed)

	l.mu.Lock()
	l.events = LinkEvents{}
	l.mu.Unlock()

	for _, sender := range l.senders {
		if err := l.pc.RemoveTrack(sender); err != nil {
			l.log.Debug().Err(err).Msg("remove track")
		}
	}
	if err := l.pc.Close(); err != nil {
		l.log.Debug().Err(err).Msg("close peer connection")
	}
}
