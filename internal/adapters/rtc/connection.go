package rtc

import (
	"errors"

	"github.com/dkeye/meshroom/internal/client/chat"
	"github.com/dkeye/meshroom/internal/client/peer"
	"github.com/dkeye/meshroom/internal/client/render"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// WebRTCConnection is a peer.Transport backed by a pion PeerConnection.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	remote domain.ParticipantID
}

var _ peer.Transport = (*WebRTCConnection)(nil)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// WebRTCConfig builds the ICE configuration from client settings. Relay-only
// mode needs at least one TURN server.
func WebRTCConfig(cfg *config.ClientConfig) (webrtc.Configuration, error) {
	if cfg == nil {
		return DefaultWebRTCConfig(), nil
	}
	var servers []webrtc.ICEServer
	if len(cfg.STUN) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUN})
	}
	if len(cfg.TURN) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       cfg.TURN,
			Username:   cfg.TURNUser,
			Credential: cfg.TURNPass,
		})
	}

	policy := webrtc.ICETransportPolicyAll
	if cfg.ForceRelay {
		if len(cfg.TURN) == 0 {
			return webrtc.Configuration{}, errors.New("cannot force relay mode without TURN server configured")
		}
		policy = webrtc.ICETransportPolicyRelay
	}
	return webrtc.Configuration{ICEServers: servers, ICETransportPolicy: policy}, nil
}

func NewWebRTCConnection(cfg webrtc.Configuration, remote domain.ParticipantID) (*WebRTCConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &WebRTCConnection{pc: pc, remote: remote}
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("peer", string(remote)).Str("ice_state", s.String()).Msg("ICE state")
	})
	return c, nil
}

// Factory returns a peer.TransportFactory that builds every connection with cfg.
func Factory(cfg webrtc.Configuration) peer.TransportFactory {
	return func(remote domain.ParticipantID) (peer.Transport, error) {
		c, err := NewWebRTCConnection(cfg, remote)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *WebRTCConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *WebRTCConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddTrack attaches a local track. RTCP from the sender is drained so the
// interceptors keep running.
func (c *WebRTCConnection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *WebRTCConnection) CreateDataChannel(label string) (chat.Channel, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (c *WebRTCConnection) OnDataChannel(fn func(chat.Channel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(dc)
	})
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (c *WebRTCConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(c.remote)).Str("peer_connection_state", s.String()).Msg("Peer state")
		fn(s)
	})
}

// OnTrack hands every remote track to fn.
func (c *WebRTCConnection) OnTrack(fn func(render.RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", string(c.remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		fn(track)
	})
}

func (c *WebRTCConnection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *WebRTCConnection) Close() error {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.remote)).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("peer", string(c.remote)).Msg("closed")
	return nil
}
