package rtc

import (
	"testing"

	"github.com/dkeye/meshroom/internal/client/chat"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebRTCConfigFromClientSettings(t *testing.T) {
	cfg, err := WebRTCConfig(&config.ClientConfig{
		STUN:     []string{"stun:stun.example.org:3478"},
		TURN:     []string{"turn:turn.example.org:3478"},
		TURNUser: "u",
		TURNPass: "p",
	})
	require.NoError(t, err)
	require.Len(t, cfg.ICEServers, 2)
	assert.Equal(t, "u", cfg.ICEServers[1].Username)
	assert.Equal(t, webrtc.ICETransportPolicyAll, cfg.ICETransportPolicy)

	cfg, err = WebRTCConfig(&config.ClientConfig{TURN: []string{"turn:t"}, ForceRelay: true})
	require.NoError(t, err)
	assert.Equal(t, webrtc.ICETransportPolicyRelay, cfg.ICETransportPolicy)

	_, err = WebRTCConfig(&config.ClientConfig{ForceRelay: true})
	assert.Error(t, err)

	cfg, err = WebRTCConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultWebRTCConfig(), cfg)
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	cfg := webrtc.Configuration{}
	a, err := NewWebRTCConnection(cfg, "B1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := NewWebRTCConnection(cfg, "A1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ch, err := a.CreateDataChannel(chat.Label)
	require.NoError(t, err)
	assert.Equal(t, chat.Label, ch.Label())

	offer, err := a.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "webrtc-datachannel")

	require.NoError(t, b.SetRemoteDescription(offer))
	answer, err := b.CreateAnswer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	require.NoError(t, a.SetRemoteDescription(answer))

	require.NotNil(t, a.LocalDescription())
	assert.Equal(t, webrtc.SDPTypeOffer, a.LocalDescription().Type)
}

func TestCandidateBeforeRemoteDescriptionFails(t *testing.T) {
	c, err := NewWebRTCConnection(webrtc.Configuration{}, "B1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	err = c.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host"})
	assert.Error(t, err)
}

func TestFactoryBuildsIndependentConnections(t *testing.T) {
	f := Factory(webrtc.Configuration{})
	t1, err := f("B1")
	require.NoError(t, err)
	t2, err := f("C1")
	require.NoError(t, err)
	assert.NotSame(t, t1, t2)
	assert.NoError(t, t1.Close())
	assert.NoError(t, t2.Close())
}
