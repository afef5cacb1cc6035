package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	router "github.com/dkeye/meshroom/internal/adapters/http"
	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/client/media"
	"github.com/dkeye/meshroom/internal/client/peer"
	"github.com/dkeye/meshroom/internal/client/peer/peertest"
	"github.com/dkeye/meshroom/internal/client/signaling"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type idSequence struct {
	mu  sync.Mutex
	ids []domain.ParticipantID
}

func (s *idSequence) next() domain.ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.ids[0]
	s.ids = s.ids[1:]
	return id
}

type events struct {
	mu  sync.Mutex
	all []Event
}

func (e *events) add(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
}

func (e *events) chats() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.all {
		if ev.Kind == EventChat {
			out = append(out, ev.Chat.String())
		}
	}
	return out
}

func (e *events) has(kind EventKind, id domain.ParticipantID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.all {
		if ev.Kind == kind && ev.Peer == id {
			return true
		}
	}
	return false
}

type env struct {
	url   string
	relay *app.Relay
	net   *peertest.Network
}

func startRelay(t *testing.T, ids ...domain.ParticipantID) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	seq := &idSequence{ids: ids}
	relay := app.NewRelay(app.NewRegistry(app.RejectSecondRoom), app.RelayOptions{SameRoomOnly: true, NewID: seq.next})
	cfg := &config.Config{
		Mode:       "test",
		ReadLimit:  1 << 16,
		PingPeriod: time.Second,
		PongWait:   2 * time.Second,
		WriteWait:  time.Second,
		SendBuffer: 64,
		Secret:     "test-secret",
	}
	srv := httptest.NewServer(router.SetupRouter(ctx, cfg, relay))
	t.Cleanup(srv.Close)
	return &env{
		url:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal",
		relay: relay,
		net:   peertest.NewNetwork(),
	}
}

func (e *env) join(t *testing.T, room domain.RoomID, name string, evs *events) *Session {
	t.Helper()
	s, err := Join(context.Background(), Options{
		ServerURL:      e.url,
		Room:           room,
		Name:           name,
		Constraints:    media.Constraints{Audio: true, Video: true},
		Transports:     func(self domain.ParticipantID) peer.TransportFactory { return e.net.Factory(self) },
		ResponderGrace: time.Second,
		OnEvent:        evs.add,
	})
	require.NoError(t, err)
	t.Cleanup(s.Leave)
	return s
}

func connectedTo(s *Session, id domain.ParticipantID) bool {
	for _, p := range s.Peers() {
		if p.ID == id {
			return p.State == peer.Connected && p.ChatOpen
		}
	}
	return false
}

func TestTwoParticipantsMeetChatAndPart(t *testing.T) {
	e := startRelay(t, "A1", "B1")
	var evA, evB events

	alice := e.join(t, "R1", "Alice", &evA)
	assert.Equal(t, domain.ParticipantID("A1"), alice.Self())
	assert.Empty(t, alice.Peers())

	bob := e.join(t, "R1", "Bob", &evB)
	assert.Equal(t, domain.ParticipantID("B1"), bob.Self())

	require.Eventually(t, func() bool { return connectedTo(alice, "B1") && connectedTo(bob, "A1") }, waitFor, tick)
	assert.True(t, evA.has(EventPeerJoined, "B1"))
	assert.Equal(t, "Bob", alice.Peers()[0].Name)

	n, err := alice.SendChat("hi")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Eventually(t, func() bool { return len(evB.chats()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"[A1] hi"}, evB.chats())

	// Mute never renegotiates.
	offers := e.net.Offers()
	assert.Equal(t, 1, alice.SetEnabled(media.Video, false))
	assert.False(t, alice.MediaEnabled(media.Video))
	assert.Equal(t, offers, e.net.Offers())

	// Bob vanishes without leave-room.
	bob.client.Close()
	require.Eventually(t, func() bool { return len(alice.Peers()) == 0 }, waitFor, tick)
	assert.True(t, evA.has(EventPeerLeft, "B1"))
	select {
	case <-bob.Done():
	case <-time.After(waitFor):
		t.Fatal("bob's session did not end")
	}
	assert.ErrorIs(t, bob.Err(), signaling.ErrClosed)
	assert.Zero(t, bob.media.Refs())
	assert.True(t, bob.media.Stopped())

	rooms := e.relay.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, 1, rooms[0].MemberCount)
}

func TestLeaveReleasesAndRejoinStartsClean(t *testing.T) {
	e := startRelay(t, "A1", "B1", "A2")
	var evA, evB, evA2 events

	alice := e.join(t, "R1", "Alice", &evA)
	bob := e.join(t, "R1", "Bob", &evB)
	require.Eventually(t, func() bool { return connectedTo(alice, "B1") && connectedTo(bob, "A1") }, waitFor, tick)

	alice.Leave()
	assert.Empty(t, alice.Peers())
	assert.True(t, alice.media.Stopped())
	assert.Zero(t, alice.media.Refs())
	assert.NoError(t, alice.Err())
	require.Eventually(t, func() bool { return len(bob.Peers()) == 0 }, waitFor, tick)

	n, err := alice.SendChat("anyone?")
	require.NoError(t, err)
	assert.Zero(t, n)

	again := e.join(t, "R1", "Alice", &evA2)
	assert.Equal(t, domain.ParticipantID("A2"), again.Self())
	require.Eventually(t, func() bool { return connectedTo(again, "B1") && connectedTo(bob, "A2") }, waitFor, tick)
	assert.Len(t, again.Peers(), 1)
}

func TestJoinFailsOnCaptureError(t *testing.T) {
	e := startRelay(t, "A1")
	_, err := Join(context.Background(), Options{
		ServerURL:   e.url,
		Room:        "R1",
		Constraints: media.Constraints{Video: true},
		Capture:     deniedCapture{},
		Transports:  func(self domain.ParticipantID) peer.TransportFactory { return e.net.Factory(self) },
	})
	assert.ErrorIs(t, err, domain.ErrMediaAccessDenied)
	assert.Empty(t, e.relay.Rooms(), "nothing was sent to the relay")
}

func TestJoinFailsWhenRelayUnreachable(t *testing.T) {
	n := peertest.NewNetwork()
	_, err := Join(context.Background(), Options{
		ServerURL:  "ws://127.0.0.1:1/api/ws/signal",
		Transports: func(self domain.ParticipantID) peer.TransportFactory { return n.Factory(self) },
	})
	assert.Error(t, err)
}

func TestJoinDefaultsRoomAndName(t *testing.T) {
	e := startRelay(t, "A1")
	var evs events
	s, err := Join(context.Background(), Options{
		ServerURL:  e.url,
		Transports: func(self domain.ParticipantID) peer.TransportFactory { return e.net.Factory(self) },
		OnEvent:    evs.add,
	})
	require.NoError(t, err)
	t.Cleanup(s.Leave)

	assert.Equal(t, domain.DefaultRoom, s.Room())
	assert.Equal(t, domain.DefaultDisplayName, s.Name())
	assert.True(t, evs.has(EventJoined, "A1"))
}

type deniedCapture struct{}

func (deniedCapture) Capture(context.Context, media.Constraints) ([]media.Track, error) {
	return nil, domain.ErrMediaAccessDenied
}
