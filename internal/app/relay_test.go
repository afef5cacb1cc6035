package app

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/core/mocks"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []wire.Message
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	msg, err := wire.Decode(f)
	if err != nil {
		return err
	}
	c.frames = append(c.frames, msg)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) messages() []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Message(nil), c.frames...)
}

func (c *fakeConn) ofType(typ string) []wire.Message {
	var out []wire.Message
	for _, m := range c.messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func decodeAs[T any](t *testing.T, m wire.Message) T {
	t.Helper()
	var v T
	require.NoError(t, m.DecodeData(&v))
	return v
}

func sequentialIDs(ids ...domain.ParticipantID) func() domain.ParticipantID {
	var next atomic.Int64
	return func() domain.ParticipantID {
		i := next.Add(1) - 1
		if int(i) < len(ids) {
			return ids[i]
		}
		return domain.ParticipantID(fmt.Sprintf("p%d", i))
	}
}

func frame(t *testing.T, typ string, v any) []byte {
	t.Helper()
	b, err := wire.Encode(typ, v)
	require.NoError(t, err)
	return b
}

func newTestRelay(opts RelayOptions) *Relay {
	return NewRelay(NewRegistry(RejectSecondRoom), opts)
}

func TestRelayAliceBobScenario(t *testing.T) {
	relay := newTestRelay(RelayOptions{SameRoomOnly: true, NewID: sequentialIDs("A1", "B1")})
	a, b := &fakeConn{}, &fakeConn{}

	aID := relay.Connect(a, "ct-a")
	require.Equal(t, domain.ParticipantID("A1"), aID)
	relay.Handle(aID, frame(t, wire.TypeJoinRoom, wire.JoinRoom{Room: "R1", UserName: "Alice"}))

	joinedA := a.ofType(wire.TypeJoinedRoom)
	require.Len(t, joinedA, 1)
	assert.Equal(t, wire.JoinedRoom{Room: "R1", You: "A1", Peers: []domain.ParticipantID{}}, decodeAs[wire.JoinedRoom](t, joinedA[0]))

	bID := relay.Connect(b, "ct-b")
	relay.Handle(bID, frame(t, wire.TypeJoinRoom, wire.JoinRoom{Room: "R1", UserName: "Bob"}))

	joinedB := b.ofType(wire.TypeJoinedRoom)
	require.Len(t, joinedB, 1)
	assert.Equal(t, []domain.ParticipantID{"A1"}, decodeAs[wire.JoinedRoom](t, joinedB[0]).Peers)

	peerJoined := a.ofType(wire.TypePeerJoined)
	require.Len(t, peerJoined, 1)
	assert.Equal(t, wire.PeerJoined{Room: "R1", ID: "B1", UserName: "Bob"}, decodeAs[wire.PeerJoined](t, peerJoined[0]))

	// B spoofs from; the relay stamps its real id.
	payload := json.RawMessage(`{"type":"offer","sdp":{"type":"offer","sdp":"v=0"}}`)
	relay.Handle(bID, frame(t, wire.TypeSignal, wire.Signal{To: "A1", From: "Z9", Payload: payload}))
	signals := a.ofType(wire.TypeSignal)
	require.Len(t, signals, 1)
	sig := decodeAs[wire.Signal](t, signals[0])
	assert.Equal(t, domain.ParticipantID("B1"), sig.From)
	assert.JSONEq(t, string(payload), string(sig.Payload))

	// B drops without leaving.
	relay.Disconnect(bID)
	left := a.ofType(wire.TypePeerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, wire.PeerLeft{Room: "R1", ID: "B1"}, decodeAs[wire.PeerLeft](t, left[0]))
	assert.Equal(t, []domain.ParticipantID{"A1"}, ids(relay.Registry().Members("R1")))
	assert.Empty(t, b.ofType(wire.TypePeerLeft))
}

func TestRelaySignalToUnknownDestinationIsSilent(t *testing.T) {
	relay := newTestRelay(RelayOptions{NewID: sequentialIDs("A1")})
	a := &fakeConn{}
	aID := relay.Connect(a, "ct")

	relay.Handle(aID, frame(t, wire.TypeSignal, wire.Signal{To: "ghost", Payload: json.RawMessage(`{}`)}))
	assert.Empty(t, a.messages())

	err := relay.Signal(aID, wire.Signal{To: "ghost", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, domain.ErrUnknownDestination)
}

func TestRelaySameRoomOnly(t *testing.T) {
	relay := newTestRelay(RelayOptions{SameRoomOnly: true, NewID: sequentialIDs("A1", "B1")})
	a, b := &fakeConn{}, &fakeConn{}
	aID, bID := relay.Connect(a, "a"), relay.Connect(b, "b")
	require.NoError(t, relay.Join(aID, wire.JoinRoom{Room: "R1"}))
	require.NoError(t, relay.Join(bID, wire.JoinRoom{Room: "R2"}))

	err := relay.Signal(aID, wire.Signal{To: bID, Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, domain.ErrUnknownDestination)
	assert.Empty(t, b.ofType(wire.TypeSignal))
}

func TestRelayRejectsMalformedRequests(t *testing.T) {
	relay := newTestRelay(RelayOptions{NewID: sequentialIDs("A1")})
	a := &fakeConn{}
	aID := relay.Connect(a, "ct")

	relay.Handle(aID, []byte("garbage"))
	relay.Handle(aID, frame(t, wire.TypeJoinRoom, wire.JoinRoom{Room: ""}))
	relay.Handle(aID, frame(t, wire.TypeSignal, wire.Signal{To: "", Payload: json.RawMessage(`{}`)}))
	relay.Handle(aID, frame(t, "dance", nil))

	errs := a.ofType(wire.TypeError)
	require.Len(t, errs, 4)
	for _, m := range errs {
		assert.Equal(t, "invalid_request", decodeAs[wire.Error](t, m).Code)
	}
	assert.Empty(t, relay.Rooms())
}

func TestRelaySecondRoomRejected(t *testing.T) {
	relay := newTestRelay(RelayOptions{NewID: sequentialIDs("A1")})
	a := &fakeConn{}
	aID := relay.Connect(a, "ct")
	relay.Handle(aID, frame(t, wire.TypeJoinRoom, wire.JoinRoom{Room: "R1"}))
	relay.Handle(aID, frame(t, wire.TypeJoinRoom, wire.JoinRoom{Room: "R2"}))

	errs := a.ofType(wire.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "already_in_room", decodeAs[wire.Error](t, errs[0]).Code)
	assert.Equal(t, []domain.RoomID{"R1"}, relay.Registry().RoomsOf(aID))
}

func TestRelaySwitchRoomAnnouncesDeparture(t *testing.T) {
	relay := NewRelay(NewRegistry(SwitchRoom), RelayOptions{NewID: sequentialIDs("A1", "B1")})
	a, b := &fakeConn{}, &fakeConn{}
	aID, bID := relay.Connect(a, "a"), relay.Connect(b, "b")
	require.NoError(t, relay.Join(aID, wire.JoinRoom{Room: "R1"}))
	require.NoError(t, relay.Join(bID, wire.JoinRoom{Room: "R1"}))

	require.NoError(t, relay.Join(aID, wire.JoinRoom{Room: "R2"}))
	left := b.ofType(wire.TypePeerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, wire.PeerLeft{Room: "R1", ID: "A1"}, decodeAs[wire.PeerLeft](t, left[0]))
}

func TestRelayRejoinDoesNotRebroadcast(t *testing.T) {
	relay := newTestRelay(RelayOptions{NewID: sequentialIDs("A1", "B1")})
	a, b := &fakeConn{}, &fakeConn{}
	aID, bID := relay.Connect(a, "a"), relay.Connect(b, "b")
	require.NoError(t, relay.Join(aID, wire.JoinRoom{Room: "R1"}))
	require.NoError(t, relay.Join(bID, wire.JoinRoom{Room: "R1"}))
	require.NoError(t, relay.Join(bID, wire.JoinRoom{Room: "R1"}))

	assert.Len(t, a.ofType(wire.TypePeerJoined), 1)
	joined := b.ofType(wire.TypeJoinedRoom)
	require.Len(t, joined, 2)
	assert.Equal(t, decodeAs[wire.JoinedRoom](t, joined[0]), decodeAs[wire.JoinedRoom](t, joined[1]))
}

func TestRelayLeaveThenRejoinStartsClean(t *testing.T) {
	relay := newTestRelay(RelayOptions{NewID: sequentialIDs("A1", "B1")})
	a, b := &fakeConn{}, &fakeConn{}
	aID, bID := relay.Connect(a, "a"), relay.Connect(b, "b")
	require.NoError(t, relay.Join(aID, wire.JoinRoom{Room: "R1"}))
	require.NoError(t, relay.Join(bID, wire.JoinRoom{Room: "R1"}))

	relay.Handle(bID, frame(t, wire.TypeLeaveRoom, wire.LeaveRoom{Room: "R1"}))
	relay.Handle(bID, frame(t, wire.TypeLeaveRoom, wire.LeaveRoom{Room: "R1"}))
	assert.Len(t, a.ofType(wire.TypePeerLeft), 1)

	require.NoError(t, relay.Join(bID, wire.JoinRoom{Room: "R1"}))
	assert.Len(t, a.ofType(wire.TypePeerJoined), 2)
}

func TestRelayJoinRateLimited(t *testing.T) {
	relay := newTestRelay(RelayOptions{Limiter: NewJoinRateLimiter(1, 1<<40), NewID: sequentialIDs("A1")})
	a := &fakeConn{}
	aID := relay.Connect(a, "ct")
	require.NoError(t, relay.Join(aID, wire.JoinRoom{Room: "R1"}))
	err := relay.Join(aID, wire.JoinRoom{Room: "R1"})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestRelayPing(t *testing.T) {
	relay := newTestRelay(RelayOptions{NewID: sequentialIDs("A1")})
	a := &fakeConn{}
	aID := relay.Connect(a, "ct")
	relay.Handle(aID, frame(t, wire.TypePing, nil))
	assert.Len(t, a.ofType(wire.TypePong), 1)
}

func TestRelayKicksSlowConsumerOnMembershipFrames(t *testing.T) {
	ctrl := gomock.NewController(t)
	slow := mocks.NewMockSignalConnection(ctrl)
	slow.EXPECT().TrySend(gomock.Any()).Return(nil).Times(1) // its own joined-room
	slow.EXPECT().TrySend(gomock.Any()).Return(core.ErrBackpressure)
	slow.EXPECT().Close().Times(1)

	relay := newTestRelay(RelayOptions{Policy: SimplePolicy{Action: DropFrame}, NewID: sequentialIDs("A1", "B1")})
	aID := relay.Connect(slow, "a")
	require.NoError(t, relay.Join(aID, wire.JoinRoom{Room: "R1"}))

	b := &fakeConn{}
	bID := relay.Connect(b, "b")
	require.NoError(t, relay.Join(bID, wire.JoinRoom{Room: "R1"}))
}

func TestRelayDropsSignalOnBackpressureWhenConfigured(t *testing.T) {
	ctrl := gomock.NewController(t)
	slow := mocks.NewMockSignalConnection(ctrl)
	gomock.InOrder(
		slow.EXPECT().TrySend(gomock.Any()).Return(nil),
		slow.EXPECT().TrySend(gomock.Any()).Return(nil),
		slow.EXPECT().TrySend(gomock.Any()).Return(core.ErrBackpressure),
	)
	slow.EXPECT().Close().Times(0)

	relay := newTestRelay(RelayOptions{Policy: SimplePolicy{Action: DropFrame}, NewID: sequentialIDs("A1", "B1")})
	aID := relay.Connect(slow, "a")
	require.NoError(t, relay.Join(aID, wire.JoinRoom{Room: "R1"}))
	bID := relay.Connect(&fakeConn{}, "b")
	require.NoError(t, relay.Join(bID, wire.JoinRoom{Room: "R1"}))

	require.NoError(t, relay.Signal(bID, wire.Signal{To: aID, Payload: json.RawMessage(`{"type":"ice"}`)}))
}

// Concurrent joiners: every participant sees joined-room first, and for each
// pair exactly one side learns about the other from joined-room while the
// other side learns from peer-joined.
func TestRelayConcurrentJoinsAreLinearized(t *testing.T) {
	const n = 40
	relay := newTestRelay(RelayOptions{})
	conns := make([]*fakeConn, n)
	pids := make([]domain.ParticipantID, n)
	for i := range conns {
		conns[i] = &fakeConn{}
		pids[i] = relay.Connect(conns[i], fmt.Sprint(i))
	}

	var wg sync.WaitGroup
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			relay.Handle(pids[i], frame(t, wire.TypeJoinRoom, wire.JoinRoom{Room: "R", UserName: "x"}))
		}(i)
	}
	wg.Wait()

	knows := make([]map[domain.ParticipantID]string, n)
	for i, c := range conns {
		msgs := c.messages()
		require.NotEmpty(t, msgs)
		require.Equal(t, wire.TypeJoinedRoom, msgs[0].Type, "joined-room must come first for %s", pids[i])
		knows[i] = map[domain.ParticipantID]string{}
		for _, p := range decodeAs[wire.JoinedRoom](t, msgs[0]).Peers {
			knows[i][p] = "joined"
		}
		for _, m := range msgs[1:] {
			require.Equal(t, wire.TypePeerJoined, m.Type)
			id := decodeAs[wire.PeerJoined](t, m).ID
			_, dup := knows[i][id]
			require.False(t, dup, "%s learned about %s twice", pids[i], id)
			knows[i][id] = "peer-joined"
		}
		assert.Len(t, knows[i], n-1)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			assert.NotEqual(t, knows[i][pids[j]], knows[j][pids[i]], "pair %s/%s", pids[i], pids[j])
		}
	}
}

func TestRelayPerDestinationOrderIsPreserved(t *testing.T) {
	relay := newTestRelay(RelayOptions{NewID: sequentialIDs("A1", "B1")})
	a, b := &fakeConn{}, &fakeConn{}
	aID, bID := relay.Connect(a, "a"), relay.Connect(b, "b")
	require.NoError(t, relay.Join(aID, wire.JoinRoom{Room: "R1"}))
	require.NoError(t, relay.Join(bID, wire.JoinRoom{Room: "R1"}))

	for i := 0; i < 100; i++ {
		require.NoError(t, relay.Signal(bID, wire.Signal{To: aID, Payload: json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))}))
	}
	sigs := a.ofType(wire.TypeSignal)
	require.Len(t, sigs, 100)
	for i, m := range sigs {
		var p struct{ Seq int }
		require.NoError(t, json.Unmarshal(decodeAs[wire.Signal](t, m).Payload, &p))
		assert.Equal(t, i, p.Seq)
	}
}
