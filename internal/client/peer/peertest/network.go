// Package peertest provides an in-memory transport network and signaling bus
// for exercising peer.Manager without sockets or ICE.
package peertest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/meshroom/internal/client/chat"
	"github.com/dkeye/meshroom/internal/client/peer"
	"github.com/dkeye/meshroom/internal/client/render"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/wire"
	"github.com/pion/webrtc/v4"
)

var ErrClosed = errors.New("transport closed")

type key struct{ local, remote domain.ParticipantID }

// Network pairs transports by direction. Two transports connect once their
// descriptions mirror each other.
type Network struct {
	mu         sync.Mutex
	transports map[key]*Transport
	broken     map[key]error
	seq        int

	offers  atomic.Int32
	answers atomic.Int32
}

func NewNetwork() *Network {
	return &Network{
		transports: make(map[key]*Transport),
		broken:     make(map[key]error),
	}
}

// Factory returns the transport factory for participant local.
func (n *Network) Factory(local domain.ParticipantID) peer.TransportFactory {
	return func(remote domain.ParticipantID) (peer.Transport, error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		k := key{local, remote}
		if err := n.broken[k]; err != nil {
			return nil, err
		}
		n.seq++
		t := &Transport{net: n, local: local, remote: remote, seq: n.seq}
		n.transports[k] = t
		return t, nil
	}
}

// Break makes the factory for local toward remote fail with err.
func (n *Network) Break(local, remote domain.ParticipantID, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broken[key{local, remote}] = err
}

// Fail reports a failed connection on the current transport from local to
// remote. It returns false if there is none.
func (n *Network) Fail(local, remote domain.ParticipantID) bool {
	n.mu.Lock()
	t := n.transports[key{local, remote}]
	var fn func(webrtc.PeerConnectionState)
	if t != nil {
		fn = t.onState
	}
	n.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(webrtc.PeerConnectionStateFailed)
	return true
}

// Current is the latest live transport from local to remote.
func (n *Network) Current(local, remote domain.ParticipantID) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transports[key{local, remote}]
}

// Live counts transports that were built and not closed.
func (n *Network) Live() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.transports)
}

func (n *Network) Offers() int  { return int(n.offers.Load()) }
func (n *Network) Answers() int { return int(n.answers.Load()) }

// Transport implements peer.Transport in memory. All state is guarded by
// the network lock; callbacks run after it is released.
type Transport struct {
	net           *Network
	local, remote domain.ParticipantID
	seq           int

	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	channels   []*Channel
	connected  bool
	closed     bool

	onDC    func(chat.Channel)
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(render.RemoteTrack)
}

var _ peer.Transport = (*Transport)(nil)

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.describe(webrtc.SDPTypeOffer)
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.describe(webrtc.SDPTypeAnswer)
}

func (t *Transport) describe(typ webrtc.SDPType) (webrtc.SessionDescription, error) {
	n := t.net
	n.mu.Lock()
	if t.closed {
		n.mu.Unlock()
		return webrtc.SessionDescription{}, ErrClosed
	}
	if typ == webrtc.SDPTypeAnswer && (t.remoteDesc == nil || t.remoteDesc.Type != webrtc.SDPTypeOffer) {
		n.mu.Unlock()
		return webrtc.SessionDescription{}, errors.New("answer without remote offer")
	}
	desc := webrtc.SessionDescription{
		Type: typ,
		SDP:  fmt.Sprintf("%s %s->%s #%d", typ, t.local, t.remote, t.seq),
	}
	t.localDesc = &desc
	onICE := t.onICE
	n.mu.Unlock()

	if typ == webrtc.SDPTypeOffer {
		n.offers.Add(1)
	} else {
		n.answers.Add(1)
	}
	if onICE != nil {
		for i := 0; i < 2; i++ {
			onICE(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s-%d-%d", t.local, t.seq, i)})
		}
	}
	n.tryConnect(t)
	return desc, nil
}

func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	n := t.net
	n.mu.Lock()
	if t.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if desc.Type == webrtc.SDPTypeAnswer && (t.localDesc == nil || t.localDesc.Type != webrtc.SDPTypeOffer) {
		n.mu.Unlock()
		return errors.New("answer without local offer")
	}
	t.remoteDesc = &desc
	n.mu.Unlock()
	n.tryConnect(t)
	return nil
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if t.remoteDesc == nil {
		return errors.New("remote description not set")
	}
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *Transport) AddTrack(track webrtc.TrackLocal) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.tracks = append(t.tracks, track)
	return nil
}

func (t *Transport) CreateDataChannel(label string) (chat.Channel, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	ch := NewChannel(label)
	t.channels = append(t.channels, ch)
	return ch, nil
}

func (t *Transport) OnDataChannel(fn func(chat.Channel)) { t.set(func() { t.onDC = fn }) }
func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.set(func() { t.onICE = fn })
}
func (t *Transport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.set(func() { t.onState = fn })
}
func (t *Transport) OnTrack(fn func(render.RemoteTrack)) { t.set(func() { t.onTrack = fn }) }

func (t *Transport) set(fn func()) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	fn()
}

func (t *Transport) Close() error {
	n := t.net
	n.mu.Lock()
	if t.closed {
		n.mu.Unlock()
		return nil
	}
	t.closed = true
	if k := (key{t.local, t.remote}); n.transports[k] == t {
		delete(n.transports, k)
	}
	channels := append([]*Channel(nil), t.channels...)
	onState := t.onState
	n.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	if onState != nil {
		onState(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// Candidates returns the remote candidates applied so far, in order.
func (t *Transport) Candidates() []webrtc.ICECandidateInit {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.candidates...)
}

func (t *Transport) Closed() bool {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return t.closed
}

func (t *Transport) Generation() int { return t.seq }

func (n *Network) tryConnect(t *Transport) {
	n.mu.Lock()
	p := n.transports[key{t.remote, t.local}]
	if p == nil || !mirrored(t, p) || t.connected || p.connected || t.closed || p.closed {
		n.mu.Unlock()
		return
	}
	t.connected, p.connected = true, true

	// Like pion, the connection reports connected before its data channels
	// open.
	var fire, opens []func()
	for _, pair := range [][2]*Transport{{t, p}, {p, t}} {
		from, to := pair[0], pair[1]
		for _, ch := range from.channels {
			ch := ch
			remote := NewChannel(ch.Label())
			link(ch, remote)
			onDC := to.onDC
			opens = append(opens, func() {
				if onDC != nil {
					onDC(remote)
				}
				ch.open()
				remote.open()
			})
		}
		for _, tr := range from.tracks {
			onTrack := to.onTrack
			rt := remoteTrack{id: tr.ID(), streamID: tr.StreamID(), kind: tr.Kind()}
			if onTrack != nil {
				fire = append(fire, func() { onTrack(rt) })
			}
		}
		if fn := from.onState; fn != nil {
			fire = append(fire, func() { fn(webrtc.PeerConnectionStateConnected) })
		}
	}
	n.mu.Unlock()

	for _, fn := range append(fire, opens...) {
		fn()
	}
}

func mirrored(a, b *Transport) bool {
	if a.localDesc == nil || a.remoteDesc == nil || b.localDesc == nil || b.remoteDesc == nil {
		return false
	}
	return a.localDesc.SDP == b.remoteDesc.SDP && a.remoteDesc.SDP == b.localDesc.SDP
}

type remoteTrack struct {
	id, streamID string
	kind         webrtc.RTPCodecType
}

func (r remoteTrack) ID() string                { return r.id }
func (r remoteTrack) StreamID() string          { return r.streamID }
func (r remoteTrack) Kind() webrtc.RTPCodecType { return r.kind }

// Channel is an in-memory data channel. Sends are delivered synchronously
// to the paired channel.
type Channel struct {
	label string

	mu        sync.Mutex
	state     webrtc.DataChannelState
	peer      *Channel
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
}

var _ chat.Channel = (*Channel)(nil)

func NewChannel(label string) *Channel {
	return &Channel{label: label, state: webrtc.DataChannelStateConnecting}
}

func link(a, b *Channel) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (c *Channel) Label() string { return c.label }

func (c *Channel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnOpen runs fn right away when the channel is already open, as pion does.
func (c *Channel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	open := c.state == webrtc.DataChannelStateOpen
	c.mu.Unlock()
	if open && fn != nil {
		fn()
	}
}

func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *Channel) OnMessage(fn func(webrtc.DataChannelMessage)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *Channel) Send(b []byte) error {
	c.mu.Lock()
	open, peer := c.state == webrtc.DataChannelStateOpen, c.peer
	c.mu.Unlock()
	if !open || peer == nil {
		return errors.New("data channel not open")
	}
	peer.mu.Lock()
	fn := peer.onMessage
	peer.mu.Unlock()
	if fn != nil {
		fn(webrtc.DataChannelMessage{Data: append([]byte(nil), b...)})
	}
	return nil
}

func (c *Channel) open() {
	c.mu.Lock()
	if c.state != webrtc.DataChannelStateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = webrtc.DataChannelStateOpen
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == webrtc.DataChannelStateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = webrtc.DataChannelStateClosed
	fn, peer := c.onClose, c.peer
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	if peer != nil {
		_ = peer.Close()
	}
	return nil
}

// Sent is one payload that crossed the bus.
type Sent struct {
	From, To domain.ParticipantID
	Payload  wire.Payload
}

// Bus relays payloads between managers the way the signaling server does:
// in order per destination, through a JSON round trip.
type Bus struct {
	mu       sync.Mutex
	managers map[domain.ParticipantID]*peer.Manager
	log      []Sent
	hold     bool
	held     []Sent
}

func NewBus() *Bus {
	return &Bus{managers: make(map[domain.ParticipantID]*peer.Manager)}
}

func (b *Bus) Attach(m *peer.Manager) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.managers[m.Self()] = m
}

// Endpoint is the Signaler for participant self.
func (b *Bus) Endpoint(self domain.ParticipantID) peer.Signaler {
	return endpoint{bus: b, self: self}
}

// Hold queues every payload until Release.
func (b *Bus) Hold() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hold = true
}

// Release delivers the held payloads in order. Payloads sent while it runs
// queue behind them.
func (b *Bus) Release() {
	for {
		b.mu.Lock()
		if len(b.held) == 0 {
			b.hold = false
			b.mu.Unlock()
			return
		}
		s := b.held[0]
		b.held = b.held[1:]
		b.mu.Unlock()
		b.deliver(s)
	}
}

// Sent returns a copy of everything sent so far, held payloads included.
func (b *Bus) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.log...)
}

// Count counts sent payloads of type typ from one participant to another.
func (b *Bus) Count(from, to domain.ParticipantID, typ string) int {
	n := 0
	for _, s := range b.Sent() {
		if s.From == from && s.To == to && s.Payload.Type == typ {
			n++
		}
	}
	return n
}

func (b *Bus) deliver(s Sent) {
	b.mu.Lock()
	m := b.managers[s.To]
	b.mu.Unlock()
	if m != nil {
		m.OnSignal(s.From, s.Payload)
	}
}

type endpoint struct {
	bus  *Bus
	self domain.ParticipantID
}

func (e endpoint) SendSignal(to domain.ParticipantID, p wire.Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	var decoded wire.Payload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	s := Sent{From: e.self, To: to, Payload: decoded}

	b := e.bus
	b.mu.Lock()
	b.log = append(b.log, s)
	if b.hold {
		b.held = append(b.held, s)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	b.deliver(s)
	return nil
}
