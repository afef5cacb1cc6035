// Package peer negotiates and owns one transport per remote participant.
package peer

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/client/chat"
	"github.com/dkeye/meshroom/internal/client/media"
	"github.com/dkeye/meshroom/internal/client/render"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/wire"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type State int

const (
	Idle State = iota
	Negotiating
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type Role int

const (
	NoRole Role = iota
	Initiator
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return "none"
	}
}

// Transport is one peer connection. The rtc adapter implements it on top of
// pion; tests use an in-memory fake. Callbacks may fire on any goroutine.
type Transport interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) error
	CreateDataChannel(label string) (chat.Channel, error)

	OnDataChannel(func(chat.Channel))
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(render.RemoteTrack))

	Close() error
}

// TransportFactory builds a fresh transport toward remote.
type TransportFactory func(remote domain.ParticipantID) (Transport, error)

// Signaler delivers a negotiation payload to one participant via the relay.
type Signaler interface {
	SendSignal(to domain.ParticipantID, payload wire.Payload) error
}

type Options struct {
	Factory  TransportFactory
	Signaler Signaler
	// Media may be nil for a receive-only participant.
	Media   *media.Session
	Surface render.Surface
	// OnChat receives every inbound chat message.
	OnChat func(chat.Message)
	// OnChange fires after a link changes state. It must not block.
	OnChange func(Info)
	// ResponderGrace is how long an existing member waits for the newcomer's
	// offer before initiating itself. Zero waits forever.
	ResponderGrace time.Duration
}

// Info is a point-in-time view of one link.
type Info struct {
	ID            domain.ParticipantID
	State         State
	Role          Role
	PendingRemote bool
	ChatOpen      bool
	Generation    int
}

// Manager keeps the link table for one room session. It is safe for
// concurrent use; every link runs its own negotiation goroutine.
type Manager struct {
	self domain.ParticipantID
	opts Options

	mu     sync.Mutex
	links  map[domain.ParticipantID]*Link
	closed bool
}

func NewManager(self domain.ParticipantID, opts Options) *Manager {
	return &Manager{
		self:  self,
		opts:  opts,
		links: make(map[domain.ParticipantID]*Link),
	}
}

func (m *Manager) Self() domain.ParticipantID { return m.self }

// OnJoinedRoom starts negotiation toward every member that was already in
// the room. The joiner is the initiator for all of them.
func (m *Manager) OnJoinedRoom(peers []domain.ParticipantID) {
	for _, id := range peers {
		if id == m.self {
			continue
		}
		if l, created := m.ensure(id); l != nil {
			if !created {
				log.Debug().Str("module", "client.peer").Str("peer", string(id)).Msg("link exists, initiate anyway")
			}
			l.post(event{kind: evInitiate})
		}
	}
}

// OnPeerJoined prepares an idle link and waits for the newcomer to offer.
// A duplicate notification for a live link is ignored.
func (m *Manager) OnPeerJoined(id domain.ParticipantID) {
	if id == m.self {
		return
	}
	l, created := m.ensure(id)
	if l == nil {
		return
	}
	if !created {
		log.Debug().Str("module", "client.peer").Str("peer", string(id)).Msg("duplicate peer-joined ignored")
		return
	}
	l.armGrace(m.opts.ResponderGrace)
}

func (m *Manager) OnPeerLeft(id domain.ParticipantID) {
	m.Close(id)
}

// OnSignal routes a relayed payload to its link. Only an offer may create a
// link; anything else for an unknown peer is stale and dropped.
func (m *Manager) OnSignal(from domain.ParticipantID, payload wire.Payload) {
	if err := payload.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "client.peer").Str("peer", string(from)).Msg("bad payload")
		return
	}
	var l *Link
	if payload.Type == wire.PayloadOffer {
		l, _ = m.ensure(from)
	} else {
		l = m.get(from)
	}
	if l == nil {
		log.Debug().Str("module", "client.peer").Str("peer", string(from)).Str("type", payload.Type).Msg("signal for unknown link dropped")
		return
	}
	l.post(event{kind: evRemote, payload: payload})
}

// Broadcast sends text on every open chat channel. Peers without an open
// channel are skipped. It returns how many peers were reached.
func (m *Manager) Broadcast(text string) (int, error) {
	sent := 0
	for _, l := range m.snapshot() {
		c := l.chat.Load()
		if c == nil {
			continue
		}
		if err := c.Send(text); err != nil {
			if errors.Is(err, domain.ErrInvalidRequest) {
				return sent, err
			}
			log.Debug().Err(err).Str("module", "client.peer").Str("peer", string(l.id)).Msg("chat skipped")
			continue
		}
		sent++
	}
	return sent, nil
}

func (m *Manager) Link(id domain.ParticipantID) (Info, bool) {
	l := m.get(id)
	if l == nil {
		return Info{}, false
	}
	return l.Info(), true
}

// Peers lists every live link ordered by participant id.
func (m *Manager) Peers() []Info {
	links := m.snapshot()
	out := make([]Info, 0, len(links))
	for _, l := range links {
		out = append(out, l.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close tears down the link to id and waits until its transport, chat
// channel, view and media reference are released.
func (m *Manager) Close(id domain.ParticipantID) {
	m.mu.Lock()
	l := m.links[id]
	delete(m.links, id)
	m.mu.Unlock()
	if l != nil {
		l.close()
	}
}

// CloseAll closes every link and refuses new ones.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	links := m.links
	m.links = make(map[domain.ParticipantID]*Link)
	m.mu.Unlock()

	for _, l := range links {
		l.close()
	}
	log.Info().Str("module", "client.peer").Int("links", len(links)).Msg("all links closed")
}

func (m *Manager) ensure(id domain.ParticipantID) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false
	}
	if l, ok := m.links[id]; ok {
		return l, false
	}
	l := newLink(m, id)
	m.links[id] = l
	go l.run()
	log.Debug().Str("module", "client.peer").Str("peer", string(id)).Msg("link created")
	return l, true
}

func (m *Manager) get(id domain.ParticipantID) *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[id]
}

// remove drops l from the table if it is still the current link for its id.
func (m *Manager) remove(l *Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[l.id] == l {
		delete(m.links, l.id)
	}
}

func (m *Manager) snapshot() []*Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}
