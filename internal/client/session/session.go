// Package session runs one participant's stay in a room: media, signaling
// and the peer links between them.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/client/chat"
	"github.com/dkeye/meshroom/internal/client/media"
	"github.com/dkeye/meshroom/internal/client/peer"
	"github.com/dkeye/meshroom/internal/client/render"
	"github.com/dkeye/meshroom/internal/client/signaling"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/wire"
	"github.com/rs/zerolog/log"
)

type EventKind int

const (
	EventJoined EventKind = iota
	EventPeerJoined
	EventPeerLeft
	EventLink
	EventChat
	EventError
	EventClosed
)

// Event is what a front end observes. Only the fields relevant to Kind are set.
type Event struct {
	Kind  EventKind
	Room  domain.RoomID
	Peer  domain.ParticipantID
	Name  string
	Link  peer.Info
	Chat  chat.Message
	Err   error
	Peers []domain.ParticipantID
}

type Options struct {
	ServerURL   string
	Room        domain.RoomID
	Name        string
	Constraints media.Constraints
	Capture     media.CaptureProvider
	// Transports builds the transport factory once the relay has assigned
	// our participant id.
	Transports     func(self domain.ParticipantID) peer.TransportFactory
	Surface        render.Surface
	ResponderGrace time.Duration
	JoinTimeout    time.Duration
	Signaling      signaling.Options
	// OnEvent is called from the session goroutines and must not block.
	OnEvent func(Event)
}

// Session is one joined room. A new Join is needed after Leave.
type Session struct {
	opts   Options
	self   domain.ParticipantID
	room   domain.RoomID
	client *signaling.Client
	media  *media.Session
	peers  *peer.Manager

	mu    sync.Mutex
	names map[domain.ParticipantID]string
	err   error

	done chan struct{}
	once sync.Once
}

// PeerView pairs link state with the display name learned from peer-joined.
type PeerView struct {
	peer.Info
	Name string
}

// Join captures media, then connects to the relay and enters the room.
// Capture failures abort before anything is sent.
func Join(ctx context.Context, opts Options) (*Session, error) {
	if opts.Room == "" {
		opts.Room = domain.DefaultRoom
	}
	opts.Name = domain.NormalizeDisplayName(opts.Name)
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	if opts.Capture == nil {
		opts.Capture = media.RTPProvider{}
	}
	if opts.Transports == nil {
		return nil, errors.New("session: no transport factory")
	}

	ms, err := media.Open(ctx, opts.Capture, opts.Constraints)
	if err != nil {
		return nil, err
	}

	client, err := signaling.Dial(ctx, opts.ServerURL, opts.Signaling)
	if err != nil {
		ms.Stop()
		return nil, err
	}

	joined, err := handshake(ctx, client, opts)
	if err != nil {
		client.Close()
		ms.Stop()
		return nil, err
	}

	s := &Session{
		opts:   opts,
		self:   joined.You,
		room:   joined.Room,
		client: client,
		media:  ms,
		names:  make(map[domain.ParticipantID]string),
		done:   make(chan struct{}),
	}
	s.peers = peer.NewManager(joined.You, peer.Options{
		Factory:        opts.Transports(joined.You),
		Signaler:       client,
		Media:          ms,
		Surface:        opts.Surface,
		OnChat:         func(m chat.Message) { s.emit(Event{Kind: EventChat, Peer: m.From, Chat: m}) },
		OnChange:       func(info peer.Info) { s.emit(Event{Kind: EventLink, Peer: info.ID, Link: info}) },
		ResponderGrace: opts.ResponderGrace,
	})

	log.Info().Str("module", "client.session").Str("pid", string(s.self)).Str("room", string(s.room)).
		Int("peers", len(joined.Peers)).Msg("joined")
	s.emit(Event{Kind: EventJoined, Room: s.room, Peer: s.self, Name: opts.Name, Peers: joined.Peers})
	s.peers.OnJoinedRoom(joined.Peers)
	go s.loop()
	return s, nil
}

func handshake(ctx context.Context, client *signaling.Client, opts Options) (wire.JoinedRoom, error) {
	if err := client.Send(wire.TypeJoinRoom, wire.JoinRoom{Room: opts.Room, UserName: opts.Name}); err != nil {
		return wire.JoinedRoom{}, err
	}
	timer := time.NewTimer(opts.JoinTimeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-client.Incoming():
			if !ok {
				return wire.JoinedRoom{}, signaling.ErrClosed
			}
			switch msg.Type {
			case wire.TypeJoinedRoom:
				var joined wire.JoinedRoom
				if err := msg.DecodeData(&joined); err != nil {
					return wire.JoinedRoom{}, err
				}
				return joined, nil
			case wire.TypeError:
				return wire.JoinedRoom{}, relayError(msg)
			default:
				log.Debug().Str("module", "client.session").Str("type", msg.Type).Msg("ignored before join")
			}
		case <-timer.C:
			return wire.JoinedRoom{}, fmt.Errorf("join %s: timed out", opts.Room)
		case <-ctx.Done():
			return wire.JoinedRoom{}, ctx.Err()
		}
	}
}

func relayError(msg wire.Message) error {
	var e wire.Error
	if err := msg.DecodeData(&e); err != nil {
		return err
	}
	return domain.WrapError("relay", domain.FromCode(e.Code), e.Message)
}

func (s *Session) loop() {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.client.Incoming():
			if !ok {
				s.shutdown(signaling.ErrClosed, false)
				return
			}
			s.route(msg)
		}
	}
}

func (s *Session) route(msg wire.Message) {
	switch msg.Type {
	case wire.TypePeerJoined:
		var ev wire.PeerJoined
		if err := msg.DecodeData(&ev); err != nil || ev.Room != s.room {
			return
		}
		s.mu.Lock()
		s.names[ev.ID] = ev.UserName
		s.mu.Unlock()
		s.peers.OnPeerJoined(ev.ID)
		s.emit(Event{Kind: EventPeerJoined, Room: ev.Room, Peer: ev.ID, Name: ev.UserName})
	case wire.TypePeerLeft:
		var ev wire.PeerLeft
		if err := msg.DecodeData(&ev); err != nil || ev.Room != s.room {
			return
		}
		s.peers.OnPeerLeft(ev.ID)
		s.mu.Lock()
		name := s.names[ev.ID]
		delete(s.names, ev.ID)
		s.mu.Unlock()
		s.emit(Event{Kind: EventPeerLeft, Room: ev.Room, Peer: ev.ID, Name: name})
	case wire.TypeSignal:
		var sig wire.Signal
		if err := msg.DecodeData(&sig); err != nil {
			return
		}
		var p wire.Payload
		if err := json.Unmarshal(sig.Payload, &p); err != nil {
			log.Warn().Err(err).Str("module", "client.session").Str("peer", string(sig.From)).Msg("bad signal payload")
			return
		}
		s.peers.OnSignal(sig.From, p)
	case wire.TypeError:
		err := relayError(msg)
		log.Warn().Err(err).Str("module", "client.session").Msg("relay error")
		s.emit(Event{Kind: EventError, Err: err})
	case wire.TypePong:
	default:
		log.Debug().Str("module", "client.session").Str("type", msg.Type).Msg("ignored")
	}
}

// SendChat fans text out to every peer with an open channel and returns how
// many were reached. Peers without one are skipped.
func (s *Session) SendChat(text string) (int, error) {
	return s.peers.Broadcast(text)
}

// SetEnabled mutes or unmutes local media without renegotiating.
func (s *Session) SetEnabled(kind media.Kind, enabled bool) int {
	return s.media.SetEnabled(kind, enabled)
}

func (s *Session) MediaEnabled(kind media.Kind) bool { return s.media.Enabled(kind) }

func (s *Session) Self() domain.ParticipantID { return s.self }
func (s *Session) Room() domain.RoomID        { return s.room }
func (s *Session) Name() string               { return s.opts.Name }

func (s *Session) Peers() []PeerView {
	infos := s.peers.Peers()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerView, 0, len(infos))
	for _, info := range infos {
		out = append(out, PeerView{Info: info, Name: s.names[info.ID]})
	}
	return out
}

// Leave announces the departure, closes every link and stops media. It
// returns once everything is released.
func (s *Session) Leave() {
	s.shutdown(nil, true)
}

// Done is closed once the session has ended for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended; nil after a normal Leave.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) shutdown(reason error, announce bool) {
	s.once.Do(func() {
		if announce {
			if err := s.client.Send(wire.TypeLeaveRoom, wire.LeaveRoom{Room: s.room}); err != nil {
				log.Debug().Err(err).Str("module", "client.session").Msg("leave not sent")
			}
		}
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.done)

		s.peers.CloseAll()
		s.media.Stop()
		s.client.Close()
		log.Info().Str("module", "client.session").Str("pid", string(s.self)).Str("room", string(s.room)).AnErr("reason", reason).Msg("left")
		s.emit(Event{Kind: EventClosed, Room: s.room, Err: reason})
	})
}

func (s *Session) emit(ev Event) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}
