package app

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/wire"
	"github.com/rs/zerolog/log"
)

type participant struct {
	conn  core.SignalConnection
	token string
}

// RelayOptions configures a Relay. Zero values are usable.
type RelayOptions struct {
	Policy       Policy
	Limiter      *JoinRateLimiter
	SameRoomOnly bool
	NewID        func() domain.ParticipantID
}

// Relay routes membership events and opaque negotiation payloads between
// connected participants. It keeps no state of its own beyond the live
// connection table and the registry.
type Relay struct {
	// mu serializes membership changes together with the fan-out they cause,
	// so every joiner sees joined-room before any later peer-joined.
	mu  sync.Mutex
	reg *Registry

	connMu sync.RWMutex
	conns  map[domain.ParticipantID]*participant

	policy       Policy
	limiter      *JoinRateLimiter
	sameRoomOnly bool
	newID        func() domain.ParticipantID
}

func NewRelay(reg *Registry, opts RelayOptions) *Relay {
	if opts.Policy == nil {
		opts.Policy = SimplePolicy{Action: KickMember}
	}
	if opts.NewID == nil {
		opts.NewID = domain.NewParticipantID
	}
	return &Relay{
		reg:          reg,
		conns:        make(map[domain.ParticipantID]*participant),
		policy:       opts.Policy,
		limiter:      opts.Limiter,
		sameRoomOnly: opts.SameRoomOnly,
		newID:        opts.NewID,
	}
}

func (r *Relay) Registry() *Registry { return r.reg }

// Connect registers a live connection and assigns its participant id.
// token identifies the client across reconnects and keys rate limiting.
func (r *Relay) Connect(conn core.SignalConnection, token string) domain.ParticipantID {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	pid := r.newID()
	for _, taken := r.conns[pid]; taken; _, taken = r.conns[pid] {
		pid = r.newID()
	}
	r.conns[pid] = &participant{conn: conn, token: token}
	log.Info().Str("module", "app.relay").Str("pid", string(pid)).Msg("connected")
	return pid
}

func (r *Relay) lookup(pid domain.ParticipantID) (*participant, bool) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	p, ok := r.conns[pid]
	return p, ok
}

func (r *Relay) Join(pid domain.ParticipantID, req wire.JoinRoom) error {
	p, ok := r.lookup(pid)
	if !ok {
		return domain.WrapError("join", domain.ErrInvalidRequest, "not connected")
	}
	if req.Room == "" {
		return domain.NewError("join", domain.ErrEmptyRoom)
	}
	if !r.limiter.Allow(p.token) {
		return domain.NewError("join", domain.ErrRateLimited)
	}
	name := domain.NormalizeDisplayName(req.UserName)

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.reg.Join(pid, req.Room, name)
	if err != nil {
		return domain.WrapError("join", err, string(req.Room))
	}
	if res.Left != nil {
		r.fanOut(res.Left.Remaining, wire.TypePeerLeft, wire.PeerLeft{Room: res.Left.Room, ID: pid})
	}

	peers := make([]domain.ParticipantID, 0, len(res.Existing))
	for _, m := range res.Existing {
		peers = append(peers, m.ID)
	}
	r.send(pid, wire.TypeJoinedRoom, wire.JoinedRoom{Room: req.Room, You: pid, Peers: peers})
	if !res.Rejoin {
		r.fanOut(res.Existing, wire.TypePeerJoined, wire.PeerJoined{Room: req.Room, ID: pid, UserName: name})
	}
	log.Info().Str("module", "app.relay").Str("pid", string(pid)).Str("room", string(req.Room)).
		Str("name", name).Int("peers", len(peers)).Bool("rejoin", res.Rejoin).Msg("join")
	return nil
}

// Leave removes pid from room, or from every room when room is empty.
func (r *Relay) Leave(pid domain.ParticipantID, room domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room == "" {
		for _, dep := range r.reg.LeaveAll(pid) {
			r.fanOut(dep.Remaining, wire.TypePeerLeft, wire.PeerLeft{Room: dep.Room, ID: pid})
		}
		return
	}
	remaining, left := r.reg.Leave(pid, room)
	if !left {
		log.Debug().Str("module", "app.relay").Str("pid", string(pid)).Str("room", string(room)).Msg("leave: not a member")
		return
	}
	r.fanOut(remaining, wire.TypePeerLeft, wire.PeerLeft{Room: room, ID: pid})
	log.Info().Str("module", "app.relay").Str("pid", string(pid)).Str("room", string(room)).Msg("leave")
}

// Disconnect is the transport-close path: same fan-out as an explicit leave
// for every room, then the connection is forgotten.
func (r *Relay) Disconnect(pid domain.ParticipantID) {
	r.connMu.Lock()
	_, ok := r.conns[pid]
	delete(r.conns, pid)
	r.connMu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	deps := r.reg.LeaveAll(pid)
	for _, dep := range deps {
		r.fanOut(dep.Remaining, wire.TypePeerLeft, wire.PeerLeft{Room: dep.Room, ID: pid})
	}
	log.Info().Str("module", "app.relay").Str("pid", string(pid)).Int("rooms", len(deps)).Msg("disconnected")
}

// Signal forwards the payload to sig.To with From set to the sender's own id.
func (r *Relay) Signal(pid domain.ParticipantID, sig wire.Signal) error {
	if sig.To == "" || sig.To == pid {
		return domain.WrapError("signal", domain.ErrInvalidRequest, "bad destination")
	}
	if len(sig.Payload) == 0 || !json.Valid(sig.Payload) {
		return domain.WrapError("signal", domain.ErrInvalidRequest, "bad payload")
	}
	if sig.From != "" && sig.From != pid {
		log.Warn().Str("module", "app.relay").Str("pid", string(pid)).Str("claimed", string(sig.From)).Msg("signal: client-supplied from replaced")
	}
	if _, ok := r.lookup(sig.To); !ok {
		return domain.WrapError("signal", domain.ErrUnknownDestination, string(sig.To))
	}
	if r.sameRoomOnly && !r.reg.ShareRoom(pid, sig.To) {
		return domain.WrapError("signal", domain.ErrUnknownDestination, "no shared room")
	}
	r.send(sig.To, wire.TypeSignal, wire.Signal{To: sig.To, From: pid, Payload: sig.Payload})
	return nil
}

func (r *Relay) Rooms() []domain.RoomInfo { return r.reg.Rooms() }

func (r *Relay) fanOut(members []domain.Member, t string, v any) {
	frame, err := wire.Encode(t, v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("encode")
		return
	}
	for _, m := range members {
		r.deliver(m.ID, t, frame)
	}
}

func (r *Relay) send(pid domain.ParticipantID, t string, v any) {
	frame, err := wire.Encode(t, v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("encode")
		return
	}
	r.deliver(pid, t, frame)
}

func (r *Relay) deliver(pid domain.ParticipantID, t string, frame core.Frame) {
	p, ok := r.lookup(pid)
	if !ok {
		log.Debug().Str("module", "app.relay").Str("pid", string(pid)).Str("type", t).Msg("deliver: gone")
		return
	}
	err := p.conn.TrySend(frame)
	if err == nil {
		return
	}
	if !errors.Is(err, core.ErrBackpressure) {
		log.Debug().Err(err).Str("module", "app.relay").Str("pid", string(pid)).Str("type", t).Msg("deliver failed")
		return
	}
	switch r.policy.OnBackpressure(t) {
	case KickMember:
		log.Warn().Str("module", "app.relay").Str("pid", string(pid)).Str("type", t).Msg("slow consumer kicked")
		p.conn.Close()
	case DropFrame:
		log.Warn().Str("module", "app.relay").Str("pid", string(pid)).Str("type", t).Msg("frame dropped")
	case NoAction:
	}
}
