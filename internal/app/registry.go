package app

import (
	"sort"
	"sync"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// SecondRoomPolicy decides what Join does when the participant already sits
// in another room.
type SecondRoomPolicy int

const (
	RejectSecondRoom SecondRoomPolicy = iota
	SwitchRoom
)

func ParseSecondRoomPolicy(s string) SecondRoomPolicy {
	if s == "switch" {
		return SwitchRoom
	}
	return RejectSecondRoom
}

// JoinResult is the registry snapshot taken at the join serialization point.
type JoinResult struct {
	// Existing members in join order, without the joiner.
	Existing []domain.Member
	// Rejoin is set when the participant already was in the room.
	Rejoin bool
	// Left is filled when SwitchRoom moved the participant out of a room.
	Left *Departure
}

// Departure describes a room a participant was removed from.
type Departure struct {
	Room      domain.RoomID
	Remaining []domain.Member
}

type roomEntry struct {
	order   []domain.ParticipantID
	members map[domain.ParticipantID]string
}

func (r *roomEntry) snapshot(except domain.ParticipantID) []domain.Member {
	out := make([]domain.Member, 0, len(r.order))
	for _, pid := range r.order {
		if pid == except {
			continue
		}
		out = append(out, domain.Member{ID: pid, DisplayName: r.members[pid]})
	}
	return out
}

func (r *roomEntry) remove(pid domain.ParticipantID) {
	delete(r.members, pid)
	for i, id := range r.order {
		if id == pid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Registry maps rooms to their members and every participant to the set of
// rooms it belongs to. All mutations happen under one lock.
type Registry struct {
	mu     sync.Mutex
	policy SecondRoomPolicy
	rooms  map[domain.RoomID]*roomEntry
	member map[domain.ParticipantID]map[domain.RoomID]struct{}
}

func NewRegistry(policy SecondRoomPolicy) *Registry {
	return &Registry{
		policy: policy,
		rooms:  make(map[domain.RoomID]*roomEntry),
		member: make(map[domain.ParticipantID]map[domain.RoomID]struct{}),
	}
}

func (r *Registry) Join(pid domain.ParticipantID, roomID domain.RoomID, displayName string) (JoinResult, error) {
	if roomID == "" {
		return JoinResult{}, domain.ErrEmptyRoom
	}
	if pid == "" {
		return JoinResult{}, domain.WrapError("join", domain.ErrInvalidRequest, "empty participant id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var res JoinResult
	rooms := r.member[pid]
	if _, ok := rooms[roomID]; ok {
		res.Rejoin = true
		res.Existing = r.rooms[roomID].snapshot(pid)
		log.Debug().Str("module", "app.registry").Str("pid", string(pid)).Str("room", string(roomID)).Msg("rejoin ignored")
		return res, nil
	}
	if len(rooms) > 0 {
		if r.policy == RejectSecondRoom {
			return JoinResult{}, domain.ErrAlreadyInRoom
		}
		for prev := range rooms {
			remaining, _ := r.leaveLocked(pid, prev)
			res.Left = &Departure{Room: prev, Remaining: remaining}
		}
	}

	room, ok := r.rooms[roomID]
	if !ok {
		room = &roomEntry{members: make(map[domain.ParticipantID]string)}
		r.rooms[roomID] = room
		log.Info().Str("module", "app.registry").Str("room", string(roomID)).Msg("room created")
	}
	room.order = append(room.order, pid)
	room.members[pid] = displayName
	if r.member[pid] == nil {
		r.member[pid] = make(map[domain.RoomID]struct{})
	}
	r.member[pid][roomID] = struct{}{}

	res.Existing = room.snapshot(pid)
	log.Info().Str("module", "app.registry").Str("pid", string(pid)).Str("room", string(roomID)).Int("members", len(room.order)).Msg("joined")
	return res, nil
}

// Leave is idempotent. The second return value reports whether anything changed.
func (r *Registry) Leave(pid domain.ParticipantID, roomID domain.RoomID) ([]domain.Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(pid, roomID)
}

func (r *Registry) leaveLocked(pid domain.ParticipantID, roomID domain.RoomID) ([]domain.Member, bool) {
	rooms := r.member[pid]
	if _, ok := rooms[roomID]; !ok {
		return nil, false
	}
	delete(rooms, roomID)
	if len(rooms) == 0 {
		delete(r.member, pid)
	}

	room := r.rooms[roomID]
	room.remove(pid)
	if len(room.order) == 0 {
		delete(r.rooms, roomID)
		log.Info().Str("module", "app.registry").Str("room", string(roomID)).Msg("room released")
		return nil, true
	}
	log.Info().Str("module", "app.registry").Str("pid", string(pid)).Str("room", string(roomID)).Msg("left")
	return room.snapshot(""), true
}

// LeaveAll removes the participant from every room, in room id order.
func (r *Registry) LeaveAll(pid domain.ParticipantID) []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]domain.RoomID, 0, len(r.member[pid]))
	for id := range r.member[pid] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Departure, 0, len(ids))
	for _, id := range ids {
		remaining, _ := r.leaveLocked(pid, id)
		out = append(out, Departure{Room: id, Remaining: remaining})
	}
	return out
}

func (r *Registry) RoomsOf(pid domain.ParticipantID) []domain.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RoomID, 0, len(r.member[pid]))
	for id := range r.member[pid] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Members returns the room's members in join order.
func (r *Registry) Members(roomID domain.RoomID) []domain.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return room.snapshot("")
}

// ShareRoom reports whether a and b are both members of at least one room.
func (r *Registry) ShareRoom(a, b domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.member[a] {
		if _, ok := r.member[b][id]; ok {
			return true
		}
	}
	return false
}

func (r *Registry) Rooms() []domain.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RoomInfo, 0, len(r.rooms))
	for id, room := range r.rooms {
		out = append(out, domain.RoomInfo{ID: id, MemberCount: len(room.order)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
