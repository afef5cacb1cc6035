package app

import "github.com/dkeye/meshroom/internal/wire"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a participant whose send queue is full.
type Policy interface {
	OnBackpressure(frameType string) BackpressureAction
}

// SimplePolicy applies Action to signal frames. Membership frames always kick,
// since a client that misses one keeps a wrong view of the room.
type SimplePolicy struct {
	Action BackpressureAction
}

func ParseBackpressure(s string) SimplePolicy {
	if s == "drop" {
		return SimplePolicy{Action: DropFrame}
	}
	return SimplePolicy{Action: KickMember}
}

func (p SimplePolicy) OnBackpressure(frameType string) BackpressureAction {
	switch frameType {
	case wire.TypeJoinedRoom, wire.TypePeerJoined, wire.TypePeerLeft:
		return KickMember
	}
	return p.Action
}
