package domain

const DefaultRoom RoomID = "default-room"

type RoomID string

// Member is a read-only view of a room occupant.
type Member struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"userName"`
}

// RoomInfo is what the HTTP listing exposes.
type RoomInfo struct {
	ID          RoomID `json:"room"`
	MemberCount int    `json:"member_count"`
}
