// Package wire defines the JSON messages exchanged between clients and the relay.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
)

const (
	TypeJoinRoom   = "join-room"
	TypeJoinedRoom = "joined-room"
	TypePeerJoined = "peer-joined"
	TypeSignal     = "signal"
	TypeLeaveRoom  = "leave-room"
	TypePeerLeft   = "peer-left"
	TypeError      = "error"
	TypePing       = "ping"
	TypePong       = "pong"
)

// Message is the envelope of every frame on the signaling socket.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type JoinRoom struct {
	Room     domain.RoomID `json:"room"`
	UserName string        `json:"userName"`
}

type JoinedRoom struct {
	Room  domain.RoomID          `json:"room"`
	You   domain.ParticipantID   `json:"you"`
	Peers []domain.ParticipantID `json:"peers"`
}

type PeerJoined struct {
	Room     domain.RoomID        `json:"room"`
	ID       domain.ParticipantID `json:"id"`
	UserName string               `json:"userName"`
}

// Signal carries an opaque negotiation payload. From is ignored when sent by
// a client; the relay always fills it in.
type Signal struct {
	To      domain.ParticipantID `json:"to"`
	From    domain.ParticipantID `json:"from,omitempty"`
	Payload json.RawMessage      `json:"payload"`
}

type LeaveRoom struct {
	Room domain.RoomID `json:"room"`
}

type PeerLeft struct {
	Room domain.RoomID        `json:"room"`
	ID   domain.ParticipantID `json:"id"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode wraps v into a Message of type t and marshals it.
func Encode(t string, v any) ([]byte, error) {
	msg := Message{Type: t}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", t, err)
		}
		msg.Data = data
	}
	return json.Marshal(msg)
}

// Decode parses the envelope only; use DecodeData for the body.
func Decode(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, domain.WrapError("decode", domain.ErrInvalidRequest, err.Error())
	}
	if msg.Type == "" {
		return Message{}, domain.WrapError("decode", domain.ErrInvalidRequest, "missing type")
	}
	return msg, nil
}

func (m Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return domain.WrapError("decode "+m.Type, domain.ErrInvalidRequest, "missing data")
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return domain.WrapError("decode "+m.Type, domain.ErrInvalidRequest, err.Error())
	}
	return nil
}

// Negotiation payload kinds. The relay never looks at these.
const (
	PayloadOffer  = "offer"
	PayloadAnswer = "answer"
	PayloadICE    = "ice"
)

// Payload is the client-side interpretation of Signal.Payload.
type Payload struct {
	Type      string                     `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func NewDescriptionPayload(desc webrtc.SessionDescription) Payload {
	return Payload{Type: desc.Type.String(), SDP: &desc}
}

func NewCandidatePayload(c webrtc.ICECandidateInit) Payload {
	return Payload{Type: PayloadICE, Candidate: &c}
}

func (p Payload) Validate() error {
	switch p.Type {
	case PayloadOffer, PayloadAnswer:
		if p.SDP == nil || p.SDP.SDP == "" {
			return domain.WrapError("payload", domain.ErrInvalidRequest, p.Type+" without sdp")
		}
	case PayloadICE:
		if p.Candidate == nil {
			return domain.WrapError("payload", domain.ErrInvalidRequest, "ice without candidate")
		}
	default:
		return domain.WrapError("payload", domain.ErrInvalidRequest, "unknown payload type "+p.Type)
	}
	return nil
}
