package app

import (
	"errors"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/wire"
	"github.com/rs/zerolog/log"
)

// Handle decodes one inbound frame from pid and applies it. Malformed input is
// answered with an error frame; it never affects other participants.
func (r *Relay) Handle(pid domain.ParticipantID, frame []byte) {
	err := r.handle(pid, frame)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUnknownDestination):
		log.Debug().Err(err).Str("module", "app.relay").Str("pid", string(pid)).Msg("signal dropped")
	default:
		log.Warn().Err(err).Str("module", "app.relay").Str("pid", string(pid)).Msg("request rejected")
		r.send(pid, wire.TypeError, wire.Error{Code: domain.Code(err), Message: err.Error()})
	}
}

func (r *Relay) handle(pid domain.ParticipantID, frame []byte) error {
	msg, err := wire.Decode(frame)
	if err != nil {
		return err
	}

	switch msg.Type {
	case wire.TypeJoinRoom:
		var req wire.JoinRoom
		if err := msg.DecodeData(&req); err != nil {
			return err
		}
		return r.Join(pid, req)
	case wire.TypeLeaveRoom:
		var req wire.LeaveRoom
		if len(msg.Data) > 0 {
			if err := msg.DecodeData(&req); err != nil {
				return err
			}
		}
		r.Leave(pid, req.Room)
		return nil
	case wire.TypeSignal:
		var sig wire.Signal
		if err := msg.DecodeData(&sig); err != nil {
			return err
		}
		return r.Signal(pid, sig)
	case wire.TypePing:
		r.send(pid, wire.TypePong, nil)
		return nil
	default:
		return domain.WrapError("handle", domain.ErrInvalidRequest, "unknown type "+msg.Type)
	}
}
