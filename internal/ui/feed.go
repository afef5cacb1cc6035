package ui

import (
	"github.com/dkeye/meshroom/internal/client/render"
	"github.com/dkeye/meshroom/internal/client/session"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type eventMsg session.Event

type viewMsg struct {
	peer     domain.ParticipantID
	kind     webrtc.RTPCodecType
	detached bool
}

// Feed carries session events and rendering calls into the bubbletea loop.
// It never blocks the caller; when the program falls behind, updates are
// dropped.
type Feed struct {
	ch chan any
}

var _ render.Surface = (*Feed)(nil)

func NewFeed(size int) *Feed {
	return &Feed{ch: make(chan any, size)}
}

// OnEvent is meant for session.Options.OnEvent.
func (f *Feed) OnEvent(ev session.Event) { f.push(eventMsg(ev)) }

func (f *Feed) Attach(id domain.ParticipantID, track render.RemoteTrack) {
	f.push(viewMsg{peer: id, kind: track.Kind()})
}

func (f *Feed) Detach(id domain.ParticipantID) {
	f.push(viewMsg{peer: id, detached: true})
}

func (f *Feed) push(msg any) {
	select {
	case f.ch <- msg:
	default:
		log.Warn().Str("module", "ui").Msg("ui feed full, update dropped")
	}
}
