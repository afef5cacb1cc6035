// Package render is the boundary between negotiation and presentation.
package render

import (
	"errors"
	"io"
	"sync"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RemoteTrack is the stream handle passed to a surface. *webrtc.TrackRemote
// satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Surface renders remote participants. Calls may arrive from any goroutine.
type Surface interface {
	Attach(id domain.ParticipantID, track RemoteTrack)
	Detach(id domain.ParticipantID)
}

// Multi fans each call out to every surface in order.
type Multi []Surface

func (m Multi) Attach(id domain.ParticipantID, track RemoteTrack) {
	for _, s := range m {
		s.Attach(id, track)
	}
}

func (m Multi) Detach(id domain.ParticipantID) {
	for _, s := range m {
		s.Detach(id)
	}
}

// LogSurface logs views and drains incoming RTP so the receive buffers do
// not back up.
type LogSurface struct {
	mu    sync.Mutex
	views map[domain.ParticipantID][]RemoteTrack
}

func NewLogSurface() *LogSurface {
	return &LogSurface{views: make(map[domain.ParticipantID][]RemoteTrack)}
}

func (s *LogSurface) Attach(id domain.ParticipantID, track RemoteTrack) {
	s.mu.Lock()
	s.views[id] = append(s.views[id], track)
	s.mu.Unlock()

	log.Info().Str("module", "client.render").Str("peer", string(id)).
		Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("attach")
	if remote, ok := track.(*webrtc.TrackRemote); ok {
		go drain(id, remote)
	}
}

func (s *LogSurface) Detach(id domain.ParticipantID) {
	s.mu.Lock()
	n := len(s.views[id])
	delete(s.views, id)
	s.mu.Unlock()
	log.Info().Str("module", "client.render").Str("peer", string(id)).Int("tracks", n).Msg("detach")
}

// Views returns how many tracks are attached per participant.
func (s *LogSurface) Views() map[domain.ParticipantID]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.ParticipantID]int, len(s.views))
	for id, tracks := range s.views {
		out[id] = len(tracks)
	}
	return out
}

func drain(id domain.ParticipantID, track *webrtc.TrackRemote) {
	var packets int
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "client.render").Str("peer", string(id)).Msg("track read ended")
			}
			log.Debug().Str("module", "client.render").Str("peer", string(id)).Int("packets", packets).Msg("track drained")
			return
		}
		packets++
		if packets == 1 {
			log.Debug().Str("module", "client.render").Str("peer", string(id)).Uint32("ssrc", pkt.SSRC).Msg("first packet")
		}
	}
}
