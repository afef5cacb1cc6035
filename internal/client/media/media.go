// Package media owns the local capture stream shared by every peer link.
package media

import (
	"context"
	"errors"
	"io/fs"
	"sync"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

// Track is one captured local track.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(bool)
	Stop()
	// Local is what gets attached to a peer connection.
	Local() webrtc.TrackLocal
}

type Constraints struct {
	Audio bool
	Video bool
}

// CaptureProvider yields the local tracks. Device access lives behind it.
type CaptureProvider interface {
	Capture(ctx context.Context, c Constraints) ([]Track, error)
}

// Session holds the captured tracks and their mute state. Links read it
// concurrently; only SetEnabled and Stop mutate it.
type Session struct {
	mu      sync.RWMutex
	tracks  []Track
	refs    int
	stopped bool
}

// Open captures according to c. Failures are classified as access denied or
// device unavailable and are fatal for the join.
func Open(ctx context.Context, provider CaptureProvider, c Constraints) (*Session, error) {
	tracks, err := provider.Capture(ctx, c)
	if err != nil {
		return nil, domain.NewError("capture", classify(err))
	}
	if (c.Audio || c.Video) && len(tracks) == 0 {
		return nil, domain.WrapError("capture", domain.ErrMediaDeviceUnavailable, "no tracks")
	}
	log.Info().Str("module", "client.media").Int("tracks", len(tracks)).Msg("capture started")
	return &Session{tracks: tracks}, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrMediaAccessDenied), errors.Is(err, domain.ErrMediaDeviceUnavailable):
		return err
	case errors.Is(err, fs.ErrPermission):
		return errors.Join(domain.ErrMediaAccessDenied, err)
	default:
		return errors.Join(domain.ErrMediaDeviceUnavailable, err)
	}
}

// SetEnabled flips every track of kind. Nothing is renegotiated: the tracks
// stay attached and simply stop or resume carrying media.
func (s *Session) SetEnabled(kind Kind, enabled bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tracks {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
			n++
		}
	}
	log.Info().Str("module", "client.media").Str("kind", string(kind)).Bool("enabled", enabled).Int("tracks", n).Msg("set enabled")
	return n
}

// Enabled reports whether any track of kind is live.
func (s *Session) Enabled(kind Kind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.Kind() == kind && t.Enabled() {
			return true
		}
	}
	return false
}

func (s *Session) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Track(nil), s.tracks...)
}

// Acquire takes a reference for one link and returns the tracks to attach.
func (s *Session) Acquire() ([]Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, domain.WrapError("acquire", domain.ErrMediaDeviceUnavailable, "session stopped")
	}
	s.refs++
	return append([]Track(nil), s.tracks...), nil
}

func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		s.refs--
	}
}

func (s *Session) Refs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refs
}

// Stop ends every track. It is idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for _, t := range s.tracks {
		t.Stop()
	}
	log.Info().Str("module", "client.media").Int("refs", s.refs).Msg("capture stopped")
}

func (s *Session) Stopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}
