package media

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RTPTrack is a pion static RTP track gated by the enabled flag. A disabled
// track swallows packets; the sender and its negotiated m-line stay put.
type RTPTrack struct {
	track   *webrtc.TrackLocalStaticRTP
	kind    Kind
	enabled atomic.Bool
	stopped atomic.Bool
	dropped atomic.Uint64
}

func codecFor(kind Kind) webrtc.RTPCodecCapability {
	if kind == Video {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func NewRTPTrack(kind Kind, id, streamID string) (*RTPTrack, error) {
	t, err := webrtc.NewTrackLocalStaticRTP(codecFor(kind), id, streamID)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", kind, err)
	}
	rt := &RTPTrack{track: t, kind: kind}
	rt.enabled.Store(true)
	return rt, nil
}

func (t *RTPTrack) ID() string               { return t.track.ID() }
func (t *RTPTrack) Kind() Kind               { return t.kind }
func (t *RTPTrack) Enabled() bool            { return t.enabled.Load() }
func (t *RTPTrack) SetEnabled(enabled bool)  { t.enabled.Store(enabled) }
func (t *RTPTrack) Stop()                    { t.stopped.Store(true) }
func (t *RTPTrack) Stopped() bool            { return t.stopped.Load() }
func (t *RTPTrack) Dropped() uint64          { return t.dropped.Load() }
func (t *RTPTrack) Local() webrtc.TrackLocal { return t.track }

// WriteRTP forwards p to every bound peer connection unless muted.
func (t *RTPTrack) WriteRTP(p *rtp.Packet) error {
	if t.stopped.Load() {
		return io.ErrClosedPipe
	}
	if !t.enabled.Load() {
		t.dropped.Add(1)
		return nil
	}
	return t.track.WriteRTP(p)
}

// RTPProvider hands out fresh RTP tracks fed by whatever source the caller
// wires to WriteRTP.
type RTPProvider struct {
	StreamID string
}

func (p RTPProvider) Capture(_ context.Context, c Constraints) ([]Track, error) {
	stream := p.StreamID
	if stream == "" {
		stream = "meshroom"
	}
	var out []Track
	if c.Audio {
		t, err := NewRTPTrack(Audio, "audio", stream)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if c.Video {
		t, err := NewRTPTrack(Video, "video", stream)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
