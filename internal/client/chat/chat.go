// Package chat carries best-effort text messages over a per-peer data channel.
package chat

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	Label         = "chat"
	MaxTextLength = 4000

	frameText = "text"
)

// Channel is the subset of *webrtc.DataChannel the chat layer needs.
type Channel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	Send([]byte) error
	OnOpen(func())
	OnClose(func())
	OnMessage(func(webrtc.DataChannelMessage))
	Close() error
}

// Message is a received chat line tagged with its sender.
type Message struct {
	From domain.ParticipantID
	Text string
	At   time.Time
}

func (m Message) String() string {
	return fmt.Sprintf("[%s] %s", m.From, m.Text)
}

// Frame is the msgpack envelope on the wire.
type Frame struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

type TextPayload struct {
	Text   string `msgpack:"text"`
	SentAt int64  `msgpack:"sentAt"`
}

func Encode(text string, at time.Time) ([]byte, error) {
	payload, err := msgpack.Marshal(TextPayload{Text: text, SentAt: at.UnixMilli()})
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(Frame{Type: frameText, Payload: payload})
}

// Decode accepts msgpack frames and plain text messages from browser peers.
func Decode(msg webrtc.DataChannelMessage, now time.Time) (string, time.Time, error) {
	if msg.IsString {
		return string(msg.Data), now, nil
	}
	var f Frame
	if err := msgpack.Unmarshal(msg.Data, &f); err != nil {
		return "", now, fmt.Errorf("decode chat frame: %w", err)
	}
	if f.Type != frameText {
		return "", now, fmt.Errorf("decode chat frame: unknown type %q", f.Type)
	}
	var p TextPayload
	if err := msgpack.Unmarshal(f.Payload, &p); err != nil {
		return "", now, fmt.Errorf("decode chat payload: %w", err)
	}
	at := now
	if p.SentAt > 0 {
		at = time.UnixMilli(p.SentAt)
	}
	return p.Text, at, nil
}

// Link binds one data channel to the remote participant it talks to.
type Link struct {
	peer domain.ParticipantID
	ch   Channel
	now  func() time.Time
}

// Bind wires ch so that every received message reaches sink. onOpen, if
// set, runs once the channel opens.
func Bind(peer domain.ParticipantID, ch Channel, sink func(Message), onOpen func()) *Link {
	l := &Link{peer: peer, ch: ch, now: time.Now}
	ch.OnOpen(func() {
		log.Debug().Str("module", "client.chat").Str("peer", string(peer)).Msg("channel open")
		if onOpen != nil {
			onOpen()
		}
	})
	ch.OnMessage(func(msg webrtc.DataChannelMessage) {
		text, at, err := Decode(msg, l.now())
		if err != nil {
			log.Warn().Err(err).Str("module", "client.chat").Str("peer", string(peer)).Msg("bad chat frame")
			return
		}
		if sink != nil {
			sink(Message{From: peer, Text: text, At: at})
		}
	})
	return l
}

func (l *Link) Peer() domain.ParticipantID { return l.peer }

func (l *Link) Open() bool {
	return l.ch.ReadyState() == webrtc.DataChannelStateOpen
}

// Send is fire-and-forget. A channel that is not open drops the message and
// reports ErrChannelUnavailable.
func (l *Link) Send(text string) error {
	if !utf8.ValidString(text) || len(text) > MaxTextLength {
		return domain.WrapError("chat send", domain.ErrInvalidRequest, "text too long or not utf-8")
	}
	if !l.Open() {
		return domain.WrapError("chat send", domain.ErrChannelUnavailable, string(l.peer))
	}
	frame, err := Encode(text, l.now())
	if err != nil {
		return domain.NewError("chat send", err)
	}
	if err := l.ch.Send(frame); err != nil {
		return domain.WrapError("chat send", domain.ErrChannelUnavailable, err.Error())
	}
	return nil
}

func (l *Link) Close() error {
	return l.ch.Close()
}
