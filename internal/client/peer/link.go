package peer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/meshroom/internal/client/chat"
	"github.com/dkeye/meshroom/internal/client/media"
	"github.com/dkeye/meshroom/internal/client/render"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/wire"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type eventKind int

const (
	evInitiate eventKind = iota
	evGrace
	evRemote
	evLocalCandidate
	evConnState
	evDataChannel
	evChatOpen
	evTrack
)

// event is one mailbox entry. gen ties transport callbacks to the transport
// that raised them.
type event struct {
	kind      eventKind
	gen       int
	payload   wire.Payload
	candidate webrtc.ICECandidateInit
	state     webrtc.PeerConnectionState
	channel   chat.Channel
	track     render.RemoteTrack
}

// Link is the negotiation state machine for one remote participant. All
// fields below the mailbox are owned by the run goroutine.
type Link struct {
	id domain.ParticipantID
	m  *Manager

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	qmu   sync.Mutex
	queue []event
	wake  chan struct{}

	graceMu sync.Mutex
	grace   *time.Timer

	chat atomic.Pointer[chat.Link]

	infoMu sync.RWMutex
	info   Info

	state         State
	role          Role
	pendingRemote bool
	pendingICE    []webrtc.ICECandidateInit
	transport     Transport
	gen           int
	tracks        []media.Track
	acquired      bool

	// keptOffer is set when a glare offer was dropped. Candidates queued
	// until our answer arrives belong to the discarded remote attempt.
	keptOffer bool
}

func newLink(m *Manager, id domain.ParticipantID) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		id:            id,
		m:             m,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		wake:          make(chan struct{}, 1),
		pendingRemote: true,
	}
	l.info = Info{ID: id, State: Idle, PendingRemote: true}
	return l
}

// post never blocks; the mailbox is unbounded.
func (l *Link) post(ev event) {
	l.qmu.Lock()
	l.queue = append(l.queue, ev)
	l.qmu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Link) drain() []event {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	q := l.queue
	l.queue = nil
	return q
}

func (l *Link) run() {
	defer close(l.done)
	defer l.teardown()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.wake:
		}
		for _, ev := range l.drain() {
			if l.ctx.Err() != nil {
				return
			}
			if err := l.handle(ev); err != nil {
				log.Warn().Err(err).Str("module", "client.peer").Str("peer", string(l.id)).Msg("link failed")
				l.m.remove(l)
				return
			}
		}
	}
}

func (l *Link) close() {
	l.cancel()
	<-l.done
}

func (l *Link) Info() Info {
	l.infoMu.RLock()
	info := l.info
	l.infoMu.RUnlock()
	if c := l.chat.Load(); c != nil {
		info.ChatOpen = c.Open()
	}
	return info
}

func (l *Link) publish() {
	l.infoMu.Lock()
	l.info = Info{
		ID:            l.id,
		State:         l.state,
		Role:          l.role,
		PendingRemote: l.pendingRemote,
		Generation:    l.gen,
	}
	l.infoMu.Unlock()
	if fn := l.m.opts.OnChange; fn != nil {
		fn(l.Info())
	}
}

func (l *Link) armGrace(d time.Duration) {
	if d <= 0 {
		return
	}
	l.graceMu.Lock()
	defer l.graceMu.Unlock()
	if l.grace == nil {
		l.grace = time.AfterFunc(d, func() { l.post(event{kind: evGrace}) })
	}
}

func (l *Link) stopGrace() {
	l.graceMu.Lock()
	defer l.graceMu.Unlock()
	if l.grace != nil {
		l.grace.Stop()
	}
}

func (l *Link) handle(ev event) error {
	switch ev.kind {
	case evInitiate, evGrace:
		if l.state != Idle {
			return nil
		}
		if ev.kind == evGrace {
			log.Debug().Str("module", "client.peer").Str("peer", string(l.id)).Msg("no offer within grace, initiating")
		}
		return l.initiate()
	case evRemote:
		return l.onRemote(ev.payload)
	case evLocalCandidate:
		if ev.gen != l.gen {
			return nil
		}
		return l.signal(wire.NewCandidatePayload(ev.candidate))
	case evConnState:
		if ev.gen != l.gen {
			return nil
		}
		return l.onConnState(ev.state)
	case evDataChannel:
		if ev.gen != l.gen || ev.channel.Label() != chat.Label {
			_ = ev.channel.Close()
			return nil
		}
		l.bindChat(ev.channel)
		l.publish()
	case evChatOpen:
		if ev.gen == l.gen {
			l.publish()
		}
	case evTrack:
		if ev.gen != l.gen {
			return nil
		}
		if s := l.m.opts.Surface; s != nil {
			s.Attach(l.id, ev.track)
		}
	}
	return nil
}

func (l *Link) initiate() error {
	l.stopGrace()
	if err := l.ensureTransport(); err != nil {
		return err
	}
	ch, err := l.transport.CreateDataChannel(chat.Label)
	if err != nil {
		return negotiation("create data channel", err)
	}
	l.bindChat(ch)

	offer, err := l.transport.CreateOffer()
	if err != nil {
		return negotiation("create offer", err)
	}
	l.state, l.role, l.pendingRemote = Negotiating, Initiator, true
	l.publish()
	log.Debug().Str("module", "client.peer").Str("peer", string(l.id)).Msg("offer sent")
	return l.signal(wire.NewDescriptionPayload(offer))
}

func (l *Link) onRemote(p wire.Payload) error {
	switch p.Type {
	case wire.PayloadOffer:
		return l.answer(*p.SDP)
	case wire.PayloadAnswer:
		if l.role != Initiator || !l.pendingRemote {
			log.Debug().Str("module", "client.peer").Str("peer", string(l.id)).Msg("unexpected answer dropped")
			return nil
		}
		if err := l.transport.SetRemoteDescription(*p.SDP); err != nil {
			return negotiation("apply answer", err)
		}
		l.pendingRemote = false
		if l.keptOffer {
			l.keptOffer = false
			l.pendingICE = nil
		}
		l.flushICE()
		l.publish()
	case wire.PayloadICE:
		if l.transport == nil || l.pendingRemote {
			l.pendingICE = append(l.pendingICE, *p.Candidate)
			return nil
		}
		l.addICE(*p.Candidate)
	}
	return nil
}

func (l *Link) answer(offer webrtc.SessionDescription) error {
	l.stopGrace()
	if l.state == Negotiating && l.role == Initiator && l.pendingRemote {
		// Glare. The smaller id keeps its offer; the other side answers.
		if l.m.self < l.id {
			log.Debug().Str("module", "client.peer").Str("peer", string(l.id)).Msg("glare, keeping offer")
			l.keptOffer = true
			return nil
		}
		log.Debug().Str("module", "client.peer").Str("peer", string(l.id)).Msg("glare, yielding to remote offer")
		l.resetTransport()
	}
	if err := l.ensureTransport(); err != nil {
		return err
	}
	if err := l.transport.SetRemoteDescription(offer); err != nil {
		return negotiation("apply offer", err)
	}
	l.pendingRemote = false
	l.flushICE()

	answer, err := l.transport.CreateAnswer()
	if err != nil {
		return negotiation("create answer", err)
	}
	if l.state != Connected {
		l.state, l.role = Negotiating, Responder
	}
	l.publish()
	return l.signal(wire.NewDescriptionPayload(answer))
}

func (l *Link) onConnState(s webrtc.PeerConnectionState) error {
	log.Debug().Str("module", "client.peer").Str("peer", string(l.id)).Str("state", s.String()).Msg("connection state")
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if l.state != Connected {
			l.state = Connected
			l.publish()
			log.Info().Str("module", "client.peer").Str("peer", string(l.id)).Str("role", l.role.String()).Msg("connected")
		}
	case webrtc.PeerConnectionStateFailed:
		return negotiation("connect", errors.New("peer connection failed"))
	case webrtc.PeerConnectionStateClosed:
		return negotiation("connect", errors.New("peer connection closed"))
	}
	return nil
}

func (l *Link) ensureTransport() error {
	if l.transport != nil {
		return nil
	}
	t, err := l.m.opts.Factory(l.id)
	if err != nil {
		return negotiation("new transport", err)
	}
	l.gen++
	gen := l.gen
	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		l.post(event{kind: evLocalCandidate, gen: gen, candidate: c})
	})
	t.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.post(event{kind: evConnState, gen: gen, state: s})
	})
	t.OnDataChannel(func(ch chat.Channel) {
		l.post(event{kind: evDataChannel, gen: gen, channel: ch})
	})
	t.OnTrack(func(tr render.RemoteTrack) {
		l.post(event{kind: evTrack, gen: gen, track: tr})
	})
	if err := l.attachMedia(t); err != nil {
		_ = t.Close()
		return err
	}
	l.transport = t
	return nil
}

// attachMedia takes one media reference per link and adds the same tracks
// to every transport the link builds.
func (l *Link) attachMedia(t Transport) error {
	ms := l.m.opts.Media
	if ms == nil {
		return nil
	}
	if !l.acquired {
		tracks, err := ms.Acquire()
		if err != nil {
			return domain.NewError("attach media", err)
		}
		l.tracks, l.acquired = tracks, true
	}
	for _, tr := range l.tracks {
		if err := t.AddTrack(tr.Local()); err != nil {
			return negotiation("add "+string(tr.Kind())+" track", err)
		}
	}
	return nil
}

// resetTransport discards the current attempt. Callbacks still in flight
// from the old transport carry a stale generation and are ignored.
func (l *Link) resetTransport() {
	if c := l.chat.Swap(nil); c != nil {
		_ = c.Close()
	}
	if l.transport != nil {
		_ = l.transport.Close()
		l.transport = nil
	}
	if s := l.m.opts.Surface; s != nil {
		s.Detach(l.id)
	}
	l.state, l.role, l.pendingRemote, l.keptOffer = Idle, NoRole, true, false
}

func (l *Link) bindChat(ch chat.Channel) {
	gen := l.gen
	onOpen := func() { l.post(event{kind: evChatOpen, gen: gen}) }
	if old := l.chat.Swap(chat.Bind(l.id, ch, l.m.opts.OnChat, onOpen)); old != nil {
		_ = old.Close()
	}
}

func (l *Link) flushICE() {
	queued := l.pendingICE
	l.pendingICE = nil
	for _, c := range queued {
		l.addICE(c)
	}
}

func (l *Link) addICE(c webrtc.ICECandidateInit) {
	if err := l.transport.AddICECandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "client.peer").Str("peer", string(l.id)).Msg("add ice candidate")
	}
}

func (l *Link) signal(p wire.Payload) error {
	if err := l.m.opts.Signaler.SendSignal(l.id, p); err != nil {
		return negotiation("send "+p.Type, err)
	}
	return nil
}

func (l *Link) teardown() {
	l.stopGrace()
	if c := l.chat.Swap(nil); c != nil {
		_ = c.Close()
	}
	if l.transport != nil {
		if err := l.transport.Close(); err != nil {
			log.Debug().Err(err).Str("module", "client.peer").Str("peer", string(l.id)).Msg("transport close")
		}
		l.transport = nil
	}
	if s := l.m.opts.Surface; s != nil {
		s.Detach(l.id)
	}
	if l.acquired {
		l.m.opts.Media.Release()
		l.acquired = false
	}
	l.state, l.pendingICE = Closed, nil
	l.publish()
	log.Debug().Str("module", "client.peer").Str("peer", string(l.id)).Msg("link closed")
}

func negotiation(op string, err error) error {
	return domain.WrapError(op, domain.ErrNegotiationFailure, err.Error())
}
