package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dkeye/meshroom/internal/client/chat"
	"github.com/dkeye/meshroom/internal/client/media"
	"github.com/dkeye/meshroom/internal/client/peer"
	"github.com/dkeye/meshroom/internal/client/session"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
)

const maxLogLines = 200

// Controller is the part of a room session the UI drives. *session.Session
// implements it.
type Controller interface {
	Self() domain.ParticipantID
	Room() domain.RoomID
	Name() string
	SendChat(text string) (int, error)
	SetEnabled(kind media.Kind, enabled bool) int
	MediaEnabled(kind media.Kind) bool
	Peers() []session.PeerView
	Leave()
}

type participant struct {
	name  string
	state peer.State
	audio bool
	video bool
}

// RoomModel is the chat log plus participant panel.
type RoomModel struct {
	ctl   Controller
	feed  *Feed
	input textinput.Model

	lines    []string
	people   map[domain.ParticipantID]*participant
	width    int
	quitting bool
}

func NewRoomModel(ctl Controller, feed *Feed) *RoomModel {
	in := textinput.New()
	in.Placeholder = "message, /mute, /video, /quit"
	in.CharLimit = chat.MaxTextLength
	in.Focus()

	m := &RoomModel{
		ctl:    ctl,
		feed:   feed,
		input:  in,
		people: make(map[domain.ParticipantID]*participant),
		width:  80,
	}
	for _, p := range ctl.Peers() {
		m.person(p.ID).name = p.Name
		m.person(p.ID).state = p.State
	}
	return m
}

func (m *RoomModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.listen())
}

func (m *RoomModel) listen() tea.Cmd {
	if m.feed == nil {
		return nil
	}
	return func() tea.Msg {
		return <-m.feed.ch
	}
}

func (m *RoomModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m.quit()
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if text == "" {
				return m, nil
			}
			return m.submit(text)
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case eventMsg:
		if m.apply(session.Event(msg)) {
			return m, tea.Quit
		}
		return m, m.listen()
	case viewMsg:
		m.applyView(msg)
		return m, m.listen()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *RoomModel) submit(text string) (tea.Model, tea.Cmd) {
	switch text {
	case "/quit", "/leave":
		return m.quit()
	case "/mute":
		on := !m.ctl.MediaEnabled(media.Audio)
		m.ctl.SetEnabled(media.Audio, on)
		m.system(fmt.Sprintf("microphone %s", onOff(on)))
		return m, nil
	case "/video":
		on := !m.ctl.MediaEnabled(media.Video)
		m.ctl.SetEnabled(media.Video, on)
		m.system(fmt.Sprintf("camera %s", onOff(on)))
		return m, nil
	}
	if strings.HasPrefix(text, "/") {
		m.system("unknown command " + text)
		return m, nil
	}

	n, err := m.ctl.SendChat(text)
	switch {
	case err != nil:
		m.push(ErrorStyle.Render(err.Error()))
	case n == 0:
		m.push(SelfStyle.Render(fmt.Sprintf("[%s] ", m.ctl.Self())) + text + MutedStyle.Render("  (nobody connected)"))
	default:
		m.push(SelfStyle.Render(fmt.Sprintf("[%s] ", m.ctl.Self())) + text)
	}
	return m, nil
}

func (m *RoomModel) quit() (tea.Model, tea.Cmd) {
	m.quitting = true
	m.ctl.Leave()
	return m, tea.Quit
}

// apply folds a session event into the model and reports whether the
// session is over.
func (m *RoomModel) apply(ev session.Event) bool {
	switch ev.Kind {
	case session.EventJoined:
		m.system(fmt.Sprintf("joined %s as %s", ev.Room, ev.Peer))
	case session.EventPeerJoined:
		m.person(ev.Peer).name = ev.Name
		m.system(fmt.Sprintf("%s (%s) joined", ev.Peer, displayName(ev.Name)))
	case session.EventPeerLeft:
		delete(m.people, ev.Peer)
		m.system(fmt.Sprintf("%s left", ev.Peer))
	case session.EventLink:
		if ev.Link.State == peer.Closed {
			if p, ok := m.people[ev.Peer]; ok {
				p.state = peer.Closed
			}
			return false
		}
		m.person(ev.Peer).state = ev.Link.State
	case session.EventChat:
		m.push(PeerStyle.Render(ev.Chat.String()))
	case session.EventError:
		m.push(ErrorStyle.Render(ev.Err.Error()))
	case session.EventClosed:
		if !m.quitting {
			m.quitting = true
			if ev.Err != nil {
				m.push(ErrorStyle.Render("disconnected: " + ev.Err.Error()))
			}
			return true
		}
	}
	return false
}

func (m *RoomModel) applyView(v viewMsg) {
	if v.detached {
		if p, ok := m.people[v.peer]; ok {
			p.audio, p.video = false, false
		}
		return
	}
	p := m.person(v.peer)
	switch v.kind {
	case webrtc.RTPCodecTypeAudio:
		p.audio = true
	case webrtc.RTPCodecTypeVideo:
		p.video = true
	}
}

func (m *RoomModel) person(id domain.ParticipantID) *participant {
	p, ok := m.people[id]
	if !ok {
		p = &participant{}
		m.people[id] = p
	}
	return p
}

func (m *RoomModel) system(text string) {
	m.push(MutedStyle.Render("* " + text))
}

func (m *RoomModel) push(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
}

func (m *RoomModel) View() string {
	if m.quitting {
		return ""
	}
	header := HeaderStyle.Render(fmt.Sprintf("%s %s  %s %s  %s %s",
		IconRoom, m.ctl.Room(),
		IconPeer, m.ctl.Name(),
		mediaIcon(m.ctl.MediaEnabled(media.Audio), IconMicOn, IconMicOff),
		mediaIcon(m.ctl.MediaEnabled(media.Video), IconCamOn, IconCamOff),
	))

	sideWidth := 30
	logWidth := max(20, m.width-sideWidth-6)
	logPanel := PanelStyle.Width(logWidth).Render(strings.Join(m.tail(15), "\n"))
	peoplePanel := PanelStyle.Width(sideWidth).Render(m.peopleView())

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		lipgloss.JoinHorizontal(lipgloss.Top, logPanel, peoplePanel),
		m.input.View(),
	)
}

func (m *RoomModel) tail(n int) []string {
	if len(m.lines) <= n {
		return m.lines
	}
	return m.lines[len(m.lines)-n:]
}

func (m *RoomModel) peopleView() string {
	if len(m.people) == 0 {
		return MutedStyle.Render("alone here")
	}
	ids := make([]domain.ParticipantID, 0, len(m.people))
	for id := range m.people {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := make([]string, 0, len(ids))
	for _, id := range ids {
		p := m.people[id]
		state := MutedStyle.Render(p.state.String())
		if p.state == peer.Connected {
			state = SuccessStyle.Render(p.state.String())
		}
		rows = append(rows, fmt.Sprintf("%s %s %s%s",
			PeerStyle.Render(string(id)),
			displayName(p.name),
			state,
			mediaBadges(p),
		))
	}
	return strings.Join(rows, "\n")
}

func mediaBadges(p *participant) string {
	var b strings.Builder
	if p.audio {
		b.WriteString(" " + IconMicOn)
	}
	if p.video {
		b.WriteString(" " + IconCamOn)
	}
	return b.String()
}

func mediaIcon(on bool, yes, no string) string {
	if on {
		return yes
	}
	return no
}

func displayName(name string) string {
	if name == "" {
		return "?"
	}
	return name
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// Run blocks until the user quits or the session ends.
func Run(ctl Controller, feed *Feed) error {
	_, err := tea.NewProgram(NewRoomModel(ctl, feed), tea.WithAltScreen()).Run()
	return err
}
