package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/dkeye/meshroom/internal/adapters/rtc"
	"github.com/dkeye/meshroom/internal/client/media"
	"github.com/dkeye/meshroom/internal/client/peer"
	"github.com/dkeye/meshroom/internal/client/render"
	"github.com/dkeye/meshroom/internal/client/session"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/ui"
	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:   "join [room]",
	Short: "Join a room and talk to everyone in it",
	Long: `Join a room on the relay. The first argument overrides --room.

Examples:
  meshroom join standup --name Alice
  meshroom join --server wss://relay.example.com/api/ws/signal --turn turn:turn.example.com:3478 --turn-user u --turn-pass p
  meshroom join --headless --video=false`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJoin,
}

func init() {
	f := joinCmd.Flags()
	f.String("config", "", "client config file (yaml)")
	f.String("server", "", "relay websocket URL")
	f.String("room", "", "room to join")
	f.String("name", "", "display name")
	f.StringSlice("stun", nil, "STUN server URLs")
	f.StringSlice("turn", nil, "TURN server URLs")
	f.String("turn-user", "", "TURN username")
	f.String("turn-pass", "", "TURN password")
	f.Bool("force-relay", false, "only use TURN relay candidates")
	f.Duration("responder-grace", 0, "how long to wait for a joiner's offer before offering ourselves")
	f.Bool("audio", true, "send audio")
	f.Bool("video", true, "send video")
	f.Bool("headless", false, "line-based chat on stdin/stdout instead of the room UI")
	f.String("log-level", "", "debug, info, warn or error")
	f.String("log-file", "", "write logs to this file")
}

func runJoin(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadClient(file, cmd.Flags())
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Room = args[0]
	}

	closeLog, err := setupLogging(cfg, !cfg.Headless)
	if err != nil {
		return err
	}
	defer closeLog()

	rtcCfg, err := rtc.WebRTCConfig(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := session.Options{
		ServerURL:      cfg.ServerURL,
		Room:           domain.RoomID(cfg.Room),
		Name:           cfg.Name,
		Constraints:    media.Constraints{Audio: cfg.Audio, Video: cfg.Video},
		Transports:     func(domain.ParticipantID) peer.TransportFactory { return rtc.Factory(rtcCfg) },
		ResponderGrace: cfg.ResponderGrace,
	}

	if cfg.Headless {
		return joinHeadless(ctx, opts, os.Stdin, os.Stdout)
	}

	feed := ui.NewFeed(256)
	opts.Surface = render.Multi{render.NewLogSurface(), feed}
	opts.OnEvent = feed.OnEvent

	sess, err := session.Join(ctx, opts)
	if err != nil {
		return err
	}
	defer sess.Leave()

	go func() {
		<-ctx.Done()
		sess.Leave()
	}()
	if err := ui.Run(sess, feed); err != nil {
		return err
	}
	return sess.Err()
}

// joinHeadless prints room events as plain lines and sends every stdin line
// as chat. "/quit" or EOF leaves.
func joinHeadless(ctx context.Context, opts session.Options, in io.Reader, out io.Writer) error {
	printer := &linePrinter{out: out}
	opts.Surface = render.NewLogSurface()
	opts.OnEvent = printer.event

	sess, err := session.Join(ctx, opts)
	if err != nil {
		return err
	}
	defer sess.Leave()

	stop := make(chan struct{})
	defer close(stop)
	lines := readLines(in, stop)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return sess.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit" || line == "/leave":
				return nil
			case line == "/mute":
				sess.SetEnabled(media.Audio, !sess.MediaEnabled(media.Audio))
			case line == "/video":
				sess.SetEnabled(media.Video, !sess.MediaEnabled(media.Video))
			default:
				if n, err := sess.SendChat(line); err != nil {
					printer.printf("! %v", err)
				} else if n == 0 {
					printer.printf("* nobody connected")
				}
			}
		}
	}
}

// readLines scans in until EOF or until stop is closed. The channel is closed
// when the reader goroutine exits.
func readLines(in io.Reader, stop <-chan struct{}) <-chan string {
	lines := make(chan string, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stop:
				return
			}
		}
	}()
	return lines
}

type linePrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *linePrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *linePrinter) event(ev session.Event) {
	switch ev.Kind {
	case session.EventJoined:
		p.printf("* joined %s as %s", ev.Room, ev.Peer)
	case session.EventPeerJoined:
		p.printf("* %s (%s) joined", ev.Peer, ev.Name)
	case session.EventPeerLeft:
		p.printf("* %s left", ev.Peer)
	case session.EventLink:
		if ev.Link.State == peer.Connected {
			p.printf("* connected to %s", ev.Peer)
		}
	case session.EventChat:
		p.printf("%s", ev.Chat.String())
	case session.EventError:
		p.printf("! %v", ev.Err)
	case session.EventClosed:
		if ev.Err != nil {
			p.printf("! disconnected: %v", ev.Err)
		}
	}
}
