// Package signaling is the client side of the relay WebSocket.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("signaling connection closed")

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
	Header     http.Header
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 * 1024
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

// Client manages the WebSocket connection to the relay.
type Client struct {
	conn     *websocket.Conn
	opts     Options
	incoming chan wire.Message
	outgoing chan []byte
	done     chan struct{}
	once     sync.Once
}

// Dial connects to serverURL and starts the read and write pumps.
func Dial(ctx context.Context, serverURL string, opts Options) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	opts = opts.withDefaults()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), opts.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(opts.ReadLimit)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	c := &Client{
		conn:     conn,
		opts:     opts,
		incoming: make(chan wire.Message, opts.SendBuffer),
		outgoing: make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	log.Debug().Str("module", "client.signaling").Str("url", u.String()).Msg("connected")
	return c, nil
}

func (c *Client) readPump() {
	defer func() {
		close(c.incoming)
		c.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "client.signaling").Msg("read")
			}
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client.signaling").Msg("bad frame")
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.outgoing:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever was queued before Close so a final leave-room is
// not lost.
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.outgoing:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(kind int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.conn.WriteMessage(kind, data)
}

// Send queues one message. It blocks while the queue is full and fails once
// the connection is closed.
func (c *Client) Send(typ string, v any) error {
	frame, err := wire.Encode(typ, v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// SendSignal wraps payload in a signal frame addressed to to.
func (c *Client) SendSignal(to domain.ParticipantID, payload wire.Payload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.Send(wire.TypeSignal, wire.Signal{To: to, Payload: raw})
}

// Incoming is closed when the connection stops reading.
func (c *Client) Incoming() <-chan wire.Message {
	return c.incoming
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close is idempotent.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}
