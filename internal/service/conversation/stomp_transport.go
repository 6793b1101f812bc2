package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/culturemate/together-chat/backend/internal/model/chat"
	chatsvc "github.com/culturemate/together-chat/backend/internal/service/chat"
)

// ErrConnClosed is returned when sending over a closed live channel.
var ErrConnClosed = errors.New("live channel closed")

// StompOptions configures the STOMP-over-websocket live transport.
type StompOptions struct {
	URL            string
	Token          string
	Connection     ConnectionOptions
	DeliveryBuffer int
	Logger         zerolog.Logger
}

// StompDialer opens one broker subscription per room.
type StompDialer struct {
	url    string
	token  string
	host   string
	opts   ConnectionOptions
	buffer int
	log    zerolog.Logger
}

// NewStompDialer builds a dialer for the broker at opts.URL.
func NewStompDialer(opts StompOptions) *StompDialer {
	host := "/"
	if u, err := url.Parse(opts.URL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	if opts.DeliveryBuffer <= 0 {
		opts.DeliveryBuffer = 64
	}
	return &StompDialer{
		url:    opts.URL,
		token:  opts.Token,
		host:   host,
		opts:   opts.Connection.withDefaults(),
		buffer: opts.DeliveryBuffer,
		log:    opts.Logger.With().Str("component", "conversation.stomp").Logger(),
	}
}

func topicDestination(roomID int64) string {
	return "/topic/chatroom/" + strconv.FormatInt(roomID, 10)
}

func sendDestination(roomID int64) string {
	return "/app/chatroom/" + strconv.FormatInt(roomID, 10) + "/send"
}

// Dial connects, performs the STOMP handshake and subscribes to the room topic.
func (d *StompDialer) Dial(ctx context.Context, roomID int64) (chatsvc.Conn, error) {
	header := http.Header{}
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}

	ws, err := connectWithRetry(ctx, d.url, header, d.opts)
	if err != nil {
		return nil, fmt.Errorf("stomp.Dial: %w", err)
	}

	c := &stompConn{
		ws:         ws,
		roomID:     roomID,
		opts:       d.opts,
		deliveries: make(chan []byte, d.buffer),
		done:       make(chan struct{}),
		log:        d.log.With().Int64("room", roomID).Logger(),
	}

	if err := c.handshake(ctx, d.host, d.token); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("stomp.Dial: %w", err)
	}

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

type stompConn struct {
	ws     *websocket.Conn
	roomID int64
	opts   ConnectionOptions
	log    zerolog.Logger

	deliveries chan []byte
	done       chan struct{}
	closeOnce  sync.Once

	writeMu sync.Mutex
}

func (c *stompConn) handshake(ctx context.Context, host, token string) error {
	heartbeat := strconv.FormatInt(c.opts.PingInterval.Milliseconds(), 10)
	connectFrame := newFrame(cmdConnect,
		"accept-version", "1.2",
		"host", host,
		"heart-beat", heartbeat+","+heartbeat,
	)
	if token != "" {
		connectFrame.headers = append(connectFrame.headers, header{key: "Authorization", value: "Bearer " + token})
	}
	if err := c.write(connectFrame); err != nil {
		return fmt.Errorf("send CONNECT: %w", err)
	}

	deadline := time.Now().Add(c.opts.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetReadDeadline(deadline)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("await CONNECTED: %w", err)
		}
		f, err := decodeFrame(data)
		if errors.Is(err, errHeartbeatFrame) {
			continue
		}
		if err != nil {
			return err
		}
		switch f.command {
		case cmdConnected:
			_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
			return c.write(newFrame(cmdSubscribe,
				"id", "sub-"+strconv.FormatInt(c.roomID, 10),
				"destination", topicDestination(c.roomID),
				"ack", "auto",
			))
		case cmdError:
			return fmt.Errorf("broker refused connection: %s %s", f.get("message"), string(f.body))
		default:
			return fmt.Errorf("unexpected %s frame before CONNECTED", f.command)
		}
	}
}

func (c *stompConn) Deliveries() <-chan []byte { return c.deliveries }

// Send publishes the draft to the room's application destination.
func (c *stompConn) Send(ctx context.Context, draft chat.Draft) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(sendBody(draft))
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	f := newFrame(cmdSend,
		"destination", sendDestination(c.roomID),
		"content-type", "application/json",
		"content-length", strconv.Itoa(len(body)),
	)
	f.body = body
	if err := c.write(f); err != nil {
		return fmt.Errorf("stomp.Send: %w", err)
	}
	return nil
}

// Close sends DISCONNECT best-effort and drops the socket.
func (c *stompConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.write(newFrame(cmdDisconnect))
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *stompConn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, f.encode())
}

// readLoop forwards MESSAGE bodies until the socket fails. It is the only
// writer of deliveries and closes it on exit.
func (c *stompConn) readLoop() {
	defer close(c.deliveries)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn().Err(err).Msg("live channel read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		f, err := decodeFrame(data)
		if errors.Is(err, errHeartbeatFrame) {
			continue
		}
		if err != nil {
			c.log.Debug().Err(err).Msg("undecodable frame")
			continue
		}

		switch f.command {
		case cmdMessage:
			select {
			case c.deliveries <- f.body:
			case <-c.done:
				return
			}
		case cmdError:
			c.log.Warn().Str("message", f.get("message")).Msg("broker error frame")
			_ = c.ws.Close()
			return
		}
	}
}

// pingLoop keeps the broker heart-beat and websocket keepalive going.
func (c *stompConn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			err := c.ws.WriteMessage(websocket.TextMessage, []byte("\n"))
			if err == nil {
				err = c.ws.WriteMessage(websocket.PingMessage, nil)
			}
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug().Err(err).Msg("heart-beat failed")
				_ = c.ws.Close()
				return
			}
		}
	}
}
