package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/culturemate/together-chat/backend/internal/model/chat"
	chatsvc "github.com/culturemate/together-chat/backend/internal/service/chat"
)

// NATSOptions configures the JetStream live transport.
type NATSOptions struct {
	URL            string
	Stream         string
	SubjectPrefix  string
	DeliveryBuffer int
	Logger         zerolog.Logger
}

// NATSDialer subscribes sessions to per-room JetStream subjects.
type NATSDialer struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	prefix string
	buffer int
	log    zerolog.Logger
}

// NewNATSDialer connects to NATS and makes sure the room stream exists.
func NewNATSDialer(ctx context.Context, opts NATSOptions) (*NATSDialer, error) {
	logger := opts.Logger.With().Str("component", "conversation.nats").Logger()

	nc, err := nats.Connect(opts.URL, nats.Name("together-chat-gateway"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := js.Stream(ctx, opts.Stream); err != nil {
		logger.Info().Str("stream", opts.Stream).Msg("stream not found, creating")
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        opts.Stream,
			Description: "Together chat room messages",
			Subjects:    []string{opts.SubjectPrefix + ".*"},
			MaxAge:      24 * time.Hour,
			Storage:     jetstream.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream %q: %w", opts.Stream, err)
		}
	}

	if opts.DeliveryBuffer <= 0 {
		opts.DeliveryBuffer = 64
	}
	return &NATSDialer{
		nc:     nc,
		js:     js,
		stream: opts.Stream,
		prefix: opts.SubjectPrefix,
		buffer: opts.DeliveryBuffer,
		log:    logger,
	}, nil
}

// Close closes the NATS connection.
func (d *NATSDialer) Close() {
	if d.nc != nil {
		d.nc.Close()
	}
}

func (d *NATSDialer) subject(roomID int64) string {
	return d.prefix + "." + strconv.FormatInt(roomID, 10)
}

// Dial starts an ephemeral consumer delivering new messages of the room.
func (d *NATSDialer) Dial(ctx context.Context, roomID int64) (chatsvc.Conn, error) {
	subject := d.subject(roomID)
	cons, err := d.js.CreateOrUpdateConsumer(ctx, d.stream, jetstream.ConsumerConfig{
		FilterSubject: subject,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckNonePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats.Dial: consumer for %q: %w", subject, err)
	}

	c := &natsConn{
		js:         d.js,
		subject:    subject,
		inbox:      make(chan []byte, d.buffer),
		deliveries: make(chan []byte, d.buffer),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}

	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case c.inbox <- msg.Data():
		case <-c.stopped:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats.Dial: consume %q: %w", subject, err)
	}
	c.consumeCtx = consumeCtx

	go c.forward()
	d.log.Debug().Str("subject", subject).Msg("subscribed")
	return c, nil
}

type natsConn struct {
	js         jetstream.JetStream
	subject    string
	consumeCtx jetstream.ConsumeContext

	inbox      chan []byte
	deliveries chan []byte
	done       chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once
}

// forward moves consumed payloads to deliveries until the consumer stops
// or the conn is closed, then closes deliveries.
func (c *natsConn) forward() {
	defer close(c.deliveries)
	defer close(c.stopped)

	for {
		select {
		case <-c.done:
			return
		case <-c.consumeCtx.Closed():
			return
		case data := <-c.inbox:
			select {
			case c.deliveries <- data:
			case <-c.done:
				return
			}
		}
	}
}

func (c *natsConn) Deliveries() <-chan []byte { return c.deliveries }

func (c *natsConn) Send(ctx context.Context, draft chat.Draft) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	data, err := json.Marshal(sendBody(draft))
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	if _, err := c.js.Publish(ctx, c.subject, data); err != nil {
		return fmt.Errorf("nats.Send: publish to %q: %w", c.subject, err)
	}
	return nil
}

func (c *natsConn) Close() error {
	c.closeOnce.Do(func() {
		c.consumeCtx.Stop()
		close(c.done)
	})
	return nil
}
