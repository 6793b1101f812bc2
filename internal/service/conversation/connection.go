package conversation

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionOptions tunes websocket connections to the upstream broker.
type ConnectionOptions struct {
	ConnectionTimeout time.Duration // handshake timeout
	ReadTimeout       time.Duration // extended on every frame and pong
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	MaxRetries        int
}

// DefaultConnectionOptions returns the broker connection defaults.
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		ConnectionTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      30 * time.Second,
		PingInterval:      20 * time.Second,
		MaxRetries:        3,
	}
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	def := DefaultConnectionOptions()
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = def.ConnectionTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = def.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	return o
}

// connectWithRetry dials url, backing off one more second per attempt.
// Only retryable failures are retried.
func connectWithRetry(ctx context.Context, url string, header http.Header, opts ConnectionOptions) (*websocket.Conn, error) {
	var lastErr error

	for i := 0; i < opts.MaxRetries; i++ {
		conn, err := connect(ctx, url, header, opts)
		if err == nil {
			return conn, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsRetryable(err) {
			break
		}

		retryDelay := time.Duration(i+1) * time.Second
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts, last error: %w", opts.MaxRetries, lastErr)
}

func connect(ctx context.Context, url string, header http.Header, opts ConnectionOptions) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: opts.ConnectionTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed: %w", &HTTPError{StatusCode: resp.StatusCode, Message: resp.Status})
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	})

	return conn, nil
}
