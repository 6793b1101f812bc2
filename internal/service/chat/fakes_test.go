package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/culturemate/together-chat/backend/internal/model/chat"
	"github.com/culturemate/together-chat/backend/internal/model/profile"
	chatsvc "github.com/culturemate/together-chat/backend/internal/service/chat"
)

var errSendFailed = errors.New("send failed")

type fakeConn struct {
	deliveries chan []byte

	mu        sync.Mutex
	sent      []chat.Draft
	failSends int
	closed    bool

	// When gate is set, Send signals entered and fails once gate closes.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{deliveries: make(chan []byte, 16)}
}

func (c *fakeConn) Deliveries() <-chan []byte { return c.deliveries }

func (c *fakeConn) Send(_ context.Context, d chat.Draft) error {
	if c.gate != nil {
		c.entered <- struct{}{}
		<-c.gate
		return errSendFailed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSends > 0 {
		c.failSends--
		return errSendFailed
	}
	c.sent = append(c.sent, d)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) failNext(n int) {
	c.mu.Lock()
	c.failSends = n
	c.mu.Unlock()
}

func (c *fakeConn) push(payload string) {
	c.deliveries <- []byte(payload)
}

// drop simulates the broker going away.
func (c *fakeConn) drop() {
	close(c.deliveries)
}

func (c *fakeConn) sentDrafts() []chat.Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.Draft(nil), c.sent...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	// gate, when set, is handed to every dialed conn.
	gate chan struct{}
}

func (d *fakeDialer) Dial(_ context.Context, _ int64) (chatsvc.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	if d.gate != nil {
		c.gate = d.gate
		c.entered = make(chan struct{}, 1)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type historyFunc func(ctx context.Context, roomID int64) ([]json.RawMessage, error)

func (f historyFunc) FetchHistory(ctx context.Context, roomID int64) ([]json.RawMessage, error) {
	return f(ctx, roomID)
}

type membersFunc func(ctx context.Context, roomID int64) (json.RawMessage, error)

func (f membersFunc) FetchMembers(ctx context.Context, roomID int64) (json.RawMessage, error) {
	return f(ctx, roomID)
}

func staticHistory(rows ...string) historyFunc {
	return func(context.Context, int64) ([]json.RawMessage, error) {
		out := make([]json.RawMessage, 0, len(rows))
		for _, r := range rows {
			out = append(out, json.RawMessage(r))
		}
		return out, nil
	}
}

type fakeProfiles map[string]profile.Profile

func (f fakeProfiles) LookupProfile(_ context.Context, id string) (profile.Profile, error) {
	p, ok := f[id]
	if !ok {
		return profile.Profile{}, profile.ErrProfileNotFound
	}
	return p, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func hasContent(msgs []chat.Message, content string) bool {
	for _, m := range msgs {
		if m.Content == content {
			return true
		}
	}
	return false
}
