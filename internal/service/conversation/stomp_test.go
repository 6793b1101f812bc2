package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/culturemate/together-chat/backend/internal/model/chat"
)

func TestFrameRoundTripEscapesHeaders(t *testing.T) {
	f := newFrame(cmdSend, "destination", "/app/chatroom/7/send", "note", "a:b\nc")
	f.body = []byte(`{"content":"hi"}`)

	encoded := f.encode()
	if !strings.Contains(string(encoded), `note:a\cb\nc`) {
		t.Fatalf("expected escaped header, got %q", encoded)
	}
	if encoded[len(encoded)-1] != 0 {
		t.Fatal("expected NUL terminator")
	}

	got, err := decodeFrame(encoded)
	if err != nil {
		t.Fatalf("decodeFrame err: %v", err)
	}
	if got.command != cmdSend || got.get("note") != "a:b\nc" || string(got.body) != `{"content":"hi"}` {
		t.Fatalf("unexpected frame: %+v", got)
	}
}

func TestDecodeFrameVariants(t *testing.T) {
	if _, err := decodeFrame([]byte("\n")); !errors.Is(err, errHeartbeatFrame) {
		t.Fatalf("expected heart-beat, got %v", err)
	}

	f, err := decodeFrame([]byte("CONNECTED\r\nversion:1.2\r\n\r\n\x00"))
	if err != nil {
		t.Fatalf("decodeFrame err: %v", err)
	}
	if f.command != cmdConnected || f.get("version") != "1.2" {
		t.Fatalf("unexpected frame: %+v", f)
	}

	if _, err := decodeFrame([]byte("MESSAGE\nbroken-header\n\n\x00")); err == nil {
		t.Fatal("expected malformed header error")
	}
	if _, err := decodeFrame([]byte("MESSAGE\nk:bad\\x\n\n\x00")); err == nil {
		t.Fatal("expected invalid escape error")
	}
}

// stompBroker is a minimal in-process broker for one client.
type stompBroker struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conn      *websocket.Conn
	subscribe frame
	sent      []frame
	ready     chan struct{}
	refuse    bool
}

func newStompBroker(t *testing.T) (*stompBroker, *httptest.Server) {
	b := &stompBroker{t: t, ready: make(chan struct{})}
	srv := httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *stompBroker) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			continue
		}
		switch f.command {
		case cmdConnect:
			if b.refuse {
				reply := newFrame(cmdError, "message", "bad credentials")
				_ = conn.WriteMessage(websocket.TextMessage, reply.encode())
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, newFrame(cmdConnected, "version", "1.2").encode())
		case cmdSubscribe:
			b.mu.Lock()
			b.conn = conn
			b.subscribe = f
			b.mu.Unlock()
			close(b.ready)
		case cmdSend:
			b.mu.Lock()
			b.sent = append(b.sent, f)
			b.mu.Unlock()
		case cmdDisconnect:
			return
		}
	}
}

func (b *stompBroker) publish(body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f := newFrame(cmdMessage, "destination", b.subscribe.get("destination"), "subscription", b.subscribe.get("id"))
	f.body = []byte(body)
	if err := b.conn.WriteMessage(websocket.TextMessage, f.encode()); err != nil {
		b.t.Errorf("publish: %v", err)
	}
}

func (b *stompBroker) dropClient() {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.conn.Close()
}

func (b *stompBroker) sentFrames() []frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]frame(nil), b.sent...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStompDialSubscribeAndSend(t *testing.T) {
	broker, srv := newStompBroker(t)
	dialer := NewStompDialer(StompOptions{URL: wsURL(srv), Logger: zerolog.Nop()})

	conn, err := dialer.Dial(context.Background(), 7)
	if err != nil {
		t.Fatalf("Dial err: %v", err)
	}
	defer conn.Close()

	select {
	case <-broker.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("no SUBSCRIBE received")
	}
	if got := broker.subscribe.get("destination"); got != "/topic/chatroom/7" {
		t.Fatalf("unexpected subscription: %s", got)
	}

	broker.publish(`{"roomId":7,"senderId":"u2","content":"hi"}`)
	select {
	case body := <-conn.Deliveries():
		if !strings.Contains(string(body), `"hi"`) {
			t.Fatalf("unexpected delivery: %s", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}

	draft := chat.Draft{RoomID: 7, SenderID: "u1", Content: "hello"}
	if err := conn.Send(context.Background(), draft); err != nil {
		t.Fatalf("Send err: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(broker.sentFrames()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sent := broker.sentFrames()
	if len(sent) != 1 || sent[0].get("destination") != "/app/chatroom/7/send" {
		t.Fatalf("unexpected SEND frames: %+v", sent)
	}
	var body map[string]any
	if err := json.Unmarshal(sent[0].body, &body); err != nil || body["content"] != "hello" {
		t.Fatalf("unexpected SEND body: %s (%v)", sent[0].body, err)
	}
}

func TestStompDeliveriesCloseOnDrop(t *testing.T) {
	broker, srv := newStompBroker(t)
	dialer := NewStompDialer(StompOptions{URL: wsURL(srv), Logger: zerolog.Nop()})

	conn, err := dialer.Dial(context.Background(), 7)
	if err != nil {
		t.Fatalf("Dial err: %v", err)
	}
	defer conn.Close()
	<-broker.ready

	broker.dropClient()
	select {
	case _, ok := <-conn.Deliveries():
		if ok {
			t.Fatal("expected closed deliveries")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deliveries not closed after drop")
	}
}

func TestStompRefusedConnect(t *testing.T) {
	broker, srv := newStompBroker(t)
	broker.refuse = true
	dialer := NewStompDialer(StompOptions{URL: wsURL(srv), Logger: zerolog.Nop()})

	if _, err := dialer.Dial(context.Background(), 7); err == nil || !strings.Contains(err.Error(), "bad credentials") {
		t.Fatalf("expected refused connect, got %v", err)
	}
}

func TestStompSendAfterClose(t *testing.T) {
	broker, srv := newStompBroker(t)
	dialer := NewStompDialer(StompOptions{URL: wsURL(srv), Logger: zerolog.Nop()})

	conn, err := dialer.Dial(context.Background(), 7)
	if err != nil {
		t.Fatalf("Dial err: %v", err)
	}
	<-broker.ready

	if err := conn.Close(); err != nil {
		t.Fatalf("Close err: %v", err)
	}
	if err := conn.Send(context.Background(), chat.Draft{RoomID: 7}); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
}
