package conversation

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/culturemate/together-chat/backend/internal/model/chat"
)

func TestNATSRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	ctx := context.Background()
	dialer, err := NewNATSDialer(ctx, NATSOptions{
		URL:           url,
		Stream:        "TEST_" + suffix,
		SubjectPrefix: "test" + suffix,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewNATSDialer err: %v", err)
	}
	defer dialer.Close()

	conn, err := dialer.Dial(ctx, 7)
	if err != nil {
		t.Fatalf("Dial err: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(ctx, chat.Draft{RoomID: 7, SenderID: "u1", Content: "over nats"}); err != nil {
		t.Fatalf("Send err: %v", err)
	}

	select {
	case body := <-conn.Deliveries():
		if !strings.Contains(string(body), "over nats") {
			t.Fatalf("unexpected delivery: %s", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}
}
