package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/culturemate/together-chat/backend/internal/model/chat"
	"github.com/culturemate/together-chat/backend/internal/model/profile"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientOptions{BaseURL: srv.URL, APIBase: "/api/v1", Token: "test-token"})
}

func TestListRooms(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chatroom/my" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `[{"id":3,"roomName":"together:post-42:u1:u2"},{"roomId":"4","name":"hike"},{"roomName":"no id"}]`) //nolint:errcheck
	})

	rooms, err := c.ListRooms(context.Background())
	if err != nil {
		t.Fatalf("ListRooms() error: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %+v", rooms)
	}
	if rooms[0].ID != 3 || rooms[0].Label != "together:post-42:u1:u2" {
		t.Fatalf("unexpected first room: %+v", rooms[0])
	}
	if rooms[1].ID != 4 || rooms[1].Label != "hike" {
		t.Fatalf("unexpected second room: %+v", rooms[1])
	}
}

func TestCreateRoomAcceptsObjectOrBareID(t *testing.T) {
	responses := []string{`{"roomId":11}`, `12`}
	var names []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/chatroom/create" {
			http.NotFound(w, r)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		names = append(names, body["name"])
		io.WriteString(w, responses[len(names)-1]) //nolint:errcheck
	})

	first, err := c.CreateRoom(context.Background(), "together:post-42:u1:u2")
	if err != nil {
		t.Fatalf("CreateRoom() error: %v", err)
	}
	second, err := c.CreateRoom(context.Background(), "together:post-43:u1:u2")
	if err != nil {
		t.Fatalf("CreateRoom() error: %v", err)
	}
	if first.ID != 11 || second.ID != 12 {
		t.Fatalf("unexpected ids: %d %d", first.ID, second.ID)
	}
	if first.Label != "together:post-42:u1:u2" || names[1] != "together:post-43:u1:u2" {
		t.Fatalf("unexpected labels: %+v %v", first, names)
	}
}

func TestFetchHistoryUnwrapsPage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/chatroom/7/messages":
			io.WriteString(w, `{"content":[{"id":1},{"id":2}],"totalElements":2}`) //nolint:errcheck
		case "/api/v1/chatroom/8/messages":
			io.WriteString(w, `[{"id":3}]`) //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	})

	paged, err := c.FetchHistory(context.Background(), 7)
	if err != nil {
		t.Fatalf("FetchHistory() error: %v", err)
	}
	if len(paged) != 2 {
		t.Fatalf("expected 2 paged rows, got %d", len(paged))
	}
	bare, err := c.FetchHistory(context.Background(), 8)
	if err != nil {
		t.Fatalf("FetchHistory() error: %v", err)
	}
	if len(bare) != 1 {
		t.Fatalf("expected 1 bare row, got %d", len(bare))
	}
}

func TestAddMemberAndPostMessage(t *testing.T) {
	var joined, posted map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/chatroom/7/join":
			_ = json.NewDecoder(r.Body).Decode(&joined)
		case "/api/v1/chatroom/7/message":
			_ = json.NewDecoder(r.Body).Decode(&posted)
		default:
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.AddMember(context.Background(), 7, "u2"); err != nil {
		t.Fatalf("AddMember() error: %v", err)
	}
	if joined["userId"] != "u2" {
		t.Fatalf("unexpected join body: %v", joined)
	}

	draft := chat.Draft{RoomID: 7, SenderID: "u1", Content: "hello"}
	if err := c.PostMessage(context.Background(), draft); err != nil {
		t.Fatalf("PostMessage() error: %v", err)
	}
	if posted["content"] != "hello" || posted["senderId"] != "u1" || posted["roomId"] != float64(7) {
		t.Fatalf("unexpected message body: %v", posted)
	}
}

func TestAddMemberAlreadyJoined(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/chatroom/7/join":
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"message": "already a member"}) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	})

	if err := c.AddMember(context.Background(), 7, "u2"); err != nil {
		t.Fatalf("AddMember() on existing member: %v", err)
	}
	if err := c.AddMember(context.Background(), 8, "u2"); !IsStatus(err, http.StatusForbidden) {
		t.Fatalf("expected 403 to surface, got %v", err)
	}
}

func TestLookupProfile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/members/id/5" {
			io.WriteString(w, `{"id":5,"loginId":"mina01","memberDetail":{"nickname":"Mina","profileImage":"/p/5.png"}}`) //nolint:errcheck
			return
		}
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "no such member"}) //nolint:errcheck
	})

	p, err := c.LookupProfile(context.Background(), "5")
	if err != nil {
		t.Fatalf("LookupProfile() error: %v", err)
	}
	if p.Name() != "Mina" || p.AvatarRef != "/p/5.png" {
		t.Fatalf("unexpected profile: %+v", p)
	}

	if _, err := c.LookupProfile(context.Background(), "6"); !errors.Is(err, profile.ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestHTTPErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "maintenance"}) //nolint:errcheck
	})

	_, err := c.FetchMembers(context.Background(), 7)
	if err == nil {
		t.Fatal("expected error for 503")
	}
	if !IsStatus(err, http.StatusServiceUnavailable) {
		t.Fatalf("expected 503 status, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("expected 503 to be retryable")
	}
	if got := err.Error(); !strings.Contains(got, "maintenance") {
		t.Errorf("error = %q, want it to contain upstream message", got)
	}
	if IsRetryable(&HTTPError{StatusCode: http.StatusBadRequest}) {
		t.Fatal("expected 400 not to be retryable")
	}
}
