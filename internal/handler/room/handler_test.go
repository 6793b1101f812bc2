package room

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/culturemate/together-chat/backend/internal/middleware"
	"github.com/culturemate/together-chat/backend/internal/model/chat"
	roomService "github.com/culturemate/together-chat/backend/internal/service/room"
)

type stubDirectory struct {
	mu        sync.Mutex
	creates   int
	createErr error
}

func (d *stubDirectory) ListRooms(context.Context) ([]chat.Room, error) { return nil, nil }

func (d *stubDirectory) CreateRoom(_ context.Context, label string) (chat.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return chat.Room{}, d.createErr
	}
	d.creates++
	return chat.Room{ID: 40 + int64(d.creates), Label: label}, nil
}

func (d *stubDirectory) AddMember(context.Context, int64, string) error { return nil }

func setupRouter(dir *stubDirectory) (*chi.Mux, *roomService.Resolver) {
	resolver := roomService.NewResolver(dir, roomService.Options{}, zerolog.Nop())
	r := chi.NewRouter()
	r.Use(middleware.RequireUser)
	New(resolver).RegisterRoutes(r)
	return r, resolver
}

func newResolveRequest(t *testing.T, body map[string]string) *http.Request {
	t.Helper()
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/rooms/resolve", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderUserID, "u1")
	return req
}

func TestResolveReturnsRoomID(t *testing.T) {
	dir := &stubDirectory{}
	r, resolver := setupRouter(dir)
	defer resolver.Wait()

	for i := 0; i < 2; i++ {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, newResolveRequest(t, map[string]string{"conversationKey": "post-1", "otherId": "u2"}))

		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
		}
		var out struct {
			RoomID int64 `json:"roomId"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.RoomID != 41 {
			t.Fatalf("expected room 41, got %d", out.RoomID)
		}
	}
	if dir.creates != 1 {
		t.Fatalf("expected one creation, got %d", dir.creates)
	}
}

func TestResolveMissingKey(t *testing.T) {
	r, _ := setupRouter(&stubDirectory{})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, newResolveRequest(t, map[string]string{"otherId": "u2"}))

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestResolveUnavailable(t *testing.T) {
	r, _ := setupRouter(&stubDirectory{createErr: errors.New("upstream down")})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, newResolveRequest(t, map[string]string{"conversationKey": "post-1"}))

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestInvalidateForgetsRoom(t *testing.T) {
	dir := &stubDirectory{}
	r, resolver := setupRouter(dir)
	defer resolver.Wait()

	r.ServeHTTP(httptest.NewRecorder(), newResolveRequest(t, map[string]string{"conversationKey": "post-1"}))
	if got := resolver.State("post-1"); got != roomService.StateResolved {
		t.Fatalf("expected resolved, got %s", got)
	}

	req := httptest.NewRequest(http.MethodDelete, "/rooms/resolve/post-1", nil)
	req.Header.Set(middleware.HeaderUserID, "u1")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if got := resolver.State("post-1"); got != roomService.StateUnresolved {
		t.Fatalf("expected unresolved, got %s", got)
	}
}
