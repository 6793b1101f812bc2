package room_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/culturemate/together-chat/backend/internal/model/chat"
	"github.com/culturemate/together-chat/backend/internal/service/room"
)

type fakeDirectory struct {
	mu      sync.Mutex
	rooms   []chat.Room
	nextID  int64
	creates int
	lists   int
	joins   map[string]int

	listGate  chan struct{}
	listErr   error
	createErr error
	joinErr   error
}

func newFakeDirectory(rooms ...chat.Room) *fakeDirectory {
	return &fakeDirectory{rooms: rooms, nextID: 100, joins: make(map[string]int)}
}

func (d *fakeDirectory) ListRooms(ctx context.Context) ([]chat.Room, error) {
	if d.listGate != nil {
		select {
		case <-d.listGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lists++
	if d.listErr != nil {
		return nil, d.listErr
	}
	return append([]chat.Room(nil), d.rooms...), nil
}

func (d *fakeDirectory) CreateRoom(_ context.Context, label string) (chat.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return chat.Room{}, d.createErr
	}
	d.creates++
	d.nextID++
	rm := chat.Room{ID: d.nextID, Label: label}
	d.rooms = append(d.rooms, rm)
	return rm, nil
}

func (d *fakeDirectory) AddMember(_ context.Context, _ int64, memberID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.joins[memberID]++
	return d.joinErr
}

func (d *fakeDirectory) counts() (lists, creates int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lists, d.creates
}

var hint = room.ParticipantsHint{Me: "u1", Other: "u2"}

func TestLabelSortsParticipants(t *testing.T) {
	got := room.Label("post-42", room.ParticipantsHint{Me: "u9", Other: "u1"})
	if got != "together:post-42:u1:u9" {
		t.Fatalf("unexpected label: %s", got)
	}
	if got := room.Label("post-42", room.ParticipantsHint{Me: "u9"}); got != "together:post-42:u9" {
		t.Fatalf("unexpected label without counterpart: %s", got)
	}
}

func TestResolveCreatesOnceAndCaches(t *testing.T) {
	dir := newFakeDirectory()
	r := room.NewResolver(dir, room.Options{}, zerolog.Nop())
	ctx := context.Background()

	first, err := r.Resolve(ctx, "post-42", hint)
	if err != nil {
		t.Fatalf("Resolve err: %v", err)
	}
	second, err := r.Resolve(ctx, "post-42", hint)
	if err != nil {
		t.Fatalf("Resolve err: %v", err)
	}
	r.Wait()

	if first != second {
		t.Fatalf("expected same room, got %d and %d", first, second)
	}
	lists, creates := dir.counts()
	if lists != 1 || creates != 1 {
		t.Fatalf("expected one list and one create, got lists=%d creates=%d", lists, creates)
	}
	if r.State("post-42") != room.StateResolved {
		t.Fatalf("unexpected state: %s", r.State("post-42"))
	}
	if dir.joins["u1"] != 1 || dir.joins["u2"] != 1 {
		t.Fatalf("expected both members joined once, got %v", dir.joins)
	}
}

func TestResolveParallelCallsShareOneCreation(t *testing.T) {
	dir := newFakeDirectory()
	dir.listGate = make(chan struct{})
	r := room.NewResolver(dir, room.Options{}, zerolog.Nop())

	var wg sync.WaitGroup
	results := make([]int64, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), "post-42", hint)
		}(i)
	}

	waitForState(t, r, "post-42", room.StateResolving)
	time.Sleep(10 * time.Millisecond)
	close(dir.listGate)
	wg.Wait()
	r.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d err: %v", i, err)
		}
	}
	if results[0] != results[1] {
		t.Fatalf("expected identical room ids, got %v", results)
	}
	if _, creates := dir.counts(); creates != 1 {
		t.Fatalf("expected exactly one creation, got %d", creates)
	}
}

func TestResolveMatchesExistingRooms(t *testing.T) {
	dir := newFakeDirectory(
		chat.Room{ID: 1, Label: "hike with u1 and u2"},
		chat.Room{ID: 2, Label: "post-42 chat"},
		chat.Room{ID: 3, Label: "post-42 u1 u2"},
		chat.Room{ID: 4, Label: "together:post-42:u1:u3"},
	)
	r := room.NewResolver(dir, room.Options{}, zerolog.Nop())

	id, err := r.Resolve(context.Background(), "post-42", hint)
	if err != nil {
		t.Fatalf("Resolve err: %v", err)
	}
	r.Wait()
	if id != 3 {
		t.Fatalf("expected room matching key and both participants, got %d", id)
	}
	if _, creates := dir.counts(); creates != 0 {
		t.Fatalf("expected no creation, got %d", creates)
	}
}

func TestResolveIgnoresMintedLabelsForOtherPairs(t *testing.T) {
	dir := newFakeDirectory(chat.Room{ID: 4, Label: "together:post-7:u1:u2"})
	r := room.NewResolver(dir, room.Options{}, zerolog.Nop())

	id, err := r.Resolve(context.Background(), "post-42", hint)
	if err != nil {
		t.Fatalf("Resolve err: %v", err)
	}
	r.Wait()
	if id == 4 {
		t.Fatal("expected a new room rather than another conversation's room")
	}
}

func TestResolveFailureIsNotCached(t *testing.T) {
	dir := newFakeDirectory()
	dir.listErr = errors.New("list down")
	dir.createErr = errors.New("create down")
	r := room.NewResolver(dir, room.Options{}, zerolog.Nop())

	if _, err := r.Resolve(context.Background(), "post-42", hint); !errors.Is(err, room.ErrRoomUnavailable) {
		t.Fatalf("expected ErrRoomUnavailable, got %v", err)
	}
	if r.State("post-42") != room.StateFailed {
		t.Fatalf("unexpected state: %s", r.State("post-42"))
	}

	dir.mu.Lock()
	dir.createErr = nil
	dir.mu.Unlock()

	id, err := r.Resolve(context.Background(), "post-42", hint)
	if err != nil || id == 0 {
		t.Fatalf("expected retry to succeed, got id=%d err=%v", id, err)
	}
	r.Wait()
}

func TestResolveJoinFailureIsNotFatal(t *testing.T) {
	dir := newFakeDirectory()
	dir.joinErr = errors.New("already member")

	var mu sync.Mutex
	var failed []string
	r := room.NewResolver(dir, room.Options{
		OnJoinError: func(_ int64, memberID string, _ error) {
			mu.Lock()
			failed = append(failed, memberID)
			mu.Unlock()
		},
	}, zerolog.Nop())

	if _, err := r.Resolve(context.Background(), "post-42", hint); err != nil {
		t.Fatalf("Resolve err: %v", err)
	}
	r.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 2 {
		t.Fatalf("expected both join failures reported, got %v", failed)
	}
}

func TestResolveUsesSharedCache(t *testing.T) {
	shared := room.NewMemoryCache()
	ctx := context.Background()
	if err := shared.Set(ctx, "post-42", 77); err != nil {
		t.Fatalf("Set err: %v", err)
	}

	dir := newFakeDirectory()
	r := room.NewResolver(dir, room.Options{Shared: shared}, zerolog.Nop())

	id, err := r.Resolve(ctx, "post-42", hint)
	if err != nil {
		t.Fatalf("Resolve err: %v", err)
	}
	if id != 77 {
		t.Fatalf("expected shared id, got %d", id)
	}
	if lists, _ := dir.counts(); lists != 0 {
		t.Fatalf("expected no listing, got %d", lists)
	}

	if err := r.Invalidate(ctx, "post-42"); err != nil {
		t.Fatalf("Invalidate err: %v", err)
	}
	if _, ok, _ := shared.Get(ctx, "post-42"); ok {
		t.Fatal("expected shared entry dropped")
	}
	if r.State("post-42") != room.StateUnresolved {
		t.Fatalf("unexpected state after invalidate: %s", r.State("post-42"))
	}
}

func TestResolveRequiresKey(t *testing.T) {
	r := room.NewResolver(newFakeDirectory(), room.Options{}, zerolog.Nop())
	if _, err := r.Resolve(context.Background(), "  ", hint); !errors.Is(err, room.ErrKeyRequired) {
		t.Fatalf("expected ErrKeyRequired, got %v", err)
	}
}

func waitForState(t *testing.T, r *room.Resolver, key string, want room.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.State(key) == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state %s not reached", want)
}
