package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/culturemate/together-chat/backend/internal/metrics"
	"github.com/culturemate/together-chat/backend/internal/model/chat"
)

var (
	ErrKeyRequired     = errors.New("conversation key is required")
	ErrRoomUnavailable = errors.New("room unavailable, try again")
)

// labelPrefix marks labels minted by the resolver.
const labelPrefix = "together:"

// Directory is the upstream room catalogue.
type Directory interface {
	ListRooms(ctx context.Context) ([]chat.Room, error)
	CreateRoom(ctx context.Context, label string) (chat.Room, error)
	AddMember(ctx context.Context, roomID int64, memberID string) error
}

// ParticipantsHint names the two members of a conversation, when known.
type ParticipantsHint struct {
	Me    string
	Other string
}

func (h ParticipantsHint) ids() []string {
	var ids []string
	for _, id := range []string{h.Me, h.Other} {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// State is the resolution progress of one conversation key.
type State string

const (
	StateUnresolved State = "unresolved"
	StateResolving  State = "resolving"
	StateResolved   State = "resolved"
	StateFailed     State = "failed"
)

// Options configures a Resolver.
type Options struct {
	// Shared is an optional second-level cache, e.g. Redis.
	Shared      RoomCache
	JoinTimeout time.Duration
	// OnJoinError observes membership failures; they never fail Resolve.
	OnJoinError func(roomID int64, memberID string, err error)
}

// Resolver maps conversation keys to upstream room ids, creating rooms on
// demand. One Resolver is shared by the whole process.
type Resolver struct {
	dir         Directory
	shared      RoomCache
	joinTimeout time.Duration
	onJoinError func(roomID int64, memberID string, err error)
	log         zerolog.Logger

	mu     sync.RWMutex
	ids    map[string]int64
	states map[string]State

	group singleflight.Group
	joins sync.WaitGroup
}

// NewResolver builds a resolver over dir.
func NewResolver(dir Directory, opts Options, logger zerolog.Logger) *Resolver {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	return &Resolver{
		dir:         dir,
		shared:      opts.Shared,
		joinTimeout: opts.JoinTimeout,
		onJoinError: opts.OnJoinError,
		log:         logger.With().Str("component", "room.resolver").Logger(),
		ids:         make(map[string]int64),
		states:      make(map[string]State),
	}
}

// Label is the room name minted for a conversation: the key followed by
// the sorted participant ids.
func Label(key string, hint ParticipantsHint) string {
	ids := hint.ids()
	sort.Strings(ids)
	parts := append([]string{strings.TrimSpace(key)}, ids...)
	return labelPrefix + strings.Join(parts, ":")
}

// Resolve returns the room id for key. Concurrent calls for one key share
// a single lookup, so at most one room is created.
func (r *Resolver) Resolve(ctx context.Context, key string, hint ParticipantsHint) (int64, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, ErrKeyRequired
	}

	if id, ok := r.cached(key); ok {
		metrics.RoomResolutions.WithLabelValues("cached").Inc()
		return id, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		if id, ok := r.cached(key); ok {
			return id, nil
		}
		r.setState(key, StateResolving)
		// Shared by every waiter, so it must not die with the first caller.
		return r.resolve(context.WithoutCancel(ctx), key, hint)
	})
	if err != nil {
		r.setState(key, StateFailed)
		metrics.RoomResolutions.WithLabelValues("failed").Inc()
		r.log.Warn().Err(err).Str("key", key).Msg("room resolution failed")
		return 0, fmt.Errorf("%w: %v", ErrRoomUnavailable, err)
	}
	return v.(int64), nil
}

func (r *Resolver) resolve(ctx context.Context, key string, hint ParticipantsHint) (int64, error) {
	if r.shared != nil {
		id, ok, err := r.shared.Get(ctx, key)
		if err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("shared cache read failed")
		} else if ok {
			r.store(key, id)
			metrics.RoomResolutions.WithLabelValues("shared").Inc()
			return id, nil
		}
	}

	rooms, err := r.dir.ListRooms(ctx)
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("list rooms failed, creating")
	}

	outcome := "matched"
	id, ok := matchRoom(rooms, key, hint)
	if !ok {
		label := Label(key, hint)
		created, err := r.dir.CreateRoom(ctx, label)
		if err != nil {
			return 0, fmt.Errorf("create room %q: %w", label, err)
		}
		if created.ID <= 0 {
			return 0, fmt.Errorf("create room %q: upstream returned no id", label)
		}
		id = created.ID
		outcome = "created"
	}

	r.store(key, id)
	if r.shared != nil {
		if err := r.shared.Set(ctx, key, id); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("shared cache write failed")
		}
	}
	metrics.RoomResolutions.WithLabelValues(outcome).Inc()
	r.log.Info().Str("key", key).Int64("room", id).Str("outcome", outcome).Msg("room resolved")

	r.joinMembers(id, hint)
	return id, nil
}

// joinMembers registers both participants in the background.
func (r *Resolver) joinMembers(roomID int64, hint ParticipantsHint) {
	seen := make(map[string]bool, 2)
	for _, memberID := range hint.ids() {
		if seen[memberID] {
			continue
		}
		seen[memberID] = true

		r.joins.Add(1)
		go func(memberID string) {
			defer r.joins.Done()

			ctx, cancel := context.WithTimeout(context.Background(), r.joinTimeout)
			defer cancel()

			if err := r.dir.AddMember(ctx, roomID, memberID); err != nil {
				metrics.MemberJoinFailures.Inc()
				r.log.Warn().Err(err).Int64("room", roomID).Str("member", memberID).Msg("join failed (ignored)")
				if r.onJoinError != nil {
					r.onJoinError(roomID, memberID, err)
				}
			}
		}(memberID)
	}
}

// Wait blocks until background membership calls finish.
func (r *Resolver) Wait() {
	r.joins.Wait()
}

// Invalidate forgets the cached room of key.
func (r *Resolver) Invalidate(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	r.mu.Lock()
	delete(r.ids, key)
	delete(r.states, key)
	r.mu.Unlock()

	if r.shared != nil {
		return r.shared.Delete(ctx, key)
	}
	return nil
}

// State reports the resolution state of key.
func (r *Resolver) State(key string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.states[strings.TrimSpace(key)]; ok {
		return s
	}
	return StateUnresolved
}

func (r *Resolver) cached(key string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[key]
	return id, ok
}

func (r *Resolver) store(key string, id int64) {
	r.mu.Lock()
	r.ids[key] = id
	r.states[key] = StateResolved
	r.mu.Unlock()
}

func (r *Resolver) setState(key string, s State) {
	r.mu.Lock()
	if r.states[key] != StateResolved {
		r.states[key] = s
	}
	r.mu.Unlock()
}

// matchRoom scores every listed room and returns the best one. Labels we
// minted only match exactly; other labels match on key and participants.
func matchRoom(rooms []chat.Room, key string, hint ParticipantsHint) (int64, bool) {
	want := Label(key, hint)
	ids := hint.ids()

	bestID, bestScore := int64(0), 0
	for _, rm := range rooms {
		if rm.ID <= 0 || strings.TrimSpace(rm.Label) == "" {
			continue
		}

		score := 0
		if strings.HasPrefix(rm.Label, labelPrefix) {
			if rm.Label == want {
				score = 3
			}
		} else {
			tokens := labelTokens(rm.Label)
			hasKey := tokens[key]
			hasBoth := len(ids) == 2 && tokens[ids[0]] && tokens[ids[1]]
			switch {
			case hasKey && hasBoth:
				score = 3
			case hasKey:
				score = 2
			case hasBoth:
				score = 1
			}
		}

		if score > bestScore {
			bestID, bestScore = rm.ID, score
		}
	}
	return bestID, bestScore > 0
}

func labelTokens(label string) map[string]bool {
	fields := strings.FieldsFunc(label, func(r rune) bool {
		switch r {
		case ':', '/', '|', ',', ';', '#', '(', ')', '[', ']':
			return true
		}
		return r == ' ' || r == '\t' || r == '\n'
	})
	tokens := make(map[string]bool, len(fields))
	for _, f := range fields {
		tokens[f] = true
	}
	return tokens
}
