package profile

import (
	"context"
	"errors"
	"sync"
)

// ErrProfileNotFound is returned when no profile exists for an id.
var ErrProfileNotFound = errors.New("profile not found")

// Store exposes member profile retrieval.
type Store interface {
	LookupProfile(ctx context.Context, id string) (Profile, error)
}

// MemoryStore implements Store with an in-memory map, used for tests and
// for profiles supplied by the caller alongside a session.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Profile
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied profiles.
func NewMemoryStore(items []Profile) *MemoryStore {
	s := &MemoryStore{items: make(map[string]Profile, len(items))}
	for _, item := range items {
		s.items[item.ID] = item
	}
	return s
}

// Put adds or replaces a profile.
func (s *MemoryStore) Put(p Profile) {
	s.mu.Lock()
	s.items[p.ID] = p
	s.mu.Unlock()
}

// LookupProfile looks up a profile by identifier.
func (s *MemoryStore) LookupProfile(_ context.Context, id string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	return item, nil
}

// Chain consults each store in order and returns the first hit.
type Chain []Store

// LookupProfile implements Store. Errors other than ErrProfileNotFound
// stop the walk.
func (c Chain) LookupProfile(ctx context.Context, id string) (Profile, error) {
	for _, s := range c {
		if s == nil {
			continue
		}
		p, err := s.LookupProfile(ctx, id)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrProfileNotFound) {
			return Profile{}, err
		}
	}
	return Profile{}, ErrProfileNotFound
}
