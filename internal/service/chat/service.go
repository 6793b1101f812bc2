package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/culturemate/together-chat/backend/internal/metrics"
	"github.com/culturemate/together-chat/backend/internal/model/chat"
)

var (
	ErrUserRequired    = errors.New("user id is required")
	ErrRoomRequired    = errors.New("room id is required")
	ErrSessionNotFound = errors.New("session not found")
)

// Options tunes sessions created by the service.
type Options struct {
	DedupBucket time.Duration
	OutboxLimit int
	WatchBuffer int
}

// Deps are the upstream collaborators shared by every session.
type Deps struct {
	Dialer   Dialer
	History  HistorySource
	Roster   RosterSource
	Profiles ProfileLookup
}

// OpenRequest describes the session a user wants to open.
type OpenRequest struct {
	RoomID       int64
	UserID       string
	UserName     string
	HostID       string
	Participants []chat.Participant
	// Initial is the request text shown as the first message.
	Initial         string
	InitialSenderID string
	InitialAt       time.Time
}

type sessionKey struct {
	userID string
	roomID int64
}

// Service keeps the open sessions of the gateway.
type Service struct {
	deps Deps
	opts Options
	log  zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	byRoom   map[sessionKey]string
}

// NewService builds an empty session registry.
func NewService(deps Deps, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		deps:     deps,
		opts:     opts,
		log:      logger.With().Str("component", "chat.service").Logger(),
		sessions: make(map[string]*Session),
		byRoom:   make(map[sessionKey]string),
	}
}

// OpenSession returns the user's live session for the room, creating and
// connecting one when none exists. A session whose connect failed is still
// registered, in the disconnected state, and returned with the error.
func (s *Service) OpenSession(ctx context.Context, req OpenRequest) (*Session, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, ErrUserRequired
	}
	if req.RoomID <= 0 {
		return nil, ErrRoomRequired
	}

	key := sessionKey{userID: req.UserID, roomID: req.RoomID}

	s.mu.Lock()
	if id, ok := s.byRoom[key]; ok {
		if existing := s.sessions[id]; existing != nil && existing.State() != chat.StateClosed {
			s.mu.Unlock()
			if len(req.Participants) > 0 {
				existing.MergeRoster(req.Participants)
			}
			return existing, existing.Open(ctx)
		}
	}

	session, err := NewSession(SessionConfig{
		ID:          uuid.NewString(),
		RoomID:      req.RoomID,
		UserID:      req.UserID,
		UserName:    req.UserName,
		HostID:      req.HostID,
		Dialer:      s.deps.Dialer,
		History:     s.deps.History,
		Roster:      s.deps.Roster,
		Profiles:    s.deps.Profiles,
		DedupBucket: s.opts.DedupBucket,
		OutboxLimit: s.opts.OutboxLimit,
		WatchBuffer: s.opts.WatchBuffer,
		Logger:      s.log,
	})
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.sessions[session.ID()] = session
	s.byRoom[key] = session.ID()
	s.mu.Unlock()

	metrics.SessionsOpen.Inc()
	s.log.Info().
		Str("session", session.ID()).
		Str("user", req.UserID).
		Int64("room", req.RoomID).
		Msg("session created")

	if len(req.Participants) > 0 {
		session.MergeRoster(req.Participants)
	}
	if strings.TrimSpace(req.Initial) != "" {
		session.SeedInitial(chat.Message{
			SenderID:  req.InitialSenderID,
			Content:   req.Initial,
			Timestamp: req.InitialAt,
		})
	}

	if err := session.Open(ctx); err != nil {
		return session, fmt.Errorf("chat.OpenSession: %w", err)
	}
	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// CloseSession closes and forgets a session.
func (s *Service) CloseSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	key := sessionKey{userID: session.UserID(), roomID: session.RoomID()}
	if s.byRoom[key] == sessionID {
		delete(s.byRoom, key)
	}
	s.mu.Unlock()

	metrics.SessionsOpen.Dec()
	return session.Close()
}

// List returns a summary of every registered session, newest first.
func (s *Service) List(_ context.Context) []chat.SessionInfo {
	s.mu.RLock()
	infos := make([]chat.SessionInfo, 0, len(s.sessions))
	for _, session := range s.sessions {
		infos = append(infos, session.Info())
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos
}

// CloseAll closes every session. Used on shutdown.
func (s *Service) CloseAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.byRoom = make(map[sessionKey]string)
	s.mu.Unlock()

	for id, session := range sessions {
		if err := session.Close(); err != nil {
			s.log.Warn().Err(err).Str("session", id).Msg("close failed")
		}
		metrics.SessionsOpen.Dec()
	}
}
