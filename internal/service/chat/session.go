package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/culturemate/together-chat/backend/internal/metrics"
	"github.com/culturemate/together-chat/backend/internal/model/chat"
	"github.com/culturemate/together-chat/backend/internal/model/profile"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session is closed")

// HistorySource loads the stored messages of a room.
type HistorySource interface {
	FetchHistory(ctx context.Context, roomID int64) ([]json.RawMessage, error)
}

// RosterSource loads the raw member payload of a room.
type RosterSource interface {
	FetchMembers(ctx context.Context, roomID int64) (json.RawMessage, error)
}

// ProfileLookup resolves member profiles for roster enrichment.
type ProfileLookup interface {
	LookupProfile(ctx context.Context, id string) (profile.Profile, error)
}

// Dialer opens the live channel of a room.
type Dialer interface {
	Dial(ctx context.Context, roomID int64) (Conn, error)
}

// Conn is one subscription to a room's live channel. Deliveries is closed
// when the connection drops.
type Conn interface {
	Deliveries() <-chan []byte
	Send(ctx context.Context, draft chat.Draft) error
	Close() error
}

// EventType tags a session event.
type EventType string

const (
	EventMessage EventType = "message"
	EventState   EventType = "state"
	EventRoster  EventType = "roster"
)

// Event is pushed to watchers whenever the timeline, roster or state changes.
type Event struct {
	Type         EventType          `json:"type"`
	Message      *chat.Message      `json:"message,omitempty"`
	State        chat.SessionState  `json:"state,omitempty"`
	Participants []chat.Participant `json:"participants,omitempty"`
}

// SessionConfig carries the collaborators and tuning of one session.
type SessionConfig struct {
	ID       string
	RoomID   int64
	UserID   string
	UserName string
	HostID   string

	Dialer   Dialer
	History  HistorySource
	Roster   RosterSource
	Profiles ProfileLookup

	DedupBucket time.Duration
	OutboxLimit int
	WatchBuffer int

	Logger zerolog.Logger
	Now    func() time.Time
}

type link struct {
	conn Conn
	stop chan struct{}
}

// Session is the live view of one room for one user.
type Session struct {
	id        string
	roomID    int64
	userID    string
	userName  string
	createdAt time.Time

	dialer   Dialer
	history  HistorySource
	members  RosterSource
	profiles ProfileLookup
	merger   RosterMerger
	now      func() time.Time
	log      zerolog.Logger

	dedup  *DedupIndex
	outbox *Outbox

	mu            sync.Mutex
	state         chat.SessionState
	timeline      []chat.Message
	roster        []chat.Participant
	initial       *chat.Message
	historyLoaded bool
	link          *link
	watchers      map[int]chan Event
	nextWatcher   int
	watchBuffer   int

	// sendMu keeps direct dispatch and outbox flushing in order.
	sendMu sync.Mutex
	wg     sync.WaitGroup
}

// NewSession builds an idle session. Open connects it.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.RoomID <= 0 {
		return nil, fmt.Errorf("chat.NewSession: invalid room id %d", cfg.RoomID)
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("chat.NewSession: user id is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("chat.NewSession: dialer is required")
	}

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.WatchBuffer <= 0 {
		cfg.WatchBuffer = 32
	}

	s := &Session{
		id:          cfg.ID,
		roomID:      cfg.RoomID,
		userID:      cfg.UserID,
		userName:    cfg.UserName,
		createdAt:   cfg.Now().UTC(),
		dialer:      cfg.Dialer,
		history:     cfg.History,
		members:     cfg.Roster,
		profiles:    cfg.Profiles,
		merger:      RosterMerger{LocalID: cfg.UserID, LocalName: cfg.UserName, HostID: cfg.HostID},
		now:         cfg.Now,
		dedup:       NewDedupIndex(cfg.DedupBucket),
		outbox:      NewOutbox(cfg.OutboxLimit),
		state:       chat.StateIdle,
		watchers:    make(map[int]chan Event),
		watchBuffer: cfg.WatchBuffer,
		log: cfg.Logger.With().
			Str("component", "chat.session").
			Str("session", cfg.ID).
			Int64("room", cfg.RoomID).
			Logger(),
	}
	s.roster = s.merger.Merge(nil, nil)
	return s, nil
}

func (s *Session) ID() string     { return s.id }
func (s *Session) RoomID() int64  { return s.roomID }
func (s *Session) UserID() string { return s.userID }

// Open connects the live channel, loads history and drains the outbox.
// It is a no-op while connected and reconnects after a disconnect.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case chat.StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case chat.StateConnected, chat.StateConnecting:
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(chat.StateConnecting)
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, s.roomID)
	if err != nil {
		s.mu.Lock()
		if s.state != chat.StateClosed {
			s.setStateLocked(chat.StateDisconnected)
		}
		s.mu.Unlock()
		s.log.Warn().Err(err).Msg("connect failed")
		return fmt.Errorf("chat.Open: %w", err)
	}

	l := &link{conn: conn, stop: make(chan struct{})}
	s.mu.Lock()
	if s.state == chat.StateClosed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrSessionClosed
	}
	s.link = l
	s.mu.Unlock()

	if err := s.loadHistory(ctx); err != nil {
		s.log.Warn().Err(err).Msg("history load failed")
	}
	if s.members != nil {
		if _, err := s.RefreshRoster(ctx); err != nil {
			s.log.Warn().Err(err).Msg("roster refresh failed")
		}
	}

	s.mu.Lock()
	if s.state == chat.StateClosed || s.link != l {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.wg.Add(1)
	go s.consume(l)
	s.setStateLocked(chat.StateConnected)
	s.mu.Unlock()

	s.log.Info().Msg("session connected")
	s.flush(ctx)
	return nil
}

// Close releases the live channel and discards queued drafts. It is
// idempotent; no delivery is applied once it returns.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == chat.StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(chat.StateClosed)
	l := s.link
	s.link = nil
	watchers := s.watchers
	s.watchers = nil
	s.mu.Unlock()

	var err error
	if l != nil {
		close(l.stop)
		err = l.conn.Close()
	}
	s.wg.Wait()

	// A flush in flight may still put its failed draft back.
	s.sendMu.Lock()
	dropped := s.outbox.Discard()
	s.sendMu.Unlock()
	if dropped > 0 {
		s.log.Info().Int("dropped", dropped).Msg("discarded queued drafts")
	}
	for _, ch := range watchers {
		close(ch)
	}
	s.log.Info().Msg("session closed")
	return err
}

// Send trims text and shows it immediately as an optimistic echo. The
// draft is dispatched when connected with nothing queued, otherwise it is
// queued. Empty text is a no-op reported as false.
func (s *Session) Send(ctx context.Context, text string) (chat.Message, bool, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return chat.Message{}, false, nil
	}

	now := s.now().UTC()
	draft := chat.Draft{
		CorrelationID: uuid.NewString(),
		RoomID:        s.roomID,
		SenderID:      s.userID,
		Content:       content,
		CreatedAt:     now,
	}
	echo := chat.Message{
		ID:            "local-" + ulid.Make().String(),
		RoomID:        s.roomID,
		SenderID:      s.userID,
		SenderName:    s.userName,
		Content:       content,
		Timestamp:     now,
		CorrelationID: draft.CorrelationID,
		Source:        chat.SourceLocal,
	}

	s.mu.Lock()
	if s.state == chat.StateClosed {
		s.mu.Unlock()
		return chat.Message{}, false, ErrSessionClosed
	}
	// Both keys go in before dispatch so the broker echo is suppressed.
	s.dedup.Register(echo)
	echo = s.appendLocked(echo)
	s.mu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.State() == chat.StateClosed {
		return echo, true, ErrSessionClosed
	}
	if conn := s.connected(); conn != nil && s.outbox.Len() == 0 {
		err := conn.Send(ctx, draft)
		if err == nil {
			return echo, true, nil
		}
		metrics.SendFailures.Inc()
		s.log.Warn().Err(err).Str("correlation", draft.CorrelationID).Msg("send failed, queueing")
	}

	if err := s.outbox.Enqueue(draft); err != nil {
		return echo, true, fmt.Errorf("chat.Send: %w", err)
	}
	metrics.OutboxEnqueued.Inc()
	return echo, true, nil
}

// Messages returns a copy of the timeline in timestamp order.
func (s *Session) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.timeline...)
}

// Roster returns a copy of the participant list.
func (s *Session) Roster() []chat.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Participant(nil), s.roster...)
}

// State returns the lifecycle state.
func (s *Session) State() chat.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of queued drafts.
func (s *Session) Pending() int {
	return s.outbox.Len()
}

// Info summarizes the session.
func (s *Session) Info() chat.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chat.SessionInfo{
		ID:           s.id,
		RoomID:       s.roomID,
		UserID:       s.userID,
		State:        s.state,
		Messages:     len(s.timeline),
		Participants: len(s.roster),
		Pending:      s.outbox.Len(),
		CreatedAt:    s.createdAt,
	}
}

// Watch subscribes to session events. Slow watchers miss events rather
// than block the session. The channel is closed by cancel or Close.
func (s *Session) Watch() (<-chan Event, func()) {
	ch := make(chan Event, s.watchBuffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == chat.StateClosed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if w, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				close(w)
			}
		})
	}
}

// MergeRoster folds incoming participants into the roster.
func (s *Session) MergeRoster(incoming []chat.Participant, demote ...string) []chat.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster = s.merger.Merge(s.roster, incoming, demote...)
	out := append([]chat.Participant(nil), s.roster...)
	s.notifyLocked(Event{Type: EventRoster, Participants: out})
	return out
}

// RefreshRoster fetches the member list and merges it, filling missing
// names and avatars from profiles when a lookup is configured.
func (s *Session) RefreshRoster(ctx context.Context) ([]chat.Participant, error) {
	if s.members == nil {
		return s.Roster(), nil
	}

	raw, err := s.members.FetchMembers(ctx, s.roomID)
	if err != nil {
		return s.Roster(), fmt.Errorf("chat.RefreshRoster: %w", err)
	}
	incoming, dropped, err := DecodeParticipants(raw)
	if err != nil {
		metrics.PayloadsDropped.WithLabelValues("roster").Inc()
		return s.Roster(), fmt.Errorf("chat.RefreshRoster: %w", err)
	}
	if dropped > 0 {
		metrics.PayloadsDropped.WithLabelValues("roster").Add(float64(dropped))
		s.log.Debug().Int("dropped", dropped).Msg("roster entries without id")
	}

	s.enrich(ctx, incoming)
	return s.MergeRoster(incoming), nil
}

func (s *Session) enrich(ctx context.Context, ps []chat.Participant) {
	if s.profiles == nil {
		return
	}
	for i := range ps {
		p := &ps[i]
		if p.DisplayName != p.ID && p.AvatarRef != chat.DefaultAvatar {
			continue
		}
		prof, err := s.profiles.LookupProfile(ctx, p.ID)
		if err != nil {
			s.log.Debug().Err(err).Str("member", p.ID).Msg("profile lookup failed")
			continue
		}
		if p.DisplayName == p.ID {
			p.DisplayName = prof.Name()
		}
		if p.AvatarRef == chat.DefaultAvatar && prof.AvatarRef != "" {
			p.AvatarRef = prof.AvatarRef
		}
	}
}

// SeedInitial shows msg as the opening message of the conversation, such
// as the request that started it. History rows repeating it are skipped.
func (s *Session) SeedInitial(msg chat.Message) (chat.Message, bool) {
	msg.Content = strings.TrimSpace(msg.Content)
	if msg.Content == "" {
		return chat.Message{}, false
	}
	if msg.SenderID == "" {
		msg.SenderID = s.userID
	}
	if msg.ID == "" {
		msg.ID = "initial-" + ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	msg.Timestamp = msg.Timestamp.UTC()
	msg.RoomID = s.roomID
	msg.Source = chat.SourceInitial

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == chat.StateClosed || s.initial != nil {
		return chat.Message{}, false
	}
	if !s.dedup.Admit(msg) {
		metrics.MessagesSuppressed.WithLabelValues(string(chat.SourceInitial)).Inc()
		return chat.Message{}, false
	}
	msg = s.appendLocked(msg)
	s.initial = &msg
	return msg, true
}

func (s *Session) loadHistory(ctx context.Context) error {
	if s.history == nil {
		return nil
	}

	raws, err := s.history.FetchHistory(ctx, s.roomID)
	if err != nil {
		return fmt.Errorf("chat.loadHistory: %w", err)
	}
	msgs, errs := NormalizeBatch(raws, s.roomID, s.now())
	if len(errs) > 0 {
		metrics.PayloadsDropped.WithLabelValues("history").Add(float64(len(errs)))
		s.log.Debug().Errs("errors", errs).Msg("dropped history records")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == chat.StateClosed {
		return nil
	}

	first := !s.historyLoaded
	s.historyLoaded = true
	for _, m := range msgs {
		m.Source = chat.SourceHistory
		if s.repeatsInitialLocked(m) {
			continue
		}
		if first {
			// The first page is shown as stored.
			s.dedup.Register(m)
			s.appendLocked(m)
			continue
		}
		s.admitLocked(m)
	}
	s.log.Debug().Int("records", len(raws)).Int("timeline", len(s.timeline)).Msg("history loaded")
	return nil
}

func (s *Session) repeatsInitialLocked(m chat.Message) bool {
	if s.initial == nil {
		return false
	}
	return m.SenderID == s.initial.SenderID &&
		NormalizeContent(m.Content) == NormalizeContent(s.initial.Content)
}

func (s *Session) consume(l *link) {
	defer s.wg.Done()

	deliveries := l.conn.Deliveries()
	for {
		select {
		case <-l.stop:
			return
		case raw, ok := <-deliveries:
			if !ok {
				s.disconnected(l)
				return
			}
			s.applyLive(raw)
		}
	}
}

func (s *Session) applyLive(raw []byte) {
	msg, err := NormalizeMessage(raw, s.roomID, s.now())
	if err != nil {
		metrics.PayloadsDropped.WithLabelValues("live").Inc()
		s.log.Debug().Err(err).Msg("dropped live payload")
		return
	}
	msg.Source = chat.SourceLive

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == chat.StateClosed {
		return
	}
	s.admitLocked(msg)
}

func (s *Session) disconnected(l *link) {
	s.mu.Lock()
	if s.link != l || s.state == chat.StateClosed {
		s.mu.Unlock()
		return
	}
	s.link = nil
	s.setStateLocked(chat.StateDisconnected)
	s.mu.Unlock()

	_ = l.conn.Close()
	s.log.Warn().Msg("live channel dropped")
}

func (s *Session) connected() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != chat.StateConnected || s.link == nil {
		return nil
	}
	return s.link.conn
}

func (s *Session) flush(ctx context.Context) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	conn := s.connected()
	if conn == nil {
		return
	}
	sent, err := s.outbox.Flush(ctx, conn.Send)
	if sent > 0 {
		metrics.OutboxFlushed.Add(float64(sent))
		s.log.Info().Int("sent", sent).Msg("flushed queued drafts")
	}
	if err != nil {
		metrics.SendFailures.Inc()
		s.log.Warn().Err(err).Int("pending", s.outbox.Len()).Msg("flush stopped")
	}
}

func (s *Session) admitLocked(m chat.Message) bool {
	if !s.dedup.Admit(m) {
		metrics.MessagesSuppressed.WithLabelValues(string(m.Source)).Inc()
		return false
	}
	s.appendLocked(m)
	return true
}

func (s *Session) appendLocked(m chat.Message) chat.Message {
	if m.SenderName == "" {
		m.SenderName = s.senderNameLocked(m.SenderID)
	}
	s.timeline = append(s.timeline, m)
	sort.SliceStable(s.timeline, func(i, j int) bool {
		return s.timeline[i].Timestamp.Before(s.timeline[j].Timestamp)
	})
	metrics.MessagesAdmitted.WithLabelValues(string(m.Source)).Inc()

	out := m
	s.notifyLocked(Event{Type: EventMessage, Message: &out})
	return m
}

func (s *Session) senderNameLocked(senderID string) string {
	for _, p := range s.roster {
		if p.ID == senderID && p.DisplayName != "" {
			return p.DisplayName
		}
	}
	if senderID == s.userID && s.userName != "" {
		return s.userName
	}
	return senderID
}

func (s *Session) setStateLocked(state chat.SessionState) {
	if s.state == state {
		return
	}
	s.state = state
	s.notifyLocked(Event{Type: EventState, State: state})
}

func (s *Session) notifyLocked(ev Event) {
	for _, ch := range s.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}
