package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/culturemate/together-chat/backend/internal/handler/room"
	"github.com/culturemate/together-chat/backend/internal/middleware"
	"github.com/culturemate/together-chat/backend/internal/model/chat"
	"github.com/culturemate/together-chat/backend/internal/model/profile"
	chatService "github.com/culturemate/together-chat/backend/internal/service/chat"
	roomService "github.com/culturemate/together-chat/backend/internal/service/room"
	"github.com/culturemate/together-chat/backend/pkg/utils"
)

// RoomResolver turns a conversation key into a room id.
type RoomResolver interface {
	Resolve(ctx context.Context, key string, hint roomService.ParticipantsHint) (int64, error)
}

// ProfileRecorder remembers the names users present with.
type ProfileRecorder interface {
	Put(p profile.Profile)
}

// Handler serves the chat session routes.
type Handler struct {
	chatSvc  *chatService.Service
	rooms    RoomResolver
	profiles ProfileRecorder
}

// New creates a chat handler. rooms and profiles may be nil.
func New(chatSvc *chatService.Service, rooms RoomResolver, profiles ProfileRecorder) *Handler {
	return &Handler{
		chatSvc:  chatSvc,
		rooms:    rooms,
		profiles: profiles,
	}
}

// RegisterRoutes registers the session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.handleListSessions)
	r.Post("/sessions", h.handleOpenSession)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.handleGetSession)
		r.Delete("/", h.handleCloseSession)
		r.Get("/messages", h.handleListMessages)
		r.Post("/messages", h.handleSendMessage)
		r.Get("/participants", h.handleListParticipants)
		r.Post("/participants", h.handleMergeParticipants)
		r.Post("/reconnect", h.handleReconnect)
	})
}

type initialMessage struct {
	Text      string    `json:"text"`
	SenderID  string    `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
}

type openRequest struct {
	RoomID          int64              `json:"roomId"`
	ConversationKey string             `json:"conversationKey"`
	OtherID         string             `json:"otherId"`
	HostID          string             `json:"hostId"`
	Participants    []chat.Participant `json:"participants"`
	Initial         *initialMessage    `json:"initial"`
}

type openResponse struct {
	chat.SessionInfo
	Error string `json:"error,omitempty"`
}

// handleOpenSession opens, or reuses, the caller's session for a room.
func (h *Handler) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var payload openRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	userID, userName := middleware.UserID(ctx), middleware.UserName(ctx)

	roomID := payload.RoomID
	if roomID <= 0 && strings.TrimSpace(payload.ConversationKey) != "" {
		if h.rooms == nil {
			utils.RespondError(w, http.StatusServiceUnavailable, "room resolution unavailable")
			return
		}
		hint := roomService.ParticipantsHint{Me: userID, Other: payload.OtherID}
		id, err := h.rooms.Resolve(ctx, payload.ConversationKey, hint)
		if err != nil {
			utils.RespondError(w, room.StatusFor(err), err.Error())
			return
		}
		roomID = id
	}

	if h.profiles != nil && userName != "" {
		h.profiles.Put(profile.Profile{ID: userID, DisplayName: userName})
	}

	req := chatService.OpenRequest{
		RoomID:       roomID,
		UserID:       userID,
		UserName:     userName,
		HostID:       payload.HostID,
		Participants: payload.Participants,
	}
	if payload.Initial != nil {
		req.Initial = payload.Initial.Text
		req.InitialSenderID = payload.Initial.SenderID
		req.InitialAt = payload.Initial.CreatedAt
	}

	session, err := h.chatSvc.OpenSession(ctx, req)
	if session == nil {
		utils.RespondError(w, statusFor(err), err.Error())
		return
	}
	if err != nil {
		// Registered but not connected; the client may retry via reconnect.
		utils.RespondJSON(w, http.StatusAccepted, openResponse{SessionInfo: session.Info(), Error: err.Error()})
		return
	}
	utils.RespondJSON(w, http.StatusCreated, openResponse{SessionInfo: session.Info()})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	all := h.chatSvc.List(r.Context())

	mine := make([]chat.SessionInfo, 0, len(all))
	for _, info := range all {
		if info.UserID == userID {
			mine = append(mine, info)
		}
	}
	utils.RespondJSON(w, http.StatusOK, mine)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, session.Info())
}

func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.chatSvc.CloseSession(r.Context(), session.ID()); err != nil {
		utils.RespondError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, session.Messages())
}

type sendResponse struct {
	Message chat.Message `json:"message"`
	Queued  bool         `json:"queued"`
	Pending int          `json:"pending"`
}

// handleSendMessage shows the text in the timeline at once and delivers
// it now or after the next reconnect.
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, accepted, err := session.Send(r.Context(), payload.Text)
	if err != nil {
		utils.RespondError(w, statusFor(err), err.Error())
		return
	}
	if !accepted {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	pending := session.Pending()
	utils.RespondJSON(w, http.StatusCreated, sendResponse{
		Message: msg,
		Queued:  pending > 0,
		Pending: pending,
	})
}

func (h *Handler) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("refresh") == "true" {
		roster, err := session.RefreshRoster(r.Context())
		if err != nil {
			utils.RespondError(w, http.StatusBadGateway, err.Error())
			return
		}
		utils.RespondJSON(w, http.StatusOK, roster)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session.Roster())
}

func (h *Handler) handleMergeParticipants(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var payload struct {
		Participants []chat.Participant `json:"participants"`
		Demote       []string           `json:"demote"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	utils.RespondJSON(w, http.StatusOK, session.MergeRoster(payload.Participants, payload.Demote...))
}

func (h *Handler) handleReconnect(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := session.Open(r.Context()); err != nil {
		utils.RespondJSON(w, statusFor(err), openResponse{SessionInfo: session.Info(), Error: err.Error()})
		return
	}
	utils.RespondJSON(w, http.StatusOK, session.Info())
}

// lookup loads the session named in the path. Sessions of other users are
// reported as missing.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*chatService.Session, bool) {
	session, err := h.chatSvc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err == nil && session.UserID() != middleware.UserID(r.Context()) {
		err = chatService.ErrSessionNotFound
	}
	if err != nil {
		utils.RespondError(w, statusFor(err), err.Error())
		return nil, false
	}
	return session, true
}

// statusFor maps chat service errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chatService.ErrUserRequired), errors.Is(err, chatService.ErrRoomRequired):
		return http.StatusBadRequest
	case errors.Is(err, chatService.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, chatService.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, chatService.ErrOutboxFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
