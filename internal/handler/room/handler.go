package room

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/culturemate/together-chat/backend/internal/middleware"
	roomService "github.com/culturemate/together-chat/backend/internal/service/room"
	"github.com/culturemate/together-chat/backend/pkg/utils"
)

// Resolver maps conversation keys to upstream room ids.
type Resolver interface {
	Resolve(ctx context.Context, key string, hint roomService.ParticipantsHint) (int64, error)
	Invalidate(ctx context.Context, key string) error
	State(key string) roomService.State
}

// Handler exposes room resolution over HTTP.
type Handler struct {
	rooms Resolver
}

// New creates a room handler.
func New(rooms Resolver) *Handler {
	return &Handler{rooms: rooms}
}

// RegisterRoutes registers the room routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/rooms/resolve", h.handleResolve)
	r.Get("/rooms/resolve/{key}", h.handleState)
	r.Delete("/rooms/resolve/{key}", h.handleInvalidate)
}

type resolveRequest struct {
	ConversationKey string `json:"conversationKey"`
	OtherID         string `json:"otherId"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	var payload resolveRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key := strings.TrimSpace(payload.ConversationKey)
	hint := roomService.ParticipantsHint{
		Me:    middleware.UserID(r.Context()),
		Other: strings.TrimSpace(payload.OtherID),
	}

	roomID, err := h.rooms.Resolve(r.Context(), key, hint)
	if err != nil {
		utils.RespondError(w, StatusFor(err), err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"conversationKey": key,
		"roomId":          roomID,
	})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"conversationKey": key,
		"state":           string(h.rooms.State(key)),
	})
}

func (h *Handler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if err := h.rooms.Invalidate(r.Context(), chi.URLParam(r, "key")); err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StatusFor maps resolver errors to HTTP statuses.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, roomService.ErrKeyRequired):
		return http.StatusBadRequest
	case errors.Is(err, roomService.ErrRoomUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
