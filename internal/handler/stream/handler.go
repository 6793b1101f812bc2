package stream

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/culturemate/together-chat/backend/internal/middleware"
	"github.com/culturemate/together-chat/backend/internal/model/chat"
	chatService "github.com/culturemate/together-chat/backend/internal/service/chat"
	"github.com/culturemate/together-chat/backend/pkg/utils"
)

const defaultHeartbeat = 15 * time.Second

// Handler streams session events to the browser via Server-Sent Events.
type Handler struct {
	chatSvc   *chatService.Service
	heartbeat time.Duration
	log       zerolog.Logger
}

// New creates a stream handler. A non-positive heartbeat uses the default.
func New(chatSvc *chatService.Service, heartbeat time.Duration, logger zerolog.Logger) *Handler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Handler{
		chatSvc:   chatSvc,
		heartbeat: heartbeat,
		log:       logger.With().Str("component", "handler.stream").Logger(),
	}
}

// RegisterRoutes registers the stream route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/stream", h.handleStream)
}

// Snapshot is the first event of every stream.
type Snapshot struct {
	Session      chat.SessionInfo   `json:"session"`
	Messages     []chat.Message     `json:"messages"`
	Participants []chat.Participant `json:"participants"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.chatSvc.GetSession(r.Context(), sessionID)
	if err != nil || session.UserID() != middleware.UserID(r.Context()) {
		utils.RespondError(w, http.StatusNotFound, chatService.ErrSessionNotFound.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before the snapshot so nothing falls in between.
	events, cancel := session.Watch()
	defer cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	log := h.log.With().Str("session", sessionID).Logger()
	log.Debug().Msg("stream opened")

	snapshot := Snapshot{
		Session:      session.Info(),
		Messages:     session.Messages(),
		Participants: session.Roster(),
	}
	if err := utils.SendSSEEvent(w, flusher, "snapshot", snapshot); err != nil {
		log.Debug().Err(err).Msg("snapshot write failed")
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("stream closed by client")
			return
		case ev, ok := <-events:
			if !ok {
				_ = utils.SendSSEEvent(w, flusher, "closed", map[string]string{"sessionId": sessionID})
				return
			}
			if err := utils.SendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				log.Debug().Err(err).Msg("event write failed")
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}
