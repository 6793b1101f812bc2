package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/culturemate/together-chat/backend/internal/handler/chat"
	"github.com/culturemate/together-chat/backend/internal/handler/room"
	"github.com/culturemate/together-chat/backend/internal/handler/stream"
	"github.com/culturemate/together-chat/backend/internal/middleware"
	chatService "github.com/culturemate/together-chat/backend/internal/service/chat"
	"github.com/culturemate/together-chat/backend/pkg/utils"
)

// Deps are the services exposed over HTTP.
type Deps struct {
	Chat     *chatService.Service
	Rooms    room.Resolver
	Profiles chat.ProfileRecorder
	// Heartbeat is the SSE keepalive interval.
	Heartbeat time.Duration
	// AllowedOrigins feeds CORS; empty allows every origin.
	AllowedOrigins []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.HeaderUserID, middleware.HeaderUserName},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.RequireUser)

		var resolver chat.RoomResolver
		if deps.Rooms != nil {
			room.New(deps.Rooms).RegisterRoutes(api)
			resolver = deps.Rooms
		}
		chat.New(deps.Chat, resolver, deps.Profiles).RegisterRoutes(api)
		stream.New(deps.Chat, deps.Heartbeat, logger).RegisterRoutes(api)
	})

	return r
}
