package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/culturemate/together-chat/backend/internal/config"
	"github.com/culturemate/together-chat/backend/internal/handler"
	"github.com/culturemate/together-chat/backend/internal/logging"
	"github.com/culturemate/together-chat/backend/internal/model/profile"
	"github.com/culturemate/together-chat/backend/internal/service/chat"
	"github.com/culturemate/together-chat/backend/internal/service/conversation"
	"github.com/culturemate/together-chat/backend/internal/service/room"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	log.Logger = logger
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("no .env file, using system environment only")
	}

	client := conversation.NewClient(conversation.ClientOptions{
		BaseURL:           cfg.Upstream.BaseURL,
		APIBase:           cfg.Upstream.APIBase,
		Token:             cfg.Upstream.Token,
		Timeout:           cfg.Upstream.Timeout,
		RequestsPerSecond: cfg.Upstream.RequestsPerSecond,
		Burst:             cfg.Upstream.Burst,
	})

	// Names users present with win over the upstream profile service.
	known := profile.NewMemoryStore(nil)
	profiles := conversation.NewProfileCache(profile.Chain{known, client}, cfg.Chat.ProfileTTL)
	defer profiles.Stop()

	dialer, closeDialer, err := newDialer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("transport", cfg.Chat.Transport).Msg("failed to set up live transport")
	}
	defer closeDialer()

	var shared room.RoomCache
	if cfg.Redis.URL != "" {
		redisCache, err := room.NewRedisCache(ctx, cfg.Redis.URL, cfg.Redis.KeyPrefix)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, room ids cached in memory only")
		} else {
			defer redisCache.Close() //nolint:errcheck // shutdown
			shared = redisCache
			logger.Info().Msg("shared room cache enabled")
		}
	}

	resolver := room.NewResolver(client, room.Options{
		Shared:      shared,
		JoinTimeout: cfg.Chat.JoinTimeout,
		OnJoinError: func(roomID int64, memberID string, err error) {
			logger.Warn().Err(err).Int64("room", roomID).Str("member", memberID).Msg("room join failed")
		},
	}, logger)

	chatService := chat.NewService(chat.Deps{
		Dialer:   dialer,
		History:  client,
		Roster:   client,
		Profiles: profiles,
	}, chat.Options{
		DedupBucket: cfg.Chat.DedupBucket,
		OutboxLimit: cfg.Chat.OutboxLimit,
		WatchBuffer: cfg.Chat.WatchBuffer,
	}, logger)

	router := handler.NewRouter(handler.Deps{
		Chat:           chatService,
		Rooms:          resolver,
		Profiles:       known,
		Heartbeat:      cfg.Server.Heartbeat,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	// Closing sessions ends their SSE streams so shutdown can drain.
	startServer(ctx, cfg.Server, router, logger, chatService.CloseAll)

	chatService.CloseAll()
	resolver.Wait()
	logger.Info().Msg("gateway stopped")
}

func newDialer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (chat.Dialer, func(), error) {
	switch cfg.Chat.Transport {
	case "nats":
		d, err := conversation.NewNATSDialer(ctx, conversation.NATSOptions{
			URL:            cfg.NATS.URL,
			Stream:         cfg.NATS.Stream,
			SubjectPrefix:  cfg.NATS.SubjectPrefix,
			DeliveryBuffer: cfg.Chat.DeliveryBuffer,
			Logger:         logger,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("url", cfg.NATS.URL).Str("stream", cfg.NATS.Stream).Msg("nats transport ready")
		return d, d.Close, nil
	default:
		conn := conversation.DefaultConnectionOptions()
		conn.MaxRetries = cfg.Chat.DialRetries
		d := conversation.NewStompDialer(conversation.StompOptions{
			URL:            cfg.Upstream.WSURL,
			Token:          cfg.Upstream.Token,
			Connection:     conn,
			DeliveryBuffer: cfg.Chat.DeliveryBuffer,
			Logger:         logger,
		})
		logger.Info().Str("url", cfg.Upstream.WSURL).Msg("stomp transport ready")
		return d, func() {}, nil
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger zerolog.Logger, onShutdown func()) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	srv.RegisterOnShutdown(onShutdown)

	logger.Info().Str("addr", addr).Msg("together chat gateway listening")
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
