package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/culturemate/together-chat/backend/internal/config"
	"github.com/culturemate/together-chat/backend/internal/logging"
	"github.com/culturemate/together-chat/backend/internal/model/chat"
	chatsvc "github.com/culturemate/together-chat/backend/internal/service/chat"
	"github.com/culturemate/together-chat/backend/internal/service/conversation"
	"github.com/culturemate/together-chat/backend/internal/service/room"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	user := flag.String("user", "", "local user id (required)")
	name := flag.String("name", "", "local display name")
	key := flag.String("key", "", "conversation key, resolved to a room when -room is 0")
	other := flag.String("other", "", "id of the other participant")
	roomID := flag.Int64("room", 0, "room id to join directly")
	text := flag.String("text", "", "message to send after connecting")
	via := flag.String("via", "live", "send path: live or rest")
	listen := flag.Duration("listen", 10*time.Second, "how long to print live events")
	timeout := flag.Duration("timeout", 30*time.Second, "connect and resolve timeout")
	flag.Parse()

	logger := logging.New(cfg.Log.Level, "console")
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("no .env file, using system environment only")
	}

	if strings.TrimSpace(*user) == "" {
		flag.Usage()
		logger.Fatal().Msg("-user is required")
	}
	if *via != "live" && *via != "rest" {
		logger.Fatal().Str("via", *via).Msg("-via must be live or rest")
	}

	client := conversation.NewClient(conversation.ClientOptions{
		BaseURL: cfg.Upstream.BaseURL,
		APIBase: cfg.Upstream.APIBase,
		Token:   cfg.Upstream.Token,
		Timeout: cfg.Upstream.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *roomID <= 0 {
		if *key == "" {
			logger.Fatal().Msg("either -room or -key is required")
		}
		resolver := room.NewResolver(client, room.Options{JoinTimeout: *timeout}, logger)
		id, err := resolver.Resolve(ctx, *key, room.ParticipantsHint{Me: *user, Other: *other})
		if err != nil {
			logger.Fatal().Err(err).Str("key", *key).Msg("room resolution failed")
		}
		resolver.Wait()
		*roomID = id
		logger.Info().Int64("room", id).Str("label", room.Label(*key, room.ParticipantsHint{Me: *user, Other: *other})).Msg("room resolved")
	}

	conn := conversation.DefaultConnectionOptions()
	conn.MaxRetries = cfg.Chat.DialRetries
	session, err := chatsvc.NewSession(chatsvc.SessionConfig{
		RoomID:      *roomID,
		UserID:      *user,
		UserName:    *name,
		HostID:      *other,
		Dialer:      conversation.NewStompDialer(conversation.StompOptions{URL: cfg.Upstream.WSURL, Token: cfg.Upstream.Token, Connection: conn, Logger: logger}),
		History:     client,
		Roster:      client,
		Profiles:    client,
		DedupBucket: cfg.Chat.DedupBucket,
		Logger:      logger.Level(zerolog.WarnLevel),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid session")
	}
	defer session.Close() //nolint:errcheck // tool exit

	events, stop := session.Watch()
	defer stop()

	if err := session.Open(ctx); err != nil {
		logger.Fatal().Err(err).Int64("room", *roomID).Msg("connect failed")
	}

	for _, m := range session.Messages() {
		printMessage(m)
	}
	for _, p := range session.Roster() {
		host := ""
		if p.IsHost {
			host = " (host)"
		}
		fmt.Printf("member %s %q%s\n", p.ID, p.DisplayName, host)
	}

	if strings.TrimSpace(*text) != "" {
		switch *via {
		case "rest":
			draft := chat.Draft{
				CorrelationID: uuid.NewString(),
				RoomID:        *roomID,
				SenderID:      *user,
				Content:       strings.TrimSpace(*text),
				CreatedAt:     time.Now().UTC(),
			}
			if err := client.PostMessage(ctx, draft); err != nil {
				logger.Fatal().Err(err).Msg("REST send failed")
			}
			logger.Info().Str("correlation", draft.CorrelationID).Msg("sent via REST")
		default:
			msg, _, err := session.Send(ctx, *text)
			if err != nil {
				logger.Fatal().Err(err).Msg("live send failed")
			}
			logger.Info().Str("id", msg.ID).Int("pending", session.Pending()).Msg("sent via live channel")
		}
	}

	deadline := time.After(*listen)
	for {
		select {
		case <-deadline:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case chatsvc.EventMessage:
				if ev.Message.Source == chat.SourceLive {
					printMessage(*ev.Message)
				}
			case chatsvc.EventState:
				fmt.Fprintf(os.Stderr, "state %s\n", ev.State)
			}
		}
	}
}

func printMessage(m chat.Message) {
	fmt.Printf("%s [%s] %s: %s\n", m.Timestamp.Local().Format(time.TimeOnly), m.Source, m.SenderName, m.Content)
}
