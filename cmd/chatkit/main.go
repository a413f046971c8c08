// Command chatkit is a terminal chat client for exercising the engine
// against a chatkitd instance: it joins one scope, prints events and reads
// lines from stdin as sends. Lines starting with "/topic " set the topic.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/studycircle/chatkit/internal/api"
	"github.com/studycircle/chatkit/internal/engine"
	"github.com/studycircle/chatkit/internal/server/middleware"
	"github.com/studycircle/chatkit/pkg/config"
	"github.com/studycircle/chatkit/pkg/logging"
	"github.com/studycircle/chatkit/pkg/state"
	"github.com/studycircle/chatkit/pkg/transport"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "usage: chatkit <group|community> <scope-id> <user-id> [display-name]")
		os.Exit(2)
	}
	scope := state.Scope{Type: state.ScopeType(os.Args[1]), ID: os.Args[2]}
	userID := os.Args[3]
	name := userID
	if len(os.Args) > 4 {
		name = os.Args[4]
	}

	logger := logging.New(os.Getenv("CHATKIT_CLIENT_LOGLEVEL"))
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	token := cfg.Client.Token
	if token == "" {
		// self-issued dev token against the loopback server's secret
		token, err = middleware.MintToken(cfg.Server.JWTSecret, userID, name, 24*time.Hour)
		if err != nil {
			logger.Error("Failed to mint dev token", slog.Any("error", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	backend := api.NewClient(cfg.Client.BaseURL, token)

	variant := engine.VariantCommunity
	if scope.Type == state.ScopeGroup {
		variant = engine.VariantDebate
	}
	session := engine.New(engine.Config{
		Scope:          scope,
		Variant:        variant,
		LocalUser:      state.UserSummary{ID: userID, Name: name},
		PageSize:       cfg.Client.PageSize,
		TypingDebounce: cfg.Client.TypingDebounce,
	}, nil, backend, logger)

	ts := transport.NewSession(scope, transport.SessionOptions{
		SocketURL:      cfg.Client.SocketURL,
		Token:          token,
		ReconnectDelay: cfg.Client.ReconnectDelay,
	}, session.HandleEvent, session.HandleConnState, logger)
	session.SetSender(ts)

	session.SetNoticeHandler(func(n engine.Notice) {
		fmt.Printf("! %s\n", n.Text)
	})
	session.SetChangeHandler(func() {
		typing := session.Presence().Typing()
		if len(typing) > 0 {
			fmt.Printf("… typing: %s\n", strings.Join(typing, ", "))
		}
	})

	ts.Connect(ctx)
	defer func() {
		session.Close()
		ts.Close()
	}()

	go printMessages(ctx, session)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if topicText, ok := strings.CutPrefix(line, "/topic "); ok {
			if err := session.SetTopic(ctx, topicText); err != nil {
				logger.Warn("Topic rejected", slog.Any("error", err))
			}
			continue
		}
		if err := session.SendMessage(ctx, line, nil); err != nil {
			logger.Warn("Send rejected", slog.Any("error", err))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// printMessages tails the store and prints anything new.
func printMessages(ctx context.Context, session *engine.ChatSession) {
	seen := make(map[string]struct{})
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, msg := range session.Messages() {
				if _, ok := seen[msg.ID]; ok {
					continue
				}
				seen[msg.ID] = struct{}{}
				marker := ""
				if msg.IsTemp() {
					marker = " (sending…)"
				}
				fmt.Printf("[%s] %s: %s%s\n", msg.CreatedAt.Local().Format("15:04:05"), msg.Sender.Name, msg.Content, marker)
			}
		}
	}
}
