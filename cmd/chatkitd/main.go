package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"

	"github.com/studycircle/chatkit/internal/server"
	"github.com/studycircle/chatkit/pkg/config"
	"github.com/studycircle/chatkit/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	logger := logging.New(os.Getenv("CHATKIT_SERVER_LOGLEVEL"))
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := server.NewApp(logger, ctx, cfg.Server)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
