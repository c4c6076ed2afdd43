package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/nirmalarya/autograph/internal/server"
	"github.com/nirmalarya/autograph/pkg/config"
	"github.com/nirmalarya/autograph/pkg/logging"
	"github.com/nirmalarya/autograph/pkg/telemetry"
)

func main() {
	logger := logging.New(logging.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.New(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	shutdownTelemetry := telemetry.InitNoop()
	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err = telemetry.Init(ctx, "autographd")
		if err != nil {
			logger.Error("Failed to initialize telemetry", slog.Any("error", err))
			os.Exit(1)
		}
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to assemble application", slog.Any("error", err))
		os.Exit(1)
	}
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
