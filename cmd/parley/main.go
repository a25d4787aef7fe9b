package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"parley/internal/server"
	"parley/internal/store"
	"parley/pkg/config"
	"parley/pkg/logging"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo, "text")

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)

	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("Failed to open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Failed to close storage", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := server.NewApp(logger, ctx, cfg, st)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "badger":
		return store.OpenBadger(cfg.Storage.Path, logger)
	default:
		return store.NewMemoryStore(), nil
	}
}
