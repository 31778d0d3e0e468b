package main

import (
	"log/slog"
	"os"

	"github.com/frostforge/ticket-control/config"
	"github.com/frostforge/ticket-control/handler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration is invalid", slog.Any("err", err))
		os.Exit(1)
	}

	h, err := handler.NewHandler(cfg)
	if err != nil {
		slog.Error("NewHandler failed", slog.Any("err", err))
		os.Exit(1)
	}

	slog.Info("starting", slog.String("guild", cfg.GuildID))
	if err := h.Handle(); err != nil {
		slog.Error("gateway failed", slog.Any("err", err))
		os.Exit(1)
	}
}
