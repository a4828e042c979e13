// Package main is the entrypoint for the self-hosted worker agent.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/cogrelay/internal/config"
	"github.com/kiranshivaraju/cogrelay/internal/worker"
)

const cogRetries = 2

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "model", cfg.Model, "session_id", cfg.SessionID, "cog_url", cfg.CogURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := worker.NewAgent(*cfg, worker.NewCogRunner(cfg.CogURL, cogRetries))
	if err := agent.Run(ctx); err != nil {
		return err
	}

	slog.Info("worker stopped")
	return nil
}
