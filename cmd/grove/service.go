package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/grovecms/grove/pkg/grove"
	"github.com/grovecms/grove/pkg/grove/config"
)

// buildService wires a Service from the environment, same as the server does.
func buildService(ctx context.Context) (grove.Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	repo, err := cfg.BuildRepository(ctx)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return grove.New(ctx,
		grove.WithRepository(repo),
		grove.WithLogger(logger),
		grove.WithSession(grove.Session{Subject: "cli"}),
	)
}
