package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/iecmeter/iecmeter/pkg/coordinator"
	"github.com/iecmeter/iecmeter/pkg/iec"
	"github.com/iecmeter/iecmeter/pkg/log"
	"github.com/iecmeter/iecmeter/pkg/secrets"
	"github.com/iecmeter/iecmeter/pkg/server"
	"github.com/iecmeter/iecmeter/pkg/storage"
)

func main() {
	// init packages
	client := iec.Configured()
	s := storage.Configured()
	box := secrets.Configured()

	// init server
	c := coordinator.New(client, s, box)
	srv := server.Configured(c, s)

	// parse flags
	lflag.Configure()
	setupLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := client.Validate(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid iec configuration", slog.Any("error", err))
		os.Exit(1)
	}

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}

func setupLogger() {
	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))
}
