package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openregistry/concierge/cmd/concierge/commands"
	"github.com/openregistry/concierge/pkg/telemetry"
)

// Build metadata, injected with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	log.Logger = bootstrapLogger(os.Getenv("CONCIERGE_LOG_LEVEL"))

	// SIGTERM lets a running reconciliation cycle finish its current lot.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutdown requested, waiting for the current lot")
	}()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Str("version", Version).Msg("Concierge exited with an error")
		stop()
		os.Exit(1)
	}
}

// bootstrapLogger is used until the worker config has been loaded and the
// telemetry logger takes over. LOG_LEVEL is honoured when the concierge
// specific variable is unset.
func bootstrapLogger(level string) zerolog.Logger {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(telemetry.ParseLevel(level)).
		With().
		Timestamp().
		Str("service", "concierge").
		Logger()
}
