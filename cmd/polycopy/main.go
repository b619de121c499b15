package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"polycopy/internal/app"
	"polycopy/internal/config"
)

func main() {
	// Load .env if present
	_ = godotenv.Load()

	// Pretty console logging
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Kitchen,
	})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════")
	log.Info().Msg("   POLYCOPY - Polymarket Copy Trading Relay")
	log.Info().Msg("═══════════════════════════════════════════")

	relay, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := relay.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start")
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Signal received")

	relay.Shutdown()
}
