package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/openjamlab/jamlink/internal/adapters/http"
	signaladapter "github.com/openjamlab/jamlink/internal/adapters/signal"
	"github.com/openjamlab/jamlink/internal/app"
	"github.com/openjamlab/jamlink/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return
	}

	registry := app.NewRegistry()
	controller := signaladapter.NewController(registry, signaladapter.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		ReadLimit:     cfg.ReadLimit,
		PingPeriod:    cfg.PingPeriod,
	})
	polls := signaladapter.NewPollManager(ctx, controller)

	addr := fmt.Sprintf(":%d", cfg.Port)
	r := router.SetupRouter(cfg, router.Deps{
		Registry:    registry,
		Controller:  controller,
		Polls:       polls,
		SelfTestURL: fmt.Sprintf("ws://127.0.0.1:%d/api/ws", cfg.Port),
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("jamlink signaling server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
