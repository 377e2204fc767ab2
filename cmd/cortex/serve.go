package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/janhq/cortex/internal/config"
	"github.com/janhq/cortex/pkg/server"
)

// runServe runs the control plane in the foreground until SIGINT/SIGTERM.
func runServe(ov config.Overrides) error {
	ctx := context.Background()

	srv, err := server.New(ctx, ov)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    srv.Addr,
		Handler: srv.Handler,
		// No WriteTimeout: completion streams are long-lived.
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()

	log.Info().Str("addr", srv.Addr).Msg("cortex server listening")
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
