// Package server provides HTTP server wiring and lifecycle management.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tandemlist/tandem-go/internal/platform/config"
)

// Server wraps the HTTP server with graceful shutdown.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	log        *slog.Logger
}

// New creates a Server for the given handler.
func New(cfg *config.Config, handler http.Handler, log *slog.Logger) *Server {
	return &Server{
		cfg: cfg,
		log: log,
		httpServer: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			// The change stream holds connections open; WriteTimeout would
			// sever them, so only the read side is bounded.
			IdleTimeout: 120 * time.Second,
		},
	}
}

// Run starts the server and blocks until ctx is cancelled or SIGINT/
// SIGTERM arrives, then shuts down gracefully within the configured
// grace period.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting server", "addr", s.cfg.ListenAddr, "public_origin", s.cfg.PublicOrigin)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := time.Duration(s.cfg.Server.ShutdownGraceSeconds) * time.Second
	s.log.Info("shutting down server", "grace", grace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
