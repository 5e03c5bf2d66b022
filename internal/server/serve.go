// Package server runs the viewer's HTTP server until it is signalled to stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chinmina/chinmina-gallery/internal/config"
	"github.com/rs/zerolog/log"
)

// New creates an HTTP server for handler with conservative limits.
func New(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}
}

// Serve listens on the server's address until ctx is done or SIGINT/SIGTERM
// arrives, then shuts down gracefully and runs hooks.
func Serve(ctx context.Context, cfg config.ServerConfig, srv *http.Server, hooks *ShutdownHooks) error {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}

	return ServeListener(ctx, cfg, srv, listener, hooks)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, cfg config.ServerConfig, srv *http.Server, listener net.Listener, hooks *ShutdownHooks) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", listener.Addr().String()).Msg("server: listening")
		serveErr <- srv.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped unexpectedly: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("server: shutting down")

	timeout := time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("graceful shutdown failed: %w", err))
	}

	if hooks != nil {
		if err := hooks.Execute(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}

	log.Info().Msg("server: shutdown complete")

	return errors.Join(errs...)
}
