// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package statusapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/tomtom215/treesync/internal/logging"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server runs the status HTTP server as a supervised service.
type Server struct {
	cfg     ServerConfig
	handler http.Handler

	// ready, when set, receives the bound address once listening.
	ready chan<- net.Addr
}

// NewServer returns a Server for handler.
func NewServer(cfg ServerConfig, handler http.Handler) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{cfg: cfg, handler: handler}
}

// NotifyListening makes Serve send the bound address on ch.
func (s *Server) NotifyListening(ch chan<- net.Addr) {
	s.ready = ch
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("status server listen on %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	logging.Info().Str("addr", ln.Addr().String()).Msg("Status server listening")
	if s.ready != nil {
		s.ready <- ln.Addr()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Status server shutdown incomplete")
	}
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logs.
func (s *Server) String() string { return "status-server" }
