package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/davidbz/tollgate/internal/config"
	"github.com/davidbz/tollgate/internal/http/middleware"
	"github.com/davidbz/tollgate/internal/observability"
)

// Server represents the HTTP server.
type Server struct {
	srv *http.Server
}

// NewServer creates a new HTTP server around a routed handler (DI constructor).
func NewServer(
	cfg *config.ServerConfig,
	handler http.Handler,
	middlewares middleware.Middleware,
) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           middlewares(handler),
			ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
			ReadHeaderTimeout: time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
		},
	}
}

// Start listens on the configured port and serves until Shutdown is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	observability.FromContext(context.Background()).Info("starting HTTP server",
		observability.String("addr", ln.Addr().String()))

	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	observability.FromContext(ctx).Info("shutting down HTTP server")

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
