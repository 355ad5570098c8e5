package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openmined/minisync/internal/server/handlers/ws"
)

const defaultShutdownTimeout = 5 * time.Second

type Server struct {
	config *Config
	server *http.Server
	hub    *ws.WebsocketHub
	svc    *Services
}

func New(config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	svc, err := NewServices(config)
	if err != nil {
		return nil, fmt.Errorf("services: %w", err)
	}

	hub := ws.NewHub()
	handler, err := SetupRoutes(config, svc, hub)
	if err != nil {
		return nil, fmt.Errorf("routes: %w", err)
	}

	return &Server{
		config: config,
		hub:    hub,
		svc:    svc,
		server: &http.Server{
			Addr:              config.HTTP.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *Server) Services() *Services {
	return s.svc
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	slog.Info("minisync server start", "addr", s.config.HTTP.Addr, "data", s.config.DataDir, "auth", s.svc.Auth.IsEnabled())
	defer slog.Info("minisync server stop")

	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.runHttpServer(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("minisync server shutdown signal")
	return s.Stop(context.Background())
}

func (s *Server) Stop(ctx context.Context) error {
	timeout := s.config.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.hub.Shutdown(shutdownCtx)
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) runHttpServer() error {
	if s.config.HTTP.TLS() {
		slog.Info("server start tls", "addr", s.config.HTTP.Addr, "cert", s.config.HTTP.CertFile, "key", s.config.HTTP.KeyFile)
		return s.server.ListenAndServeTLS(s.config.HTTP.CertFile, s.config.HTTP.KeyFile)
	}
	slog.Info("server start http", "addr", s.config.HTTP.Addr)
	return s.server.ListenAndServe()
}
