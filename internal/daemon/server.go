package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lcarv/commdash/internal/api"
	"github.com/lcarv/commdash/internal/config"
)

// Server manages the HTTP server lifecycle for the daemon.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
}

// NewServer binds the API router to the configured local address.
func NewServer(cfg *config.Config, apiServer *api.Server, logger *zap.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.Daemon.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Daemon.ListenAddr, err)
	}
	return &Server{
		httpServer: &http.Server{
			Handler:           apiServer.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr returns the bound listen address, useful when the port was 0.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start begins serving HTTP requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.Addr()))
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown. Open SSE streams do not drain on
// their own, so after the grace period the server is closed outright.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("graceful shutdown incomplete, closing", zap.Error(err))
		_ = s.httpServer.Close()
	}
}
