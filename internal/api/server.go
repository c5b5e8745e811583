// Package api exposes the daemon's read model and sync controls over a
// local HTTP listener. The JSON surface is what commdashctl and the
// dashboard frontend consume.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lcarv/commdash/internal/bus"
	"github.com/lcarv/commdash/internal/cache"
	"github.com/lcarv/commdash/internal/status"
	csync "github.com/lcarv/commdash/internal/sync"
)

// Messenger covers the room actions the API proxies to the homeserver.
// nil when the Matrix integration is disabled.
type Messenger interface {
	SendMessage(ctx context.Context, roomID, body string) error
	InviteUser(ctx context.Context, roomID, userID string) error
	RemoveUser(ctx context.Context, roomID, userID, reason string) error
}

// Server wires the cache reader, sync engine and event bus into HTTP
// handlers.
type Server struct {
	reader    *cache.Reader
	engine    *csync.Engine
	messenger Messenger
	machine   *status.Machine
	bus       *bus.Bus
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	started   time.Time
}

func NewServer(reader *cache.Reader, engine *csync.Engine, messenger Messenger, machine *status.Machine, b *bus.Bus, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		reader:    reader,
		engine:    engine,
		messenger: messenger,
		machine:   machine,
		bus:       b,
		gatherer:  gatherer,
		logger:    logger,
		started:   time.Now(),
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/users", s.handleUsers)
		r.Get("/rooms", s.handleRooms)
		r.Get("/rooms/{roomID}/users", s.handleRoomUsers)
		r.Post("/rooms/{roomID}/message", s.handleSendMessage)
		r.Post("/rooms/{roomID}/invite", s.handleInvite)
		r.Post("/rooms/{roomID}/kick", s.handleKick)

		r.Get("/sync/status", s.handleSyncStatus)
		r.Get("/sync/drift", s.handleDrift)
		r.Post("/sync", s.handleFullSync)
		r.Post("/sync/entry-room", s.handleEntryRoomSync)
		r.Post("/sync/background", s.handleBackgroundSync)
		r.Post("/sync/concurrent", s.handleConcurrentSync)

		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}
