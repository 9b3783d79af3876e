// Package gateway is the process's outer surface: the HTTP router, the
// WebSocket dispatcher, the hot-swap coordinator, and the glue binding
// channels and the scheduler to the agent loop.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/handlers"
	"go.uber.org/zap"

	"spaceduck/internal/agent"
	"spaceduck/internal/attachments"
	"spaceduck/internal/auth"
	"spaceduck/internal/browser"
	"spaceduck/internal/channels"
	"spaceduck/internal/config"
	"spaceduck/internal/embedding"
	"spaceduck/internal/events"
	"spaceduck/internal/memory"
	"spaceduck/internal/provider"
	"spaceduck/internal/runlock"
	"spaceduck/internal/scheduler"
	"spaceduck/internal/store"
	"spaceduck/internal/stt"
	"spaceduck/internal/tools"
)

// RegistryHolder is the swappable proxy in front of the tool registry. A
// config change rebuilds the registry whole and swaps it in.
type RegistryHolder struct {
	inner atomic.Pointer[tools.Registry]
}

// NewRegistryHolder wraps the initial registry.
func NewRegistryHolder(r *tools.Registry) *RegistryHolder {
	h := &RegistryHolder{}
	h.inner.Store(r)
	return h
}

// Get returns the live registry.
func (h *RegistryHolder) Get() *tools.Registry { return h.inner.Load() }

// Swap publishes a new registry.
func (h *RegistryHolder) Swap(r *tools.Registry) { h.inner.Store(r) }

// Deps is everything the gateway serves. All fields are required unless
// noted.
type Deps struct {
	Logger      *zap.Logger
	Version     string
	Config      *config.Store
	Store       *store.Store
	Auth        *auth.Store
	Attachments *attachments.Store
	Provider    *provider.Swappable
	Embedding   *embedding.Swappable
	STT         *stt.Swappable
	Registry    *RegistryHolder
	Browser     *browser.Pool // nil when the pool is disabled at boot
	Channels    *channels.Manager
	Agent       *agent.Loop
	Memory      *memory.Engine
	Scheduler   *scheduler.Scheduler
	RunLock     *runlock.Lock
	Bus         *events.Bus
}

// Server is the assembled gateway.
type Server struct {
	Deps
	logger *zap.Logger
}

// New builds the server from its dependencies.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{Deps: deps, logger: logger.Named("gateway")}
}

// Handler returns the full HTTP handler, CORS included.
func (s *Server) Handler() http.Handler {
	mux := s.routes()

	origins := s.Config.Current().Gateway.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "If-Match"}),
		handlers.ExposedHeaders([]string{"ETag", "If-Match"}),
	)(mux)
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	port := s.Config.Current().Gateway.Port
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("gateway listening", zap.Int("port", port))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
