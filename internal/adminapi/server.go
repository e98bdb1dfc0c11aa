// Package adminapi provides a read-only HTTP surface for inspecting a
// running core daemon: discussion list, per-peer session status, and
// outgoing queue depth. Grounded on the teacher's
// pkg/meshstorage/api/server.go (gin.Engine setup, middleware chain,
// graceful shutdown) and pkg/meshstorage/api/network.go (health check
// shape), generalized from a mesh-storage node's network/node surfaces
// to a messenger core's discussions/session/queue surfaces.
package adminapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zentalk/core/internal/model"
	"github.com/zentalk/core/internal/store"
)

// Logger is the minimal logging surface adminapi depends on.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Store is the narrow read surface adminapi needs from internal/store.
type Store interface {
	ListAllDiscussions(owner model.UserId) ([]store.Discussion, error)
	ListMessagesByOwnerAndStatus(owner model.UserId, status model.MessageStatus) ([]store.Message, error)
}

// SessionStatusProvider reports ratchet session status per peer.
type SessionStatusProvider interface {
	PeerSessionStatus(peer model.UserId) model.SessionStatus
}

// Config holds server configuration, mirroring the teacher's api.Config
// but trimmed to what a read-only admin surface needs.
type Config struct {
	Port         int
	EnableCORS   bool
	RateLimit    int // requests per minute
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Port:         8090,
		EnableCORS:   true,
		RateLimit:    120,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the admin HTTP API server for one local identity.
type Server struct {
	owner      model.UserId
	store      Store
	sessions   SessionStatusProvider
	log        Logger
	cfg        Config
	router     *gin.Engine
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer constructs a Server and wires its routes.
func NewServer(owner model.UserId, st Store, sessions SessionStatusProvider, log Logger, cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		owner:     owner,
		store:     st,
		sessions:  sessions,
		log:       log,
		cfg:       cfg,
		router:    router,
		startedAt: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	if s.cfg.EnableCORS {
		s.router.Use(corsMiddleware())
	}
	s.router.Use(rateLimitMiddleware(s.cfg.RateLimit))
	s.router.Use(gin.Recovery())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/discussions", s.handleListDiscussions)
		v1.GET("/discussions/:peer/session", s.handlePeerSession)
		v1.GET("/queue/depth", s.handleQueueDepth)
	}
}

// Start begins serving and blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("adminapi: listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Stop shuts the server down immediately, independent of Start's context.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
