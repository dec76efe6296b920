// Package http provides the local API server: the action endpoint, state and
// credential fetch handlers, and the websocket channels devices and generated
// envkeys synchronize over.
package http

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/CyberFlameGO/envkey/internal/action"
	"github.com/CyberFlameGO/envkey/internal/broadcast"
	"github.com/CyberFlameGO/envkey/internal/config"
	"github.com/CyberFlameGO/envkey/internal/devicelock"
	"github.com/CyberFlameGO/envkey/internal/graph"
)

// BlobStore fetches sealed credential payloads by scope key.
type BlobStore interface {
	GetBlob(ctx context.Context, scopeKey string) ([]byte, error)
}

// Server represents the local API HTTP server.
type Server struct {
	server *http.Server
	router *gin.Engine
	logger *slog.Logger

	cfg        *config.Config
	db         *sql.DB
	dispatcher action.Dispatcher
	store      *graph.Store
	hub        *broadcast.Hub
	lock       *devicelock.Machine
	blobs      BlobStore
	version    string

	metricsMiddleware gin.HandlerFunc

	stopOnce sync.Once
	stopCh   chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithVersion sets the version string reported by the alive endpoint.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// WithMetricsMiddleware installs the HTTP metrics middleware on the router.
func WithMetricsMiddleware(mw gin.HandlerFunc) ServerOption {
	return func(s *Server) {
		s.metricsMiddleware = mw
	}
}

// NewServer creates a new local API server.
func NewServer(
	cfg *config.Config,
	db *sql.DB,
	dispatcher action.Dispatcher,
	store *graph.Store,
	hub *broadcast.Hub,
	lock *devicelock.Machine,
	blobs BlobStore,
	logger *slog.Logger,
	opts ...ServerOption,
) *Server {
	s := &Server{
		logger:     logger,
		cfg:        cfg,
		db:         db,
		dispatcher: dispatcher,
		store:      store,
		hub:        hub,
		lock:       lock,
		blobs:      blobs,
		version:    "dev",
		stopCh:     make(chan struct{}),
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetupRouter assembles the Gin router with all middleware and routes.
func (s *Server) SetupRouter() *gin.Engine {
	gin.SetMode(s.cfg.GetGinMode())

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestid.New(requestid.WithGenerator(func() string {
		return uuid.Must(uuid.NewV7()).String()
	})))
	router.Use(CustomLoggerMiddleware(s.logger))

	if corsMiddleware := createCORSMiddleware(s.cfg.CORSEnabled, s.cfg.CORSAllowOrigins, s.logger); corsMiddleware != nil {
		router.Use(corsMiddleware)
	}
	if s.metricsMiddleware != nil {
		router.Use(s.metricsMiddleware)
	}

	// Open endpoints. The fetch and envkey socket routes authenticate by
	// possession of the credential id part itself.
	router.GET("/health", s.healthHandler)
	router.GET("/ready", s.readinessHandler)
	router.GET("/alive", s.aliveHandler)
	router.GET("/fetch/:envkeyIdPart", s.fetchHandler)
	router.GET("/ws/envkey/:envkeyIdPart", s.envkeySocketHandler)

	authenticated := router.Group("/")
	authenticated.Use(AuthenticationMiddleware(s.cfg.AuthToken, s.logger))

	actionGroup := authenticated.Group("/")
	if s.cfg.RateLimitEnabled {
		actionGroup.Use(RateLimitMiddleware(s.cfg.RateLimitRequestsPerSec, s.cfg.RateLimitBurst, s.logger))
	}
	actionGroup.POST("/action", s.actionHandler)

	authenticated.GET("/state", s.stateHandler)
	authenticated.GET("/stop", s.stopHandler)
	authenticated.GET("/ws/device", s.deviceSocketHandler)

	return router
}

// Start starts the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	if s.router == nil {
		s.router = s.SetupRouter()
	}
	s.server.Handler = s.router

	s.logger.Info("starting http server", slog.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.server.Shutdown(ctx)
}

// StopRequested is closed when a client asks the server to stop via the stop
// endpoint. The process entrypoint selects on it next to signal delivery.
func (s *Server) StopRequested() <-chan struct{} {
	return s.stopCh
}

// requestStop closes the stop channel exactly once.
func (s *Server) requestStop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}
