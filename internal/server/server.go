package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/leviathofnoesia/kraken-code-sub001/internal/account"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/config"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/gateway"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/modules"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/utils"
)

// Server ties the HTTP surface to the orchestrator and account pool
type Server struct {
	cfg     *config.Config
	manager *account.Manager
	orch    *gateway.Orchestrator
	stats   *modules.UsageStats
	engine  *gin.Engine
	http    *http.Server
}

// New assembles the gin engine and routes
func New(cfg *config.Config, manager *account.Manager, orch *gateway.Orchestrator, stats *modules.UsageStats) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(CORSMiddleware())
	engine.Use(RequestLoggingMiddleware())

	s := &Server{
		cfg:     cfg,
		manager: manager,
		orch:    orch,
		stats:   stats,
		engine:  engine,
	}

	engine.GET("/health", s.handleHealth)

	v1 := engine.Group("/v1")
	v1.Use(APIKeyAuthMiddleware(cfg))
	v1.GET("/models", s.handleModels)
	v1.POST("/chat/completions", s.handleChat)
	v1.POST("/messages", s.handleChat)

	api := engine.Group("/api")
	api.Use(APIKeyAuthMiddleware(cfg))
	api.GET("/accounts", s.handleListAccounts)
	api.DELETE("/accounts/:email", s.handleRemoveAccount)
	if stats != nil {
		stats.SetupRoutes(api)
	}

	return s
}

// Engine exposes the router (used by tests)
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start runs the server until the listener fails or Shutdown is called
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    s.cfg.ListenAddr(),
		Handler: s.engine,
	}
	utils.Success("[Server] Listening on http://%s", s.cfg.ListenAddr())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr(), err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
