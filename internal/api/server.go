// Package api provides the HTTP server for the dashboard sync service. It
// wires the Gin engine, middleware, and route groups for provider CRUD, the
// OAuth claim flow, and the served-model catalog.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	modelsHandlers "github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/api/handlers/models"
	oauthHandlers "github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/api/handlers/oauth"
	providerHandlers "github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/api/handlers/providers"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/api/middleware"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/claim"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/config"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/logging"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/registry"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/store"
	enginesync "github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/sync"
)

// Server is the dashboard HTTP server.
type Server struct {
	engine *gin.Engine
	server *http.Server
	cfg    *config.Config
	store  *store.Store
}

// NewServer assembles the server from the shared components. The sync and
// claim engines and the registry are constructed by the caller so tests can
// substitute their gateways.
func NewServer(cfg *config.Config, st *store.Store, sync *enginesync.Engine, claims *claim.Engine, reg *registry.ModelRegistry) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.RecoveryMiddleware())
	engine.Use(logging.RequestLogMiddleware())
	engine.Use(corsMiddleware())

	s := &Server{
		engine: engine,
		cfg:    cfg,
		store:  st,
	}

	engine.GET("/health", s.health)

	envSecret := strings.TrimSpace(os.Getenv("DASHBOARD_MANAGEMENT_KEY"))
	auth := middleware.NewAuth(cfg.ManagementKey, envSecret)

	dashboard := engine.Group("/v0/dashboard")
	dashboard.Use(auth.Middleware())
	dashboard.Use(middleware.RequireUser())
	{
		ph := providerHandlers.NewHandler(sync, st)
		dashboard.GET("/providers", ph.List)
		dashboard.POST("/providers", ph.Create)
		dashboard.GET("/providers/:id", ph.Get)
		dashboard.PUT("/providers/:id", ph.Update)
		dashboard.DELETE("/providers/:id", ph.Delete)
		dashboard.POST("/providers/reorder", ph.Reorder)

		oh := oauthHandlers.NewHandler(claims, st)
		dashboard.POST("/oauth/claim", oh.Claim)
		dashboard.GET("/oauth/accounts", oh.Accounts)
		dashboard.DELETE("/oauth/accounts/:name", oh.ReleaseAccount)

		mh := modelsHandlers.NewHandler(reg)
		dashboard.GET("/models", mh.List)
	}

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

// Engine exposes the gin engine for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	log.Infof("starting dashboard server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %v", err)
	}
	return nil
}

// Stop gracefully shuts down the server without interrupting active
// connections.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %v", err)
	}
	log.Debug("dashboard server stopped")
	return nil
}

func (s *Server) health(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
