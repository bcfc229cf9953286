// Package api provides the HTTP server: the Claude-compatible /v1
// endpoints, the account management API, and the operational endpoints
// for health, metrics, and recent logs.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/qgate-proxy/qgate/internal/auth"
	"github.com/qgate-proxy/qgate/internal/config"
	"github.com/qgate-proxy/qgate/internal/executor"
	"github.com/qgate-proxy/qgate/internal/logging"
	"github.com/qgate-proxy/qgate/internal/metrics"
	"github.com/qgate-proxy/qgate/internal/registry"
)

// Server is the HTTP front of the gateway.
type Server struct {
	engine   *gin.Engine
	httpSrv  *http.Server
	cfg      *config.Config
	accounts *registry.Registry
	tokens   *auth.Manager
	exec     *executor.Executor
}

// New builds the server with all routes registered.
func New(cfg *config.Config, accounts *registry.Registry, tokens *auth.Manager, exec *executor.Executor) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(logging.GinLogrusRecovery())
	if cfg.RequestLog {
		engine.Use(logging.GinLogrusLogger())
	}
	engine.Use(metrics.Middleware())
	engine.Use(corsMiddleware())

	s := &Server{
		engine:   engine,
		cfg:      cfg,
		accounts: accounts,
		tokens:   tokens,
		exec:     exec,
		httpSrv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", metrics.Handler())

	v1 := s.engine.Group("/v1", s.clientAuthMiddleware())
	v1.POST("/messages", s.handleMessages)
	v1.GET("/models", s.handleModels)

	mgmt := s.engine.Group("/api", s.clientAuthMiddleware())
	mgmt.GET("/accounts", s.handleListAccounts)
	mgmt.POST("/accounts", s.handleAddAccount)
	mgmt.DELETE("/accounts/:id", s.handleDeleteAccount)
	mgmt.POST("/accounts/:id/activate", s.handleActivateAccount)
	mgmt.POST("/accounts/:id/refresh", s.handleRefreshAccount)
	mgmt.POST("/accounts/refresh-all", s.handleRefreshAll)
	mgmt.POST("/accounts/import-cli", s.handleImportCLI)
	mgmt.GET("/logs", s.handleRecentLogs)
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	log.Infof("api: listening on %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	logging.SkipGinRequestLogging(c)
	resp := gin.H{
		"status":   "ok",
		"accounts": s.accounts.Len(),
	}
	if active, err := s.accounts.Active(); err == nil {
		resp["active_account"] = gin.H{
			"id":          active.ID,
			"name":        active.Name,
			"token_fresh": !s.tokens.NeedsRefresh(active.ID),
			"last_error":  active.LastRefreshError,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRecentLogs(c *gin.Context) {
	n := 200
	if raw := c.Query("n"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &n); err != nil || n < 1 {
			n = 200
		}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logging.GlobalBuffer.Recent(n)})
}

// clientAuthMiddleware checks API keys when any are configured. Keys are
// accepted via x-api-key or a bearer Authorization header.
func (s *Server) clientAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.cfg.APIKeys) == 0 {
			c.Next()
			return
		}
		key := c.GetHeader("x-api-key")
		if key == "" {
			header := c.GetHeader("Authorization")
			key = strings.TrimPrefix(header, "Bearer ")
			if key == header {
				key = ""
			}
		}
		for _, want := range s.cfg.APIKeys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(want)) == 1 {
				c.Next()
				return
			}
		}
		abortWithClaudeError(c, http.StatusUnauthorized, "authentication_error", "invalid api key")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key, anthropic-version")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
