// Package server is a small gin service used to exercise the agent's
// integrations end to end.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/apm-agent/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/apm-agent/pkg/apm"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/instrument/mongoapm"
	"github.com/GriffinCanCode/apm-agent/pkg/apm/instrument/pgapm"
)

// Config holds server settings.
type Config struct {
	Port        string
	UpstreamURL string
}

// Deps are the backing stores. Either may be nil.
type Deps struct {
	DB     pgapm.Queryer
	Orders mongoapm.Replacer
}

// Server wraps the HTTP server and dependencies
type Server struct {
	router   *gin.Engine
	http     *http.Server
	agent    *apm.Agent
	logger   *zap.Logger
	db       *pgapm.DB
	orders   *mongoapm.Saver
	upstream *resty.Client
}

// New creates a server whose routes run under the agent's middleware.
func New(cfg Config, agent *apm.Agent, deps Deps) *Server {
	logger := agent.Logger().Named("server")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(agent.Metrics()))
	router.Use(agent.GinMiddleware())

	s := &Server{
		router: router,
		agent:  agent,
		logger: logger,
		db:     agent.WrapDB(deps.DB),
		orders: agent.MongoSaver(deps.Orders),
	}
	if cfg.UpstreamURL != "" {
		s.upstream = agent.InstrumentResty(resty.New().
			SetBaseURL(cfg.UpstreamURL).
			SetTimeout(5 * time.Second).
			SetRetryCount(2))
	}

	s.setupRoutes()
	s.http = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"tracing": s.agent.Enabled(),
		})
	})
	s.router.GET("/metrics", gin.WrapH(s.agent.MetricsHandler()))

	s.router.GET("/users/:id", s.getUser)
	s.router.POST("/orders/:id", s.saveOrder)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) getUser(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	user := gin.H{"id": id}

	if s.db != nil {
		var name string
		err := s.db.QueryRowContext(ctx, "SELECT name FROM users WHERE id = $1", id).Scan(&name)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		case err != nil:
			s.logger.Error("load user", zap.String("id", id), zap.Error(err))
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		user["name"] = name
	}

	if s.upstream != nil {
		var profile map[string]any
		resp, err := s.upstream.R().
			SetContext(ctx).
			SetResult(&profile).
			Get("/profiles/" + id)
		if err != nil || resp.IsError() {
			s.logger.Warn("profile lookup failed", zap.String("id", id), zap.Error(err))
		} else {
			user["profile"] = profile
		}
	}

	c.JSON(http.StatusOK, user)
}

func (s *Server) saveOrder(c *gin.Context) {
	if s.orders == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "order store not configured"})
		return
	}

	var order map[string]any
	if err := c.ShouldBindJSON(&order); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order["_id"] = c.Param("id")

	if _, err := s.orders.Save(c.Request.Context(), c.Param("id"), order); err != nil {
		s.logger.Error("save order", zap.String("id", c.Param("id")), zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save failed"})
		return
	}
	c.JSON(http.StatusOK, order)
}

// Run starts the server and blocks until it stops. A graceful Close makes
// Run return nil.
func (s *Server) Run() error {
	s.logger.Info("server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Close stops accepting requests and waits for in-flight ones.
func (s *Server) Close(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
