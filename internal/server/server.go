// Package server implements the API Surface (§4.8/§6): a gin router
// exposing agent-facing and admin-facing HTTP endpoints over the
// Lifecycle Controller and Agent Registry, with credential and JWT auth
// middleware and a uniform {code, message} error envelope.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/nodepool/marketplace/internal/lifecycle"
	"github.com/nodepool/marketplace/internal/pkg/logger"
	"github.com/nodepool/marketplace/internal/queue"
	"github.com/nodepool/marketplace/internal/registry"
	"github.com/nodepool/marketplace/internal/server/middleware"
)

type Config struct {
	Addr                string
	AdminPassphraseHash string
	AdminJWTSecret      []byte
}

type Server struct {
	cfg       Config
	log       *logger.Logger
	lifecycle *lifecycle.Controller
	registry  *registry.Registry
	queue     *queue.Queue
	engine    *gin.Engine
	http      *http.Server
}

func New(cfg Config, lc *lifecycle.Controller, reg *registry.Registry, q *queue.Queue, baseLog *logger.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		log:       baseLog.With("component", "APIServer"),
		lifecycle: lc,
		registry:  reg,
		queue:     q,
	}
	s.engine = s.newEngine()
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
	}))

	r.GET("/health", s.health)

	agents := r.Group("/agents")
	{
		agents.POST("/register", s.registerAgent)
		agents.POST("/heartbeat", middleware.AgentAuth(s.registry), s.heartbeat)
	}

	jobs := r.Group("/jobs")
	jobs.Use(middleware.AgentAuth(s.registry))
	{
		jobs.POST("/available", s.availableJobs)
		jobs.POST("/:id/accept", s.acceptJob)
		jobs.POST("/:id/start", s.startJob)
		jobs.POST("/:id/complete", s.completeJob)
		jobs.POST("/:id/fail", s.failJob)
	}

	admin := r.Group("/admin")
	{
		admin.POST("/login", s.adminLogin)
		protected := admin.Group("")
		protected.Use(middleware.AdminAuth(s.cfg.AdminJWTSecret))
		{
			protected.POST("/jobs", s.admitJob)
			protected.GET("/stats", s.adminStats)
			protected.GET("/load-balancer", s.loadBalancer)
		}
	}

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
		)
	}
}

// Run starts serving and blocks until the listener stops.
func (s *Server) Run() error {
	s.log.Info("api server listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests before returning (§5 graceful stop).
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Engine exposes the underlying gin engine for tests (httptest.Server).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
