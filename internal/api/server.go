// Package api exposes the fabric's HTTP surface: a gin.Engine with a
// route-group Server, serving the task/escrow/agent/wallet endpoints this
// core actually exposes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/agentfabric/agentfabric/internal/authsession"
	"github.com/agentfabric/agentfabric/internal/escrow"
	"github.com/agentfabric/agentfabric/internal/identity"
	"github.com/agentfabric/agentfabric/internal/metrics"
	"github.com/agentfabric/agentfabric/internal/orchestrator"
	"github.com/agentfabric/agentfabric/internal/ratelimit"
	"github.com/agentfabric/agentfabric/internal/registry"
	"github.com/agentfabric/agentfabric/internal/wallet"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config holds server-level knobs not already owned by a component.
type Config struct {
	Host            string
	Port            int
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

func DefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            8080,
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

// Server wires gin, middleware, and the handler set together.
type Server struct {
	cfg    *Config
	router *gin.Engine
	http   *http.Server
	logger *zap.Logger
}

// Deps is everything a handler needs to act on a request.
type Deps struct {
	Identity     *identity.Registry
	Ledger       *wallet.Ledger
	Orchestrator *orchestrator.Orchestrator
	Escrows      *escrow.Engine
	Tools        *registry.Registry
	Limiter      *ratelimit.Limiter
	Metrics      *metrics.Metrics
	Sessions     *authsession.Issuer
	Logger       *zap.Logger
}

// NewServer builds the router, installs middleware, and registers routes.
func NewServer(cfg *Config, deps Deps) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.Default()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = authsession.NewIssuer([]byte("agentfabric-dev-signing-key"), 15*time.Minute)
	}
	deps.Sessions = sessions

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(correlationIDMiddleware())
	router.Use(loggingMiddleware(logger))
	router.Use(corsMiddleware(cfg.AllowedOrigins))
	router.Use(metricsMiddleware(m))
	router.Use(timeoutMiddleware(cfg.RequestTimeout))

	h := &handlers{deps: deps, logger: logger}

	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})))

	// Agent registration issues the very credential every other /api/v1
	// call authenticates with, so it cannot itself sit behind apiKeyMiddleware.
	router.POST("/api/v1/agents", h.createAgent)

	v1 := router.Group("/api/v1")
	v1.Use(apiKeyMiddleware(deps.Identity, sessions))
	v1.Use(rateLimitMiddleware(deps.Limiter, m))
	{
		agents := v1.Group("/agents")
		{
			agents.GET("/:id", h.getAgent)
			agents.GET("/:id/wallet", h.getWallet)
			agents.POST("/:id/session", h.mintSession)
		}

		tasks := v1.Group("/tasks")
		{
			tasks.POST("", h.createTask)
			tasks.GET("/:id", h.getTask)
			tasks.GET("/:id/log", h.getTaskLog)
			tasks.POST("/:id/accept", h.acceptTask)
			tasks.POST("/:id/complete", h.completeTask)
			tasks.POST("/:id/cancel", h.cancelTask)
		}

		v1.POST("/escrow/release", h.releaseEscrow)
	}

	s := &Server{cfg: cfg, router: router, logger: logger}
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.logger.Info("starting api server", zap.String("address", s.http.Addr))
	return s.http.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) Address() string { return s.http.Addr }
