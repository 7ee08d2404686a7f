// Package server provides the HTTP boundary of the token gateway.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vgrid/tokengate/internal/auth/exchange"
	"github.com/vgrid/tokengate/internal/auth/session"
	"github.com/vgrid/tokengate/internal/middleware"
	"github.com/vgrid/tokengate/internal/observability"
)

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

// Config holds configuration for the HTTP server.
type Config struct {
	Address        string        `yaml:"address,omitempty"`
	Port           int           `yaml:"port,omitempty"`
	ReadTimeout    time.Duration `yaml:"readTimeout,omitempty"`
	WriteTimeout   time.Duration `yaml:"writeTimeout,omitempty"`
	IdleTimeout    time.Duration `yaml:"idleTimeout,omitempty"`
	MaxHeaderBytes int           `yaml:"maxHeaderBytes,omitempty"`

	// TrustedProxies are CIDRs or IPs whose X-Forwarded-For is honored.
	TrustedProxies []string `yaml:"trustedProxies,omitempty"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}

// Server is the gateway HTTP server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	config     *Config
	logger     observability.Logger
	exchanger  exchange.Exchanger
	sessions   session.Issuer
	ipExtract  *middleware.ClientIPExtractor
	gatherer   prometheus.Gatherer

	mu      sync.Mutex
	running bool
}

// Option is a functional option for the server.
type Option func(*Server)

// WithLogger sets the diagnostic logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSessionIssuer enables the session-authenticated introspection route.
func WithSessionIssuer(issuer session.Issuer) Option {
	return func(s *Server) {
		s.sessions = issuer
	}
}

// WithGatherer sets the prometheus gatherer backing /metrics.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

// New creates the gateway HTTP server with its routes and middleware
// chain installed.
func New(config *Config, exchanger exchange.Exchanger, opts ...Option) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:    gin.New(),
		config:    config,
		logger:    observability.NopLogger(),
		exchanger: exchanger,
		ipExtract: middleware.NewClientIPExtractor(config.TrustedProxies),
		gatherer:  prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(
		middleware.RequestID(),
		middleware.Recovery(s.logger),
		middleware.LoggingWithConfig(middleware.LoggingConfig{
			Logger:    s.logger,
			SkipPaths: []string{"/healthz", "/metrics"},
		}),
	)

	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.engine.POST("/api/auth/exchange", s.handleExchange)
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	if s.sessions != nil {
		authed := s.engine.Group("/api", middleware.SessionAuth(s.sessions))
		authed.GET("/auth/session", s.handleSessionInfo)
	}
}

// Engine returns the underlying gin engine, for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	s.httpServer = &http.Server{
		Addr:           addr,
		Handler:        s.engine,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		observability.String("address", addr),
		observability.Duration("readTimeout", s.config.ReadTimeout),
		observability.Duration("writeTimeout", s.config.WriteTimeout),
	)

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop stops the HTTP server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.logger.Info("stopping HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("HTTP server stopped")
	return nil
}
