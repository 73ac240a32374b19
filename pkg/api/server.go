package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/statusflow/statusflow/pkg/engine"
	"github.com/statusflow/statusflow/pkg/stores"
	"github.com/statusflow/statusflow/pkg/telemetry"
)

// Config configures the HTTP gateway.
type Config struct {
	// ListenAddr is the address the server binds to, e.g. ":8080".
	ListenAddr string

	// ReadTimeout bounds reading the full request.
	ReadTimeout time.Duration

	// WriteTimeout bounds writing the full response.
	WriteTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the HTTP request gateway in front of the transition engine.
type Server struct {
	cfg     Config
	engine  *engine.Engine
	store   stores.Store
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	router  *gin.Engine
	srv     *http.Server
}

// NewServer builds the gateway and its routes.
func NewServer(cfg Config, eng *engine.Engine, store stores.Store, logger *telemetry.Logger, metrics *telemetry.Metrics) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		engine:  eng,
		store:   store,
		logger:  logger.NewComponentLogger("api"),
		metrics: metrics,
		router:  router,
	}

	router.Use(s.requestLogger())

	router.GET("/healthz", s.handleHealthz)
	if h := metrics.Handler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/resources", s.handleListResources)
		v1.PUT("/resources/:id", s.handlePutResource)
		v1.GET("/resources/:id", s.handleGetResource)
		v1.PATCH("/resources/:id", s.handlePatchResource)
		v1.POST("/resources/:id/changeRequests", s.handleChangeRequest)
		v1.GET("/resources/:id/operations", s.handleListResourceOperations)
		v1.GET("/resources/:id/events", s.handleListResourceEvents)
		v1.GET("/operations/:id", s.handleGetOperation)
	}

	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Infof("http gateway listening on %s", s.cfg.ListenAddr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// requestLogger logs each request and feeds the HTTP duration histogram.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.metrics.ObserveHTTPRequest(c.Request.Method, route, strconv.Itoa(status), elapsed)

		log := s.logger.
			WithField("method", c.Request.Method).
			WithField("path", c.Request.URL.Path).
			WithField("status", status).
			WithField("duration_ms", elapsed.Milliseconds())
		if status >= http.StatusInternalServerError {
			log.Error("request failed")
		} else {
			log.Debug("request handled")
		}
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	if err := s.store.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
