package jobserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/serkankas/py-offline-updater/internal/config"
	"github.com/serkankas/py-offline-updater/internal/docker"
	"github.com/serkankas/py-offline-updater/internal/observability"
)

// Server is the job façade's HTTP surface: upload, single-slot apply,
// status/event streaming, rollback, backup listing, and system info. It
// carries no embedded web UI — callers that want a dashboard front it
// themselves.
type Server struct {
	config  *config.Config
	docker  *docker.Client
	logger  *observability.Logger
	health  *observability.HealthChecker
	metrics *observability.Metrics
	jobs    *Manager
	hub     *Hub
	router  *gin.Engine
}

// NewServer builds a job façade Server wired to one config/docker client.
func NewServer(
	cfg *config.Config,
	dockerClient *docker.Client,
	healthChecker *observability.HealthChecker,
	metrics *observability.Metrics,
	logger *observability.Logger,
) *Server {
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:  cfg,
		docker:  dockerClient,
		logger:  logger,
		health:  healthChecker,
		metrics: metrics,
		jobs:    NewManager(cfg, dockerClient, logger, metrics),
		hub:     NewHub(logger),
	}

	s.setupRouter()
	return s
}

// setupRouter configures every route this façade exposes.
func (s *Server) setupRouter() {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.corsMiddleware())

	r.GET("/health", s.health.HealthHandler())
	r.GET("/ready", s.health.ReadyHandler())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.POST("/uploads", s.uploadArchive)
		api.POST("/jobs", s.submitJob)
		api.GET("/jobs/:id", s.getJob)
		api.GET("/jobs/:id/events", s.streamJobEvents)
		api.POST("/jobs/:id/rollback", s.rollbackJob)
		api.GET("/backups", s.listBackups)
		api.GET("/system-info", s.systemInfo)
	}

	r.GET("/ws", s.HandleWebSocket)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	s.router = r
}

// loggingMiddleware logs completed requests, skipping health-check spam.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/ready" {
			c.Next()
			return
		}

		c.Next()

		s.logger.InfoRedacted("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// corsMiddleware allows cross-origin access from a dashboard served
// elsewhere.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// Start runs the HTTP server and WebSocket hub until the process exits.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("starting HTTP server", zap.String("addr", s.config.HTTPAddr))
	return s.router.Run(s.config.HTTPAddr)
}

// Stop stops the WebSocket hub. The gin server itself is stopped by its
// caller via a *http.Server wrapper when graceful shutdown is needed.
func (s *Server) Stop() error {
	s.logger.Info("stopping HTTP server")
	s.hub.Stop()
	return nil
}

// Broadcast sends a message to every connected WebSocket client.
func (s *Server) Broadcast(message []byte) {
	s.hub.Broadcast(message)
}

// GetRouter returns the gin router for direct route registration, e.g. in
// tests via httptest.
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
