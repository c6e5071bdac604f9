package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stokeworks/fastboot/internal/config"
	"github.com/stokeworks/fastboot/internal/logging"
	"github.com/stokeworks/fastboot/internal/monitoring"
	"github.com/stokeworks/fastboot/internal/render"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router  *gin.Engine
	coord   *render.Coordinator
	logger  *logging.Logger
	config  *config.Config
	metrics *monitoring.Metrics
	watcher *Watcher
	srv     *http.Server
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, coord *render.Coordinator, logger *logging.Logger, metrics *monitoring.Metrics) (*Server, error) {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Accept", "Origin", "Cache-Control"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router:  router,
		coord:   coord,
		logger:  logger.Named("server"),
		config:  cfg,
		metrics: metrics,
	}

	handlers := NewHandlers(coord, cfg, s.logger)

	// Register routes
	router.GET("/healthz", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Everything else renders the application
	router.NoRoute(handlers.Render)

	if cfg.Render.Watch {
		watcher, err := NewWatcher(cfg.Render.DistPath, coord, s.logger)
		if err != nil {
			return nil, err
		}
		s.watcher = watcher
	}

	logger.Info("Server initialized successfully")
	return s, nil
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	s.srv = &http.Server{Addr: addr, Handler: s.router}
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close gracefully shuts down the server
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Error("Failed to stop HTTP server", zap.Error(err))
		}
	}
	return s.coord.Close()
}
