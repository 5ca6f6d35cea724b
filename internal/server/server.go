package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/herald/internal/config"
	"github.com/ifuryst/herald/internal/service"
)

type Server struct {
	Config   *config.Config
	DB       *gorm.DB
	Router   *gin.Engine
	Logger   *zap.Logger
	Server   *http.Server
	Services *Services
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	// Initialize database
	db, err := service.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := service.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	// Initialize services
	services, err := BuildServices(cfg, db, logger)
	if err != nil {
		return nil, err
	}

	return New(cfg, db, services, logger), nil
}

// New builds the HTTP server around already wired services.
func New(cfg *config.Config, db *gorm.DB, services *Services, logger *zap.Logger) *Server {
	// Set gin mode
	gin.SetMode(cfg.Server.Mode)

	srv := &Server{
		Config:   cfg,
		DB:       db,
		Router:   gin.New(),
		Logger:   logger,
		Services: services,
	}

	// Setup middleware and routes
	srv.setupMiddleware()
	srv.setupRoutes()

	return srv
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/health"},
	}))

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+service.UserHeader+", "+service.AdminHeader)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	s.Router.GET("/health", s.handleHealth)

	auth := s.Services.Auth

	// API routes
	api := s.Router.Group("/api/v1")
	api.Use(auth.IdentityMiddleware())
	{
		publications := api.Group("/publications")
		{
			publications.POST("", s.handleCreatePublication)
			publications.GET("", s.handleListPublications)
			publications.GET("/stats", s.handleGetStats)
			publications.GET("/:id", s.handleGetPublication)
			publications.POST("/:id/cancel", s.handleCancelPublication)
			publications.POST("/:id/metrics/refresh", s.handleRefreshMetrics)
			publications.DELETE("/:id", s.handleDeletePublication)
		}

		admin := api.Group("", auth.RequireAdmin())
		{
			admin.GET("/jobs", s.handleListJobs)
			admin.GET("/errors", s.handleListErrors)
			admin.POST("/errors/:id/resolve", s.handleResolveError)
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	database := "ok"
	if sqlDB, err := s.DB.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		status = http.StatusServiceUnavailable
		database = "unavailable"
	}

	c.JSON(status, gin.H{
		"status":    http.StatusText(status),
		"time":      time.Now().Unix(),
		"database":  database,
		"scheduler": gin.H{"running": s.Services.Engine.IsRunning(), "jobs": len(s.Services.Engine.Jobs())},
	})
}

// Start launches the scheduler and then blocks serving HTTP.
func (s *Server) Start(ctx context.Context) error {
	// Start scheduler
	if err := s.Services.Jobs.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		return s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	}

	return s.Server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var httpErr error
	if s.Server != nil {
		httpErr = s.Server.Shutdown(shutdownCtx)
	}

	// Let in-flight sends finish recording their outcome
	if err := s.Services.Jobs.Stop(shutdownCtx); err != nil {
		s.Logger.Warn("Scheduler stop incomplete", zap.Error(err))
	}

	return httpErr
}
