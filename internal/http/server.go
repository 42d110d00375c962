// Package http provides the HTTP API for nutrictx.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/nutrictx/internal/assemble"
	"github.com/fyrsmithlabs/nutrictx/internal/bulk"
	"github.com/fyrsmithlabs/nutrictx/internal/ingest"
	"github.com/fyrsmithlabs/nutrictx/internal/logging"
	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
	"github.com/fyrsmithlabs/nutrictx/internal/services"
)

// ContextService is the part of services.Service the API exposes.
type ContextService interface {
	GetRelevantContext(ctx context.Context, userID, query string, dataTypes []nutrition.DataType) (*assemble.Context, error)
	BulkVectorize(ctx context.Context, userID string, dataTypes []nutrition.DataType, force bool) (string, error)
	BulkVectorizeSync(ctx context.Context, userID string, dataTypes []nutrition.DataType, force bool) (*bulk.Report, error)
	BulkStatus(userID string) (bulk.Status, bool)
	CancelBulk(userID string) bool
	Invalidate(ctx context.Context, userID string, dataType *nutrition.DataType) error
	Stats(ctx context.Context, userID string) (*services.Stats, error)
	OnEntityChanged(ctx context.Context, ev ingest.Event) error
}

// Server provides HTTP endpoints for nutrictx.
type Server struct {
	echo    *echo.Echo
	service ContextService
	metrics *HTTPMetrics
	logger  *zap.Logger
	log     *logging.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(service ContextService, logger *zap.Logger, cfg *Config) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 8087,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		service: service,
		metrics: NewHTTPMetrics(logger),
		logger:  logger,
		log:     logging.Wrap(logger.Named("http")),
		config:  cfg,
	}

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			if userID := c.Param("user_id"); userID != "" {
				ctx = logging.WithUserID(ctx, userID)
			}
			ctx = logging.WithLogger(ctx, s.log)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			s.log.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/events", s.handleEvent)

	users := v1.Group("/users/:user_id")
	users.POST("/context", s.handleContext)
	users.POST("/vectorize", s.handleVectorize)
	users.GET("/vectorize", s.handleVectorizeStatus)
	users.DELETE("/vectorize", s.handleVectorizeCancel)
	users.DELETE("/vectors", s.handleInvalidate)
	users.GET("/stats", s.handleStats)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
