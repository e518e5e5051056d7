// Package api exposes the participant flow over HTTP (JSON) with echo.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/roach88/tripstudy/internal/engine"
)

// Server provides the HTTP endpoints of the study.
type Server struct {
	echo       *echo.Echo
	controller *engine.Controller
	metrics    *Metrics
	logger     *slog.Logger
	config     *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server. metrics should be the same value the
// controller was built WithObserver; nil disables /metrics.
func NewServer(controller *engine.Controller, metrics *Metrics, logger *slog.Logger, cfg *Config) (*Server, error) {
	if controller == nil {
		return nil, errors.New("controller cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 8080}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	if metrics != nil {
		e.Use(metrics.Middleware())
	}
	e.Use(requestLogger(logger))

	s := &Server{
		echo:       e,
		controller: controller,
		metrics:    metrics,
		logger:     logger,
		config:     cfg,
	}
	s.registerRoutes()
	return s, nil
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Debug("http request",
				"method", c.Request().Method,
				"uri", c.Request().RequestURI,
				"status", c.Response().Status,
				"duration", time.Since(start),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return err
		}
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	v1 := s.echo.Group("/api/v1")
	v1.GET("/questionnaire", s.handleQuestionnaire)
	v1.GET("/admin/stats", s.handleStats)

	p := v1.Group("/participants/:pid", participantFilter(s.logger))
	p.POST("", s.handleAssign)
	p.GET("/progress", s.handleProgress)
	p.GET("/trials/:n", s.handleGetTrial)
	p.POST("/trials/:n", s.handleRecordChoice)
	p.GET("/reflections/:c", s.handleGetReflection)
	p.POST("/reflections/:c", s.handleSubmitReflection)
	p.POST("/complete", s.handleComplete)
	p.POST("/events/:type", s.handleLogEvent)
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
