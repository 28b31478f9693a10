// Package api serves retrieval and answer generation over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Aman-CERP/policyrag/internal/answer"
	"github.com/Aman-CERP/policyrag/internal/audit"
	"github.com/Aman-CERP/policyrag/internal/citation"
	perrors "github.com/Aman-CERP/policyrag/internal/errors"
	"github.com/Aman-CERP/policyrag/internal/logging"
	"github.com/Aman-CERP/policyrag/internal/retrieval"
	"github.com/Aman-CERP/policyrag/internal/telemetry"
)

// Request limits.
const (
	DefaultLimit          = 10
	DefaultMaxLimit       = 50
	DefaultMaxQueryLength = 1000
	DefaultRequestTimeout = 60 * time.Second
)

// Retriever produces a context bundle with its trace.
type Retriever interface {
	RetrieveDetailed(ctx context.Context, query string, topN int) (*retrieval.Result, error)
}

// Answerer generates an answer from a bundle.
type Answerer interface {
	Generate(ctx context.Context, query string, bundle *citation.Bundle) (*answer.Answer, error)
}

// HealthChecker reports whether the index can serve queries.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Config configures a Server.
type Config struct {
	Retriever Retriever
	Answerer  Answerer

	// Index backs /ready. Optional.
	Index HealthChecker

	// Metrics and Audit are optional.
	Metrics *telemetry.Metrics
	Audit   *audit.Trail

	MaxQueryLength int
	MaxLimit       int
	RequestTimeout time.Duration
}

// Server is the HTTP API.
type Server struct {
	cfg  Config
	echo *echo.Echo
}

// New builds the server and its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("%w: retriever", perrors.ErrNilDependency)
	}
	if cfg.Answerer == nil {
		return nil, fmt.Errorf("%w: answerer", perrors.ErrNilDependency)
	}
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = DefaultMaxQueryLength
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = DefaultMaxLimit
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	s := &Server{cfg: cfg, echo: echo.New()}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(traceContext)
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogMethod:    true,
		LogURI:       true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.cfg.Metrics.HTTPRequest(c.Path(), strconv.Itoa(v.Status))
			slog.InfoContext(c.Request().Context(), "http_request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency))
			return nil
		},
	}))

	e.GET("/", s.health)
	e.GET("/health", s.health)
	e.GET("/ready", s.ready)
	e.POST("/query", s.query)
	if s.cfg.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.cfg.Metrics.Handler()))
	}
}

// traceContext puts the request ID on the request context as the trace ID.
func traceContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Response().Header().Get(echo.HeaderXRequestID)
		if id != "" {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithTraceID(req.Context(), id)))
		}
		return next(c)
	}
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http_server_started", slog.String("addr", addr))
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("http_server_stopping")
		return s.echo.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) ready(c echo.Context) error {
	if s.cfg.Index != nil {
		if err := s.cfg.Index.Health(c.Request().Context()); err != nil {
			return perrors.UnavailableError("index is not ready", err)
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// handleError renders every error as {"error": msg}. Validation errors are
// 400, an unreachable index or model is 503, anything else is 500.
func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()

	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	case perrors.IsUnavailable(err),
		perrors.GetCode(err) == perrors.ErrCodeGenerationUnavailable:
		code = http.StatusServiceUnavailable
	case perrors.GetCategory(err) == perrors.CategoryValidation:
		code = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}

	req := c.Request()
	level := slog.LevelWarn
	if code >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(req.Context(), level, "http_error",
		slog.Int("status", code),
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.String("error", err.Error()))

	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}
