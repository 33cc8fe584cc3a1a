package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/sema4ai/actionserver/pkg/bus"
	"github.com/sema4ai/actionserver/pkg/catalog"
	"github.com/sema4ai/actionserver/pkg/lifecycle"
	"github.com/sema4ai/actionserver/pkg/log"
	"github.com/sema4ai/actionserver/pkg/metrics"
	"github.com/sema4ai/actionserver/pkg/secrets"
	"github.com/sema4ai/actionserver/pkg/types"
)

// Response headers produced by the core
const (
	HeaderRunID           = "x-action-server-run-id"
	HeaderAsyncCompletion = "x-action-async-completion"
)

// Server is the public HTTP surface over the action execution core
type Server struct {
	echo    *echo.Echo
	manager *lifecycle.Manager
	catalog *catalog.Catalog
	broker  *bus.Broker
	secrets *secrets.Manager
	apiKey  string
	logger  zerolog.Logger
}

// Config wires the server's collaborators
type Config struct {
	Manager *lifecycle.Manager
	Catalog *catalog.Catalog
	Broker  *bus.Broker
	Secrets *secrets.Manager
	// APIKey enables bearer authentication when non-empty
	APIKey string
}

// NewServer creates the HTTP server with routes and middleware installed
func NewServer(cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		manager: cfg.Manager,
		catalog: cfg.Catalog,
		broker:  cfg.Broker,
		secrets: cfg.Secrets,
		apiKey:  cfg.APIKey,
		logger:  log.WithComponent("api"),
	}

	e.Use(middleware.Recover())
	e.Use(s.observe)
	e.HTTPErrorHandler = s.errorHandler

	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("/api", s.auth)
	api.POST("/actions/:package/:action/run", s.invoke)
	api.GET("/runs", s.listRuns)
	api.GET("/runs/:id", s.getRun)
	api.GET("/runs/:id/fields", s.runFields)
	api.GET("/runs/by-request-id/:package/:action/:rid", s.runByRequestID)
	api.POST("/runs/:id/cancel", s.cancelRun)
	api.PUT("/packages/:package/secrets", s.setSecrets)
	api.GET("/actions", s.listActions)
	api.GET("/ws", s.subscribe)

	return s
}

// Start serves until the listener fails or Shutdown runs
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("HTTP API listening")
	err := s.echo.Start(address)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight handlers
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// observe records request metrics and structured access logs
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		timer := metrics.NewTimer()
		err := next(c)
		status := c.Response().Status
		if err != nil {
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
		}
		method := c.Request().Method
		metrics.APIRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		s.logger.Debug().
			Str("method", method).
			Str("path", c.Request().URL.Path).
			Int("status", status).
			Dur("took", timer.Duration()).
			Msg("Request")
		return err
	}
}

// auth enforces the single bearer token when one is configured
func (s *Server) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.apiKey == "" {
			return next(c)
		}
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			return types.NewError(types.ErrUnauthorized, "missing or invalid bearer token")
		}
		return next(c)
	}
}

// errorHandler maps classified errors to their HTTP statuses and a
// stable wire body
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	kind := types.ErrorKind("internal")
	message := "internal server error"

	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		}
	}
	if k := types.KindOf(err); k != "" {
		kind = k
		message = err.Error()
		switch k {
		case types.ErrBadEnvelope, types.ErrDecryptFailed, types.ErrSchemaViolation:
			status = http.StatusBadRequest
		case types.ErrUnknownAction:
			status = http.StatusNotFound
		case types.ErrUnauthorized:
			status = http.StatusUnauthorized
		case types.ErrOverloaded:
			status = http.StatusTooManyRequests
		}
	}

	if status >= 500 {
		s.logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("Request failed")
	}
	_ = c.JSON(status, map[string]any{
		"error": map[string]string{"kind": string(kind), "message": message},
	})
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.broker.SubscriberCount(),
		"time":        time.Now().UTC(),
	})
}
