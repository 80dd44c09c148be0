// Package web serves the VoxDraft HTTP API and the browser UI. The UI is a
// single embedded page that polls the JSON API; all state lives server-side.
package web

import (
	"context"
	"embed"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxdraft/voxdraft/internal/bridge"
	"github.com/voxdraft/voxdraft/internal/diagram"
	"github.com/voxdraft/voxdraft/internal/health"
	"github.com/voxdraft/voxdraft/internal/observe"
	"github.com/voxdraft/voxdraft/internal/prd"
	"github.com/voxdraft/voxdraft/internal/store"
)

//go:embed static
var staticFS embed.FS

// Server wires the HTTP routes to the session store and bridge manager.
type Server struct {
	store    store.Store
	manager  *bridge.Manager
	exporter *prd.Exporter
	diagrams *diagram.Generator
	log      *slog.Logger
	metrics  *observe.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer builds the HTTP layer.
func NewServer(st store.Store, manager *bridge.Manager, exporter *prd.Exporter, diagrams *diagram.Generator, opts ...Option) *Server {
	s := &Server{
		store:    st,
		manager:  manager,
		exporter: exporter,
		diagrams: diagrams,
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns a configured Echo instance with all routes registered.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(s.requestMetrics)

	hc := health.New(health.Checker{Name: "database", Check: s.checkDatabase})
	e.GET("/healthz", echo.WrapHandler(http.HandlerFunc(hc.Healthz)))
	e.GET("/readyz", echo.WrapHandler(http.HandlerFunc(hc.Readyz)))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/", s.index)
	e.StaticFS("/static", echo.MustSubFS(staticFS, "static"))

	api := e.Group("/api")
	api.POST("/sessions", s.createSession)
	api.GET("/sessions/:id", s.getSession)
	api.POST("/sessions/:id/start", s.startSession)
	api.POST("/sessions/:id/stop", s.stopSession)
	api.GET("/sessions/:id/state", s.getState)
	api.GET("/sessions/:id/transcript", s.getTranscript)
	api.GET("/sessions/:id/flows", s.getFlows)
	api.GET("/sessions/:id/prd", s.getPRD)
	api.POST("/sessions/:id/export", s.exportPRD)

	return e
}

// requestMetrics records a latency histogram per route and status class.
func (s *Server) requestMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		status := c.Response().Status
		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
		}
		s.metrics.RecordHTTPRequest(c.Request().Context(),
			time.Since(start).Seconds(),
			c.Request().Method, c.Path(), status)
		return err
	}
}

func (s *Server) checkDatabase(ctx context.Context) error {
	// Any store round-trip proves the database file is reachable. A probe
	// for a session that cannot exist is the cheapest one.
	_, err := s.store.GetSession(ctx, "readiness-probe")
	if err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		return err
	}
	return nil
}

func (s *Server) index(c echo.Context) error {
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "ui not bundled")
	}
	return c.HTMLBlob(http.StatusOK, page)
}
