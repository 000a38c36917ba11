package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/resilience"
)

// HealthServer exposes liveness, readiness, dependency state, and
// Prometheus metrics. Liveness flips to 503 at the start of the shutdown
// sequence so upstream load balancers stop routing new work before
// intake closes.
type HealthServer struct {
	echo   *echo.Echo
	logger *logging.Logger
	cfg    config.ServerConfig

	healthy  atomic.Bool
	ready    atomic.Bool
	pipeline *resilience.Pipeline
}

// NewHealthServer creates the server. pipeline may be nil in tests.
func NewHealthServer(cfg config.ServerConfig, pipeline *resilience.Pipeline, logger *logging.Logger) *HealthServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())

	s := &HealthServer{
		echo:     e,
		logger:   logger.Named("health"),
		cfg:      cfg,
		pipeline: pipeline,
	}
	s.healthy.Store(true)

	e.GET("/healthz", s.handleHealthz)
	e.GET("/readyz", s.handleReadyz)
	e.GET("/dependencies", s.handleDependencies)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *HealthServer) handleHealthz(c echo.Context) error {
	if !s.healthy.Load() {
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "shutting_down"})
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

func (s *HealthServer) handleReadyz(c echo.Context) error {
	if !s.ready.Load() || !s.healthy.Load() {
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "not_ready"})
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ready"})
}

func (s *HealthServer) handleDependencies(c echo.Context) error {
	if s.pipeline == nil {
		return c.JSON(http.StatusOK, []resilience.DependencyStatus{})
	}
	return c.JSON(http.StatusOK, s.pipeline.Snapshot())
}

// Start begins serving. Blocks until Shutdown or a listen error.
func (s *HealthServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info(context.Background(), "starting health server",
		zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// SetReady marks startup validation complete.
func (s *HealthServer) SetReady(ready bool) {
	s.ready.Store(ready)
}

// SetUnhealthy flips the liveness endpoint to 503. First step of the
// shutdown sequence.
func (s *HealthServer) SetUnhealthy() {
	s.healthy.Store(false)
}

// Shutdown stops the listener gracefully.
func (s *HealthServer) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}
