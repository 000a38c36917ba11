// Package lifecycle sequences engine startup and graceful shutdown.
//
// Startup is fail-closed: the engine refuses to serve with placeholder
// resilience parameters or an unregistered default handler. Shutdown
// runs a strict order: flip unhealthy, wait for routing to drain away,
// stop intake, drain in-flight work, mark stragglers, flush telemetry,
// release connections.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
)

// Engine is the subset of coordinator behavior the shutdown sequence
// drives.
type Engine interface {
	StopAccepting()
	Drain(ctx context.Context) error
	FailInflight() int
	InFlight() int
}

// Validator is a startup check. Startup aborts on the first failure.
type Validator interface {
	Validate() error
}

// Flusher flushes buffered observability data during shutdown.
type Flusher interface {
	ForceFlush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Manager owns the lifecycle of one engine instance.
type Manager struct {
	cfg    config.ServerConfig
	engine Engine
	health *HealthServer
	logger *logging.Logger

	validators []Validator
	flusher    Flusher
	closers    []io.Closer

	// sleep is injectable so shutdown tests do not wait wall-clock time.
	sleep func(time.Duration)
}

// NewManager wires the lifecycle around an engine. flusher may be nil.
func NewManager(cfg config.ServerConfig, engine Engine, health *HealthServer, logger *logging.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		engine: engine,
		health: health,
		logger: logger.Named("lifecycle"),
		sleep:  time.Sleep,
	}
}

// AddValidator registers a startup check.
func (m *Manager) AddValidator(v Validator) {
	m.validators = append(m.validators, v)
}

// SetFlusher registers the telemetry flusher used during shutdown.
func (m *Manager) SetFlusher(f Flusher) {
	m.flusher = f
}

// AddCloser registers a connection to release at the end of shutdown.
// Closers run in reverse registration order.
func (m *Manager) AddCloser(c io.Closer) {
	m.closers = append(m.closers, c)
}

// Startup runs every validation check. Any failure refuses startup; the
// engine never serves with an incomplete configuration.
func (m *Manager) Startup(ctx context.Context) error {
	for _, v := range m.validators {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("startup validation failed: %w", err)
		}
	}

	if m.health != nil {
		m.health.SetReady(true)
	}
	m.logger.Info(ctx, "startup validation passed",
		zap.Int("checks", len(m.validators)))
	return nil
}

// Shutdown runs the full sequence. It always completes; slow or failing
// steps are logged and the sequence moves on so the process can exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info(ctx, "shutdown started",
		zap.Int("in_flight", m.engine.InFlight()))

	var errs []error

	// 1. Flip unhealthy so upstream stops routing new work, then give
	// load balancers time to notice.
	if m.health != nil {
		m.health.SetUnhealthy()
	}
	m.sleep(m.cfg.PropagationDelay.Duration())

	// 2. Refuse new work.
	m.engine.StopAccepting()

	// 3. Drain in-flight units up to the configured timeout.
	drainCtx, cancel := context.WithTimeout(ctx, m.cfg.DrainTimeout.Duration())
	defer cancel()
	if err := m.engine.Drain(drainCtx); err != nil {
		// 4. Stragglers are marked failed, never silently dropped.
		interrupted := m.engine.FailInflight()
		m.logger.Warn(ctx, "drain timeout elapsed, marked stragglers",
			zap.Int("interrupted", interrupted),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("drain incomplete: %w", err))
	}

	// 5. Flush buffered observability data.
	if m.flusher != nil {
		flushCtx, cancelFlush := context.WithTimeout(ctx, 10*time.Second)
		if err := m.flusher.ForceFlush(flushCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry flush: %w", err))
		}
		if err := m.flusher.Shutdown(flushCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
		cancelFlush()
	}

	// 6. Release dependency connections, newest first.
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closer %d: %w", i, err))
		}
	}

	if m.health != nil {
		if err := m.health.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("health server shutdown: %w", err))
		}
	}

	m.logger.Info(ctx, "shutdown complete", zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}
