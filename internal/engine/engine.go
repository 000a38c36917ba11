// Package engine wires the dispatchd components into one runnable
// instance: resilience pipeline, middleware chain, coordinator, health
// server, queue intake, and the lifecycle manager that sequences them.
package engine

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/classify"
	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/coordinator"
	"github.com/fyrsmithlabs/dispatchd/internal/intake"
	"github.com/fyrsmithlabs/dispatchd/internal/lifecycle"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/middleware"
	"github.com/fyrsmithlabs/dispatchd/internal/resilience"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
	"github.com/fyrsmithlabs/dispatchd/internal/telemetry"
)

// Engine is a fully wired dispatchd instance.
type Engine struct {
	cfg    *config.Config
	logger *logging.Logger

	telemetry   *telemetry.Telemetry
	registry    *resilience.Registry
	pipeline    *resilience.Pipeline
	store       *store.Memory
	router      *coordinator.Router
	coordinator *coordinator.Coordinator
	health      *lifecycle.HealthServer
	manager     *lifecycle.Manager

	natsConn *nats.Conn
	consumer *intake.Consumer
	watcher  *config.Watcher
}

// New builds an engine from validated configuration. Nothing starts
// serving until Run.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry))
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	registry := resilience.NewRegistry(logger)
	pipeline, err := resilience.New(registry, logger, tel.Meter("dispatchd/resilience"))
	if err != nil {
		return nil, fmt.Errorf("init resilience pipeline: %w", err)
	}
	for name, dep := range cfg.Dependencies {
		if err := registry.Register(name, resilience.PolicyFromConfig(dep)); err != nil {
			return nil, fmt.Errorf("register dependency %q: %w", name, err)
		}
	}

	mem, err := store.NewMemory(cfg.Store.MaxConversations)
	if err != nil {
		return nil, fmt.Errorf("init state store: %w", err)
	}

	classifier, err := classify.FromConfig(cfg.Classifier)
	if err != nil {
		return nil, fmt.Errorf("init classifier: %w", err)
	}

	safety, err := middleware.NewSafety(cfg.Safety, logger)
	if err != nil {
		return nil, fmt.Errorf("init safety stage: %w", err)
	}
	chain, err := middleware.NewChain(safety, mem, logger, tel.Meter("dispatchd/middleware"))
	if err != nil {
		return nil, fmt.Errorf("init middleware chain: %w", err)
	}

	router := coordinator.NewRouter(classifier, pipeline, cfg.Engine.DefaultHandler, logger)
	coord, err := coordinator.New(router, chain, cfg.Engine, logger, tel.Meter("dispatchd/coordinator"))
	if err != nil {
		return nil, fmt.Errorf("init coordinator: %w", err)
	}

	health := lifecycle.NewHealthServer(cfg.Server, pipeline, logger)
	manager := lifecycle.NewManager(cfg.Server, coord, health, logger)
	manager.AddValidator(router)
	manager.SetFlusher(tel)

	return &Engine{
		cfg:         cfg,
		logger:      logger.Named("engine"),
		telemetry:   tel,
		registry:    registry,
		pipeline:    pipeline,
		store:       mem,
		router:      router,
		coordinator: coord,
		health:      health,
		manager:     manager,
	}, nil
}

// Router exposes handler and rule registration. Handlers must be
// registered before Run.
func (e *Engine) Router() *coordinator.Router {
	return e.router
}

// DefaultHandler returns the configured fallback handler name.
func (e *Engine) DefaultHandler() string {
	return e.cfg.Engine.DefaultHandler
}

// Coordinator exposes the Handle surface for embedded intake sources.
func (e *Engine) Coordinator() *coordinator.Coordinator {
	return e.coordinator
}

// Pipeline exposes the resilience pipeline for handlers making external
// calls.
func (e *Engine) Pipeline() *resilience.Pipeline {
	return e.pipeline
}

// WatchConfig starts hot reload of resilience policies from the config
// file. Breaker state survives a policy swap.
func (e *Engine) WatchConfig(ctx context.Context, path string) error {
	watcher, err := config.NewWatcher(path)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	e.watcher = watcher
	watcher.Start(ctx)

	go func() {
		for updated := range watcher.Updates() {
			for name, dep := range updated.Dependencies {
				if err := e.pipeline.UpdatePolicy(name, resilience.PolicyFromConfig(dep)); err != nil {
					e.logger.Warn(ctx, "policy update skipped",
						zap.String("dependency", name),
						zap.Error(err))
				}
			}
			e.logger.Info(ctx, "resilience policies reloaded",
				zap.Int("dependencies", len(updated.Dependencies)))
		}
	}()
	return nil
}

// Run validates startup fail-closed, serves until ctx is cancelled, then
// executes the graceful shutdown sequence.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.manager.Startup(ctx); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- e.health.Start()
	}()

	if e.cfg.Intake.Enabled {
		conn, err := nats.Connect(e.cfg.Intake.URL,
			nats.Name("dispatchd"),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("connect intake queue: %w", err)
		}
		e.natsConn = conn

		e.consumer = intake.NewConsumer(conn, e.coordinator, e.cfg.Intake, e.cfg.Engine, e.logger)
		if err := e.consumer.Start(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("start intake: %w", err)
		}
		e.manager.AddCloser(e.consumer)
		e.manager.AddCloser(closerFunc(func() error {
			e.natsConn.Close()
			return nil
		}))
	}

	if e.watcher != nil {
		e.manager.AddCloser(e.watcher)
	}

	e.logger.Info(ctx, "engine running",
		zap.Int("dependencies", len(e.cfg.Dependencies)),
		zap.Bool("intake", e.cfg.Intake.Enabled))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("health server: %w", err)
		}
	}

	shutdownErr := e.manager.Shutdown(context.Background())
	_ = e.logger.Sync()
	return shutdownErr
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
