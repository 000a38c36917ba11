package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/classify"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/resilience"
	"github.com/fyrsmithlabs/dispatchd/internal/work"
)

// classifierDependency is the resilience pipeline name the fallback
// classifier is called under. It must be registered like any other
// dependency.
const classifierDependency = "classifier"

// Rule is a cheap deterministic routing predicate. Rules are tried in
// registration order; the first match wins.
type Rule struct {
	Name    string
	Handler string
	Match   func(unit *work.Unit) bool
}

// Router resolves a handler for a work unit: explicit hint, then ordered
// rules, then a classifier call through the resilience pipeline, then the
// configured default.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]work.HandlerFunc
	rules    []Rule

	classifier     classify.Classifier
	pipeline       *resilience.Pipeline
	defaultHandler string
	logger         *logging.Logger
}

// NewRouter creates a router. classifier may be nil, in which case
// unmatched units go straight to the default handler.
func NewRouter(classifier classify.Classifier, pipeline *resilience.Pipeline, defaultHandler string, logger *logging.Logger) *Router {
	return &Router{
		handlers:       make(map[string]work.HandlerFunc),
		classifier:     classifier,
		pipeline:       pipeline,
		defaultHandler: defaultHandler,
		logger:         logger.Named("router"),
	}
}

// Register adds a named handler. Duplicate names fail.
func (r *Router) Register(name string, fn work.HandlerFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("handler registration requires a name and a function")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.handlers[name] = fn
	return nil
}

// AddRule appends a routing rule. Rules run in the order added.
func (r *Router) AddRule(rule Rule) error {
	if rule.Handler == "" || rule.Match == nil {
		return fmt.Errorf("rule requires a handler and a predicate")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[rule.Handler]; !exists {
		return fmt.Errorf("rule %q targets unregistered handler %q", rule.Name, rule.Handler)
	}
	r.rules = append(r.rules, rule)
	return nil
}

// Names returns the registered handler names in sorted order.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lookup returns a registered handler function.
func (r *Router) lookup(name string) (work.HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Validate checks the default handler exists. Called at startup.
func (r *Router) Validate() error {
	if r.defaultHandler == "" {
		return fmt.Errorf("default handler not configured")
	}
	if _, ok := r.lookup(r.defaultHandler); !ok {
		return fmt.Errorf("default handler %q not registered", r.defaultHandler)
	}
	return nil
}

// Resolve picks the handler for a unit. hint, when non-empty, is a
// delegation target requested by the parent handler and wins if
// registered. Resolution never fails: classifier errors and unknown
// answers fall back to the default handler.
func (r *Router) Resolve(ctx context.Context, unit *work.Unit, hint string) (string, work.HandlerFunc) {
	if hint != "" {
		if fn, ok := r.lookup(hint); ok {
			return hint, fn
		}
		r.logger.Warn(ctx, "delegation hint targets unknown handler, routing by rules",
			zap.String("hint", hint))
	}

	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	for _, rule := range rules {
		if rule.Match(unit) {
			if fn, ok := r.lookup(rule.Handler); ok {
				r.logger.Debug(ctx, "routed by rule",
					zap.String("rule", rule.Name),
					zap.String("handler", rule.Handler))
				return rule.Handler, fn
			}
		}
	}

	if r.classifier != nil {
		name, err := resilience.Do(ctx, r.pipeline, classifierDependency,
			func(ctx context.Context) (string, error) {
				return r.classifier.Classify(ctx, unit.Input, r.Names())
			})
		if err == nil {
			if fn, ok := r.lookup(name); ok {
				r.logger.Debug(ctx, "routed by classifier",
					zap.String("handler", name))
				return name, fn
			}
			err = fmt.Errorf("classifier picked unregistered handler %q", name)
		}
		r.logger.Warn(ctx, "classification failed, using default handler",
			zap.Error(err))
	}

	fn, _ := r.lookup(r.defaultHandler)
	return r.defaultHandler, fn
}
