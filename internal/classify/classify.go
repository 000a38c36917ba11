// Package classify decides which handler should receive a work unit when
// no routing rule matches. The router consults a Classifier as a fallback
// and always goes through the resilience pipeline to reach it.
package classify

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
)

// Classifier names the handler a work unit's input should route to.
type Classifier interface {
	// Classify returns a handler name from the candidates, or an error.
	// Implementations must not return a name outside candidates.
	Classify(ctx context.Context, input map[string]any, candidates []string) (string, error)
}

// FromConfig builds the configured classifier.
func FromConfig(cfg config.ClassifierConfig) (Classifier, error) {
	switch cfg.Provider {
	case "static", "":
		return NewStatic(nil), nil
	case "anthropic":
		return newAnthropicClassifier(cfg)
	default:
		return nil, fmt.Errorf("unknown classifier provider: %q", cfg.Provider)
	}
}
