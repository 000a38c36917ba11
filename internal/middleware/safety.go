package middleware

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
)

// ErrBlockedInput is returned by the safety stage when a work unit's
// input matches an unsafe pattern or contains a secret. It aborts the
// chain before any state is loaded or any handler runs.
var ErrBlockedInput = errors.New("input blocked by safety check")

// Safety screens work unit input before anything else touches it.
type Safety struct {
	patterns []*regexp.Regexp
	detector *detect.Detector
	logger   *logging.Logger
}

// NewSafety compiles the configured patterns and, when secret scanning is
// enabled, builds a gitleaks detector with its default ruleset.
func NewSafety(cfg config.SafetyConfig, logger *logging.Logger) (*Safety, error) {
	s := &Safety{logger: logger.Named("safety")}

	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid safety pattern %q: %w", p, err)
		}
		s.patterns = append(s.patterns, re)
	}

	if cfg.SecretScan {
		detector, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("create secret detector: %w", err)
		}
		s.detector = detector
	}

	return s, nil
}

// Check returns ErrBlockedInput when the input violates a pattern or
// leaks a secret. The logged detail never includes the matched content.
func (s *Safety) Check(ctx context.Context, input map[string]any) error {
	text := flattenInput(input)

	for _, re := range s.patterns {
		if re.MatchString(text) {
			s.logger.Warn(ctx, "input matched unsafe pattern",
				zap.String("pattern", re.String()))
			return fmt.Errorf("%w: pattern %s", ErrBlockedInput, re.String())
		}
	}

	if s.detector != nil {
		findings := s.detector.DetectString(text)
		if len(findings) > 0 {
			s.logger.Warn(ctx, "input contains secrets",
				zap.Int("findings", len(findings)),
				zap.String("rule", findings[0].RuleID))
			return fmt.Errorf("%w: secret detected (%s)", ErrBlockedInput, findings[0].RuleID)
		}
	}

	return nil
}

// flattenInput renders input deterministically for pattern matching.
func flattenInput(input map[string]any) string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v\n", k, input[k])
	}
	return b.String()
}
