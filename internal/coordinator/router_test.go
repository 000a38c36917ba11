package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/resilience"
	"github.com/fyrsmithlabs/dispatchd/internal/work"
)

type stubClassifier struct {
	answer string
	err    error
	calls  int
}

func (s *stubClassifier) Classify(ctx context.Context, input map[string]any, candidates []string) (string, error) {
	s.calls++
	return s.answer, s.err
}

func classifierPipeline(t *testing.T) *resilience.Pipeline {
	t.Helper()

	logger := logging.NewTestLogger()
	registry := resilience.NewRegistry(logger.Logger)
	p, err := resilience.New(registry, logger.Logger, nil)
	require.NoError(t, err)
	require.NoError(t, registry.Register("classifier", resilience.Policy{
		BreakerThreshold:  3,
		OpenDuration:      time.Minute,
		MaxAttempts:       1,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 1,
		BulkheadCapacity:  1,
		BulkheadWait:      time.Second,
		AttemptTimeout:    time.Second,
	}))
	return p
}

func nopHandler(ctx context.Context, u *work.Unit, d work.Delegation) (*work.HandlerResult, error) {
	return &work.HandlerResult{}, nil
}

func TestResolveHintWins(t *testing.T) {
	logger := logging.NewTestLogger()
	r := NewRouter(nil, nil, "general", logger.Logger)
	require.NoError(t, r.Register("general", nopHandler))
	require.NoError(t, r.Register("billing", nopHandler))

	unit := work.NewUnit(work.KindRequest, "conv-1", map[string]any{})
	name, fn := r.Resolve(context.Background(), unit, "billing")

	assert.Equal(t, "billing", name)
	assert.NotNil(t, fn)
}

func TestResolveClassifierFallback(t *testing.T) {
	logger := logging.NewTestLogger()
	classifier := &stubClassifier{answer: "billing"}
	r := NewRouter(classifier, classifierPipeline(t), "general", logger.Logger)
	require.NoError(t, r.Register("general", nopHandler))
	require.NoError(t, r.Register("billing", nopHandler))

	unit := work.NewUnit(work.KindRequest, "conv-1", map[string]any{"message": "refund"})
	name, _ := r.Resolve(context.Background(), unit, "")

	assert.Equal(t, "billing", name)
	assert.Equal(t, 1, classifier.calls)
}

func TestResolveClassifierErrorFallsBackToDefault(t *testing.T) {
	logger := logging.NewTestLogger()
	classifier := &stubClassifier{err: errors.New("provider down")}
	r := NewRouter(classifier, classifierPipeline(t), "general", logger.Logger)
	require.NoError(t, r.Register("general", nopHandler))

	unit := work.NewUnit(work.KindRequest, "conv-1", map[string]any{})
	name, fn := r.Resolve(context.Background(), unit, "")

	assert.Equal(t, "general", name)
	assert.NotNil(t, fn)
}

func TestResolveClassifierUnknownAnswerFallsBackToDefault(t *testing.T) {
	logger := logging.NewTestLogger()
	classifier := &stubClassifier{answer: "no-such-handler"}
	r := NewRouter(classifier, classifierPipeline(t), "general", logger.Logger)
	require.NoError(t, r.Register("general", nopHandler))

	unit := work.NewUnit(work.KindRequest, "conv-1", map[string]any{})
	name, _ := r.Resolve(context.Background(), unit, "")

	assert.Equal(t, "general", name)
}

func TestResolveRuleBeatsClassifier(t *testing.T) {
	logger := logging.NewTestLogger()
	classifier := &stubClassifier{answer: "billing"}
	r := NewRouter(classifier, classifierPipeline(t), "general", logger.Logger)
	require.NoError(t, r.Register("general", nopHandler))
	require.NoError(t, r.Register("billing", nopHandler))
	require.NoError(t, r.AddRule(Rule{
		Name:    "everything-general",
		Handler: "general",
		Match:   func(u *work.Unit) bool { return true },
	}))

	unit := work.NewUnit(work.KindRequest, "conv-1", map[string]any{})
	name, _ := r.Resolve(context.Background(), unit, "")

	assert.Equal(t, "general", name)
	assert.Zero(t, classifier.calls, "a matching rule must short-circuit classification")
}

func TestValidateRequiresDefaultHandler(t *testing.T) {
	logger := logging.NewTestLogger()
	r := NewRouter(nil, nil, "general", logger.Logger)

	assert.Error(t, r.Validate())
	require.NoError(t, r.Register("general", nopHandler))
	assert.NoError(t, r.Validate())
}
