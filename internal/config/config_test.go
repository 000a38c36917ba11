package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
engine:
  default_handler: general
dependencies:
  classifier:
    breaker_threshold: 5
    open_duration: 30s
    max_attempts: 3
    initial_backoff: 100ms
    max_backoff: 5s
    backoff_multiplier: 2.0
    bulkhead_capacity: 10
    bulkhead_wait: 1s
    attempt_timeout: 10s
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 9490, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.DrainTimeout.Duration())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Engine.MaxDelegationDepth)
	assert.InDelta(t, 100, cfg.Engine.DefaultBudget, 0.001)
	assert.Equal(t, "static", cfg.Classifier.Provider)
	assert.Equal(t, "dispatchd.work", cfg.Intake.Subject)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  port: 8080
  drain_timeout: 10s
engine:
  default_handler: general
  max_delegation_depth: 3
dependencies:
  classifier:
    breaker_threshold: 5
    open_duration: 30s
    max_attempts: 3
    initial_backoff: 100ms
    max_backoff: 5s
    backoff_multiplier: 2.0
    bulkhead_capacity: 10
    bulkhead_wait: 1s
    attempt_timeout: 10s
`))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.DrainTimeout.Duration())
	assert.Equal(t, 3, cfg.Engine.MaxDelegationDepth)
}

func TestParseRejectsInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("engine: [not a map"))
	assert.Error(t, err)
}

func TestValidateRequiresDefaultHandler(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	cfg.Engine.DefaultHandler = ""
	assert.ErrorContains(t, cfg.Validate(), "default handler")
}

func TestValidateRequiresDependencies(t *testing.T) {
	_, err := Parse([]byte(`
engine:
  default_handler: general
`))
	assert.ErrorContains(t, err, "at least one dependency")
}

func TestDependencyValidationFailsClosed(t *testing.T) {
	valid := DependencyConfig{
		BreakerThreshold:  5,
		OpenDuration:      Duration(30 * time.Second),
		MaxAttempts:       3,
		InitialBackoff:    Duration(100 * time.Millisecond),
		MaxBackoff:        Duration(5 * time.Second),
		BackoffMultiplier: 2.0,
		BulkheadCapacity:  10,
		BulkheadWait:      Duration(time.Second),
		AttemptTimeout:    Duration(10 * time.Second),
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		mutate  func(*DependencyConfig)
		wantErr string
	}{
		{"zero breaker threshold", func(d *DependencyConfig) { d.BreakerThreshold = 0 }, "breaker_threshold"},
		{"zero open duration", func(d *DependencyConfig) { d.OpenDuration = 0 }, "open_duration"},
		{"zero attempts", func(d *DependencyConfig) { d.MaxAttempts = 0 }, "max_attempts"},
		{"zero initial backoff", func(d *DependencyConfig) { d.InitialBackoff = 0 }, "initial_backoff"},
		{"max below initial", func(d *DependencyConfig) { d.MaxBackoff = Duration(time.Millisecond) }, "max_backoff"},
		{"shrinking multiplier", func(d *DependencyConfig) { d.BackoffMultiplier = 0.5 }, "backoff_multiplier"},
		{"zero bulkhead capacity", func(d *DependencyConfig) { d.BulkheadCapacity = 0 }, "bulkhead_capacity"},
		{"zero bulkhead wait", func(d *DependencyConfig) { d.BulkheadWait = 0 }, "bulkhead_wait"},
		{"zero attempt timeout", func(d *DependencyConfig) { d.AttemptTimeout = 0 }, "attempt_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dep := valid
			tt.mutate(&dep)
			assert.ErrorContains(t, dep.Validate(), tt.wantErr)
		})
	}
}

func TestAnthropicClassifierRequiresAPIKey(t *testing.T) {
	_, err := Parse([]byte(validYAML + `
classifier:
  provider: anthropic
`))
	assert.ErrorContains(t, err, "api_key")
}

func TestIntakeRequiresURLWhenEnabled(t *testing.T) {
	_, err := Parse([]byte(validYAML + `
intake:
  enabled: true
`))
	assert.ErrorContains(t, err, "intake url")
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}

func TestSecretNeverPrintsValue(t *testing.T) {
	s := Secret("sk-ant-super-secret")

	assert.NotContains(t, s.String(), "super-secret")
	assert.NotContains(t, fmt.Sprintf("%v", s), "super-secret")
	assert.NotContains(t, fmt.Sprintf("%#v", s), "super-secret")

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-secret")

	assert.Equal(t, "sk-ant-super-secret", s.Value())
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())
}
