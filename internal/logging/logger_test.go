package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/propagate"
)

func TestContextFieldsCarriesCorrelationData(t *testing.T) {
	ctx := propagate.WithCorrelationID(context.Background(), "corr-1")
	ctx = propagate.WithConversationID(ctx, "conv-1")
	ctx = propagate.WithWorkUnitID(ctx, "unit-1")

	fields := ContextFields(ctx)

	keys := make(map[string]string, len(fields))
	for _, f := range fields {
		keys[f.Key] = f.String
	}
	assert.Equal(t, "corr-1", keys["correlation_id"])
	assert.Equal(t, "conv-1", keys["conversation_id"])
	assert.Equal(t, "unit-1", keys["work_unit_id"])
}

func TestContextFieldsEmptyContext(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestLoggerEmitsContextFields(t *testing.T) {
	logger := NewTestLogger()
	ctx := propagate.WithCorrelationID(context.Background(), "corr-1")

	logger.Info(ctx, "work started")

	entries := logger.FilterMessage("work started").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "corr-1", entries[0].ContextMap()["correlation_id"])
}

func TestWithLoggerRoundtrip(t *testing.T) {
	logger := NewTestLogger()
	ctx := WithLogger(context.Background(), logger.Logger)

	got := FromContext(ctx)
	got.Warn(ctx, "from context")
	logger.AssertLogged(t, zapcore.WarnLevel, "from context")
}

func TestFromContextMissingReturnsNop(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	logger.Info(context.Background(), "goes nowhere")
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{in: "trace", want: TraceLevel},
		{in: "debug", want: zapcore.DebugLevel},
		{in: "info", want: zapcore.InfoLevel},
		{in: "warn", want: zapcore.WarnLevel},
		{in: "error", want: zapcore.ErrorLevel},
		{in: "verbose", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LevelFromString(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSecretFieldRedacts(t *testing.T) {
	logger := NewTestLogger()

	logger.Info(context.Background(), "configured",
		Secret("api_key", config.Secret("sk-ant-very-secret")))

	entries := logger.FilterMessage("configured").All()
	require.Len(t, entries, 1)
	val := entries[0].ContextMap()["api_key"]
	assert.NotContains(t, val, "very-secret")
}

func TestNamedLoggerPrefixesMessages(t *testing.T) {
	logger := NewTestLogger()
	named := logger.Named("coordinator")

	named.Info(context.Background(), "routed")

	entries := logger.FilterMessage("routed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "coordinator", entries[0].LoggerName)
}
