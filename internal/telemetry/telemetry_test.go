package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledTelemetryIsNoOp(t *testing.T) {
	tel, err := New(context.Background(), &Config{Enabled: false, ServiceName: "dispatchd"})
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("dispatchd/test"))
	assert.NotNil(t, tel.Meter("dispatchd/test"))
	assert.True(t, tel.Health().Healthy)
	assert.False(t, tel.Health().Degraded)

	require.NoError(t, tel.ForceFlush(context.Background()))
	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNilTelemetryIsSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotNil(t, tel.Tracer("dispatchd/test"))
	assert.NotNil(t, tel.Meter("dispatchd/test"))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.True(t, tel.Health().Degraded)
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		return cfg
	}
	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.SamplingRate = 1.5
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.ServiceName = ""
	assert.Error(t, cfg.Validate())

	// Plaintext export is only allowed to local collectors.
	cfg = valid()
	cfg.Endpoint = "collector.example.com:4317"
	cfg.Insecure = true
	assert.Error(t, cfg.Validate())
}
