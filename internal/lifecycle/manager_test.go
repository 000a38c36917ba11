package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
)

type fakeEngine struct {
	stopped     bool
	drainErr    error
	interrupted int
	inflight    int
}

func (f *fakeEngine) StopAccepting()                  { f.stopped = true }
func (f *fakeEngine) Drain(ctx context.Context) error { return f.drainErr }
func (f *fakeEngine) FailInflight() int               { return f.interrupted }
func (f *fakeEngine) InFlight() int                   { return f.inflight }

type fakeValidator struct{ err error }

func (f fakeValidator) Validate() error { return f.err }

type fakeCloser struct {
	order *[]string
	name  string
}

func (f fakeCloser) Close() error {
	*f.order = append(*f.order, f.name)
	return nil
}

func newTestManager(engine *fakeEngine) *Manager {
	logger := logging.NewTestLogger()
	m := NewManager(config.ServerConfig{
		PropagationDelay: config.Duration(time.Millisecond),
		DrainTimeout:     config.Duration(10 * time.Millisecond),
	}, engine, nil, logger.Logger)
	m.sleep = func(time.Duration) {}
	return m
}

func TestStartupFailsClosed(t *testing.T) {
	m := newTestManager(&fakeEngine{})
	m.AddValidator(fakeValidator{})
	m.AddValidator(fakeValidator{err: errors.New("placeholder breaker threshold")})

	err := m.Startup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startup validation failed")
}

func TestStartupPassesWithValidChecks(t *testing.T) {
	m := newTestManager(&fakeEngine{})
	m.AddValidator(fakeValidator{})

	assert.NoError(t, m.Startup(context.Background()))
}

func TestShutdownCleanDrain(t *testing.T) {
	engine := &fakeEngine{}
	m := newTestManager(engine)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.True(t, engine.stopped)
}

func TestShutdownDrainTimeoutMarksStragglers(t *testing.T) {
	engine := &fakeEngine{
		drainErr:    context.DeadlineExceeded,
		interrupted: 1,
		inflight:    1,
	}
	m := newTestManager(engine)

	err := m.Shutdown(context.Background())
	require.Error(t, err, "an incomplete drain is reported, not hidden")
	assert.True(t, engine.stopped)
	assert.Contains(t, err.Error(), "drain incomplete")
}

func TestShutdownClosersRunInReverseOrder(t *testing.T) {
	engine := &fakeEngine{}
	m := newTestManager(engine)

	var order []string
	m.AddCloser(fakeCloser{order: &order, name: "first"})
	m.AddCloser(fakeCloser{order: &order, name: "second"})

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, []string{"second", "first"}, order)
}
