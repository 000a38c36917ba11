package intake

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/propagate"
	"github.com/fyrsmithlabs/dispatchd/internal/work"
)

type fakeConn struct {
	mu        sync.Mutex
	handler   nats.MsgHandler
	published []*nats.Msg
}

func (f *fakeConn) QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil, nil
}

func (f *fakeConn) PublishMsg(msg *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeConn) Drain() error { return nil }

func (f *fakeConn) deliver(msg *nats.Msg) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	handler(msg)
}

func (f *fakeConn) results() []*nats.Msg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*nats.Msg, len(f.published))
	copy(out, f.published)
	return out
}

type fakeHandler struct {
	mu    sync.Mutex
	units []*work.Unit
	dels  []work.Delegation
	ctxs  []context.Context
}

func (f *fakeHandler) Handle(ctx context.Context, unit *work.Unit, del work.Delegation) *work.Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units = append(f.units, unit)
	f.dels = append(f.dels, del)
	f.ctxs = append(f.ctxs, ctx)

	_ = unit.TransitionTo(work.StatusRunning)
	_ = unit.TransitionTo(work.StatusCompleted)
	return unit
}

func testIntakeCfg() config.IntakeConfig {
	return config.IntakeConfig{
		Enabled:       true,
		Subject:       "dispatchd.work",
		Queue:         "dispatchd",
		Workers:       2,
		RatePerSecond: 1000,
		Burst:         100,
	}
}

func testEngineCfg() config.EngineConfig {
	return config.EngineConfig{
		DefaultBudget:   50,
		DefaultDeadline: config.Duration(time.Minute),
	}
}

func newTestConsumer(t *testing.T) (*Consumer, *fakeConn, *fakeHandler) {
	t.Helper()

	conn := &fakeConn{}
	handler := &fakeHandler{}
	logger := logging.NewTestLogger()
	c := NewConsumer(conn, handler, testIntakeCfg(), testEngineCfg(), logger.Logger)
	require.NoError(t, c.Start(context.Background()))
	return c, conn, handler
}

func envelopeMsg(t *testing.T, env Envelope) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	msg := nats.NewMsg("dispatchd.work")
	msg.Data = data
	return msg
}

func TestConsumeRunsUnitAndReplies(t *testing.T) {
	c, conn, handler := newTestConsumer(t)

	msg := envelopeMsg(t, Envelope{
		ConversationID: "conv-1",
		Input:          map[string]any{"message": "hi"},
		ReplySubject:   "dispatchd.results",
	})
	conn.deliver(msg)
	require.NoError(t, c.Close())

	require.Len(t, handler.units, 1)
	assert.Equal(t, "conv-1", handler.units[0].ConversationID)
	assert.Equal(t, work.KindRequest, handler.units[0].Kind)

	results := conn.results()
	require.Len(t, results, 1)
	assert.Equal(t, "dispatchd.results", results[0].Subject)

	var terminal work.Unit
	require.NoError(t, json.Unmarshal(results[0].Data, &terminal))
	assert.Equal(t, work.StatusCompleted, terminal.Status)
}

func TestConsumeRestoresPropagationToken(t *testing.T) {
	c, conn, handler := newTestConsumer(t)

	msg := envelopeMsg(t, Envelope{
		ConversationID: "conv-1",
		Input:          map[string]any{},
		ReplySubject:   "dispatchd.results",
	})
	msg.Header.Set(propagate.HeaderCorrelationID, "corr-from-producer")
	conn.deliver(msg)
	require.NoError(t, c.Close())

	require.Len(t, handler.dels, 1)
	assert.Equal(t, "corr-from-producer", handler.dels[0].CorrelationID)
	assert.Equal(t, "corr-from-producer",
		propagate.CorrelationIDFromContext(handler.ctxs[0]))

	results := conn.results()
	require.Len(t, results, 1)
	assert.Equal(t, "corr-from-producer",
		results[0].Header.Get(propagate.HeaderCorrelationID),
		"the token rides along to the result consumer")
}

func TestConsumeGeneratesCorrelationIDWhenAbsent(t *testing.T) {
	c, conn, handler := newTestConsumer(t)

	conn.deliver(envelopeMsg(t, Envelope{
		ConversationID: "conv-1",
		Input:          map[string]any{},
	}))
	require.NoError(t, c.Close())

	require.Len(t, handler.dels, 1)
	assert.NotEmpty(t, handler.dels[0].CorrelationID)
}

func TestConsumeReplacesMalformedCorrelationID(t *testing.T) {
	// A producer can put anything in the header; a value that would not
	// survive context binding is replaced with a fresh id instead of
	// panicking the worker.
	c, conn, handler := newTestConsumer(t)

	msg := envelopeMsg(t, Envelope{
		ConversationID: "conv-1",
		Input:          map[string]any{},
	})
	msg.Header.Set(propagate.HeaderCorrelationID, "user:123")
	require.NotPanics(t, func() {
		conn.deliver(msg)
		require.NoError(t, c.Close())
	})

	require.Len(t, handler.dels, 1)
	assert.NotEqual(t, "user:123", handler.dels[0].CorrelationID)
	assert.True(t, propagate.ValidID(handler.dels[0].CorrelationID))
}

func TestConsumeEnvelopeOverrides(t *testing.T) {
	c, _, handler := newTestConsumer(t)
	conn := c.conn.(*fakeConn)

	conn.deliver(envelopeMsg(t, Envelope{
		ConversationID: "conv-1",
		Kind:           work.KindScheduled,
		Input:          map[string]any{},
		Budget:         7,
	}))
	require.NoError(t, c.Close())

	require.Len(t, handler.units, 1)
	assert.Equal(t, work.KindScheduled, handler.units[0].Kind)
	assert.Equal(t, 7.0, handler.dels[0].Budget.Remaining())
}

func TestConsumeDropsMalformedEnvelope(t *testing.T) {
	c, conn, handler := newTestConsumer(t)

	msg := nats.NewMsg("dispatchd.work")
	msg.Data = []byte("{not json")
	conn.deliver(msg)

	conn.deliver(envelopeMsg(t, Envelope{Input: map[string]any{}}))
	require.NoError(t, c.Close())

	assert.Empty(t, handler.units, "malformed and id-less envelopes never reach the coordinator")
}

func TestConsumeNoReplySubjectPublishesNothing(t *testing.T) {
	c, conn, handler := newTestConsumer(t)

	conn.deliver(envelopeMsg(t, Envelope{
		ConversationID: "conv-1",
		Input:          map[string]any{},
	}))
	require.NoError(t, c.Close())

	require.Len(t, handler.units, 1)
	assert.Empty(t, conn.results())
}
