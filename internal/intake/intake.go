// Package intake feeds work units into the coordinator from a NATS
// queue. The consumer restores the propagation token from message
// headers before any logging happens, so queued units stay traceable to
// their origin, and publishes the terminal unit back with the token
// injected for the next hop.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/propagate"
	"github.com/fyrsmithlabs/dispatchd/internal/work"
)

// Envelope is the wire format for queued work.
type Envelope struct {
	ConversationID string         `json:"conversation_id"`
	Kind           work.Kind      `json:"kind"`
	Input          map[string]any `json:"input"`
	// Budget overrides the engine default when positive.
	Budget float64 `json:"budget,omitempty"`
	// DeadlineMillis overrides the engine default when positive.
	DeadlineMillis int64 `json:"deadline_millis,omitempty"`
	// ReplySubject receives the terminal unit. Falls back to the
	// message's reply subject, then to no reply at all.
	ReplySubject string `json:"reply_subject,omitempty"`
}

// Handler is the coordinator surface the consumer drives.
type Handler interface {
	Handle(ctx context.Context, unit *work.Unit, del work.Delegation) *work.Unit
}

// Conn is the minimal NATS surface the consumer needs. *nats.Conn
// satisfies it.
type Conn interface {
	QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error)
	PublishMsg(msg *nats.Msg) error
	Drain() error
}

// Consumer pulls envelopes off a queue group and runs them through the
// coordinator on a bounded worker pool.
type Consumer struct {
	conn      Conn
	handler   Handler
	cfg       config.IntakeConfig
	engineCfg config.EngineConfig
	logger    *logging.Logger

	limiter *rate.Limiter
	workers *pool.Pool
	sub     *nats.Subscription

	cancel context.CancelFunc
}

// NewConsumer creates a consumer. Start must be called before messages
// flow.
func NewConsumer(conn Conn, handler Handler, cfg config.IntakeConfig, engineCfg config.EngineConfig, logger *logging.Logger) *Consumer {
	return &Consumer{
		conn:      conn,
		handler:   handler,
		cfg:       cfg,
		engineCfg: engineCfg,
		logger:    logger.Named("intake"),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		workers:   pool.New().WithMaxGoroutines(cfg.Workers),
	}
}

// Start subscribes to the configured subject as a queue group member.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	sub, err := c.conn.QueueSubscribe(c.cfg.Subject, c.cfg.Queue, func(msg *nats.Msg) {
		c.workers.Go(func() {
			c.consume(ctx, msg)
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.cfg.Subject, err)
	}
	c.sub = sub

	c.logger.Info(ctx, "intake started",
		zap.String("subject", c.cfg.Subject),
		zap.String("queue", c.cfg.Queue),
		zap.Int("workers", c.cfg.Workers))
	return nil
}

// Close drains the subscription and waits for in-flight workers.
func (c *Consumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	var err error
	if c.sub != nil {
		err = c.sub.Drain()
	}
	c.workers.Wait()
	return err
}

// consume processes one queued message end to end.
func (c *Consumer) consume(ctx context.Context, msg *nats.Msg) {
	// Restore the producer's propagation token before any logging so
	// every log line carries the originating correlation state.
	token := propagate.Extract(natsCarrier{header: msg.Header})
	ctx = propagate.Restore(ctx, token)

	if err := c.limiter.Wait(ctx); err != nil {
		return
	}

	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		c.logger.Warn(ctx, "dropping malformed envelope", zap.Error(err))
		return
	}
	if env.ConversationID == "" {
		c.logger.Warn(ctx, "dropping envelope without conversation id")
		return
	}
	kind := env.Kind
	if kind == "" {
		kind = work.KindRequest
	}

	unit := work.NewUnit(kind, env.ConversationID, env.Input)
	del, err := c.newDelegation(token, env)
	if err != nil {
		c.logger.Error(ctx, "cannot build delegation", zap.Error(err))
		return
	}

	terminal := c.handler.Handle(ctx, unit, del)
	c.publishResult(ctx, msg, env, terminal)
}

// newDelegation builds the depth-0 context for a queued root unit,
// reusing the producer's correlation id when it survived the wire.
func (c *Consumer) newDelegation(token propagate.Token, env Envelope) (work.Delegation, error) {
	total := env.Budget
	if total <= 0 {
		total = c.engineCfg.DefaultBudget
	}
	budget, err := work.NewBudget(total)
	if err != nil {
		return work.Delegation{}, err
	}

	deadline := c.engineCfg.DefaultDeadline.Duration()
	if env.DeadlineMillis > 0 {
		deadline = time.Duration(env.DeadlineMillis) * time.Millisecond
	}

	// A missing or malformed wire id gets a fresh one rather than being
	// trusted past the boundary.
	correlationID := token.CorrelationID
	if !propagate.ValidID(correlationID) {
		correlationID = propagate.NewCorrelationID()
	}

	return work.NewDelegation(correlationID, budget, time.Now().Add(deadline)), nil
}

// publishResult sends the terminal unit to the reply subject with the
// propagation token injected for the consumer of the result.
func (c *Consumer) publishResult(ctx context.Context, msg *nats.Msg, env Envelope, terminal *work.Unit) {
	subject := env.ReplySubject
	if subject == "" {
		subject = msg.Reply
	}
	if subject == "" {
		return
	}

	data, err := json.Marshal(terminal)
	if err != nil {
		c.logger.Error(ctx, "cannot marshal terminal unit", zap.Error(err))
		return
	}

	out := nats.NewMsg(subject)
	out.Data = data
	propagate.Inject(propagate.Capture(ctx), natsCarrier{header: out.Header})

	if err := c.conn.PublishMsg(out); err != nil {
		c.logger.Error(ctx, "cannot publish terminal unit",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}
	c.logger.Debug(ctx, "published terminal unit",
		zap.String("subject", subject),
		zap.String("status", string(terminal.Status)))
}

// natsCarrier adapts nats.Header to the propagate.Carrier contract.
type natsCarrier struct {
	header nats.Header
}

func (c natsCarrier) Get(key string) string { return c.header.Get(key) }
func (c natsCarrier) Set(key, value string) { c.header.Set(key, value) }
