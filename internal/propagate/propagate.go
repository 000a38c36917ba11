// Package propagate carries request-scoped correlation state across
// concurrency boundaries.
//
// Within one process, correlation values ride context.Context and flow
// automatically into any goroutine that inherits the context. Across a
// boundary that does not share memory (a queued message consumed by a
// different worker process), the caller captures a Token, injects it into
// a carrier (message headers), and the receiving side must Restore before
// any logging or further delegation occurs. Skipping Restore is an
// observability defect, not a correctness defect: processing still
// succeeds but cannot be traced back to its origin.
package propagate

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
)

// Context key types.
type correlationCtxKey struct{}
type conversationCtxKey struct{}
type workUnitCtxKey struct{}

const maxIDLen = 128

// idPattern allows alphanumeric, hyphen, underscore.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// NewCorrelationID returns a fresh correlation id for a root unit's intake.
func NewCorrelationID() string {
	return uuid.NewString()
}

// ValidID reports whether id is safe to bind into a context. Paths that
// receive ids from the wire or from callers use it to skip or replace bad
// values; the With* setters panic instead because an invalid id reaching
// them is a programming error.
func ValidID(id string) bool {
	return validateID(id, "id") == nil
}

// WithCorrelationID binds a correlation id into the context.
// Panics on an invalid id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if err := validateID(id, "correlationID"); err != nil {
		panic(fmt.Sprintf("propagate: %v", err))
	}
	return context.WithValue(ctx, correlationCtxKey{}, id)
}

// CorrelationIDFromContext extracts the correlation id, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithConversationID binds a conversation id into the context.
// Panics on an invalid id.
func WithConversationID(ctx context.Context, id string) context.Context {
	if err := validateID(id, "conversationID"); err != nil {
		panic(fmt.Sprintf("propagate: %v", err))
	}
	return context.WithValue(ctx, conversationCtxKey{}, id)
}

// ConversationIDFromContext extracts the conversation id, or "".
func ConversationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(conversationCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithWorkUnitID binds the active unit id into the context.
// Panics on an invalid id.
func WithWorkUnitID(ctx context.Context, id string) context.Context {
	if err := validateID(id, "workUnitID"); err != nil {
		panic(fmt.Sprintf("propagate: %v", err))
	}
	return context.WithValue(ctx, workUnitCtxKey{}, id)
}

// WorkUnitIDFromContext extracts the active unit id, or "".
func WorkUnitIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(workUnitCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// Header keys used when a Token crosses a non-shared-memory boundary.
const (
	HeaderCorrelationID  = "Dispatchd-Correlation-Id"
	HeaderConversationID = "Dispatchd-Conversation-Id"
	HeaderWorkUnitID     = "Dispatchd-Work-Unit-Id"
	baggagePrefix        = "Dispatchd-Baggage-"
)

// Token is a serializable snapshot of the calling context's correlation
// state, including W3C trace context captured from OpenTelemetry.
type Token struct {
	CorrelationID  string            `json:"correlation_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	WorkUnitID     string            `json:"work_unit_id,omitempty"`
	Trace          map[string]string `json:"trace,omitempty"`
}

// traceContext injects/extracts W3C traceparent/tracestate.
var traceContext = propagation.TraceContext{}

// Capture snapshots the calling context's correlation state.
func Capture(ctx context.Context) Token {
	trace := make(map[string]string, 2)
	traceContext.Inject(ctx, propagation.MapCarrier(trace))
	return Token{
		CorrelationID:  CorrelationIDFromContext(ctx),
		ConversationID: ConversationIDFromContext(ctx),
		WorkUnitID:     WorkUnitIDFromContext(ctx),
		Trace:          trace,
	}
}

// Restore binds a Token's values into the current execution context.
// Invalid or empty fields are skipped rather than rejected: a consumer
// must be able to restore whatever the producer managed to capture.
func Restore(ctx context.Context, token Token) context.Context {
	if len(token.Trace) > 0 {
		ctx = traceContext.Extract(ctx, propagation.MapCarrier(token.Trace))
	}
	if validateID(token.CorrelationID, "correlationID") == nil {
		ctx = context.WithValue(ctx, correlationCtxKey{}, token.CorrelationID)
	}
	if validateID(token.ConversationID, "conversationID") == nil {
		ctx = context.WithValue(ctx, conversationCtxKey{}, token.ConversationID)
	}
	if validateID(token.WorkUnitID, "workUnitID") == nil {
		ctx = context.WithValue(ctx, workUnitCtxKey{}, token.WorkUnitID)
	}
	return ctx
}

// Carrier is the minimal header abstraction a Token serializes into.
// nats.Header and http.Header both satisfy it via HeaderCarrier.
type Carrier interface {
	Get(key string) string
	Set(key, value string)
}

// Inject writes the token's fields into carrier headers.
func Inject(token Token, carrier Carrier) {
	if token.CorrelationID != "" {
		carrier.Set(HeaderCorrelationID, token.CorrelationID)
	}
	if token.ConversationID != "" {
		carrier.Set(HeaderConversationID, token.ConversationID)
	}
	if token.WorkUnitID != "" {
		carrier.Set(HeaderWorkUnitID, token.WorkUnitID)
	}
	for k, v := range token.Trace {
		carrier.Set(baggagePrefix+k, v)
	}
}

// traceHeaderKeys are the W3C keys otel's TraceContext propagator writes.
var traceHeaderKeys = []string{"traceparent", "tracestate"}

// Extract reads a Token back out of carrier headers.
func Extract(carrier Carrier) Token {
	trace := make(map[string]string, 2)
	for _, k := range traceHeaderKeys {
		if v := carrier.Get(baggagePrefix + k); v != "" {
			trace[k] = v
		}
	}
	return Token{
		CorrelationID:  carrier.Get(HeaderCorrelationID),
		ConversationID: carrier.Get(HeaderConversationID),
		WorkUnitID:     carrier.Get(HeaderWorkUnitID),
		Trace:          trace,
	}
}
