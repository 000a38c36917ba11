package middleware

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
	"github.com/fyrsmithlabs/dispatchd/internal/work"
)

// stateCtxKey carries the loaded conversation state through the chain so
// handlers can read and mutate it without touching storage.
type stateCtxKey struct{}

// WithState binds conversation state into the context.
func WithState(ctx context.Context, st *store.State) context.Context {
	return context.WithValue(ctx, stateCtxKey{}, st)
}

// StateFromContext returns the conversation state bound by the chain.
// Handlers outside a chain get nil.
func StateFromContext(ctx context.Context) *store.State {
	st, _ := ctx.Value(stateCtxKey{}).(*store.State)
	return st
}

// loadState fetches conversation state before the handler runs. Storage
// failures do not abort the unit; the handler runs with fresh state.
func loadState(ctx context.Context, s store.Store, unit *work.Unit, logger *logging.Logger) *store.State {
	st, err := s.Load(ctx, unit.ConversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn(ctx, "state load failed, continuing with fresh state",
				zap.Error(err))
		}
		return &store.State{
			ConversationID: unit.ConversationID,
			Values:         map[string]any{},
		}
	}
	if st.Values == nil {
		st.Values = map[string]any{}
	}
	return st
}

// saveState persists conversation state after the handler and cost
// stages. Storage failures are logged, never fatal to the unit.
func saveState(ctx context.Context, s store.Store, st *store.State, logger *logging.Logger) {
	if err := s.Save(ctx, st); err != nil {
		logger.Error(ctx, "state save failed",
			zap.String("conversation_id", st.ConversationID),
			zap.Error(err))
	}
}
