package main

import (
	"context"

	"github.com/fyrsmithlabs/dispatchd/internal/engine"
	"github.com/fyrsmithlabs/dispatchd/internal/middleware"
	"github.com/fyrsmithlabs/dispatchd/internal/work"
)

// registerHandlers installs the built-in handlers. Deployments embedding
// dispatchd as a library register their own through Engine.Router.
func registerHandlers(eng *engine.Engine) {
	// The default handler acknowledges the unit and reflects its input,
	// recording what the conversation has seen so far.
	_ = eng.Router().Register(eng.DefaultHandler(), func(ctx context.Context, unit *work.Unit, d work.Delegation) (*work.HandlerResult, error) {
		output := map[string]any{
			"acknowledged": true,
			"input_keys":   len(unit.Input),
		}
		if st := middleware.StateFromContext(ctx); st != nil {
			st.Values["last_unit_id"] = unit.ID
			output["prior_cost"] = st.AccruedCost
		}
		return &work.HandlerResult{Output: output}, nil
	})
}
