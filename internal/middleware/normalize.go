package middleware

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/logging"
)

// normalizeOutput enforces the output contract: a non-nil,
// JSON-serializable map with no reserved keys. A violating output is not
// an error; it is logged and wrapped under "raw" so downstream consumers
// always see a well-formed map.
func normalizeOutput(ctx context.Context, output map[string]any, logger *logging.Logger) map[string]any {
	if output == nil {
		return map[string]any{}
	}

	if _, reserved := output["delegated"]; reserved {
		logger.Warn(ctx, "handler output used reserved key, renaming",
			zap.String("key", "delegated"))
		output["handler_delegated"] = output["delegated"]
		delete(output, "delegated")
	}

	if _, err := json.Marshal(output); err != nil {
		logger.Warn(ctx, "handler output not serializable, wrapping raw",
			zap.Error(err))
		return map[string]any{"raw": fmt.Sprintf("%v", output)}
	}

	return output
}
