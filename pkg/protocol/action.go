package protocol

import (
	"context"
	"log/slog"

	"github.com/vantagecrm/relay/pkg/models"
)

// Action executes one visit to an executable workflow node. The returned
// value becomes the node's output and is merged into instance state under
// the node key.
type Action interface {
	Execute(ctx context.Context, executionCtx models.ExecutionContext, logger *slog.Logger) (any, error)
}

// ActionFactory builds actions from node configuration.
type ActionFactory interface {
	// ID returns the handler type the factory is registered under.
	ID() string

	// Schema returns the JSON schema node configs are validated against
	// when a version is published.
	Schema() map[string]any

	Create(config map[string]any) (Action, error)
}
