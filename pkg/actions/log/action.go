// Package log provides a diagnostic action that writes a templated message
// to the worker log.
package log

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/protocol"
	"github.com/vantagecrm/relay/pkg/template"
)

type ActionFactory struct{}

func NewActionFactory() *ActionFactory {
	return &ActionFactory{}
}

func (f *ActionFactory) ID() string {
	return "log"
}

func (f *ActionFactory) Create(config map[string]any) (protocol.Action, error) {
	if config == nil {
		config = map[string]any{}
	}

	return NewAction(config), nil
}

func (f *ActionFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "Message to log. Supports templating against instance state.",
			},
			"level": map[string]any{
				"type":    "string",
				"default": "info",
				"enum":    []string{"debug", "info", "warn", "error"},
			},
			"handler": map[string]any{
				"type": "string",
			},
		},
		"additionalProperties": false,
	}
}

// Action logs a message rendered from instance state.
type Action struct {
	Message string
	Level   slog.Level
}

func NewAction(config map[string]any) *Action {
	message, _ := config["message"].(string)

	level := slog.LevelInfo

	switch config["level"] {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	return &Action{Message: message, Level: level}
}

func (a *Action) Execute(ctx context.Context, executionCtx models.ExecutionContext, logger *slog.Logger) (any, error) {
	logger = logger.With("module", "log_action")

	rendered, err := template.RenderWithContext(a.Message, &executionCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to render log message: %w", err)
	}

	message := fmt.Sprintf("%v", rendered)

	logger.Log(ctx, a.Level, message,
		"instance_id", executionCtx.InstanceID,
		"node_key", executionCtx.NodeKey,
	)

	return map[string]any{"message": message}, nil
}
