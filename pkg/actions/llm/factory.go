package llm

import (
	"github.com/vantagecrm/relay/pkg/protocol"
)

// ActionFactory creates completion actions.
type ActionFactory struct{}

func NewActionFactory() *ActionFactory {
	return &ActionFactory{}
}

func (f *ActionFactory) ID() string {
	return "llm_action"
}

func (f *ActionFactory) Create(config map[string]any) (protocol.Action, error) {
	return NewAction(config)
}

// Schema returns the JSON schema for node configuration.
func (f *ActionFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"endpoint": map[string]any{
				"type":        "string",
				"description": "Chat completions endpoint URL",
			},
			"model": map[string]any{
				"type":        "string",
				"description": "Model identifier passed through to the endpoint",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "User prompt. Supports templating against instance state.",
			},
			"system": map[string]any{
				"type":        "string",
				"description": "Optional system prompt. Supports templating.",
			},
			"max_tokens": map[string]any{
				"type":    "integer",
				"minimum": 1,
			},
			"temperature": map[string]any{
				"type":    "number",
				"minimum": 0,
				"maximum": 2,
			},
			"api_key_env": map[string]any{
				"type":        "string",
				"description": "Environment variable holding the bearer token",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"default":     defaultTimeoutSeconds,
				"minimum":     1,
				"description": "Per-request timeout in seconds",
			},
			"handler": map[string]any{
				"type": "string",
			},
		},
		"required":             []string{"endpoint", "prompt"},
		"additionalProperties": false,
	}
}
