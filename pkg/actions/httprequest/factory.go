package httprequest

import (
	"github.com/vantagecrm/relay/pkg/protocol"
)

// ActionFactory creates HTTP request actions.
type ActionFactory struct{}

func NewActionFactory() *ActionFactory {
	return &ActionFactory{}
}

func (f *ActionFactory) ID() string {
	return "http_request"
}

func (f *ActionFactory) Create(config map[string]any) (protocol.Action, error) {
	return NewAction(config)
}

// Schema returns the JSON schema for node configuration.
func (f *ActionFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to send the request to. Supports templating against instance state.",
				"examples": []string{
					"https://crm.internal/api/contacts/{{.entity.id}}",
					"{{.state.webhook.url}}/callback",
				},
			},
			"method": map[string]any{
				"type":        "string",
				"description": "HTTP method to use",
				"default":     "GET",
				"enum":        []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"},
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Headers to include. Values support templating.",
				"additionalProperties": map[string]any{
					"type": "string",
				},
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body. Supports templating for dynamic JSON or text content.",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Per-request timeout in seconds",
				"default":     defaultTimeoutSeconds,
				"minimum":     1,
			},
			"retry": map[string]any{
				"type":        "object",
				"description": "Transport-level retry for failed requests",
				"properties": map[string]any{
					"attempts": map[string]any{
						"type":    "integer",
						"minimum": 1,
						"maximum": 5,
					},
					"delay_seconds": map[string]any{
						"type":    "integer",
						"minimum": 0,
					},
				},
			},
			"handler": map[string]any{
				"type": "string",
			},
		},
		"required":             []string{"url"},
		"additionalProperties": false,
	}
}
