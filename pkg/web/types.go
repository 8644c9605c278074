// Package web provides the HTTP handlers and REST endpoints of the workflow
// API.
package web

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/vantagecrm/relay/pkg/services"
)

// CancelInstanceRequest carries the operator's reason for cancelling.
type CancelInstanceRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// CompleteTaskRequest carries the form output submitted with a task.
type CompleteTaskRequest struct {
	Output map[string]any `json:"output"`
}

// callerFromHeaders builds the caller identity from the gateway-injected
// identity headers. The API trusts the gateway; there is no token handling
// here.
func callerFromHeaders(c fiber.Ctx) services.Caller {
	return services.Caller{
		UserID:   c.Get("X-User-ID"),
		Roles:    splitHeader(c.Get("X-User-Roles")),
		GroupIDs: splitHeader(c.Get("X-User-Groups")),
	}
}

func splitHeader(value string) []string {
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")

	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// actor returns the identity recorded in audit logs for operator actions.
func actor(c fiber.Ctx) string {
	if userID := c.Get("X-User-ID"); userID != "" {
		return userID
	}

	return "api"
}
