package models

import "log/slog"

// ExecutionContext carries the data a node handler may read while executing
// one node visit. The engine passes payloads through without interpreting
// them; handlers own the meaning of Config, Input and State contents.
type ExecutionContext struct {
	InstanceID   string
	DefinitionID string
	EntityType   string
	EntityID     string
	TriggerEvent string
	NodeKey      string
	Attempt      int

	Input map[string]any
	State map[string]any

	Logger *slog.Logger
}

// WithLogger returns a copy of the context using the given logger.
func (c *ExecutionContext) WithLogger(logger *slog.Logger) *ExecutionContext {
	clone := *c
	clone.Logger = logger

	return &clone
}
