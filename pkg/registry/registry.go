// Package registry maps handler types to the action factories that build
// them, and validates node configuration against each factory's schema.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/vantagecrm/relay/pkg/protocol"
)

// ErrUnknownHandler is returned when a handler type has no registered factory.
var ErrUnknownHandler = errors.New("handler type not registered")

type Registry struct {
	logger    *slog.Logger
	factories map[string]protocol.ActionFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger.With("module", "registry"),
		factories: make(map[string]protocol.ActionFactory),
	}
}

// Register adds a factory under its handler type, replacing any previous
// registration.
func (r *Registry) Register(factory protocol.ActionFactory) {
	r.factories[factory.ID()] = factory
}

// CreateAction builds an action for the given handler type from node
// configuration.
func (r *Registry) CreateAction(handlerType string, config map[string]any) (protocol.Action, error) {
	factory, ok := r.factories[handlerType]
	if !ok {
		return nil, fmt.Errorf("handler type '%s': %w", handlerType, ErrUnknownHandler)
	}

	return factory.Create(config)
}

// ValidateConfig checks node configuration against the factory's JSON
// schema. Used at publish time so bad configs never reach the executor.
func (r *Registry) ValidateConfig(handlerType string, config map[string]any) error {
	factory, ok := r.factories[handlerType]
	if !ok {
		return fmt.Errorf("handler type '%s': %w", handlerType, ErrUnknownHandler)
	}

	schema := factory.Schema()
	if schema == nil {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(config)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("failed to validate config for handler '%s': %w", handlerType, err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, resultError := range result.Errors() {
			details = append(details, resultError.String())
		}

		return fmt.Errorf("config for handler '%s' is invalid: %s", handlerType, strings.Join(details, "; "))
	}

	return nil
}

// HealthCheck reports whether the registry is able to build actions.
func (r *Registry) HealthCheck() (string, bool) {
	if len(r.factories) == 0 {
		return "no action factories registered", false
	}

	return fmt.Sprintf("%d action factories registered", len(r.factories)), true
}

// HandlerTypes returns the registered handler types in sorted order.
func (r *Registry) HandlerTypes() []string {
	types := make([]string, 0, len(r.factories))
	for handlerType := range r.factories {
		types = append(types, handlerType)
	}

	sort.Strings(types)

	return types
}
