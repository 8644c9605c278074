// Package models defines the core domain models for the workflow orchestration engine.
package models

import "time"

// DefinitionStatus represents the lifecycle state of a workflow definition.
type DefinitionStatus string

const (
	DefinitionStatusDraft    DefinitionStatus = "draft"    // Editable, not triggerable
	DefinitionStatusActive   DefinitionStatus = "active"   // Triggerable via its published version
	DefinitionStatusPaused   DefinitionStatus = "paused"   // Temporarily not triggerable
	DefinitionStatusArchived DefinitionStatus = "archived" // Retired, kept for instance history
)

// WorkflowDefinition is the logical identity of a workflow: a named, versioned
// template bound to one CRM entity type. The executable graph lives in its
// versions; the definition only tracks which version is current.
type WorkflowDefinition struct {
	ID          string           `json:"id"`
	Key         string           `json:"key"         validate:"required,min=2"`
	Name        string           `json:"name"        validate:"required,min=3"`
	Description string           `json:"description"`
	EntityType  string           `json:"entity_type" validate:"required"`
	Status      DefinitionStatus `json:"status"`

	// CurrentVersionID points at the published version used for new instances.
	// Empty until a version has been published.
	CurrentVersionID string `json:"current_version_id,omitempty"`

	Priority int `json:"priority"`

	// MaxConcurrentInstances caps live instances per definition. Zero means
	// unbounded.
	MaxConcurrentInstances int `json:"max_concurrent_instances"`

	// DefaultTimeoutMinutes bounds total instance runtime. Zero disables the
	// instance-level deadline.
	DefaultTimeoutMinutes int `json:"default_timeout_minutes"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// IsTriggerable reports whether new instances may be started from this
// definition.
func (d *WorkflowDefinition) IsTriggerable() bool {
	return d.Status == DefinitionStatusActive && d.CurrentVersionID != ""
}
