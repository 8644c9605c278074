package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/persistence"
	"github.com/vantagecrm/relay/pkg/registry"
)

// Definitions handles workflow definition and version authoring: drafts,
// publishing and the definition lifecycle.
type Definitions struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	validator   *validator.Validate
}

func NewDefinitions(p persistence.Persistence, reg *registry.Registry) *Definitions {
	return &Definitions{
		persistence: p,
		registry:    reg,
		validator:   validator.New(),
	}
}

// CreateDefinitionRequest carries the fields of a new definition. The first
// draft version (number 1, empty graph) is created along with it.
type CreateDefinitionRequest struct {
	Key                    string `json:"key"         validate:"required,min=2,max=64"`
	Name                   string `json:"name"        validate:"required,min=3,max=255"`
	Description            string `json:"description" validate:"max=2000"`
	EntityType             string `json:"entity_type" validate:"required,min=2,max=64"`
	Priority               int    `json:"priority"`
	MaxConcurrentInstances int    `json:"max_concurrent_instances" validate:"min=0"`
	DefaultTimeoutMinutes  int    `json:"default_timeout_minutes"  validate:"min=0"`
}

func (s *Definitions) Create(ctx context.Context, req CreateDefinitionRequest) (*models.WorkflowDefinition, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}

	now := time.Now().UTC()

	definition := &models.WorkflowDefinition{
		ID:                     uuid.New().String(),
		Key:                    strings.TrimSpace(req.Key),
		Name:                   req.Name,
		Description:            req.Description,
		EntityType:             req.EntityType,
		Status:                 models.DefinitionStatusDraft,
		Priority:               req.Priority,
		MaxConcurrentInstances: req.MaxConcurrentInstances,
		DefaultTimeoutMinutes:  req.DefaultTimeoutMinutes,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	if err := s.persistence.Definitions().Create(ctx, definition); err != nil {
		return nil, fmt.Errorf("failed to create definition: %w", err)
	}

	version := &models.WorkflowVersion{
		ID:           uuid.New().String(),
		DefinitionID: definition.ID,
		Number:       1,
		Status:       models.VersionStatusDraft,
		Nodes:        []*models.WorkflowNode{},
		Transitions:  []*models.WorkflowTransition{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.persistence.Versions().Create(ctx, version); err != nil {
		return nil, fmt.Errorf("failed to create initial draft version: %w", err)
	}

	return definition, nil
}

// UpdateDefinitionRequest carries the mutable definition fields. Key and
// entity type are fixed at creation.
type UpdateDefinitionRequest struct {
	Name                   string `json:"name"        validate:"required,min=3,max=255"`
	Description            string `json:"description" validate:"max=2000"`
	Priority               int    `json:"priority"`
	MaxConcurrentInstances int    `json:"max_concurrent_instances" validate:"min=0"`
	DefaultTimeoutMinutes  int    `json:"default_timeout_minutes"  validate:"min=0"`
}

func (s *Definitions) Update(ctx context.Context, id string, req UpdateDefinitionRequest) (*models.WorkflowDefinition, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}

	definition, err := s.persistence.Definitions().ByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if definition.Status == models.DefinitionStatusArchived {
		return nil, fmt.Errorf("%w: archived definitions are read-only", ErrInvalidStateTransition)
	}

	definition.Name = req.Name
	definition.Description = req.Description
	definition.Priority = req.Priority
	definition.MaxConcurrentInstances = req.MaxConcurrentInstances
	definition.DefaultTimeoutMinutes = req.DefaultTimeoutMinutes
	definition.UpdatedAt = time.Now().UTC()

	if err := s.persistence.Definitions().Update(ctx, definition); err != nil {
		return nil, fmt.Errorf("failed to update definition: %w", err)
	}

	return definition, nil
}

func (s *Definitions) ByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return s.persistence.Definitions().ByID(ctx, id)
}

func (s *Definitions) ByKey(ctx context.Context, key string) (*models.WorkflowDefinition, error) {
	return s.persistence.Definitions().ByKey(ctx, key)
}

func (s *Definitions) List(ctx context.Context, filter persistence.DefinitionFilter) ([]*models.WorkflowDefinition, error) {
	return s.persistence.Definitions().List(ctx, filter)
}

func (s *Definitions) Versions(ctx context.Context, definitionID string) ([]*models.WorkflowVersion, error) {
	return s.persistence.Versions().ByDefinition(ctx, definitionID)
}

func (s *Definitions) Version(ctx context.Context, definitionID string, number int) (*models.WorkflowVersion, error) {
	return s.persistence.Versions().ByNumber(ctx, definitionID, number)
}

// UpdateVersionRequest replaces a draft version's graph.
type UpdateVersionRequest struct {
	Nodes       []*models.WorkflowNode       `json:"nodes"`
	Transitions []*models.WorkflowTransition `json:"transitions"`
	Layout      map[string]any               `json:"layout,omitempty"`
}

// UpdateDraftVersion replaces the graph of a draft version. Published and
// archived versions never mutate.
func (s *Definitions) UpdateDraftVersion(ctx context.Context, definitionID string, number int, req UpdateVersionRequest) (*models.WorkflowVersion, error) {
	version, err := s.persistence.Versions().ByNumber(ctx, definitionID, number)
	if err != nil {
		return nil, err
	}

	if version.Status != models.VersionStatusDraft {
		return nil, fmt.Errorf("%w: version %d is %s", ErrVersionNotDraft, number, version.Status)
	}

	for _, node := range req.Nodes {
		if err := s.validator.Struct(node); err != nil {
			return nil, fmt.Errorf("%w: node %q: %s", ErrInvalidRequest, node.Key, err)
		}
	}

	for _, transition := range req.Transitions {
		if err := s.validator.Struct(transition); err != nil {
			return nil, fmt.Errorf("%w: transition %s: %s", ErrInvalidRequest, transition.ID, err)
		}

		if transition.ID == "" {
			transition.ID = uuid.New().String()
		}
	}

	version.Nodes = req.Nodes
	version.Transitions = req.Transitions
	version.Layout = req.Layout
	version.UpdatedAt = time.Now().UTC()

	if err := s.persistence.Versions().Update(ctx, version); err != nil {
		return nil, fmt.Errorf("failed to update draft version: %w", err)
	}

	return version, nil
}

// NewDraftVersion creates the next draft version by copying the currently
// published graph. Running instances keep executing their pinned version.
func (s *Definitions) NewDraftVersion(ctx context.Context, definitionID string) (*models.WorkflowVersion, error) {
	definition, err := s.persistence.Definitions().ByID(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	if definition.CurrentVersionID == "" {
		return nil, ErrNoPublishedVersion
	}

	published, err := s.persistence.Versions().ByID(ctx, definition.CurrentVersionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load published version: %w", err)
	}

	versions, err := s.persistence.Versions().ByDefinition(ctx, definitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	next := 0
	for _, v := range versions {
		if v.Number > next {
			next = v.Number
		}

		if v.Status == models.VersionStatusDraft {
			return nil, fmt.Errorf("%w: draft version %d already exists", ErrInvalidStateTransition, v.Number)
		}
	}

	now := time.Now().UTC()

	draft := &models.WorkflowVersion{
		ID:           uuid.New().String(),
		DefinitionID: definitionID,
		Number:       next + 1,
		Status:       models.VersionStatusDraft,
		Nodes:        published.Nodes,
		Transitions:  published.Transitions,
		Layout:       published.Layout,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.persistence.Versions().Create(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to create draft version: %w", err)
	}

	return draft, nil
}

// PublishVersion validates a draft version's graph and node configurations,
// marks it published and points the definition at it. The previously
// published version is archived but kept for its running instances.
func (s *Definitions) PublishVersion(ctx context.Context, definitionID string, number int) (*models.WorkflowVersion, error) {
	definition, err := s.persistence.Definitions().ByID(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	version, err := s.persistence.Versions().ByNumber(ctx, definitionID, number)
	if err != nil {
		return nil, err
	}

	if version.Status != models.VersionStatusDraft {
		return nil, fmt.Errorf("%w: version %d is %s", ErrVersionNotDraft, number, version.Status)
	}

	result := models.ValidateGraph(version)
	if !result.Valid {
		messages := make([]string, 0, len(result.Findings))
		for _, finding := range result.Findings {
			messages = append(messages, finding.Message)
		}

		return nil, fmt.Errorf("%w: %s", ErrGraphInvalid, strings.Join(messages, "; "))
	}

	for _, node := range version.Nodes {
		if !node.ExecutesExternally() {
			continue
		}

		if node.Type == models.NodeTypeTrigger {
			if _, configured := node.Config["handler"]; !configured {
				continue
			}
		}

		if err := s.registry.ValidateConfig(node.HandlerType(), node.Config); err != nil {
			return nil, fmt.Errorf("%w: node %q: %s", ErrGraphInvalid, node.Key, err)
		}
	}

	now := time.Now().UTC()

	if definition.CurrentVersionID != "" {
		previous, err := s.persistence.Versions().ByID(ctx, definition.CurrentVersionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load previous version: %w", err)
		}

		previous.Status = models.VersionStatusArchived
		previous.UpdatedAt = now

		if err := s.persistence.Versions().Update(ctx, previous); err != nil {
			return nil, fmt.Errorf("failed to archive previous version: %w", err)
		}
	}

	version.Status = models.VersionStatusPublished
	version.PublishedAt = &now
	version.UpdatedAt = now

	if err := s.persistence.Versions().Update(ctx, version); err != nil {
		return nil, fmt.Errorf("failed to publish version: %w", err)
	}

	definition.CurrentVersionID = version.ID
	definition.UpdatedAt = now

	if err := s.persistence.Definitions().Update(ctx, definition); err != nil {
		return nil, fmt.Errorf("failed to point definition at published version: %w", err)
	}

	return version, nil
}

// Activate makes the definition triggerable. It requires a published version.
func (s *Definitions) Activate(ctx context.Context, definitionID string) (*models.WorkflowDefinition, error) {
	return s.transition(ctx, definitionID, models.DefinitionStatusActive, func(d *models.WorkflowDefinition) error {
		if d.CurrentVersionID == "" {
			return ErrNoPublishedVersion
		}

		if d.Status == models.DefinitionStatusArchived {
			return fmt.Errorf("%w: cannot activate archived definition", ErrInvalidStateTransition)
		}

		return nil
	})
}

// Pause stops new instances from starting. Running instances are unaffected.
func (s *Definitions) Pause(ctx context.Context, definitionID string) (*models.WorkflowDefinition, error) {
	return s.transition(ctx, definitionID, models.DefinitionStatusPaused, func(d *models.WorkflowDefinition) error {
		if d.Status != models.DefinitionStatusActive {
			return fmt.Errorf("%w: only active definitions can be paused", ErrInvalidStateTransition)
		}

		return nil
	})
}

// Archive retires the definition. Definitions are never hard-deleted; their
// versions stay readable for instance history.
func (s *Definitions) Archive(ctx context.Context, definitionID string) (*models.WorkflowDefinition, error) {
	return s.transition(ctx, definitionID, models.DefinitionStatusArchived, func(d *models.WorkflowDefinition) error {
		if d.Status == models.DefinitionStatusArchived {
			return fmt.Errorf("%w: definition already archived", ErrInvalidStateTransition)
		}

		return nil
	})
}

func (s *Definitions) transition(
	ctx context.Context,
	definitionID string,
	target models.DefinitionStatus,
	check func(*models.WorkflowDefinition) error,
) (*models.WorkflowDefinition, error) {
	definition, err := s.persistence.Definitions().ByID(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	if err := check(definition); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	definition.Status = target
	definition.UpdatedAt = now

	if target == models.DefinitionStatusArchived {
		definition.ArchivedAt = &now
	}

	if err := s.persistence.Definitions().Update(ctx, definition); err != nil {
		return nil, fmt.Errorf("failed to update definition status: %w", err)
	}

	return definition, nil
}
