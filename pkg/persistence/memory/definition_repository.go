package memory

import (
	"context"
	"sort"

	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/persistence"
)

type definitionRepository struct {
	store *Store
}

func (r *definitionRepository) Create(_ context.Context, definition *models.WorkflowDefinition) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, existing := range r.store.definitions {
		if existing.Key == definition.Key {
			return persistence.NewDefinitionError("Create", definition.Key, persistence.ErrDefinitionKeyExists)
		}
	}

	r.store.definitions[definition.ID] = clone(definition)

	return nil
}

func (r *definitionRepository) Update(_ context.Context, definition *models.WorkflowDefinition) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.definitions[definition.ID]; !ok {
		return persistence.NewDefinitionError("Update", definition.ID, persistence.ErrDefinitionNotFound)
	}

	r.store.definitions[definition.ID] = clone(definition)

	return nil
}

func (r *definitionRepository) ByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	definition, ok := r.store.definitions[id]
	if !ok {
		return nil, persistence.NewDefinitionError("ByID", id, persistence.ErrDefinitionNotFound)
	}

	return clone(definition), nil
}

func (r *definitionRepository) ByKey(_ context.Context, key string) (*models.WorkflowDefinition, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, definition := range r.store.definitions {
		if definition.Key == key {
			return clone(definition), nil
		}
	}

	return nil, persistence.NewDefinitionError("ByKey", key, persistence.ErrDefinitionNotFound)
}

func (r *definitionRepository) List(_ context.Context, filter persistence.DefinitionFilter) ([]*models.WorkflowDefinition, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	result := make([]*models.WorkflowDefinition, 0, len(r.store.definitions))

	for _, definition := range r.store.definitions {
		if filter.Status != "" && definition.Status != filter.Status {
			continue
		}

		if filter.EntityType != "" && definition.EntityType != filter.EntityType {
			continue
		}

		result = append(result, clone(definition))
	}

	sort.Slice(result, func(a, b int) bool { return result[a].Key < result[b].Key })

	return result, nil
}

type versionRepository struct {
	store *Store
}

func (r *versionRepository) Create(_ context.Context, version *models.WorkflowVersion) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.versions[version.ID] = clone(version)

	return nil
}

func (r *versionRepository) Update(_ context.Context, version *models.WorkflowVersion) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	existing, ok := r.store.versions[version.ID]
	if !ok {
		return persistence.ErrVersionNotFound
	}

	if existing.Status != models.VersionStatusDraft {
		return persistence.ErrVersionImmutable
	}

	r.store.versions[version.ID] = clone(version)

	return nil
}

func (r *versionRepository) ByID(_ context.Context, id string) (*models.WorkflowVersion, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	version, ok := r.store.versions[id]
	if !ok {
		return nil, persistence.ErrVersionNotFound
	}

	return clone(version), nil
}

func (r *versionRepository) ByNumber(_ context.Context, definitionID string, number int) (*models.WorkflowVersion, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, version := range r.store.versions {
		if version.DefinitionID == definitionID && version.Number == number {
			return clone(version), nil
		}
	}

	return nil, persistence.ErrVersionNotFound
}

func (r *versionRepository) ByDefinition(_ context.Context, definitionID string) ([]*models.WorkflowVersion, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	result := make([]*models.WorkflowVersion, 0)

	for _, version := range r.store.versions {
		if version.DefinitionID == definitionID {
			result = append(result, clone(version))
		}
	}

	sort.Slice(result, func(a, b int) bool { return result[a].Number < result[b].Number })

	return result, nil
}
