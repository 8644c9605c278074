package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/persistence"
)

// DefinitionRepository handles workflow definition database operations.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDefinitionRepository creates a new definition repository.
func NewDefinitionRepository(db *sql.DB, logger *slog.Logger) *DefinitionRepository {
	return &DefinitionRepository{db: db, logger: logger}
}

const definitionColumns = `
	id
  , key
  , name
  , description
  , entity_type
  , status
  , current_version_id
  , priority
  , max_concurrent_instances
  , default_timeout_minutes
  , created_at
  , updated_at
  , archived_at
`

func (r *DefinitionRepository) Create(ctx context.Context, definition *models.WorkflowDefinition) error {
	query := `
		INSERT INTO workflow_definitions (` + definitionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(ctx, query,
		definition.ID,
		definition.Key,
		definition.Name,
		definition.Description,
		definition.EntityType,
		definition.Status,
		nullString(definition.CurrentVersionID),
		definition.Priority,
		definition.MaxConcurrentInstances,
		definition.DefaultTimeoutMinutes,
		definition.CreatedAt,
		definition.UpdatedAt,
		definition.ArchivedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return persistence.NewDefinitionError("Create", definition.Key, persistence.ErrDefinitionKeyExists)
		}

		return fmt.Errorf("failed to insert definition: %w", err)
	}

	return nil
}

func (r *DefinitionRepository) Update(ctx context.Context, definition *models.WorkflowDefinition) error {
	query := `
		UPDATE workflow_definitions SET
			name = $2,
			description = $3,
			entity_type = $4,
			status = $5,
			current_version_id = $6,
			priority = $7,
			max_concurrent_instances = $8,
			default_timeout_minutes = $9,
			updated_at = $10,
			archived_at = $11
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		definition.ID,
		definition.Name,
		definition.Description,
		definition.EntityType,
		definition.Status,
		nullString(definition.CurrentVersionID),
		definition.Priority,
		definition.MaxConcurrentInstances,
		definition.DefaultTimeoutMinutes,
		definition.UpdatedAt,
		definition.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update definition: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.NewDefinitionError("Update", definition.ID, persistence.ErrDefinitionNotFound)
	}

	return nil
}

func (r *DefinitionRepository) ByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE id = $1`

	definition, err := r.scanDefinition(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDefinitionError("ByID", id, persistence.ErrDefinitionNotFound)
		}

		return nil, fmt.Errorf("failed to scan definition: %w", err)
	}

	return definition, nil
}

func (r *DefinitionRepository) ByKey(ctx context.Context, key string) (*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE key = $1`

	definition, err := r.scanDefinition(r.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDefinitionError("ByKey", key, persistence.ErrDefinitionNotFound)
		}

		return nil, fmt.Errorf("failed to scan definition: %w", err)
	}

	return definition, nil
}

func (r *DefinitionRepository) List(ctx context.Context, filter persistence.DefinitionFilter) ([]*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE 1=1`
	args := make([]any, 0, 2)

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		query += fmt.Sprintf(" AND entity_type = $%d", len(args))
	}

	query += " ORDER BY key"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	definitions := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		definition, err := r.scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}

		definitions = append(definitions, definition)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}

	return definitions, nil
}

func (r *DefinitionRepository) scanDefinition(scanner interface {
	Scan(dest ...any) error
}) (*models.WorkflowDefinition, error) {
	var (
		definition       models.WorkflowDefinition
		currentVersionID sql.NullString
	)

	err := scanner.Scan(
		&definition.ID,
		&definition.Key,
		&definition.Name,
		&definition.Description,
		&definition.EntityType,
		&definition.Status,
		&currentVersionID,
		&definition.Priority,
		&definition.MaxConcurrentInstances,
		&definition.DefaultTimeoutMinutes,
		&definition.CreatedAt,
		&definition.UpdatedAt,
		&definition.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}

	definition.CurrentVersionID = currentVersionID.String

	return &definition, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
