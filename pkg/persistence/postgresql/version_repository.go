package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/persistence"
)

// VersionRepository handles workflow version database operations. The graph
// payload (nodes, transitions, layout) is stored as JSONB: versions are read
// whole and, once published, never change.
type VersionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewVersionRepository creates a new version repository.
func NewVersionRepository(db *sql.DB, logger *slog.Logger) *VersionRepository {
	return &VersionRepository{db: db, logger: logger}
}

const versionColumns = `
	id
  , definition_id
  , number
  , status
  , nodes
  , transitions
  , layout
  , created_at
  , updated_at
  , published_at
`

func (r *VersionRepository) Create(ctx context.Context, version *models.WorkflowVersion) error {
	nodesJSON, transitionsJSON, layoutJSON, err := marshalGraph(version)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_versions (` + versionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.db.ExecContext(ctx, query,
		version.ID,
		version.DefinitionID,
		version.Number,
		version.Status,
		nodesJSON,
		transitionsJSON,
		layoutJSON,
		version.CreatedAt,
		version.UpdatedAt,
		version.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}

	return nil
}

func (r *VersionRepository) Update(ctx context.Context, version *models.WorkflowVersion) error {
	nodesJSON, transitionsJSON, layoutJSON, err := marshalGraph(version)
	if err != nil {
		return err
	}

	// Drafts are the only editable versions. The status guard in the WHERE
	// clause enforces immutability at the storage layer.
	query := `
		UPDATE workflow_versions SET
			status = $2,
			nodes = $3,
			transitions = $4,
			layout = $5,
			updated_at = $6,
			published_at = $7
		WHERE id = $1 AND status = 'draft'
	`

	result, err := r.db.ExecContext(ctx, query,
		version.ID,
		version.Status,
		nodesJSON,
		transitionsJSON,
		layoutJSON,
		version.UpdatedAt,
		version.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update version: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		var exists bool

		err := r.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM workflow_versions WHERE id = $1)", version.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check version existence: %w", err)
		}

		if exists {
			return persistence.ErrVersionImmutable
		}

		return persistence.ErrVersionNotFound
	}

	return nil
}

func (r *VersionRepository) ByID(ctx context.Context, id string) (*models.WorkflowVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM workflow_versions WHERE id = $1`

	version, err := r.scanVersion(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrVersionNotFound
		}

		return nil, fmt.Errorf("failed to scan version: %w", err)
	}

	return version, nil
}

func (r *VersionRepository) ByNumber(ctx context.Context, definitionID string, number int) (*models.WorkflowVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM workflow_versions WHERE definition_id = $1 AND number = $2`

	version, err := r.scanVersion(r.db.QueryRowContext(ctx, query, definitionID, number))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrVersionNotFound
		}

		return nil, fmt.Errorf("failed to scan version: %w", err)
	}

	return version, nil
}

func (r *VersionRepository) ByDefinition(ctx context.Context, definitionID string) ([]*models.WorkflowVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM workflow_versions WHERE definition_id = $1 ORDER BY number`

	rows, err := r.db.QueryContext(ctx, query, definitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	versions := make([]*models.WorkflowVersion, 0)

	for rows.Next() {
		version, err := r.scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}

		versions = append(versions, version)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	return versions, nil
}

func (r *VersionRepository) scanVersion(scanner interface {
	Scan(dest ...any) error
}) (*models.WorkflowVersion, error) {
	var (
		version                               models.WorkflowVersion
		nodesJSON, transitionsJSON, layoutJSON []byte
	)

	err := scanner.Scan(
		&version.ID,
		&version.DefinitionID,
		&version.Number,
		&version.Status,
		&nodesJSON,
		&transitionsJSON,
		&layoutJSON,
		&version.CreatedAt,
		&version.UpdatedAt,
		&version.PublishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(nodesJSON, &version.Nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
	}

	if err := json.Unmarshal(transitionsJSON, &version.Transitions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transitions: %w", err)
	}

	if layoutJSON != nil {
		if err := json.Unmarshal(layoutJSON, &version.Layout); err != nil {
			return nil, fmt.Errorf("failed to unmarshal layout: %w", err)
		}
	}

	return &version, nil
}

func marshalGraph(version *models.WorkflowVersion) (nodes, transitions, layout []byte, err error) {
	nodes, err = json.Marshal(version.Nodes)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal nodes: %w", err)
	}

	transitions, err = json.Marshal(version.Transitions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal transitions: %w", err)
	}

	if version.Layout != nil {
		layout, err = json.Marshal(version.Layout)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal layout: %w", err)
		}
	}

	return nodes, transitions, layout, nil
}
