package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/vantagecrm/relay/pkg/models"
)

// execContext is the common surface of *sql.DB and *sql.Tx the write helpers
// need.
type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NodeInstanceRepository reads node execution history. Records are written by
// InstanceRepository.CommitStep inside the step transaction.
type NodeInstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewNodeInstanceRepository creates a new node instance repository.
func NewNodeInstanceRepository(db *sql.DB, logger *slog.Logger) *NodeInstanceRepository {
	return &NodeInstanceRepository{db: db, logger: logger}
}

func (r *NodeInstanceRepository) ByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowNodeInstance, error) {
	query := `
		SELECT
			id
		  , instance_id
		  , node_key
		  , node_type
		  , status
		  , execution_sequence
		  , attempt
		  , worker_id
		  , output
		  , error
		  , started_at
		  , completed_at
		  , duration_ms
		FROM workflow_node_instances
		WHERE instance_id = $1
		ORDER BY execution_sequence
	`

	rows, err := r.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query node instances: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	records := make([]*models.WorkflowNodeInstance, 0)

	for rows.Next() {
		var (
			record     models.WorkflowNodeInstance
			outputJSON []byte
		)

		err := rows.Scan(
			&record.ID,
			&record.InstanceID,
			&record.NodeKey,
			&record.NodeType,
			&record.Status,
			&record.ExecutionSequence,
			&record.Attempt,
			&record.WorkerID,
			&outputJSON,
			&record.Error,
			&record.StartedAt,
			&record.CompletedAt,
			&record.DurationMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node instance: %w", err)
		}

		if outputJSON != nil {
			if err := json.Unmarshal(outputJSON, &record.Output); err != nil {
				return nil, fmt.Errorf("failed to unmarshal node instance output: %w", err)
			}
		}

		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node instances: %w", err)
	}

	return records, nil
}

func upsertNodeInstance(ctx context.Context, ec execContext, record *models.WorkflowNodeInstance) error {
	var outputJSON []byte

	if record.Output != nil {
		data, err := json.Marshal(record.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal node instance output: %w", err)
		}

		outputJSON = data
	}

	query := `
		INSERT INTO workflow_node_instances (
			id, instance_id, node_key, node_type, status, execution_sequence,
			attempt, worker_id, output, error, started_at, completed_at, duration_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempt = EXCLUDED.attempt,
			worker_id = EXCLUDED.worker_id,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms
	`

	_, err := ec.ExecContext(ctx, query,
		record.ID,
		record.InstanceID,
		record.NodeKey,
		record.NodeType,
		record.Status,
		record.ExecutionSequence,
		record.Attempt,
		record.WorkerID,
		outputJSON,
		record.Error,
		record.StartedAt,
		record.CompletedAt,
		record.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to save node instance: %w", err)
	}

	return nil
}
