package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/vantagecrm/relay/pkg/models"
)

// LogRepository handles the append-only audit log.
type LogRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLogRepository creates a new log repository.
func NewLogRepository(db *sql.DB, logger *slog.Logger) *LogRepository {
	return &LogRepository{db: db, logger: logger}
}

func (r *LogRepository) Append(ctx context.Context, entry *models.WorkflowLog) error {
	return insertLog(ctx, r.db, entry)
}

func (r *LogRepository) ByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowLog, error) {
	query := `
		SELECT id, instance_id, node_key, kind, message, details, actor, created_at
		FROM workflow_logs
		WHERE instance_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	entries := make([]*models.WorkflowLog, 0)

	for rows.Next() {
		var (
			entry       models.WorkflowLog
			detailsJSON []byte
		)

		err := rows.Scan(
			&entry.ID,
			&entry.InstanceID,
			&entry.NodeKey,
			&entry.Kind,
			&entry.Message,
			&detailsJSON,
			&entry.Actor,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}

		if detailsJSON != nil {
			if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal log details: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating logs: %w", err)
	}

	return entries, nil
}

func insertLog(ctx context.Context, ec execContext, entry *models.WorkflowLog) error {
	detailsJSON, err := marshalOptionalMap("log details", entry.Details)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_logs (id, instance_id, node_key, kind, message, details, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = ec.ExecContext(ctx, query,
		entry.ID,
		entry.InstanceID,
		entry.NodeKey,
		entry.Kind,
		entry.Message,
		detailsJSON,
		entry.Actor,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}

	return nil
}
