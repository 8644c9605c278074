package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/persistence"
)

// TaskRepository handles human task database operations.
type TaskRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTaskRepository creates a new task repository.
func NewTaskRepository(db *sql.DB, logger *slog.Logger) *TaskRepository {
	return &TaskRepository{db: db, logger: logger}
}

const taskColumns = `
	id
  , instance_id
  , branch_id
  , node_key
  , name
  , status
  , assignee_user_id
  , assignee_group_id
  , assignee_role
  , priority
  , due_at
  , form_schema
  , form_data
  , actions
  , claimed_by
  , claimed_at
  , completed_by
  , completed_at
  , output
  , created_at
  , updated_at
`

func (r *TaskRepository) ByID(ctx context.Context, id string) (*models.WorkflowTask, error) {
	query := `SELECT ` + taskColumns + ` FROM workflow_tasks WHERE id = $1`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTaskError("ByID", id, persistence.ErrTaskNotFound)
		}

		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	return task, nil
}

func (r *TaskRepository) List(ctx context.Context, filter persistence.TaskFilter) ([]*models.WorkflowTask, error) {
	query := `SELECT ` + taskColumns + ` FROM workflow_tasks WHERE 1=1`
	args := make([]any, 0, 8)

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	if filter.InstanceID != "" {
		args = append(args, filter.InstanceID)
		query += fmt.Sprintf(" AND instance_id = $%d", len(args))
	}

	if filter.UserID != "" || len(filter.Roles) > 0 || len(filter.GroupIDs) > 0 {
		clauses := ""
		args = append(args, filter.UserID)
		userArg := len(args)
		clauses += fmt.Sprintf("assignee_user_id = $%d OR claimed_by = $%d", userArg, userArg)

		args = append(args, pq.Array(filter.Roles))
		clauses += fmt.Sprintf(" OR assignee_role = ANY($%d)", len(args))

		args = append(args, pq.Array(filter.GroupIDs))
		clauses += fmt.Sprintf(" OR assignee_group_id = ANY($%d)", len(args))

		query += " AND (" + clauses + ")"
	}

	query += " ORDER BY priority DESC, due_at ASC NULLS LAST, created_at ASC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	tasks := make([]*models.WorkflowTask, 0)

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

func (r *TaskRepository) Claim(ctx context.Context, taskID, userID string, now time.Time) (*models.WorkflowTask, error) {
	query := `
		UPDATE workflow_tasks SET
			status = 'claimed',
			claimed_by = $2,
			claimed_at = $3,
			updated_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + taskColumns

	task, err := scanTask(r.db.QueryRowContext(ctx, query, taskID, userID, now))
	if err == nil {
		return task, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	// The conditional update matched nothing; look at the current state to
	// report why.
	existing, err := r.ByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch existing.Status {
	case models.TaskStatusCompleted:
		return nil, persistence.NewTaskError("Claim", taskID, persistence.ErrTaskAlreadyCompleted)
	case models.TaskStatusClaimed:
		if existing.ClaimedBy == userID {
			return existing, nil
		}

		return nil, persistence.NewTaskError("Claim", taskID, persistence.ErrTaskAlreadyClaimed)
	default:
		return nil, persistence.NewTaskError("Claim", taskID, persistence.ErrTaskAlreadyClaimed)
	}
}

func upsertTask(ctx context.Context, ec execContext, task *models.WorkflowTask) error {
	formSchemaJSON, err := marshalOptionalMap("form schema", task.FormSchema)
	if err != nil {
		return err
	}

	formDataJSON, err := marshalOptionalMap("form data", task.FormData)
	if err != nil {
		return err
	}

	outputJSON, err := marshalOptionalMap("task output", task.Output)
	if err != nil {
		return err
	}

	var actionsJSON []byte

	if task.Actions != nil {
		actionsJSON, err = json.Marshal(task.Actions)
		if err != nil {
			return fmt.Errorf("failed to marshal task actions: %w", err)
		}
	}

	// The conflict branch refuses to touch a completed task, so racing
	// completions collapse to one winner at the row level.
	query := `
		INSERT INTO workflow_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			claimed_by = EXCLUDED.claimed_by,
			claimed_at = EXCLUDED.claimed_at,
			completed_by = EXCLUDED.completed_by,
			completed_at = EXCLUDED.completed_at,
			form_data = EXCLUDED.form_data,
			output = EXCLUDED.output,
			updated_at = EXCLUDED.updated_at
		WHERE workflow_tasks.status != 'completed'
	`

	result, err := ec.ExecContext(ctx, query,
		task.ID,
		task.InstanceID,
		task.BranchID,
		task.NodeKey,
		task.Name,
		task.Status,
		task.Assignment.UserID,
		task.Assignment.GroupID,
		task.Assignment.Role,
		task.Priority,
		task.DueAt,
		formSchemaJSON,
		formDataJSON,
		actionsJSON,
		task.ClaimedBy,
		task.ClaimedAt,
		task.CompletedBy,
		task.CompletedAt,
		outputJSON,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.NewTaskError("CommitStep", task.ID, persistence.ErrTaskAlreadyCompleted)
	}

	return nil
}

func marshalOptionalMap(name string, value map[string]any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	return data, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*models.WorkflowTask, error) {
	var (
		task                         models.WorkflowTask
		formSchemaJSON, formDataJSON []byte
		actionsJSON, outputJSON      []byte
	)

	err := scanner.Scan(
		&task.ID,
		&task.InstanceID,
		&task.BranchID,
		&task.NodeKey,
		&task.Name,
		&task.Status,
		&task.Assignment.UserID,
		&task.Assignment.GroupID,
		&task.Assignment.Role,
		&task.Priority,
		&task.DueAt,
		&formSchemaJSON,
		&formDataJSON,
		&actionsJSON,
		&task.ClaimedBy,
		&task.ClaimedAt,
		&task.CompletedBy,
		&task.CompletedAt,
		&outputJSON,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	unmarshal := func(name string, data []byte, dest any) error {
		if data == nil {
			return nil
		}

		if err := json.Unmarshal(data, dest); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", name, err)
		}

		return nil
	}

	if err := unmarshal("form schema", formSchemaJSON, &task.FormSchema); err != nil {
		return nil, err
	}

	if err := unmarshal("form data", formDataJSON, &task.FormData); err != nil {
		return nil, err
	}

	if err := unmarshal("task actions", actionsJSON, &task.Actions); err != nil {
		return nil, err
	}

	if err := unmarshal("task output", outputJSON, &task.Output); err != nil {
		return nil, err
	}

	return &task, nil
}
