package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/persistence"
)

// InstanceRepository handles workflow instance database operations. Branch
// state lives in a JSONB column and is rewritten whole on every commit; the
// claim_ready and wake_at hint columns keep the worker claim scan a plain
// indexed query without peeking into the JSON.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInstanceRepository creates a new instance repository.
func NewInstanceRepository(db *sql.DB, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger}
}

const instanceColumns = `
	id
  , definition_id
  , version_id
  , entity_type
  , entity_id
  , trigger_event
  , status
  , branches
  , input
  , state
  , output
  , priority
  , revision
  , sequence
  , join_arrivals
  , is_cancelled
  , cancel_reason
  , error_message
  , error_trace
  , parent_id
  , parent_branch_id
  , scheduled_at
  , timeout_at
  , started_at
  , completed_at
  , created_at
  , updated_at
`

func (r *InstanceRepository) Create(ctx context.Context, instance *models.WorkflowInstance) error {
	fields, err := marshalInstance(instance)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	target := persistence.ClaimTarget(instance, now)
	wakeAt := instance.NextWakeAt(now)

	query := `
		INSERT INTO workflow_instances (` + instanceColumns + `, claim_ready, wake_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
	`

	_, err = r.db.ExecContext(ctx, query,
		instance.ID,
		instance.DefinitionID,
		instance.VersionID,
		instance.EntityType,
		instance.EntityID,
		instance.TriggerEvent,
		instance.Status,
		fields.branches,
		fields.input,
		fields.state,
		fields.output,
		instance.Priority,
		instance.Revision,
		instance.Sequence,
		fields.joinArrivals,
		instance.IsCancelled,
		instance.CancelReason,
		instance.ErrorMessage,
		instance.ErrorTrace,
		nullString(instance.ParentID),
		nullString(instance.ParentBranchID),
		instance.ScheduledAt,
		instance.TimeoutAt,
		instance.StartedAt,
		instance.CompletedAt,
		instance.CreatedAt,
		instance.UpdatedAt,
		target != nil,
		wakeAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}

	return nil
}

func (r *InstanceRepository) ByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = $1`

	instance, err := r.scanInstance(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewInstanceError("ByID", id, persistence.ErrInstanceNotFound)
		}

		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	return instance, nil
}

func (r *InstanceRepository) List(ctx context.Context, filter persistence.InstanceFilter) ([]*models.WorkflowInstance, int, error) {
	where := " WHERE 1=1"
	args := make([]any, 0, 6)

	if filter.DefinitionID != "" {
		args = append(args, filter.DefinitionID)
		where += fmt.Sprintf(" AND definition_id = $%d", len(args))
	}

	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		where += fmt.Sprintf(" AND entity_type = $%d", len(args))
	}

	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		where += fmt.Sprintf(" AND entity_id = $%d", len(args))
	}

	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflow_instances"+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count instances: %w", err)
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances` + where + orderBy(filter.SortBy, filter.SortOrder)

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
		return nil, 0, fmt.Errorf("failed to query instances: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	instances := make([]*models.WorkflowInstance, 0)

	for rows.Next() {
		instance, err := r.scanInstance(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan instance: %w", err)
		}

		instances = append(instances, instance)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, total, nil
}

// orderBy maps sort options to a SQL clause through an allowlist. The column
// name never comes from the caller's string.
func orderBy(sortBy, sortOrder string) string {
	column := "created_at"

	switch sortBy {
	case "updated_at", "priority":
		column = sortBy
	}

	direction := "DESC"
	if sortOrder == "asc" {
		direction = "ASC"
	}

	return " ORDER BY " + column + " " + direction
}

func (r *InstanceRepository) CountActive(ctx context.Context, definitionID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM workflow_instances
		WHERE definition_id = $1
		  AND status NOT IN ('completed', 'failed', 'cancelled', 'timed_out')
	`

	var count int

	err := r.db.QueryRowContext(ctx, query, definitionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active instances: %w", err)
	}

	return count, nil
}

func (r *InstanceRepository) CommitStep(ctx context.Context, instance *models.WorkflowInstance, commit *persistence.StepCommit) error {
	fields, err := marshalInstance(instance)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	newRevision := instance.Revision + 1
	updatedAt := now
	target := persistence.ClaimTarget(instance, now)
	wakeAt := instance.NextWakeAt(now)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		UPDATE workflow_instances SET
			status = $3,
			branches = $4,
			input = $5,
			state = $6,
			output = $7,
			priority = $8,
			revision = $9,
			sequence = $10,
			join_arrivals = $11,
			is_cancelled = $12,
			cancel_reason = $13,
			error_message = $14,
			error_trace = $15,
			scheduled_at = $16,
			timeout_at = $17,
			started_at = $18,
			completed_at = $19,
			updated_at = $20,
			claim_ready = $21,
			wake_at = $22
		WHERE id = $1 AND revision = $2
	`

	result, err := tx.ExecContext(ctx, query,
		instance.ID,
		instance.Revision,
		instance.Status,
		fields.branches,
		fields.input,
		fields.state,
		fields.output,
		instance.Priority,
		newRevision,
		instance.Sequence,
		fields.joinArrivals,
		instance.IsCancelled,
		instance.CancelReason,
		instance.ErrorMessage,
		instance.ErrorTrace,
		instance.ScheduledAt,
		instance.TimeoutAt,
		instance.StartedAt,
		instance.CompletedAt,
		updatedAt,
		target != nil,
		wakeAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		var exists bool

		err = tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM workflow_instances WHERE id = $1)", instance.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check instance existence: %w", err)
		}

		if exists {
			err = persistence.NewInstanceError("CommitStep", instance.ID, persistence.ErrStaleInstanceState)
		} else {
			err = persistence.NewInstanceError("CommitStep", instance.ID, persistence.ErrInstanceNotFound)
		}

		return err
	}

	if commit != nil {
		if err = r.applyStepRecords(ctx, tx, commit); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	instance.Revision = newRevision
	instance.UpdatedAt = updatedAt

	return nil
}

func (r *InstanceRepository) applyStepRecords(ctx context.Context, tx *sql.Tx, commit *persistence.StepCommit) error {
	for _, nodeInstance := range commit.NodeInstances {
		if err := upsertNodeInstance(ctx, tx, nodeInstance); err != nil {
			return err
		}
	}

	for _, task := range commit.Tasks {
		if err := upsertTask(ctx, tx, task); err != nil {
			return err
		}
	}

	for _, entry := range commit.Logs {
		if err := insertLog(ctx, tx, entry); err != nil {
			return err
		}
	}

	return nil
}

func (r *InstanceRepository) ClaimReady(ctx context.Context, workerID string, now time.Time, lease time.Duration, limit int) ([]persistence.ClaimedWork, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE status NOT IN ('completed', 'failed', 'cancelled', 'timed_out', 'paused')
		  AND (claim_ready OR (wake_at IS NOT NULL AND wake_at <= $1))
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query claimable instances: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	candidates := make([]*models.WorkflowInstance, 0, limit)

	for rows.Next() {
		instance, err := r.scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		candidates = append(candidates, instance)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimable instances: %w", err)
	}

	claims := make([]persistence.ClaimedWork, 0, len(candidates))
	leaseUntil := now.Add(lease)

	for _, instance := range candidates {
		branch := persistence.ClaimTarget(instance, now)
		if branch == nil {
			continue
		}

		// A running branch is only claimable when its lease expired, so any
		// such claim is a recovery, even by the worker that held the lease.
		recovered := branch.Status == models.BranchStatusRunning

		branch.Status = models.BranchStatusRunning
		branch.WorkerID = workerID
		branch.LeaseExpiresAt = &leaseUntil
		instance.Status = models.InstanceStatusRunning

		claimed, err := r.tryClaim(ctx, instance, now)
		if err != nil {
			return nil, err
		}

		if !claimed {
			// Another worker won the revision race; move on.
			continue
		}

		claims = append(claims, persistence.ClaimedWork{
			Instance:  instance,
			BranchID:  branch.ID,
			Recovered: recovered,
		})
	}

	return claims, nil
}

// tryClaim writes the claimed branch state behind the revision check. It
// reports false without error when a concurrent writer got there first.
func (r *InstanceRepository) tryClaim(ctx context.Context, instance *models.WorkflowInstance, now time.Time) (bool, error) {
	branchesJSON, err := json.Marshal(instance.Branches)
	if err != nil {
		return false, fmt.Errorf("failed to marshal branches: %w", err)
	}

	newRevision := instance.Revision + 1
	wakeAt := instance.NextWakeAt(now)

	query := `
		UPDATE workflow_instances SET
			status = $3,
			branches = $4,
			revision = $5,
			updated_at = $6,
			claim_ready = FALSE,
			wake_at = $7
		WHERE id = $1 AND revision = $2
	`

	result, err := r.db.ExecContext(ctx, query,
		instance.ID,
		instance.Revision,
		instance.Status,
		branchesJSON,
		newRevision,
		now,
		wakeAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim instance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return false, nil
	}

	instance.Revision = newRevision
	instance.UpdatedAt = now

	return true, nil
}

func (r *InstanceRepository) RenewLease(ctx context.Context, instanceID, branchID, workerID string, until time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var branchesJSON []byte

	err = tx.QueryRowContext(ctx, "SELECT branches FROM workflow_instances WHERE id = $1 FOR UPDATE", instanceID).Scan(&branchesJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = persistence.NewInstanceError("RenewLease", instanceID, persistence.ErrInstanceNotFound)
		}

		return err
	}

	var branches []*models.Branch

	if err = json.Unmarshal(branchesJSON, &branches); err != nil {
		return fmt.Errorf("failed to unmarshal branches: %w", err)
	}

	var branch *models.Branch

	for _, b := range branches {
		if b.ID == branchID {
			branch = b

			break
		}
	}

	if branch == nil || branch.WorkerID != workerID || branch.Status != models.BranchStatusRunning {
		err = persistence.NewBranchError("RenewLease", instanceID, branchID, persistence.ErrLeaseLost)

		return err
	}

	branch.LeaseExpiresAt = &until

	branchesJSON, err = json.Marshal(branches)
	if err != nil {
		return fmt.Errorf("failed to marshal branches: %w", err)
	}

	// Deliberately leaves the revision untouched so the lease holder's
	// in-flight snapshot stays committable.
	_, err = tx.ExecContext(ctx, "UPDATE workflow_instances SET branches = $2 WHERE id = $1", instanceID, branchesJSON)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

type instanceJSONFields struct {
	branches     []byte
	input        []byte
	state        []byte
	output       []byte
	joinArrivals []byte
}

func marshalInstance(instance *models.WorkflowInstance) (*instanceJSONFields, error) {
	fields := &instanceJSONFields{}

	var err error

	fields.branches, err = json.Marshal(instance.Branches)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal branches: %w", err)
	}

	marshalOptional := func(name string, value map[string]any, dest *[]byte) error {
		if value == nil {
			return nil
		}

		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", name, err)
		}

		*dest = data

		return nil
	}

	if err := marshalOptional("input", instance.Input, &fields.input); err != nil {
		return nil, err
	}

	if err := marshalOptional("state", instance.State, &fields.state); err != nil {
		return nil, err
	}

	if err := marshalOptional("output", instance.Output, &fields.output); err != nil {
		return nil, err
	}

	if instance.JoinArrivals != nil {
		fields.joinArrivals, err = json.Marshal(instance.JoinArrivals)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal join arrivals: %w", err)
		}
	}

	return fields, nil
}

func (r *InstanceRepository) scanInstance(scanner interface {
	Scan(dest ...any) error
}) (*models.WorkflowInstance, error) {
	var (
		instance                 models.WorkflowInstance
		branchesJSON             []byte
		inputJSON, stateJSON     []byte
		outputJSON, arrivalsJSON []byte
		parentID, parentBranchID sql.NullString
	)

	err := scanner.Scan(
		&instance.ID,
		&instance.DefinitionID,
		&instance.VersionID,
		&instance.EntityType,
		&instance.EntityID,
		&instance.TriggerEvent,
		&instance.Status,
		&branchesJSON,
		&inputJSON,
		&stateJSON,
		&outputJSON,
		&instance.Priority,
		&instance.Revision,
		&instance.Sequence,
		&arrivalsJSON,
		&instance.IsCancelled,
		&instance.CancelReason,
		&instance.ErrorMessage,
		&instance.ErrorTrace,
		&parentID,
		&parentBranchID,
		&instance.ScheduledAt,
		&instance.TimeoutAt,
		&instance.StartedAt,
		&instance.CompletedAt,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	instance.ParentID = parentID.String
	instance.ParentBranchID = parentBranchID.String

	if err := json.Unmarshal(branchesJSON, &instance.Branches); err != nil {
		return nil, fmt.Errorf("failed to unmarshal branches: %w", err)
	}

	unmarshalOptional := func(name string, data []byte, dest *map[string]any) error {
		if data == nil {
			return nil
		}

		if err := json.Unmarshal(data, dest); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", name, err)
		}

		return nil
	}

	if err := unmarshalOptional("input", inputJSON, &instance.Input); err != nil {
		return nil, err
	}

	if err := unmarshalOptional("state", stateJSON, &instance.State); err != nil {
		return nil, err
	}

	if err := unmarshalOptional("output", outputJSON, &instance.Output); err != nil {
		return nil, err
	}

	if arrivalsJSON != nil {
		if err := json.Unmarshal(arrivalsJSON, &instance.JoinArrivals); err != nil {
			return nil, fmt.Errorf("failed to unmarshal join arrivals: %w", err)
		}
	}

	return &instance, nil
}
