package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vantagecrm/relay/pkg/eventbus"
	"github.com/vantagecrm/relay/pkg/events"
	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/persistence"
)

// Caller identifies who is acting on a task. Assignment checks match the
// user directly, any of their roles, or any of their groups.
type Caller struct {
	UserID   string
	Roles    []string
	GroupIDs []string
}

// Tasks implements the human task operations: the worklist, claiming and
// completion. Completion feeds the task output back into the owning
// instance and unblocks the executor.
type Tasks struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
}

func NewTasks(p persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger) *Tasks {
	return &Tasks{
		persistence: p,
		publisher:   publisher,
		logger:      logger.With("module", "tasks_service"),
	}
}

// ListTasksRequest filters the caller's worklist.
type ListTasksRequest struct {
	Status     models.TaskStatus
	InstanceID string
	Limit      int
	Offset     int
}

// ListFor returns the tasks visible to the caller: assigned to them, to one
// of their roles or groups, or already claimed by them.
func (s *Tasks) ListFor(ctx context.Context, caller Caller, req ListTasksRequest) ([]*models.WorkflowTask, error) {
	if caller.UserID == "" {
		return nil, fmt.Errorf("%w: caller user id is required", ErrInvalidRequest)
	}

	if req.Limit <= 0 {
		req.Limit = 20
	}

	if req.Limit > 100 {
		req.Limit = 100
	}

	tasks, err := s.persistence.Tasks().List(ctx, persistence.TaskFilter{
		UserID:     caller.UserID,
		Roles:      caller.Roles,
		GroupIDs:   caller.GroupIDs,
		Status:     req.Status,
		InstanceID: req.InstanceID,
		Limit:      req.Limit,
		Offset:     req.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	return tasks, nil
}

func (s *Tasks) ByID(ctx context.Context, taskID string) (*models.WorkflowTask, error) {
	return s.persistence.Tasks().ByID(ctx, taskID)
}

// Claim assigns the task to the caller. Claiming an already-claimed task
// fails unless the caller already holds it.
func (s *Tasks) Claim(ctx context.Context, taskID string, caller Caller) (*models.WorkflowTask, error) {
	task, err := s.persistence.Tasks().ByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if !task.Assignment.Matches(caller.UserID, caller.Roles, caller.GroupIDs) {
		return nil, fmt.Errorf("%w: task %s", ErrTaskNotAssignedToCaller, taskID)
	}

	now := time.Now().UTC()

	claimed, err := s.persistence.Tasks().Claim(ctx, taskID, caller.UserID, now)
	if err != nil {
		return nil, err
	}

	s.appendLog(ctx, claimed.InstanceID, claimed.NodeKey, models.LogKindTaskClaimed,
		"task claimed", map[string]any{"task_id": taskID, "claimed_by": caller.UserID})

	event := events.TaskClaimed{
		BaseEvent: events.NewBaseEvent(events.TaskClaimedEvent, claimed.InstanceID),
		TaskID:    taskID,
		ClaimedBy: caller.UserID,
	}
	s.publish(ctx, claimed.InstanceID, event)

	return claimed, nil
}

// Complete finishes the task with the given output. The output merges into
// the instance state under the task's node key, and the suspended branch
// goes back in front of the workers. The task record and the instance
// update commit as one unit through the revision check.
func (s *Tasks) Complete(ctx context.Context, taskID string, caller Caller, output map[string]any) (*models.WorkflowTask, error) {
	for attempt := 0; attempt < operatorRetryLimit; attempt++ {
		// The task re-reads on every attempt: losing the revision race may
		// mean a concurrent completion already won.
		task, err := s.persistence.Tasks().ByID(ctx, taskID)
		if err != nil {
			return nil, err
		}

		if task.Status == models.TaskStatusCompleted {
			return nil, persistence.NewTaskError("Complete", taskID, persistence.ErrTaskAlreadyCompleted)
		}

		if task.Status == models.TaskStatusClaimed && task.ClaimedBy != caller.UserID {
			return nil, fmt.Errorf("%w: task %s is claimed by another user", ErrTaskNotAssignedToCaller, taskID)
		}

		if !task.Assignment.Matches(caller.UserID, caller.Roles, caller.GroupIDs) {
			return nil, fmt.Errorf("%w: task %s", ErrTaskNotAssignedToCaller, taskID)
		}

		instance, err := s.persistence.Instances().ByID(ctx, task.InstanceID)
		if err != nil {
			return nil, err
		}

		if instance.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: instance is %s", ErrInvalidStateTransition, instance.Status)
		}

		now := time.Now().UTC()

		completed := task
		completed.Status = models.TaskStatusCompleted
		completed.CompletedBy = caller.UserID
		completed.CompletedAt = &now
		completed.Output = output
		completed.UpdatedAt = now

		// The branch keeps its task reference: the executor reads the
		// completed task on the next claim and advances from there.
		branch := instance.Branch(task.BranchID)
		if branch != nil && branch.TaskID == taskID {
			branch.Status = models.BranchStatusReady
			instance.RecomputeStatus(now)
		}

		err = s.persistence.Instances().CommitStep(ctx, instance, &persistence.StepCommit{
			Tasks: []*models.WorkflowTask{completed},
			Logs: []*models.WorkflowLog{{
				ID:         uuid.New().String(),
				InstanceID: task.InstanceID,
				NodeKey:    task.NodeKey,
				Kind:       models.LogKindTaskCompleted,
				Message:    "task completed",
				Details:    map[string]any{"task_id": taskID},
				Actor:      caller.UserID,
				CreatedAt:  now,
			}},
		})
		if err == nil {
			event := events.TaskCompleted{
				BaseEvent:   events.NewBaseEvent(events.TaskCompletedEvent, task.InstanceID),
				TaskID:      taskID,
				CompletedBy: caller.UserID,
				Output:      output,
			}
			s.publish(ctx, task.InstanceID, event)

			return completed, nil
		}

		if errors.Is(err, persistence.ErrTaskAlreadyCompleted) {
			return nil, err
		}

		if !errors.Is(err, persistence.ErrStaleInstanceState) {
			return nil, fmt.Errorf("failed to commit task completion: %w", err)
		}
	}

	return nil, fmt.Errorf("failed to commit task completion after %d conflicts: %w",
		operatorRetryLimit, persistence.ErrStaleInstanceState)
}

func (s *Tasks) appendLog(ctx context.Context, instanceID, nodeKey string, kind models.LogKind, message string, details map[string]any) {
	entry := &models.WorkflowLog{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		NodeKey:    nodeKey,
		Kind:       kind,
		Message:    message,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.persistence.Logs().Append(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "Failed to append audit log", "instance_id", instanceID, "error", err)
	}
}

func (s *Tasks) publish(ctx context.Context, key string, event eventbus.Event) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.Publish(ctx, key, event); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "instance_id", key, "error", err)
	}
}
