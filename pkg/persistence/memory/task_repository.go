package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/persistence"
)

type taskRepository struct {
	store *Store
}

func (r *taskRepository) ByID(_ context.Context, id string) (*models.WorkflowTask, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	task, ok := r.store.tasks[id]
	if !ok {
		return nil, persistence.NewTaskError("ByID", id, persistence.ErrTaskNotFound)
	}

	return clone(task), nil
}

func (r *taskRepository) List(_ context.Context, filter persistence.TaskFilter) ([]*models.WorkflowTask, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	matched := make([]*models.WorkflowTask, 0)
	identityScoped := filter.UserID != "" || len(filter.Roles) > 0 || len(filter.GroupIDs) > 0

	for _, task := range r.store.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}

		if filter.InstanceID != "" && task.InstanceID != filter.InstanceID {
			continue
		}

		if identityScoped {
			visible := task.Assignment.Matches(filter.UserID, filter.Roles, filter.GroupIDs) ||
				(filter.UserID != "" && task.ClaimedBy == filter.UserID)
			if !visible {
				continue
			}
		}

		matched = append(matched, task)
	}

	// Higher priority first, then earliest due date, then creation order.
	sort.SliceStable(matched, func(a, b int) bool {
		if matched[a].Priority != matched[b].Priority {
			return matched[a].Priority > matched[b].Priority
		}

		dueA, dueB := matched[a].DueAt, matched[b].DueAt
		if dueA != nil && dueB != nil && !dueA.Equal(*dueB) {
			return dueA.Before(*dueB)
		}

		if (dueA != nil) != (dueB != nil) {
			return dueA != nil
		}

		return matched[a].CreatedAt.Before(matched[b].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	result := make([]*models.WorkflowTask, 0, len(matched))
	for _, task := range matched {
		result = append(result, clone(task))
	}

	return result, nil
}

func (r *taskRepository) Claim(_ context.Context, taskID, userID string, now time.Time) (*models.WorkflowTask, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	task, ok := r.store.tasks[taskID]
	if !ok {
		return nil, persistence.NewTaskError("Claim", taskID, persistence.ErrTaskNotFound)
	}

	switch task.Status {
	case models.TaskStatusCompleted:
		return nil, persistence.NewTaskError("Claim", taskID, persistence.ErrTaskAlreadyCompleted)
	case models.TaskStatusClaimed:
		if task.ClaimedBy == userID {
			return clone(task), nil
		}

		return nil, persistence.NewTaskError("Claim", taskID, persistence.ErrTaskAlreadyClaimed)
	}

	task.Status = models.TaskStatusClaimed
	task.ClaimedBy = userID
	task.ClaimedAt = &now
	task.UpdatedAt = now

	return clone(task), nil
}

type logRepository struct {
	store *Store
}

func (r *logRepository) Append(_ context.Context, entry *models.WorkflowLog) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.logs[entry.InstanceID] = append(r.store.logs[entry.InstanceID], clone(entry))

	return nil
}

func (r *logRepository) ByInstance(_ context.Context, instanceID string) ([]*models.WorkflowLog, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	entries := r.store.logs[instanceID]
	result := make([]*models.WorkflowLog, 0, len(entries))

	for _, entry := range entries {
		result = append(result, clone(entry))
	}

	return result, nil
}
