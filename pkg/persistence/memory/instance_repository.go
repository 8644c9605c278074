package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/persistence"
)

type instanceRepository struct {
	store *Store
}

func (r *instanceRepository) Create(_ context.Context, instance *models.WorkflowInstance) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.instances[instance.ID] = clone(instance)
	r.store.instanceOrder = append(r.store.instanceOrder, instance.ID)

	return nil
}

func (r *instanceRepository) ByID(_ context.Context, id string) (*models.WorkflowInstance, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	instance, ok := r.store.instances[id]
	if !ok {
		return nil, persistence.NewInstanceError("ByID", id, persistence.ErrInstanceNotFound)
	}

	return clone(instance), nil
}

func (r *instanceRepository) List(_ context.Context, filter persistence.InstanceFilter) ([]*models.WorkflowInstance, int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	matched := make([]*models.WorkflowInstance, 0)

	for _, id := range r.store.instanceOrder {
		instance := r.store.instances[id]

		if filter.DefinitionID != "" && instance.DefinitionID != filter.DefinitionID {
			continue
		}

		if filter.EntityType != "" && instance.EntityType != filter.EntityType {
			continue
		}

		if filter.EntityID != "" && instance.EntityID != filter.EntityID {
			continue
		}

		if filter.Status != "" && instance.Status != filter.Status {
			continue
		}

		matched = append(matched, instance)
	}

	sortInstances(matched, filter.SortBy, filter.SortOrder)

	total := len(matched)

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

	result := make([]*models.WorkflowInstance, 0, len(matched))
	for _, instance := range matched {
		result = append(result, clone(instance))
	}

	return result, total, nil
}

// sortInstances orders a listing in place. Unknown fields fall back to
// created_at descending, matching what operators expect from an activity
// feed.
func sortInstances(instances []*models.WorkflowInstance, sortBy, sortOrder string) {
	var less func(a, b *models.WorkflowInstance) bool

	switch sortBy {
	case "updated_at":
		less = func(a, b *models.WorkflowInstance) bool { return a.UpdatedAt.Before(b.UpdatedAt) }
	case "priority":
		less = func(a, b *models.WorkflowInstance) bool { return a.Priority < b.Priority }
	default:
		less = func(a, b *models.WorkflowInstance) bool { return a.CreatedAt.Before(b.CreatedAt) }
	}

	descending := sortOrder != "asc"

	sort.SliceStable(instances, func(a, b int) bool {
		if descending {
			return less(instances[b], instances[a])
		}

		return less(instances[a], instances[b])
	})
}

func (r *instanceRepository) CountActive(_ context.Context, definitionID string) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	count := 0

	for _, instance := range r.store.instances {
		if instance.DefinitionID == definitionID && !instance.Status.IsTerminal() {
			count++
		}
	}

	return count, nil
}

func (r *instanceRepository) CommitStep(_ context.Context, instance *models.WorkflowInstance, commit *persistence.StepCommit) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	stored, ok := r.store.instances[instance.ID]
	if !ok {
		return persistence.NewInstanceError("CommitStep", instance.ID, persistence.ErrInstanceNotFound)
	}

	if stored.Revision != instance.Revision {
		return persistence.NewInstanceError("CommitStep", instance.ID, persistence.ErrStaleInstanceState)
	}

	if commit != nil {
		// A completed task never gets overwritten; racing completions
		// collapse to one winner here, before anything mutates.
		for _, task := range commit.Tasks {
			existing, ok := r.store.tasks[task.ID]
			if ok && existing.Status == models.TaskStatusCompleted {
				return persistence.NewTaskError("CommitStep", task.ID, persistence.ErrTaskAlreadyCompleted)
			}
		}
	}

	instance.Revision++
	instance.UpdatedAt = time.Now().UTC()

	r.store.instances[instance.ID] = clone(instance)

	if commit == nil {
		return nil
	}

	for _, nodeInstance := range commit.NodeInstances {
		r.upsertNodeInstance(nodeInstance)
	}

	for _, task := range commit.Tasks {
		r.store.tasks[task.ID] = clone(task)
	}

	for _, entry := range commit.Logs {
		r.store.logs[entry.InstanceID] = append(r.store.logs[entry.InstanceID], clone(entry))
	}

	return nil
}

func (r *instanceRepository) upsertNodeInstance(nodeInstance *models.WorkflowNodeInstance) {
	records := r.store.nodeInstances[nodeInstance.InstanceID]

	for idx, existing := range records {
		if existing.ID == nodeInstance.ID {
			records[idx] = clone(nodeInstance)

			return
		}
	}

	r.store.nodeInstances[nodeInstance.InstanceID] = append(records, clone(nodeInstance))
}

func (r *instanceRepository) ClaimReady(_ context.Context, workerID string, now time.Time, lease time.Duration, limit int) ([]persistence.ClaimedWork, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	candidates := make([]*models.WorkflowInstance, 0)

	for _, id := range r.store.instanceOrder {
		instance := r.store.instances[id]

		if persistence.ClaimTarget(instance, now) != nil {
			candidates = append(candidates, instance)
		}
	}

	// Higher priority first, then oldest first.
	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].Priority != candidates[b].Priority {
			return candidates[a].Priority > candidates[b].Priority
		}

		return candidates[a].CreatedAt.Before(candidates[b].CreatedAt)
	})

	claims := make([]persistence.ClaimedWork, 0, limit)
	leaseUntil := now.Add(lease)

	for _, instance := range candidates {
		if limit > 0 && len(claims) >= limit {
			break
		}

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
		instance.Revision++
		instance.UpdatedAt = now

		claims = append(claims, persistence.ClaimedWork{
			Instance:  clone(instance),
			BranchID:  branch.ID,
			Recovered: recovered,
		})
	}

	return claims, nil
}

func (r *instanceRepository) RenewLease(_ context.Context, instanceID, branchID, workerID string, until time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	instance, ok := r.store.instances[instanceID]
	if !ok {
		return persistence.NewInstanceError("RenewLease", instanceID, persistence.ErrInstanceNotFound)
	}

	branch := instance.Branch(branchID)
	if branch == nil || branch.WorkerID != workerID || branch.Status != models.BranchStatusRunning {
		return persistence.NewBranchError("RenewLease", instanceID, branchID, persistence.ErrLeaseLost)
	}

	branch.LeaseExpiresAt = &until

	return nil
}

type nodeInstanceRepository struct {
	store *Store
}

func (r *nodeInstanceRepository) ByInstance(_ context.Context, instanceID string) ([]*models.WorkflowNodeInstance, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	records := r.store.nodeInstances[instanceID]
	result := make([]*models.WorkflowNodeInstance, 0, len(records))

	for _, record := range records {
		result = append(result, clone(record))
	}

	sort.SliceStable(result, func(a, b int) bool {
		return result[a].ExecutionSequence < result[b].ExecutionSequence
	})

	return result, nil
}
