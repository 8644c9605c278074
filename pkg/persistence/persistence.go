// Package persistence provides the data storage abstraction layer for
// workflow definitions, versions, instances, tasks and audit logs.
package persistence

import (
	"context"
	"time"

	"github.com/vantagecrm/relay/pkg/models"
)

// Persistence groups the repositories a storage backend must provide.
// Implementations hand out repositories bound to the same underlying store so
// CommitStep can persist an execution step atomically.
type Persistence interface {
	Definitions() DefinitionRepository
	Versions() VersionRepository
	Instances() InstanceRepository
	NodeInstances() NodeInstanceRepository
	Tasks() TaskRepository
	Logs() LogRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// DefinitionRepository stores workflow definitions.
type DefinitionRepository interface {
	Create(ctx context.Context, definition *models.WorkflowDefinition) error
	Update(ctx context.Context, definition *models.WorkflowDefinition) error
	ByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	ByKey(ctx context.Context, key string) (*models.WorkflowDefinition, error)
	List(ctx context.Context, filter DefinitionFilter) ([]*models.WorkflowDefinition, error)
}

// VersionRepository stores workflow versions. Published versions are
// immutable; Update is only valid while a version is in draft.
type VersionRepository interface {
	Create(ctx context.Context, version *models.WorkflowVersion) error
	Update(ctx context.Context, version *models.WorkflowVersion) error
	ByID(ctx context.Context, id string) (*models.WorkflowVersion, error)
	ByNumber(ctx context.Context, definitionID string, number int) (*models.WorkflowVersion, error)
	ByDefinition(ctx context.Context, definitionID string) ([]*models.WorkflowVersion, error)
}

// ClaimedWork is a branch a worker holds a lease on, together with the
// instance snapshot taken at claim time. Recovered is set when the branch was
// taken over from a worker whose lease expired mid-visit; the claimer treats
// that visit as failed and applies the node's retry policy.
type ClaimedWork struct {
	Instance  *models.WorkflowInstance
	BranchID  string
	Recovered bool
}

// StepCommit carries the records produced by one execution step. The commit
// succeeds or fails as a unit together with the instance update.
type StepCommit struct {
	NodeInstances []*models.WorkflowNodeInstance
	Tasks         []*models.WorkflowTask
	Logs          []*models.WorkflowLog
}

// InstanceRepository stores workflow instances. All mutations after Create go
// through CommitStep, which compares the instance revision against the stored
// one and fails with ErrStaleInstanceState when another writer got there
// first. On success the stored and in-memory revision are incremented.
type InstanceRepository interface {
	Create(ctx context.Context, instance *models.WorkflowInstance) error
	ByID(ctx context.Context, id string) (*models.WorkflowInstance, error)
	List(ctx context.Context, filter InstanceFilter) ([]*models.WorkflowInstance, int, error)
	CountActive(ctx context.Context, definitionID string) (int, error)

	CommitStep(ctx context.Context, instance *models.WorkflowInstance, commit *StepCommit) error

	// ClaimReady atomically leases up to limit claimable branches to the
	// given worker. Each claim bumps the instance revision.
	ClaimReady(ctx context.Context, workerID string, now time.Time, lease time.Duration, limit int) ([]ClaimedWork, error)

	// RenewLease extends the lease a worker holds on a branch. It patches the
	// lease in place without bumping the revision, so the holder's in-flight
	// snapshot stays committable. It fails with ErrLeaseLost when the branch
	// is no longer leased to this worker.
	RenewLease(ctx context.Context, instanceID, branchID, workerID string, until time.Time) error
}

// NodeInstanceRepository reads node execution records. Writes happen through
// InstanceRepository.CommitStep.
type NodeInstanceRepository interface {
	ByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowNodeInstance, error)
}

// TaskRepository stores human tasks. Task creation and completion ride along
// CommitStep; Claim is the one direct mutation because it only touches the
// task record.
type TaskRepository interface {
	ByID(ctx context.Context, id string) (*models.WorkflowTask, error)
	List(ctx context.Context, filter TaskFilter) ([]*models.WorkflowTask, error)
	Claim(ctx context.Context, taskID, userID string, now time.Time) (*models.WorkflowTask, error)
}

// LogRepository reads the append-only audit log. Writes happen through
// InstanceRepository.CommitStep or Append for events outside a step.
type LogRepository interface {
	Append(ctx context.Context, entry *models.WorkflowLog) error
	ByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowLog, error)
}

// DefinitionFilter narrows definition listings. Zero values match everything.
type DefinitionFilter struct {
	Status     models.DefinitionStatus
	EntityType string
}

// InstanceFilter narrows instance listings. Zero values match everything.
// Sort fields are allowlisted by the backends; empty values mean created_at
// descending.
type InstanceFilter struct {
	DefinitionID string
	EntityType   string
	EntityID     string
	Status       models.InstanceStatus
	SortBy       string
	SortOrder    string
	Limit        int
	Offset       int
}

// TaskFilter narrows task listings. Assignment fields describe the caller:
// a task matches when it is assigned to the user directly, to one of the
// user's roles, or to one of the user's groups.
type TaskFilter struct {
	UserID     string
	Roles      []string
	GroupIDs   []string
	Status     models.TaskStatus
	InstanceID string
	Limit      int
	Offset     int
}
