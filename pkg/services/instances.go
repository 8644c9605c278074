package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vantagecrm/relay/pkg/eventbus"
	"github.com/vantagecrm/relay/pkg/events"
	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/persistence"
)

// operatorRetryLimit bounds re-read-and-retry on revision conflicts for
// operator actions racing the executor.
const operatorRetryLimit = 5

// Instances implements the engine contract: starting instances and the
// operator lifecycle actions (cancel, pause, resume, retry), plus listing
// and detail reads.
type Instances struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
}

func NewInstances(p persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger) *Instances {
	return &Instances{
		persistence: p,
		publisher:   publisher,
		logger:      logger.With("module", "instances_service"),
	}
}

// HealthCheck checks the health of the persistence layer.
func (s *Instances) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	if err := s.persistence.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// StartInstanceRequest carries everything needed to start one execution.
type StartInstanceRequest struct {
	DefinitionKey string         `json:"definition_key"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	TriggerEvent  string         `json:"trigger_event"`
	Input         map[string]any `json:"input,omitempty"`
	ScheduledAt   *time.Time     `json:"scheduled_at,omitempty"`
}

// StartInstance creates a new instance of the definition's current published
// version. The caller gets the created instance back immediately; execution
// happens asynchronously on the worker pool.
func (s *Instances) StartInstance(ctx context.Context, req StartInstanceRequest) (*models.WorkflowInstance, error) {
	if req.DefinitionKey == "" || req.EntityType == "" || req.EntityID == "" {
		return nil, fmt.Errorf("%w: definition_key, entity_type and entity_id are required", ErrInvalidRequest)
	}

	definition, err := s.persistence.Definitions().ByKey(ctx, req.DefinitionKey)
	if err != nil {
		return nil, err
	}

	if !definition.IsTriggerable() {
		return nil, fmt.Errorf("%w: definition %s is %s", ErrDefinitionNotActive, definition.Key, definition.Status)
	}

	if definition.EntityType != req.EntityType {
		return nil, fmt.Errorf("%w: definition targets %s entities", ErrEntityTypeMismatch, definition.EntityType)
	}

	if definition.MaxConcurrentInstances > 0 {
		active, err := s.persistence.Instances().CountActive(ctx, definition.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to count active instances: %w", err)
		}

		if active >= definition.MaxConcurrentInstances {
			return nil, fmt.Errorf("%w: %d active of %d allowed",
				ErrMaxConcurrentInstances, active, definition.MaxConcurrentInstances)
		}
	}

	version, err := s.persistence.Versions().ByID(ctx, definition.CurrentVersionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load published version: %w", err)
	}

	start := version.StartNode()
	if start == nil {
		return nil, fmt.Errorf("version %s has no start node", version.ID)
	}

	now := time.Now().UTC()

	instance := &models.WorkflowInstance{
		ID:           uuid.New().String(),
		DefinitionID: definition.ID,
		VersionID:    version.ID,
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		TriggerEvent: req.TriggerEvent,
		Status:       models.InstanceStatusPending,
		Input:        req.Input,
		State:        make(map[string]any),
		Priority:     definition.Priority,
		ScheduledAt:  req.ScheduledAt,
		StartedAt:    &now,
		CreatedAt:    now,
		UpdatedAt:    now,
		Branches: []*models.Branch{{
			ID:        uuid.New().String(),
			NodeKey:   start.Key,
			Status:    models.BranchStatusReady,
			EnteredAt: now,
		}},
	}

	if definition.DefaultTimeoutMinutes > 0 {
		base := now
		if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
			base = *req.ScheduledAt
		}

		deadline := base.Add(time.Duration(definition.DefaultTimeoutMinutes) * time.Minute)
		instance.TimeoutAt = &deadline
	}

	if err := s.persistence.Instances().Create(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	s.appendLog(ctx, instance.ID, "", models.LogKindInstanceStarted, "instance started", map[string]any{
		"definition_key": definition.Key,
		"version_number": version.Number,
		"trigger_event":  req.TriggerEvent,
	})

	event := events.InstanceStarted{
		BaseEvent:     events.NewBaseEvent(events.InstanceStartedEvent, instance.ID),
		DefinitionKey: definition.Key,
		VersionNumber: version.Number,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		TriggerEvent:  req.TriggerEvent,
		Input:         req.Input,
	}
	event.DefinitionID = definition.ID
	s.publish(ctx, instance.ID, event)

	return instance, nil
}

// Cancel marks the instance cancelled. The flag takes effect immediately: an
// in-flight worker commit loses the revision race and observes it on re-read.
// The instance's pending tasks are left untouched.
func (s *Instances) Cancel(ctx context.Context, instanceID, reason, actor string) (*models.WorkflowInstance, error) {
	instance, err := s.mutate(ctx, instanceID, func(instance *models.WorkflowInstance, now time.Time) (*persistence.StepCommit, error) {
		if instance.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: instance is %s", ErrInvalidStateTransition, instance.Status)
		}

		instance.IsCancelled = true
		instance.CancelReason = reason
		instance.Status = models.InstanceStatusCancelled
		instance.CompletedAt = &now

		return &persistence.StepCommit{Logs: []*models.WorkflowLog{{
			ID:         uuid.New().String(),
			InstanceID: instance.ID,
			Kind:       models.LogKindInstanceCancelled,
			Message:    reason,
			Actor:      actor,
			CreatedAt:  now,
		}}}, nil
	})
	if err != nil {
		return nil, err
	}

	event := events.InstanceCancelled{
		BaseEvent:   events.NewBaseEvent(events.InstanceCancelledEvent, instanceID),
		Reason:      reason,
		CancelledBy: actor,
	}
	s.publish(ctx, instanceID, event)

	return instance, nil
}

// Pause suspends a non-terminal instance. Workers stop claiming its branches
// until an operator resumes it.
func (s *Instances) Pause(ctx context.Context, instanceID, actor string) (*models.WorkflowInstance, error) {
	instance, err := s.mutate(ctx, instanceID, func(instance *models.WorkflowInstance, now time.Time) (*persistence.StepCommit, error) {
		switch instance.Status {
		case models.InstanceStatusPending, models.InstanceStatusRunning, models.InstanceStatusWaiting:
		default:
			return nil, fmt.Errorf("%w: cannot pause %s instance", ErrInvalidStateTransition, instance.Status)
		}

		instance.Status = models.InstanceStatusPaused

		return &persistence.StepCommit{Logs: []*models.WorkflowLog{{
			ID:         uuid.New().String(),
			InstanceID: instance.ID,
			Kind:       models.LogKindInstancePaused,
			Message:    "instance paused",
			Actor:      actor,
			CreatedAt:  now,
		}}}, nil
	})
	if err != nil {
		return nil, err
	}

	event := events.InstancePaused{
		BaseEvent: events.NewBaseEvent(events.InstancePausedEvent, instanceID),
		PausedBy:  actor,
	}
	s.publish(ctx, instanceID, event)

	return instance, nil
}

// Resume lifts an operator pause and re-derives the schedulable status from
// the branch states.
func (s *Instances) Resume(ctx context.Context, instanceID, actor string) (*models.WorkflowInstance, error) {
	instance, err := s.mutate(ctx, instanceID, func(instance *models.WorkflowInstance, now time.Time) (*persistence.StepCommit, error) {
		if instance.Status != models.InstanceStatusPaused {
			return nil, fmt.Errorf("%w: cannot resume %s instance", ErrInvalidStateTransition, instance.Status)
		}

		instance.Status = models.InstanceStatusPending
		instance.RecomputeStatus(now)

		return &persistence.StepCommit{Logs: []*models.WorkflowLog{{
			ID:         uuid.New().String(),
			InstanceID: instance.ID,
			Kind:       models.LogKindInstanceResumed,
			Message:    "instance resumed",
			Actor:      actor,
			CreatedAt:  now,
		}}}, nil
	})
	if err != nil {
		return nil, err
	}

	event := events.InstanceResumed{
		BaseEvent: events.NewBaseEvent(events.InstanceResumedEvent, instanceID),
		ResumedBy: actor,
	}
	s.publish(ctx, instanceID, event)

	return instance, nil
}

// Retry puts a failed instance back in front of the workers at its failing
// node with a fresh attempt budget.
func (s *Instances) Retry(ctx context.Context, instanceID, actor string) (*models.WorkflowInstance, error) {
	instance, err := s.mutate(ctx, instanceID, func(instance *models.WorkflowInstance, now time.Time) (*persistence.StepCommit, error) {
		if instance.Status != models.InstanceStatusFailed {
			return nil, fmt.Errorf("%w: cannot retry %s instance", ErrInvalidStateTransition, instance.Status)
		}

		for _, branch := range instance.Branches {
			branch.Status = models.BranchStatusReady
			branch.Attempt = 0
			branch.NextRetryAt = nil
			branch.WorkerID = ""
			branch.LeaseExpiresAt = nil
		}

		instance.Status = models.InstanceStatusPending
		instance.ErrorMessage = ""
		instance.ErrorTrace = ""

		return &persistence.StepCommit{Logs: []*models.WorkflowLog{{
			ID:         uuid.New().String(),
			InstanceID: instance.ID,
			Kind:       models.LogKindInstanceRetried,
			Message:    "instance retried",
			Actor:      actor,
			CreatedAt:  now,
		}}}, nil
	})
	if err != nil {
		return nil, err
	}

	event := events.InstanceRetried{
		BaseEvent: events.NewBaseEvent(events.InstanceRetriedEvent, instanceID),
		RetriedBy: actor,
	}
	s.publish(ctx, instanceID, event)

	return instance, nil
}

// ListInstancesRequest contains filtering and pagination options.
type ListInstancesRequest struct {
	DefinitionID string
	EntityType   string
	EntityID     string
	Status       models.InstanceStatus
	SortBy       string
	SortOrder    string
	Limit        int
	Offset       int
}

// ListInstancesResponse contains one page of instances.
type ListInstancesResponse struct {
	Instances   []*models.WorkflowInstance `json:"instances"`
	TotalCount  int                        `json:"total_count"`
	HasNextPage bool                       `json:"has_next_page"`
}

// List retrieves instances with filtering and pagination.
func (s *Instances) List(ctx context.Context, req ListInstancesRequest) (*ListInstancesResponse, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	if req.Limit > 100 {
		req.Limit = 100
	}

	if req.Offset < 0 {
		req.Offset = 0
	}

	if req.SortBy == "" {
		req.SortBy = "created_at"
	}

	if req.SortOrder == "" {
		req.SortOrder = "desc"
	}

	allowedSorts := []string{"created_at", "updated_at", "priority"}
	if !slices.Contains(allowedSorts, req.SortBy) {
		return nil, fmt.Errorf("%w: %q, allowed: %s", ErrInvalidSortField, req.SortBy, strings.Join(allowedSorts, ", "))
	}

	if req.SortOrder != "asc" && req.SortOrder != "desc" {
		return nil, fmt.Errorf("%w: %q, allowed: asc, desc", ErrInvalidSortOrder, req.SortOrder)
	}

	if req.Status != "" {
		allowed := []models.InstanceStatus{
			models.InstanceStatusPending,
			models.InstanceStatusRunning,
			models.InstanceStatusWaiting,
			models.InstanceStatusPaused,
			models.InstanceStatusCompleted,
			models.InstanceStatusFailed,
			models.InstanceStatusCancelled,
			models.InstanceStatusTimedOut,
		}
		if !slices.Contains(allowed, req.Status) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, req.Status)
		}
	}

	instances, total, err := s.persistence.Instances().List(ctx, persistence.InstanceFilter{
		DefinitionID: req.DefinitionID,
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		Status:       req.Status,
		SortBy:       req.SortBy,
		SortOrder:    req.SortOrder,
		Limit:        req.Limit,
		Offset:       req.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	return &ListInstancesResponse{
		Instances:   instances,
		TotalCount:  total,
		HasNextPage: req.Offset+len(instances) < total,
	}, nil
}

// InstanceDetail bundles an instance with its execution history.
type InstanceDetail struct {
	Instance      *models.WorkflowInstance       `json:"instance"`
	NodeInstances []*models.WorkflowNodeInstance `json:"node_instances"`
	Tasks         []*models.WorkflowTask         `json:"tasks"`
	Logs          []*models.WorkflowLog          `json:"logs"`
}

// Detail retrieves an instance along with its node history, tasks and audit
// log.
func (s *Instances) Detail(ctx context.Context, instanceID string) (*InstanceDetail, error) {
	instance, err := s.persistence.Instances().ByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	nodeInstances, err := s.persistence.NodeInstances().ByInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load node history: %w", err)
	}

	tasks, err := s.persistence.Tasks().List(ctx, persistence.TaskFilter{InstanceID: instanceID})
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}

	logs, err := s.persistence.Logs().ByInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load logs: %w", err)
	}

	return &InstanceDetail{
		Instance:      instance,
		NodeInstances: nodeInstances,
		Tasks:         tasks,
		Logs:          logs,
	}, nil
}

// mutate applies an operator action through the store's revision check,
// re-reading and retrying when the executor commits concurrently.
func (s *Instances) mutate(
	ctx context.Context,
	instanceID string,
	apply func(instance *models.WorkflowInstance, now time.Time) (*persistence.StepCommit, error),
) (*models.WorkflowInstance, error) {
	for attempt := 0; attempt < operatorRetryLimit; attempt++ {
		instance, err := s.persistence.Instances().ByID(ctx, instanceID)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()

		commit, err := apply(instance, now)
		if err != nil {
			return nil, err
		}

		err = s.persistence.Instances().CommitStep(ctx, instance, commit)
		if err == nil {
			return instance, nil
		}

		if !errors.Is(err, persistence.ErrStaleInstanceState) {
			return nil, fmt.Errorf("failed to commit instance update: %w", err)
		}
	}

	return nil, fmt.Errorf("failed to commit instance update after %d conflicts: %w",
		operatorRetryLimit, persistence.ErrStaleInstanceState)
}

func (s *Instances) appendLog(ctx context.Context, instanceID, nodeKey string, kind models.LogKind, message string, details map[string]any) {
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

func (s *Instances) publish(ctx context.Context, key string, event eventbus.Event) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.Publish(ctx, key, event); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "instance_id", key, "error", err)
	}
}
