// Package workflow implements the instance executor: the state machine that
// advances claimed branches through a published version's graph, and the
// worker scheduler that feeds it.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vantagecrm/relay/pkg/conditions"
	"github.com/vantagecrm/relay/pkg/eventbus"
	"github.com/vantagecrm/relay/pkg/events"
	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/persistence"
	"github.com/vantagecrm/relay/pkg/registry"
	"github.com/vantagecrm/relay/pkg/template"
)

var (
	// ErrNoViableTransition is the fatal error recorded when no outgoing
	// transition of a non-end node matches.
	ErrNoViableTransition = errors.New("no viable transition")
	// ErrNodeNotFound is recorded when an instance points at a node key the
	// version graph does not contain.
	ErrNodeNotFound = errors.New("node not found in version graph")
)

// staleRetryLimit bounds transparent re-read-and-retry on revision conflicts
// for one claim.
const staleRetryLimit = 3

// Executor advances one claimed branch by exactly one node visit. All side
// effects of a visit (instance mutation, node instance append, task insert,
// log appends) commit as one unit through the store's revision check.
type Executor struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	recorder    *Recorder
	policy      models.RetryPolicy
	workerID    string
	logger      *slog.Logger

	now func() time.Time
}

func NewExecutor(
	p persistence.Persistence,
	reg *registry.Registry,
	recorder *Recorder,
	workerID string,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		persistence: p,
		registry:    reg,
		recorder:    recorder,
		policy:      models.RetryPolicy{},
		workerID:    workerID,
		logger:      logger.With("module", "executor", "worker_id", workerID),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// stepOutcome collects everything a visit produced: the records to commit
// with the instance, the events to publish after the commit, and follow-up
// work that runs only once the commit stuck.
type stepOutcome struct {
	commit *persistence.StepCommit
	events []eventbus.Event
	after  []func(context.Context)
}

func (o *stepOutcome) addEvent(event eventbus.Event) {
	o.events = append(o.events, event)
}

// ProcessClaim runs one node visit for a claimed branch. Revision conflicts
// are re-read and retried transparently; losing the lease during a conflict
// abandons the unit without error.
func (e *Executor) ProcessClaim(ctx context.Context, work persistence.ClaimedWork) error {
	instance := work.Instance
	recovered := work.Recovered

	version, err := e.persistence.Versions().ByID(ctx, instance.VersionID)
	if err != nil {
		return fmt.Errorf("failed to load version %s: %w", instance.VersionID, err)
	}

	for attempt := 0; ; attempt++ {
		outcome, err := e.step(ctx, version, instance, work.BranchID, recovered)
		if err != nil {
			return err
		}

		if outcome == nil {
			return nil
		}

		err = e.persistence.Instances().CommitStep(ctx, instance, outcome.commit)
		if err == nil {
			for _, event := range outcome.events {
				e.recorder.Publish(ctx, instance.ID, event)
			}

			for _, fn := range outcome.after {
				fn(ctx)
			}

			return nil
		}

		if !errors.Is(err, persistence.ErrStaleInstanceState) {
			return fmt.Errorf("failed to commit step for instance %s: %w", instance.ID, err)
		}

		if attempt+1 >= staleRetryLimit {
			return err
		}

		fresh, readErr := e.persistence.Instances().ByID(ctx, instance.ID)
		if readErr != nil {
			return fmt.Errorf("failed to re-read instance %s after conflict: %w", instance.ID, readErr)
		}

		branch := fresh.Branch(work.BranchID)
		if branch == nil || branch.WorkerID != e.workerID || branch.Status != models.BranchStatusRunning {
			// Another writer took the unit away (cancel, task completion,
			// lease takeover). Nothing left to do here.
			return nil
		}

		instance = fresh
	}
}

// step computes one visit against the given instance snapshot. It mutates the
// snapshot and returns the outcome to commit, or nil when there is nothing to
// do.
func (e *Executor) step(
	ctx context.Context,
	version *models.WorkflowVersion,
	instance *models.WorkflowInstance,
	branchID string,
	recovered bool,
) (*stepOutcome, error) {
	now := e.now()

	branch := instance.Branch(branchID)
	if branch == nil || instance.Status.IsTerminal() {
		return nil, nil
	}

	out := &stepOutcome{commit: &persistence.StepCommit{}}

	if instance.IsCancelled {
		e.finalizeCancelled(instance, out, now)

		return out, nil
	}

	if instance.Status == models.InstanceStatusPaused {
		// A claim raced an operator pause. Hand the unit back untouched.
		e.releaseBranch(branch)

		return out, nil
	}

	if instance.TimedOutAt(now) {
		e.finalizeTimedOut(instance, out, now)

		return out, nil
	}

	node := version.Node(branch.NodeKey)
	if node == nil {
		e.failInstance(instance, branch, out, now,
			fmt.Errorf("%w: %s", ErrNodeNotFound, branch.NodeKey))

		return out, nil
	}

	if recovered {
		e.failVisit(instance, branch, node, out, now, branch.Attempt+1,
			branch.EnteredAt, errors.New("worker lease expired mid-visit"))

		return out, nil
	}

	switch {
	case branch.TaskID != "":
		return out, e.resumeHumanTask(ctx, version, instance, branch, node, out, now)
	case branch.ChildInstanceID != "":
		return out, e.resumeSubprocess(ctx, version, instance, branch, node, out, now)
	case branch.ResumeAt != nil:
		return out, e.resumeWait(version, instance, branch, node, out, now)
	default:
		return out, e.enterNode(ctx, version, instance, branch, node, out, now)
	}
}

// enterNode runs a fresh visit to the branch's current node.
func (e *Executor) enterNode(
	ctx context.Context,
	version *models.WorkflowVersion,
	instance *models.WorkflowInstance,
	branch *models.Branch,
	node *models.WorkflowNode,
	out *stepOutcome,
	now time.Time,
) error {
	// A lapsed retry backoff must not make a fresh suspension claimable.
	branch.NextRetryAt = nil

	out.commit.Logs = append(out.commit.Logs,
		newLog(instance, node.Key, models.LogKindNodeEntered, "entered node", map[string]any{
			"node_type": string(node.Type),
			"attempt":   branch.Attempt + 1,
		}))

	switch node.Type {
	case models.NodeTypeTrigger, models.NodeTypeAction, models.NodeTypeLLMAction:
		return e.executeOperation(ctx, version, instance, branch, node, out, now)
	case models.NodeTypeCondition:
		e.appendNodeInstance(instance, out, node, models.NodeInstanceStatusCompleted, branch.Attempt+1, nil, "", now, now)

		return e.advance(version, instance, branch, node, out, now)
	case models.NodeTypeParallelGateway:
		return e.fork(version, instance, branch, node, out, now)
	case models.NodeTypeJoinGateway:
		return e.join(version, instance, branch, node, out, now)
	case models.NodeTypeHumanTask:
		return e.createHumanTask(instance, branch, node, out, now)
	case models.NodeTypeWait:
		return e.startWait(instance, branch, node, out, now)
	case models.NodeTypeSubprocess:
		return e.startSubprocess(ctx, instance, branch, node, out, now)
	case models.NodeTypeEnd:
		e.appendNodeInstance(instance, out, node, models.NodeInstanceStatusCompleted, branch.Attempt+1, nil, "", now, now)
		e.completeBranch(instance, branch, out, now)

		return nil
	default:
		e.failInstance(instance, branch, out, now,
			fmt.Errorf("unsupported node type %q at node %s", node.Type, node.Key))

		return nil
	}
}

// executeOperation dispatches trigger, action and llm_action nodes through
// the handler registry. Trigger nodes without a configured handler pass
// through: the trigger already fired externally to start the instance.
func (e *Executor) executeOperation(
	ctx context.Context,
	version *models.WorkflowVersion,
	instance *models.WorkflowInstance,
	branch *models.Branch,
	node *models.WorkflowNode,
	out *stepOutcome,
	now time.Time,
) error {
	attempt := branch.Attempt + 1

	if node.Type == models.NodeTypeTrigger {
		if _, configured := node.Config["handler"]; !configured {
			e.appendNodeInstance(instance, out, node, models.NodeInstanceStatusCompleted, attempt, nil, "", now, now)

			return e.advance(version, instance, branch, node, out, now)
		}
	}

	action, err := e.registry.CreateAction(node.HandlerType(), node.Config)
	if err != nil {
		e.failVisit(instance, branch, node, out, now, attempt, now, err)

		return nil
	}

	execCtx := ctx

	deadline := e.policy.TimeoutDeadline(node, now)
	if deadline != nil {
		var cancel context.CancelFunc

		execCtx, cancel = context.WithDeadline(ctx, *deadline)
		defer cancel()
	}

	if instance.State == nil {
		instance.State = make(map[string]any)
	}

	logger := e.logger.With("instance_id", instance.ID, "node_key", node.Key)

	output, err := action.Execute(execCtx, models.ExecutionContext{
		InstanceID:   instance.ID,
		DefinitionID: instance.DefinitionID,
		EntityType:   instance.EntityType,
		EntityID:     instance.EntityID,
		TriggerEvent: instance.TriggerEvent,
		NodeKey:      node.Key,
		Attempt:      attempt,
		Input:        instance.Input,
		State:        instance.State,
		Logger:       logger,
	}, logger)

	finished := e.now()

	if err != nil {
		e.failVisit(instance, branch, node, out, now, attempt, now, err)

		return nil
	}

	outputMap := asOutputMap(output)
	if outputMap != nil {
		instance.State[node.Key] = outputMap
	}

	e.appendNodeInstance(instance, out, node, models.NodeInstanceStatusCompleted, attempt, outputMap, "", now, finished)

	event := events.NodeCompleted{
		BaseEvent:  events.NewBaseEvent(events.NodeCompletedEvent, instance.ID),
		NodeKey:    node.Key,
		NodeType:   node.Type,
		Output:     outputMap,
		DurationMs: finished.Sub(now).Milliseconds(),
	}
	event.WorkerID = e.workerID
	out.addEvent(event)

	return e.advance(version, instance, branch, node, out, finished)
}

// fork replaces the branch with one new branch per outgoing transition.
func (e *Executor) fork(
	version *models.WorkflowVersion,
	instance *models.WorkflowInstance,
	branch *models.Branch,
	node *models.WorkflowNode,
	out *stepOutcome,
	now time.Time,
) error {
	transitions := version.OutgoingTransitions(node.Key)
	if len(transitions) == 0 {
		e.failInstance(instance, branch, out, now,
			fmt.Errorf("%w: parallel gateway %s has no outgoing transitions", ErrNoViableTransition, node.Key))

		return nil
	}

	e.appendNodeInstance(instance, out, node, models.NodeInstanceStatusCompleted, branch.Attempt+1, nil, "", now, now)

	instance.RemoveBranch(branch.ID)

	for _, tr := range transitions {
		instance.Branches = append(instance.Branches, &models.Branch{
			ID:        uuid.New().String(),
			NodeKey:   tr.TargetKey,
			FromKey:   node.Key,
			Status:    models.BranchStatusReady,
			EnteredAt: now,
		})
	}

	instance.RecomputeStatus(now)

	return nil
}

// join records the branch's arrival at the barrier. The last required arrival
// carries execution past the join; earlier arrivals dissolve.
func (e *Executor) join(
	version *models.WorkflowVersion,
	instance *models.WorkflowInstance,
	branch *models.Branch,
	node *models.WorkflowNode,
	out *stepOutcome,
	now time.Time,
) error {
	instance.RecordJoinArrival(node.Key, branch.FromKey)

	required := models.RequiredJoinSources(version, node.Key)

	if !instance.JoinSatisfied(node.Key, required) {
		out.commit.Logs = append(out.commit.Logs,
			newLog(instance, node.Key, models.LogKindNodeEntered, "branch arrived at join barrier", map[string]any{
				"from":    branch.FromKey,
				"arrived": instance.JoinArrivals[node.Key],
			}))

		instance.RemoveBranch(branch.ID)
		instance.RecomputeStatus(now)

		return nil
	}

	e.appendNodeInstance(instance, out, node, models.NodeInstanceStatusCompleted, branch.Attempt+1, nil, "", now, now)

	delete(instance.JoinArrivals, node.Key)

	return e.advance(version, instance, branch, node, out, now)
}

// createHumanTask suspends the branch until a person completes the task.
func (e *Executor) createHumanTask(
	instance *models.WorkflowInstance,
	branch *models.Branch,
	node *models.WorkflowNode,
	out *stepOutcome,
	now time.Time,
) error {
	task := buildTask(instance, branch, node, now)
	if !task.Assignment.Valid() {
		e.failInstance(instance, branch, out, now,
			fmt.Errorf("human task node %s has no valid assignment", node.Key))

		return nil
	}

	out.commit.Tasks = append(out.commit.Tasks, task)

	branch.TaskID = task.ID
	branch.Status = models.BranchStatusWaiting
	branch.DeadlineAt = e.policy.TimeoutDeadline(node, now)
	e.clearLease(branch)

	instance.RecomputeStatus(now)

	out.commit.Logs = append(out.commit.Logs,
		newLog(instance, node.Key, models.LogKindTaskCreated, "human task created", map[string]any{
			"task_id": task.ID,
			"name":    task.Name,
		}))

	event := events.TaskCreated{
		BaseEvent: events.NewBaseEvent(events.TaskCreatedEvent, instance.ID),
		TaskID:    task.ID,
		NodeKey:   node.Key,
		Title:     task.Name,
		DueAt:     task.DueAt,
	}
	out.addEvent(event)

	return nil
}

// resumeHumanTask handles a claim on a branch that carries a task reference:
// either the task completed and the visit finishes, or the node deadline
// elapsed first and the visit fails.
func (e *Executor) resumeHumanTask(
	ctx context.Context,
	version *models.WorkflowVersion,
	instance *models.WorkflowInstance,
	branch *models.Branch,
	node *models.WorkflowNode,
	out *stepOutcome,
	now time.Time,
) error {
	task, err := e.persistence.Tasks().ByID(ctx, branch.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", branch.TaskID, err)
	}

	if task.Status != models.TaskStatusCompleted {
		// Claimable only because the node deadline elapsed. The task stays
		// untouched; a retry visit creates a fresh one.
		branch.TaskID = ""

		e.failVisit(instance, branch, node, out, now, branch.Attempt+1, branch.EnteredAt,
			fmt.Errorf("human task %s not completed before node deadline", task.ID))

		return nil
	}

	if instance.State == nil {
		instance.State = make(map[string]any)
	}

	if task.Output != nil {
		instance.State[node.Key] = task.Output
	}

	e.appendNodeInstance(instance, out, node, models.NodeInstanceStatusCompleted, branch.Attempt+1,
		task.Output, "", branch.EnteredAt, now)

	branch.TaskID = ""
	branch.DeadlineAt = nil

	return e.advance(version, instance, branch, node, out, now)
}

// startWait computes the branch's resume time from node configuration.
func (e *Executor) startWait(
	instance *models.WorkflowInstance,
	branch *models.Branch,
	node *models.WorkflowNode,
	out *stepOutcome,
	now time.Time,
) error {
	resumeAt, err := waitResumeTime(node.Config, now)
	if err != nil {
		e.failInstance(instance, branch, out, now,
			fmt.Errorf("wait node %s: %w", node.Key, err))

		return nil
	}

	branch.ResumeAt = &resumeAt
	branch.Status = models.BranchStatusWaiting
	branch.DeadlineAt = e.policy.TimeoutDeadline(node, now)
	e.clearLease(branch)

	instance.RecomputeStatus(now)

	return nil
}

// resumeWait completes a wait visit once the timer elapsed.
func (e *Executor) resumeWait(
	version *models.WorkflowVersion,
	instance *models.WorkflowInstance,
	branch *models.Branch,
	node *models.WorkflowNode,
	out *stepOutcome,
	now time.Time,
) error {
	if now.Before(*branch.ResumeAt) {
		// Claimed early (instance deadline scans can surface these). Put the
		// unit back to sleep.
		branch.Status = models.BranchStatusWaiting
		e.clearLease(branch)
		instance.RecomputeStatus(now)

		return nil
	}

	e.appendNodeInstance(instance, out, node, models.NodeInstanceStatusCompleted, branch.Attempt+1,
		nil, "", branch.EnteredAt, now)

	branch.ResumeAt = nil
	branch.DeadlineAt = nil

	return e.advance(version, instance, branch, node, out, now)
}

// startSubprocess creates a child instance and suspends the branch until the
// child reaches a terminal state.
func (e *Executor) startSubprocess(
	ctx context.Context,
	instance *models.WorkflowInstance,
	branch *models.Branch,
	node *models.WorkflowNode,
	out *stepOutcome,
	now time.Time,
) error {
	definitionKey, _ := node.Config["definition_key"].(string)
	if definitionKey == "" {
		e.failInstance(instance, branch, out, now,
			fmt.Errorf("subprocess node %s has no definition_key", node.Key))

		return nil
	}

	definition, err := e.persistence.Definitions().ByKey(ctx, definitionKey)
	if err != nil {
		e.failVisit(instance, branch, node, out, now, branch.Attempt+1, now,
			fmt.Errorf("failed to resolve subprocess definition %s: %w", definitionKey, err))

		return nil
	}

	if !definition.IsTriggerable() {
		e.failVisit(instance, branch, node, out, now, branch.Attempt+1, now,
			fmt.Errorf("subprocess definition %s is not active", definitionKey))

		return nil
	}

	input, err := subprocessInput(instance, node)
	if err != nil {
		e.failVisit(instance, branch, node, out, now, branch.Attempt+1, now, err)

		return nil
	}

	child := &models.WorkflowInstance{
		ID:             uuid.New().String(),
		DefinitionID:   definition.ID,
		VersionID:      definition.CurrentVersionID,
		EntityType:     instance.EntityType,
		EntityID:       instance.EntityID,
		TriggerEvent:   "subprocess:" + node.Key,
		Status:         models.InstanceStatusPending,
		Input:          input,
		State:          make(map[string]any),
		Priority:       instance.Priority,
		ParentID:       instance.ID,
		ParentBranchID: branch.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if definition.DefaultTimeoutMinutes > 0 {
		deadline := now.Add(time.Duration(definition.DefaultTimeoutMinutes) * time.Minute)
		child.TimeoutAt = &deadline
	}

	version, err := e.persistence.Versions().ByID(ctx, definition.CurrentVersionID)
	if err != nil {
		e.failVisit(instance, branch, node, out, now, branch.Attempt+1, now,
			fmt.Errorf("failed to load subprocess version: %w", err))

		return nil
	}

	start := version.StartNode()
	if start == nil {
		e.failVisit(instance, branch, node, out, now, branch.Attempt+1, now,
			fmt.Errorf("subprocess version %s has no start node", version.ID))

		return nil
	}

	child.Branches = []*models.Branch{{
		ID:        uuid.New().String(),
		NodeKey:   start.Key,
		Status:    models.BranchStatusReady,
		EnteredAt: now,
	}}

	branch.ChildInstanceID = child.ID
	branch.Status = models.BranchStatusWaiting
	branch.DeadlineAt = e.policy.TimeoutDeadline(node, now)
	e.clearLease(branch)

	instance.RecomputeStatus(now)

	out.commit.Logs = append(out.commit.Logs,
		newLog(instance, node.Key, models.LogKindNodeEntered, "subprocess started", map[string]any{
			"child_instance_id": child.ID,
			"definition_key":    definitionKey,
		}))

	// Created only after the parent commit sticks, so a losing writer never
	// leaves an orphan child running.
	out.after = append(out.after, func(ctx context.Context) {
		err := e.persistence.Instances().Create(ctx, child)
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to create subprocess instance",
				"parent_id", instance.ID, "child_id", child.ID, "error", err)

			return
		}

		event := events.InstanceStarted{
			BaseEvent:     events.NewBaseEvent(events.InstanceStartedEvent, child.ID),
			DefinitionKey: definitionKey,
			EntityType:    child.EntityType,
			EntityID:      child.EntityID,
			TriggerEvent:  child.TriggerEvent,
			Input:         child.Input,
		}
		event.DefinitionID = child.DefinitionID
		e.recorder.Publish(ctx, child.ID, event)
	})

	return nil
}

// resumeSubprocess handles a claim on a branch waiting for a child instance.
func (e *Executor) resumeSubprocess(
	ctx context.Context,
	version *models.WorkflowVersion,
	instance *models.WorkflowInstance,
	branch *models.Branch,
	node *models.WorkflowNode,
	out *stepOutcome,
	now time.Time,
) error {
	child, err := e.persistence.Instances().ByID(ctx, branch.ChildInstanceID)
	if err != nil {
		return fmt.Errorf("failed to load subprocess instance %s: %w", branch.ChildInstanceID, err)
	}

	switch child.Status {
	case models.InstanceStatusCompleted:
		if instance.State == nil {
			instance.State = make(map[string]any)
		}

		if child.Output != nil {
			instance.State[node.Key] = child.Output
		}

		e.appendNodeInstance(instance, out, node, models.NodeInstanceStatusCompleted, branch.Attempt+1,
			child.Output, "", branch.EnteredAt, now)

		branch.ChildInstanceID = ""
		branch.DeadlineAt = nil

		return e.advance(version, instance, branch, node, out, now)
	case models.InstanceStatusFailed, models.InstanceStatusCancelled, models.InstanceStatusTimedOut:
		branch.ChildInstanceID = ""

		e.failVisit(instance, branch, node, out, now, branch.Attempt+1, branch.EnteredAt,
			fmt.Errorf("subprocess instance %s ended %s: %s", child.ID, child.Status, child.ErrorMessage))

		return nil
	default:
		// Claimable only because the node deadline elapsed while the child
		// still runs. The child keeps running; this visit fails.
		branch.ChildInstanceID = ""

		e.failVisit(instance, branch, node, out, now, branch.Attempt+1, branch.EnteredAt,
			fmt.Errorf("subprocess instance %s not finished before node deadline", child.ID))

		return nil
	}
}

// advance moves the branch across the first matching outgoing transition.
func (e *Executor) advance(
	version *models.WorkflowVersion,
	instance *models.WorkflowInstance,
	branch *models.Branch,
	node *models.WorkflowNode,
	out *stepOutcome,
	now time.Time,
) error {
	if node.IsEnd {
		e.completeBranch(instance, branch, out, now)

		return nil
	}

	var target *models.WorkflowTransition

	for _, tr := range version.OutgoingTransitions(node.Key) {
		if e.transitionMatches(instance, node, tr) {
			target = tr

			break
		}
	}

	if target == nil {
		e.failInstance(instance, branch, out, now,
			fmt.Errorf("%w out of node %s", ErrNoViableTransition, node.Key))

		return nil
	}

	branch.FromKey = node.Key
	branch.NodeKey = target.TargetKey
	branch.Status = models.BranchStatusReady
	branch.Attempt = 0
	branch.NextRetryAt = nil
	branch.ResumeAt = nil
	branch.DeadlineAt = nil
	branch.EnteredAt = now
	e.clearLease(branch)

	instance.RecomputeStatus(now)

	return nil
}

// transitionMatches evaluates one guard. Expression errors count as no match
// and are logged, never raised.
func (e *Executor) transitionMatches(
	instance *models.WorkflowInstance,
	node *models.WorkflowNode,
	tr *models.WorkflowTransition,
) bool {
	switch tr.Kind {
	case models.ConditionKindAlways:
		return true
	case models.ConditionKindDefault:
		// Default transitions sort last; reaching one means no sibling matched.
		return true
	case models.ConditionKindExpression:
		ok, err := conditions.Evaluate(tr.Expression, instance.State)
		if err != nil {
			e.logger.Warn("transition guard evaluation failed, treated as no match",
				"instance_id", instance.ID, "node_key", node.Key,
				"transition_id", tr.ID, "error", err)

			return false
		}

		return ok
	default:
		return tr.Default()
	}
}

// completeBranch retires the branch; the last branch out completes the
// instance and freezes its output.
func (e *Executor) completeBranch(
	instance *models.WorkflowInstance,
	branch *models.Branch,
	out *stepOutcome,
	now time.Time,
) {
	instance.RemoveBranch(branch.ID)

	if len(instance.Branches) > 0 {
		instance.RecomputeStatus(now)

		return
	}

	instance.Status = models.InstanceStatusCompleted
	instance.Output = cloneMap(instance.State)
	instance.CompletedAt = &now

	out.commit.Logs = append(out.commit.Logs,
		newLog(instance, "", models.LogKindInstanceCompleted, "instance completed", nil))

	event := events.InstanceCompleted{
		BaseEvent: events.NewBaseEvent(events.InstanceCompletedEvent, instance.ID),
		Output:    instance.Output,
	}
	if instance.StartedAt != nil {
		event.DurationMs = now.Sub(*instance.StartedAt).Milliseconds()
	}

	event.WorkerID = e.workerID
	out.addEvent(event)

	e.notifyParentOnTerminal(instance, out)
}

// failVisit records a failed node visit and either schedules a retry or fails
// the instance when the budget is exhausted.
func (e *Executor) failVisit(
	instance *models.WorkflowInstance,
	branch *models.Branch,
	node *models.WorkflowNode,
	out *stepOutcome,
	now time.Time,
	attempt int,
	startedAt time.Time,
	cause error,
) {
	e.appendNodeInstance(instance, out, node, models.NodeInstanceStatusFailed, attempt,
		nil, cause.Error(), startedAt, now)

	delay, exhausted := e.policy.NextAttempt(node, attempt)

	out.commit.Logs = append(out.commit.Logs,
		newLog(instance, node.Key, models.LogKindNodeFailed, cause.Error(), map[string]any{
			"attempt":    attempt,
			"will_retry": !exhausted,
		}))

	event := events.NodeFailed{
		BaseEvent: events.NewBaseEvent(events.NodeFailedEvent, instance.ID),
		NodeKey:   node.Key,
		Attempt:   attempt,
		Error:     cause.Error(),
		WillRetry: !exhausted,
	}
	event.WorkerID = e.workerID
	out.addEvent(event)

	if exhausted {
		e.failInstance(instance, branch, out, now, cause)

		return
	}

	retryAt := now.Add(delay)

	branch.Attempt = attempt
	branch.NextRetryAt = &retryAt
	branch.Status = models.BranchStatusWaiting
	branch.TaskID = ""
	branch.ChildInstanceID = ""
	branch.ResumeAt = nil
	branch.DeadlineAt = nil
	e.clearLease(branch)

	instance.RecomputeStatus(now)
}

// failInstance moves the instance to Failed with full error capture. The
// branch stays pointed at the failing node so an operator retry can resume
// there.
func (e *Executor) failInstance(
	instance *models.WorkflowInstance,
	branch *models.Branch,
	out *stepOutcome,
	now time.Time,
	cause error,
) {
	branch.Status = models.BranchStatusWaiting
	branch.NextRetryAt = nil
	e.clearLease(branch)

	instance.Status = models.InstanceStatusFailed
	instance.ErrorMessage = cause.Error()
	instance.ErrorTrace = fmt.Sprintf("node=%s branch=%s attempt=%d", branch.NodeKey, branch.ID, branch.Attempt)

	out.commit.Logs = append(out.commit.Logs,
		newLog(instance, branch.NodeKey, models.LogKindInstanceFailed, cause.Error(), nil))

	event := events.InstanceFailed{
		BaseEvent: events.NewBaseEvent(events.InstanceFailedEvent, instance.ID),
		NodeKey:   branch.NodeKey,
		Error:     cause.Error(),
	}
	if instance.StartedAt != nil {
		event.DurationMs = now.Sub(*instance.StartedAt).Milliseconds()
	}

	event.WorkerID = e.workerID
	out.addEvent(event)

	e.notifyParentOnTerminal(instance, out)
}

func (e *Executor) finalizeCancelled(instance *models.WorkflowInstance, out *stepOutcome, now time.Time) {
	for _, b := range instance.Branches {
		e.clearLease(b)
	}

	instance.Status = models.InstanceStatusCancelled
	instance.CompletedAt = &now

	out.commit.Logs = append(out.commit.Logs,
		newLog(instance, "", models.LogKindInstanceCancelled, instance.CancelReason, nil))

	event := events.InstanceCancelled{
		BaseEvent: events.NewBaseEvent(events.InstanceCancelledEvent, instance.ID),
		Reason:    instance.CancelReason,
	}
	event.WorkerID = e.workerID
	out.addEvent(event)

	e.notifyParentOnTerminal(instance, out)
}

func (e *Executor) finalizeTimedOut(instance *models.WorkflowInstance, out *stepOutcome, now time.Time) {
	for _, b := range instance.Branches {
		e.clearLease(b)
	}

	instance.Status = models.InstanceStatusTimedOut
	instance.ErrorMessage = "instance deadline exceeded"
	instance.CompletedAt = &now

	out.commit.Logs = append(out.commit.Logs,
		newLog(instance, "", models.LogKindInstanceTimedOut, "instance deadline exceeded", nil))

	event := events.InstanceTimedOut{
		BaseEvent: events.NewBaseEvent(events.InstanceTimedOutEvent, instance.ID),
	}
	if instance.TimeoutAt != nil {
		event.Deadline = *instance.TimeoutAt
	}

	event.WorkerID = e.workerID
	out.addEvent(event)

	e.notifyParentOnTerminal(instance, out)
}

// notifyParentOnTerminal wakes the parent branch waiting on this subprocess
// once the terminal commit sticks.
func (e *Executor) notifyParentOnTerminal(instance *models.WorkflowInstance, out *stepOutcome) {
	if instance.ParentID == "" {
		return
	}

	parentID := instance.ParentID
	branchID := instance.ParentBranchID
	childID := instance.ID

	out.after = append(out.after, func(ctx context.Context) {
		for attempt := 0; attempt < staleRetryLimit; attempt++ {
			parent, err := e.persistence.Instances().ByID(ctx, parentID)
			if err != nil {
				e.logger.ErrorContext(ctx, "failed to load parent instance", "parent_id", parentID, "error", err)

				return
			}

			branch := parent.Branch(branchID)
			if branch == nil || branch.ChildInstanceID != childID {
				return
			}

			branch.Status = models.BranchStatusReady
			parent.RecomputeStatus(e.now())

			err = e.persistence.Instances().CommitStep(ctx, parent, &persistence.StepCommit{})
			if err == nil {
				return
			}

			if !errors.Is(err, persistence.ErrStaleInstanceState) {
				e.logger.ErrorContext(ctx, "failed to wake parent instance", "parent_id", parentID, "error", err)

				return
			}
		}
	})
}

// releaseBranch hands a claimed unit back untouched.
func (e *Executor) releaseBranch(branch *models.Branch) {
	branch.Status = models.BranchStatusReady
	e.clearLease(branch)
}

func (e *Executor) clearLease(branch *models.Branch) {
	branch.WorkerID = ""
	branch.LeaseExpiresAt = nil
}

// appendNodeInstance issues the next execution sequence number and appends
// the visit record to the commit.
func (e *Executor) appendNodeInstance(
	instance *models.WorkflowInstance,
	out *stepOutcome,
	node *models.WorkflowNode,
	status models.NodeInstanceStatus,
	attempt int,
	output map[string]any,
	errMsg string,
	startedAt time.Time,
	finishedAt time.Time,
) {
	record := &models.WorkflowNodeInstance{
		ID:                uuid.New().String(),
		InstanceID:        instance.ID,
		NodeKey:           node.Key,
		NodeType:          node.Type,
		Status:            status,
		ExecutionSequence: instance.NextSequence(),
		Attempt:           attempt,
		WorkerID:          e.workerID,
		Output:            output,
		Error:             errMsg,
		StartedAt:         startedAt,
		CompletedAt:       &finishedAt,
		DurationMs:        finishedAt.Sub(startedAt).Milliseconds(),
	}

	out.commit.NodeInstances = append(out.commit.NodeInstances, record)
}

// buildTask maps human task node configuration onto a task record.
func buildTask(
	instance *models.WorkflowInstance,
	branch *models.Branch,
	node *models.WorkflowNode,
	now time.Time,
) *models.WorkflowTask {
	task := &models.WorkflowTask{
		ID:         uuid.New().String(),
		InstanceID: instance.ID,
		BranchID:   branch.ID,
		NodeKey:    node.Key,
		Name:       node.Name,
		Status:     models.TaskStatusPending,
		Priority:   instance.Priority,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if name, ok := node.Config["name"].(string); ok && name != "" {
		task.Name = name
	}

	if assignment, ok := node.Config["assignment"].(map[string]any); ok {
		task.Assignment.UserID, _ = assignment["user_id"].(string)
		task.Assignment.GroupID, _ = assignment["group_id"].(string)
		task.Assignment.Role, _ = assignment["role"].(string)
	}

	if priority, ok := node.Config["priority"].(float64); ok {
		task.Priority = int(priority)
	}

	if due, ok := node.Config["due_in_minutes"].(float64); ok && due > 0 {
		dueAt := now.Add(time.Duration(due) * time.Minute)
		task.DueAt = &dueAt
	}

	if schema, ok := node.Config["form_schema"].(map[string]any); ok {
		task.FormSchema = schema
	}

	if actions, ok := node.Config["actions"].([]any); ok {
		for _, a := range actions {
			if s, ok := a.(string); ok {
				task.Actions = append(task.Actions, s)
			}
		}
	}

	return task
}

// waitResumeTime reads a wait node's timer configuration.
func waitResumeTime(config map[string]any, now time.Time) (time.Time, error) {
	if seconds, ok := config["duration_seconds"].(float64); ok && seconds > 0 {
		return now.Add(time.Duration(seconds * float64(time.Second))), nil
	}

	if raw, ok := config["resume_at"].(string); ok && raw != "" {
		resumeAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid resume_at timestamp: %w", err)
		}

		return resumeAt, nil
	}

	return time.Time{}, errors.New("missing duration_seconds or resume_at")
}

// subprocessInput renders the configured input map against the parent's
// execution context.
func subprocessInput(instance *models.WorkflowInstance, node *models.WorkflowNode) (map[string]any, error) {
	configured, ok := node.Config["input"].(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}

	rendered, err := template.RenderConfig(configured, &models.ExecutionContext{
		InstanceID:   instance.ID,
		DefinitionID: instance.DefinitionID,
		EntityType:   instance.EntityType,
		EntityID:     instance.EntityID,
		TriggerEvent: instance.TriggerEvent,
		NodeKey:      node.Key,
		Input:        instance.Input,
		State:        instance.State,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render subprocess input: %w", err)
	}

	return rendered, nil
}

// asOutputMap normalizes handler output for state merging.
func asOutputMap(output any) map[string]any {
	if output == nil {
		return nil
	}

	if m, ok := output.(map[string]any); ok {
		return m
	}

	return map[string]any{"result": output}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = v
	}

	return clone
}
