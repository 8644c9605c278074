package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/persistence"
	"github.com/vantagecrm/relay/pkg/persistence/memory"
	"github.com/vantagecrm/relay/pkg/protocol"
	"github.com/vantagecrm/relay/pkg/registry"
)

const testWorkerID = "worker-test-1"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// scriptedFactory builds actions whose behavior the test controls per call.
type scriptedFactory struct {
	id   string
	exec func(config map[string]any, execCtx models.ExecutionContext) (any, error)
}

func (f *scriptedFactory) ID() string             { return f.id }
func (f *scriptedFactory) Schema() map[string]any { return nil }

func (f *scriptedFactory) Create(config map[string]any) (protocol.Action, error) {
	return &scriptedAction{factory: f, config: config}, nil
}

type scriptedAction struct {
	factory *scriptedFactory
	config  map[string]any
}

func (a *scriptedAction) Execute(_ context.Context, execCtx models.ExecutionContext, _ *slog.Logger) (any, error) {
	return a.factory.exec(a.config, execCtx)
}

type harness struct {
	store    *memory.Store
	executor *Executor
	clock    *fakeClock
}

func newHarness(t *testing.T, exec func(config map[string]any, execCtx models.ExecutionContext) (any, error)) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	store := memory.NewStore()
	clock := newFakeClock()

	reg := registry.NewRegistry(logger)
	if exec != nil {
		reg.Register(&scriptedFactory{id: "scripted", exec: exec})
	}

	executor := NewExecutor(store, reg, NewRecorder(nil, logger), testWorkerID, logger)
	executor.now = clock.Now

	return &harness{store: store, executor: executor, clock: clock}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))

	return len(p), nil
}

func (h *harness) seedWorkflow(t *testing.T, nodes []*models.WorkflowNode, transitions []*models.WorkflowTransition) (*models.WorkflowDefinition, *models.WorkflowVersion) {
	t.Helper()

	ctx := context.Background()
	now := h.clock.Now()

	definition := &models.WorkflowDefinition{
		ID:         uuid.New().String(),
		Key:        "wf-" + uuid.New().String()[:8],
		Name:       "Test Workflow",
		EntityType: "contact",
		Status:     models.DefinitionStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	version := &models.WorkflowVersion{
		ID:           uuid.New().String(),
		DefinitionID: definition.ID,
		Number:       1,
		Status:       models.VersionStatusPublished,
		Nodes:        nodes,
		Transitions:  transitions,
		CreatedAt:    now,
		UpdatedAt:    now,
		PublishedAt:  &now,
	}

	definition.CurrentVersionID = version.ID

	require.NoError(t, h.store.Definitions().Create(ctx, definition))
	require.NoError(t, h.store.Versions().Create(ctx, version))

	return definition, version
}

func (h *harness) startInstance(t *testing.T, definition *models.WorkflowDefinition, version *models.WorkflowVersion) *models.WorkflowInstance {
	t.Helper()

	now := h.clock.Now()
	start := version.StartNode()
	require.NotNil(t, start, "workflow has no start node")

	instance := &models.WorkflowInstance{
		ID:           uuid.New().String(),
		DefinitionID: definition.ID,
		VersionID:    version.ID,
		EntityType:   "contact",
		EntityID:     "contact-42",
		TriggerEvent: "contact.created",
		Status:       models.InstanceStatusPending,
		State:        map[string]any{},
		Branches: []*models.Branch{{
			ID:        uuid.New().String(),
			NodeKey:   start.Key,
			Status:    models.BranchStatusReady,
			EnteredAt: now,
		}},
		StartedAt: &now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	require.NoError(t, h.store.Instances().Create(context.Background(), instance))

	return instance
}

// drive claims and processes work until the store quiesces.
func (h *harness) drive(t *testing.T) {
	t.Helper()

	ctx := context.Background()

	for i := 0; i < 100; i++ {
		claims, err := h.store.Instances().ClaimReady(ctx, testWorkerID, h.clock.Now(), 30*time.Second, 10)
		require.NoError(t, err)

		if len(claims) == 0 {
			return
		}

		for _, work := range claims {
			require.NoError(t, h.executor.ProcessClaim(ctx, work))
		}
	}

	t.Fatal("workflow did not quiesce after 100 claim rounds")
}

func (h *harness) instance(t *testing.T, id string) *models.WorkflowInstance {
	t.Helper()

	instance, err := h.store.Instances().ByID(context.Background(), id)
	require.NoError(t, err)

	return instance
}

func (h *harness) nodeInstances(t *testing.T, instanceID string) []*models.WorkflowNodeInstance {
	t.Helper()

	records, err := h.store.NodeInstances().ByInstance(context.Background(), instanceID)
	require.NoError(t, err)

	return records
}

func triggerNode(key string) *models.WorkflowNode {
	return &models.WorkflowNode{Key: key, Name: key, Type: models.NodeTypeTrigger, IsStart: true, Config: map[string]any{}}
}

func scriptedNode(key string, config map[string]any) *models.WorkflowNode {
	if config == nil {
		config = map[string]any{}
	}

	config["handler"] = "scripted"

	return &models.WorkflowNode{Key: key, Name: key, Type: models.NodeTypeAction, Config: config}
}

func endNode(key string) *models.WorkflowNode {
	return &models.WorkflowNode{Key: key, Name: key, Type: models.NodeTypeEnd, IsEnd: true, Config: map[string]any{}}
}

func always(source, target string) *models.WorkflowTransition {
	return &models.WorkflowTransition{
		ID:        uuid.New().String(),
		SourceKey: source,
		TargetKey: target,
		Kind:      models.ConditionKindAlways,
	}
}

func assertGaplessSequences(t *testing.T, records []*models.WorkflowNodeInstance) {
	t.Helper()

	seen := make(map[int]bool, len(records))
	for _, record := range records {
		assert.False(t, seen[record.ExecutionSequence], "duplicate sequence %d", record.ExecutionSequence)
		seen[record.ExecutionSequence] = true
	}

	for i := 1; i <= len(records); i++ {
		assert.True(t, seen[i], "missing sequence %d", i)
	}
}

func TestLinearWorkflowCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ map[string]any, _ models.ExecutionContext) (any, error) {
		return map[string]any{"score": 87}, nil
	})

	definition, version := h.seedWorkflow(t,
		[]*models.WorkflowNode{triggerNode("start"), scriptedNode("enrich", nil), endNode("done")},
		[]*models.WorkflowTransition{always("start", "enrich"), always("enrich", "done")},
	)
	instance := h.startInstance(t, definition, version)

	h.drive(t)

	final := h.instance(t, instance.ID)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
	assert.NotNil(t, final.CompletedAt)
	assert.Empty(t, final.Branches)
	assert.Equal(t, map[string]any{"score": float64(87)}, final.Output["enrich"])

	records := h.nodeInstances(t, instance.ID)
	require.Len(t, records, 3)
	assertGaplessSequences(t, records)

	for _, record := range records {
		assert.Equal(t, models.NodeInstanceStatusCompleted, record.Status)
		assert.Equal(t, testWorkerID, record.WorkerID)
	}
}

func TestNodeRetrySucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	var calls int

	h := newHarness(t, func(_ map[string]any, _ models.ExecutionContext) (any, error) {
		calls++
		if calls <= 2 {
			return nil, errors.New("upstream unavailable")
		}

		return map[string]any{"ok": true}, nil
	})

	flaky := scriptedNode("sync", nil)
	flaky.RetryCount = 2

	definition, version := h.seedWorkflow(t,
		[]*models.WorkflowNode{triggerNode("start"), flaky, endNode("done")},
		[]*models.WorkflowTransition{always("start", "sync"), always("sync", "done")},
	)
	instance := h.startInstance(t, definition, version)

	h.drive(t)

	final := h.instance(t, instance.ID)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
	assert.Equal(t, 3, calls)

	var visits []*models.WorkflowNodeInstance
	for _, record := range h.nodeInstances(t, instance.ID) {
		if record.NodeKey == "sync" {
			visits = append(visits, record)
		}
	}

	require.Len(t, visits, 3)
	assert.Equal(t, models.NodeInstanceStatusFailed, visits[0].Status)
	assert.Equal(t, 1, visits[0].Attempt)
	assert.Equal(t, models.NodeInstanceStatusFailed, visits[1].Status)
	assert.Equal(t, 2, visits[1].Attempt)
	assert.Equal(t, models.NodeInstanceStatusCompleted, visits[2].Status)
	assert.Equal(t, 3, visits[2].Attempt)
}

func TestNodeRetryExhaustedFailsInstance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ map[string]any, _ models.ExecutionContext) (any, error) {
		return nil, errors.New("permanent failure")
	})

	broken := scriptedNode("sync", nil)
	broken.RetryCount = 1

	definition, version := h.seedWorkflow(t,
		[]*models.WorkflowNode{triggerNode("start"), broken, endNode("done")},
		[]*models.WorkflowTransition{always("start", "sync"), always("sync", "done")},
	)
	instance := h.startInstance(t, definition, version)

	h.drive(t)

	final := h.instance(t, instance.ID)
	assert.Equal(t, models.InstanceStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "permanent failure")

	// The branch stays at the failing node for an operator retry.
	require.Len(t, final.Branches, 1)
	assert.Equal(t, "sync", final.Branches[0].NodeKey)

	var failures int
	for _, record := range h.nodeInstances(t, instance.ID) {
		if record.NodeKey == "sync" && record.Status == models.NodeInstanceStatusFailed {
			failures++
		}
	}

	assert.Equal(t, 2, failures)
}

func TestRetryBackoffDelaysNextAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ map[string]any, _ models.ExecutionContext) (any, error) {
		return nil, errors.New("still down")
	})

	node := scriptedNode("sync", nil)
	node.RetryCount = 3
	node.RetryDelaySeconds = 60

	definition, version := h.seedWorkflow(t,
		[]*models.WorkflowNode{triggerNode("start"), node, endNode("done")},
		[]*models.WorkflowTransition{always("start", "sync"), always("sync", "done")},
	)
	instance := h.startInstance(t, definition, version)

	h.drive(t)

	waiting := h.instance(t, instance.ID)
	assert.Equal(t, models.InstanceStatusWaiting, waiting.Status)
	require.Len(t, waiting.Branches, 1)
	require.NotNil(t, waiting.Branches[0].NextRetryAt)
	assert.Equal(t, h.clock.Now().Add(60*time.Second), *waiting.Branches[0].NextRetryAt)

	// Nothing claimable before the backoff elapses.
	claims, err := h.store.Instances().ClaimReady(context.Background(), testWorkerID, h.clock.Now(), 30*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, claims)

	h.clock.Advance(61 * time.Second)
	h.drive(t)

	after := h.instance(t, instance.ID)
	assert.Equal(t, 2, after.Branches[0].Attempt)
}

func TestParallelForkJoinAdvancesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(config map[string]any, _ models.ExecutionContext) (any, error) {
		return map[string]any{"path": config["path"]}, nil
	})

	fork := &models.WorkflowNode{Key: "fork", Name: "fork", Type: models.NodeTypeParallelGateway, Config: map[string]any{}}
	join := &models.WorkflowNode{Key: "join", Name: "join", Type: models.NodeTypeJoinGateway, Config: map[string]any{}}

	definition, version := h.seedWorkflow(t,
		[]*models.WorkflowNode{
			triggerNode("start"),
			fork,
			scriptedNode("email", map[string]any{"path": "email"}),
			scriptedNode("crm", map[string]any{"path": "crm"}),
			join,
			endNode("done"),
		},
		[]*models.WorkflowTransition{
			always("start", "fork"),
			always("fork", "email"),
			always("fork", "crm"),
			always("email", "join"),
			always("crm", "join"),
			always("join", "done"),
		},
	)
	instance := h.startInstance(t, definition, version)

	h.drive(t)

	final := h.instance(t, instance.ID)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
	assert.Equal(t, map[string]any{"path": "email"}, final.Output["email"])
	assert.Equal(t, map[string]any{"path": "crm"}, final.Output["crm"])

	var joinVisits int
	for _, record := range h.nodeInstances(t, instance.ID) {
		if record.NodeKey == "join" {
			joinVisits++
		}
	}

	assert.Equal(t, 1, joinVisits, "join gateway must advance exactly once")
	assertGaplessSequences(t, h.nodeInstances(t, instance.ID))
}

func TestJoinWaitsForAllBranches(t *testing.T) {
	t.Parallel()

	block := make(map[string]bool)

	h := newHarness(t, func(config map[string]any, _ models.ExecutionContext) (any, error) {
		path, _ := config["path"].(string)
		if block[path] {
			return nil, errors.New("blocked")
		}

		return map[string]any{}, nil
	})

	fork := &models.WorkflowNode{Key: "fork", Name: "fork", Type: models.NodeTypeParallelGateway, Config: map[string]any{}}
	join := &models.WorkflowNode{Key: "join", Name: "join", Type: models.NodeTypeJoinGateway, Config: map[string]any{}}

	slow := scriptedNode("slow", map[string]any{"path": "slow"})
	slow.RetryCount = 5
	slow.RetryDelaySeconds = 3600

	definition, version := h.seedWorkflow(t,
		[]*models.WorkflowNode{
			triggerNode("start"),
			fork,
			scriptedNode("fast", map[string]any{"path": "fast"}),
			slow,
			join,
			endNode("done"),
		},
		[]*models.WorkflowTransition{
			always("start", "fork"),
			always("fork", "fast"),
			always("fork", "slow"),
			always("fast", "join"),
			always("slow", "join"),
			always("join", "done"),
		},
	)

	block["slow"] = true

	instance := h.startInstance(t, definition, version)
	h.drive(t)

	// The fast branch dissolved at the barrier; the slow one waits on backoff.
	waiting := h.instance(t, instance.ID)
	assert.Equal(t, models.InstanceStatusWaiting, waiting.Status)
	require.Len(t, waiting.Branches, 1)
	assert.Equal(t, "slow", waiting.Branches[0].NodeKey)
	assert.Equal(t, []string{"fast"}, waiting.JoinArrivals["join"])

	block["slow"] = false

	h.clock.Advance(2 * time.Hour)
	h.drive(t)

	final := h.instance(t, instance.ID)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
}

func TestConditionRouting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ map[string]any, _ models.ExecutionContext) (any, error) {
		return map[string]any{"deal_value": 50000}, nil
	})

	cond := &models.WorkflowNode{Key: "route", Name: "route", Type: models.NodeTypeCondition, Config: map[string]any{}}

	definition, version := h.seedWorkflow(t,
		[]*models.WorkflowNode{
			triggerNode("start"),
			scriptedNode("score", nil),
			cond,
			scriptedNode("vip", map[string]any{"path": "vip"}),
			scriptedNode("standard", map[string]any{"path": "standard"}),
			endNode("done"),
		},
		[]*models.WorkflowTransition{
			always("start", "score"),
			always("score", "route"),
			{
				ID: uuid.New().String(), SourceKey: "route", TargetKey: "vip",
				Kind: models.ConditionKindExpression, Expression: "score.deal_value >= 10000", Priority: 1,
			},
			{
				ID: uuid.New().String(), SourceKey: "route", TargetKey: "standard",
				Kind: models.ConditionKindDefault, IsDefault: true,
			},
			always("vip", "done"),
			always("standard", "done"),
		},
	)
	instance := h.startInstance(t, definition, version)

	h.drive(t)

	final := h.instance(t, instance.ID)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)

	visited := make(map[string]bool)
	for _, record := range h.nodeInstances(t, instance.ID) {
		visited[record.NodeKey] = true
	}

	assert.True(t, visited["vip"])
	assert.False(t, visited["standard"])
}

func TestDefaultByKindEvaluatesAfterExpressionSiblings(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ map[string]any, _ models.ExecutionContext) (any, error) {
		return map[string]any{"score": 100}, nil
	})

	// The fallback is marked only through its kind and carries the lowest
	// priority. It must still sort after the matching expression sibling.
	definition, version := h.seedWorkflow(t,
		[]*models.WorkflowNode{
			triggerNode("start"),
			scriptedNode("enrich", nil),
			scriptedNode("matched", nil),
			scriptedNode("fallback", nil),
			endNode("done"),
		},
		[]*models.WorkflowTransition{
			always("start", "enrich"),
			{
				ID: uuid.New().String(), SourceKey: "enrich", TargetKey: "matched",
				Kind: models.ConditionKindExpression, Expression: "enrich.score >= 10", Priority: 5,
			},
			{
				ID: uuid.New().String(), SourceKey: "enrich", TargetKey: "fallback",
				Kind: models.ConditionKindDefault, Priority: 0,
			},
			always("matched", "done"),
			always("fallback", "done"),
		},
	)
	instance := h.startInstance(t, definition, version)

	h.drive(t)

	final := h.instance(t, instance.ID)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)

	visited := make(map[string]bool)
	for _, record := range h.nodeInstances(t, instance.ID) {
		visited[record.NodeKey] = true
	}

	assert.True(t, visited["matched"])
	assert.False(t, visited["fallback"])
}

func TestNoViableTransitionFailsInstance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ map[string]any, _ models.ExecutionContext) (any, error) {
		return map[string]any{"deal_value": 10}, nil
	})

	cond := &models.WorkflowNode{Key: "route", Name: "route", Type: models.NodeTypeCondition, Config: map[string]any{}}

	definition, version := h.seedWorkflow(t,
		[]*models.WorkflowNode{triggerNode("start"), scriptedNode("score", nil), cond, endNode("done")},
		[]*models.WorkflowTransition{
			always("start", "score"),
			always("score", "route"),
			{
				ID: uuid.New().String(), SourceKey: "route", TargetKey: "done",
				Kind: models.ConditionKindExpression, Expression: "score.deal_value >= 10000",
			},
		},
	)
	instance := h.startInstance(t, definition, version)

	h.drive(t)

	final := h.instance(t, instance.ID)
	assert.Equal(t, models.InstanceStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "no viable transition")
}

func TestHumanTaskSuspendsAndResumes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	h := newHarness(t, nil)

	taskNode := &models.WorkflowNode{
		Key: "approve", Name: "Approve discount", Type: models.NodeTypeHumanTask,
		Config: map[string]any{
			"assignment":     map[string]any{"role": "sales_manager"},
			"due_in_minutes": float64(60),
			"actions":        []any{"approve", "reject"},
		},
	}

	definition, version := h.seedWorkflow(t,
		[]*models.WorkflowNode{triggerNode("start"), taskNode, endNode("done")},
		[]*models.WorkflowTransition{always("start", "approve"), always("approve", "done")},
	)
	instance := h.startInstance(t, definition, version)

	h.drive(t)

	waiting := h.instance(t, instance.ID)
	assert.Equal(t, models.InstanceStatusWaiting, waiting.Status)
	require.Len(t, waiting.Branches, 1)
	require.NotEmpty(t, waiting.Branches[0].TaskID)

	taskID := waiting.Branches[0].TaskID

	task, err := h.store.Tasks().ByID(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, "sales_manager", task.Assignment.Role)
	assert.Equal(t, []string{"approve", "reject"}, task.Actions)
	require.NotNil(t, task.DueAt)

	// Complete the task the way the task service does: mark it completed and
	// flip the branch ready in one commit.
	now := h.clock.Now()
	task.Status = models.TaskStatusCompleted
	task.CompletedBy = "user-7"
	task.CompletedAt = &now
	task.Output = map[string]any{"decision": "approve"}

	waiting.Branches[0].Status = models.BranchStatusReady
	waiting.RecomputeStatus(now)
	require.NoError(t, h.store.Instances().CommitStep(ctx, waiting, &persistence.StepCommit{
		Tasks: []*models.WorkflowTask{task},
	}))

	h.drive(t)

	final := h.instance(t, instance.ID)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
	assert.Equal(t, map[string]any{"decision": "approve"}, final.Output["approve"])
}

func TestCancelledInstanceFinalizesWithoutTouchingTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	h := newHarness(t, nil)

	taskNode := &models.WorkflowNode{
		Key: "approve", Name: "approve", Type: models.NodeTypeHumanTask,
		Config: map[string]any{"assignment": map[string]any{"user_id": "user-7"}},
	}

	definition, version := h.seedWorkflow(t,
		[]*models.WorkflowNode{triggerNode("start"), taskNode, endNode("done")},
		[]*models.WorkflowTransition{always("start", "approve"), always("approve", "done")},
	)
	instance := h.startInstance(t, definition, version)

	h.drive(t)

	waiting := h.instance(t, instance.ID)
	taskID := waiting.Branches[0].TaskID
	require.NotEmpty(t, taskID)

	// A cancellation request that landed between claim and commit: the claim
	// snapshot already carries the flag.
	waiting.IsCancelled = true
	waiting.CancelReason = "deal closed elsewhere"
	waiting.Branches[0].Status = models.BranchStatusRunning
	waiting.Branches[0].WorkerID = testWorkerID

	require.NoError(t, h.executor.ProcessClaim(ctx, persistence.ClaimedWork{
		Instance: waiting,
		BranchID: waiting.Branches[0].ID,
	}))

	final := h.instance(t, instance.ID)
	assert.Equal(t, models.InstanceStatusCancelled, final.Status)
	assert.NotNil(t, final.CompletedAt)

	task, err := h.store.Tasks().ByID(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status, "cancellation must not touch the pending task")
}

func TestInstanceDeadlineTimesOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ map[string]any, _ models.ExecutionContext) (any, error) {
		return map[string]any{}, nil
	})

	wait := &models.WorkflowNode{
		Key: "pause", Name: "pause", Type: models.NodeTypeWait,
		Config: map[string]any{"duration_seconds": float64(3600)},
	}

	definition, version := h.seedWorkflow(t,
		[]*models.WorkflowNode{triggerNode("start"), wait, endNode("done")},
		[]*models.WorkflowTransition{always("start", "pause"), always("pause", "done")},
	)
	instance := h.startInstance(t, definition, version)

	deadline := h.clock.Now().Add(30 * time.Minute)
	instance.TimeoutAt = &deadline
	require.NoError(t, h.store.Instances().CommitStep(context.Background(), instance, nil))

	h.drive(t)
	assert.Equal(t, models.InstanceStatusWaiting, h.instance(t, instance.ID).Status)

	h.clock.Advance(45 * time.Minute)
	h.drive(t)

	final := h.instance(t, instance.ID)
	assert.Equal(t, models.InstanceStatusTimedOut, final.Status)
	assert.Equal(t, "instance deadline exceeded", final.ErrorMessage)
	assert.NotNil(t, final.CompletedAt)
}

func TestWaitNodeResumesAfterTimer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	wait := &models.WorkflowNode{
		Key: "cooldown", Name: "cooldown", Type: models.NodeTypeWait,
		Config: map[string]any{"duration_seconds": float64(120)},
	}

	definition, version := h.seedWorkflow(t,
		[]*models.WorkflowNode{triggerNode("start"), wait, endNode("done")},
		[]*models.WorkflowTransition{always("start", "cooldown"), always("cooldown", "done")},
	)
	instance := h.startInstance(t, definition, version)

	h.drive(t)

	waiting := h.instance(t, instance.ID)
	assert.Equal(t, models.InstanceStatusWaiting, waiting.Status)
	require.NotNil(t, waiting.Branches[0].ResumeAt)

	h.clock.Advance(121 * time.Second)
	h.drive(t)

	final := h.instance(t, instance.ID)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)

	var waitVisits int
	for _, record := range h.nodeInstances(t, instance.ID) {
		if record.NodeKey == "cooldown" {
			waitVisits++
		}
	}

	assert.Equal(t, 1, waitVisits, "wait node records a single visit at resume")
}

func TestSubprocessRunsChildAndMergesOutput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(config map[string]any, _ models.ExecutionContext) (any, error) {
		return map[string]any{"result": config["path"]}, nil
	})

	childDefinition, childVersion := h.seedWorkflow(t,
		[]*models.WorkflowNode{triggerNode("start"), scriptedNode("work", map[string]any{"path": "child"}), endNode("done")},
		[]*models.WorkflowTransition{always("start", "work"), always("work", "done")},
	)
	_ = childVersion

	subprocess := &models.WorkflowNode{
		Key: "delegate", Name: "delegate", Type: models.NodeTypeSubprocess,
		Config: map[string]any{"definition_key": childDefinition.Key},
	}

	parentDefinition, parentVersion := h.seedWorkflow(t,
		[]*models.WorkflowNode{triggerNode("start"), subprocess, endNode("done")},
		[]*models.WorkflowTransition{always("start", "delegate"), always("delegate", "done")},
	)
	parent := h.startInstance(t, parentDefinition, parentVersion)

	h.drive(t)

	final := h.instance(t, parent.ID)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)

	delegateOutput, ok := final.Output["delegate"].(map[string]any)
	require.True(t, ok, "parent output must carry the child result")

	workOutput, ok := delegateOutput["work"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "child", workOutput["result"])

	// Exactly one child instance exists, linked back to the parent.
	instances, _, err := h.store.Instances().List(context.Background(), persistence.InstanceFilter{
		DefinitionID: childDefinition.ID,
	})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, parent.ID, instances[0].ParentID)
	assert.Equal(t, models.InstanceStatusCompleted, instances[0].Status)
}

func TestRecoveredClaimCountsAsFailedAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	h := newHarness(t, func(_ map[string]any, _ models.ExecutionContext) (any, error) {
		return map[string]any{}, nil
	})

	node := scriptedNode("sync", nil)
	node.RetryCount = 2

	definition, version := h.seedWorkflow(t,
		[]*models.WorkflowNode{triggerNode("start"), node, endNode("done")},
		[]*models.WorkflowTransition{always("start", "sync"), always("sync", "done")},
	)
	instance := h.startInstance(t, definition, version)

	// Move the branch onto the action node first.
	claims, err := h.store.Instances().ClaimReady(ctx, testWorkerID, h.clock.Now(), 30*time.Second, 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.NoError(t, h.executor.ProcessClaim(ctx, claims[0]))

	// A dead worker's lease expires; the next claim surfaces Recovered.
	claims, err = h.store.Instances().ClaimReady(ctx, "worker-dead", h.clock.Now(), time.Second, 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	h.clock.Advance(2 * time.Second)

	claims, err = h.store.Instances().ClaimReady(ctx, testWorkerID, h.clock.Now(), 30*time.Second, 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.True(t, claims[0].Recovered)

	require.NoError(t, h.executor.ProcessClaim(ctx, claims[0]))

	after := h.instance(t, instance.ID)
	require.Len(t, after.Branches, 1)
	assert.Equal(t, 1, after.Branches[0].Attempt)

	var failed int
	for _, record := range h.nodeInstances(t, instance.ID) {
		if record.NodeKey == "sync" && record.Status == models.NodeInstanceStatusFailed {
			failed++
		}
	}

	assert.Equal(t, 1, failed)

	h.drive(t)
	assert.Equal(t, models.InstanceStatusCompleted, h.instance(t, instance.ID).Status)
}

func TestStaleCommitIsRetriedTransparently(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	h := newHarness(t, func(_ map[string]any, _ models.ExecutionContext) (any, error) {
		return map[string]any{}, nil
	})

	definition, version := h.seedWorkflow(t,
		[]*models.WorkflowNode{triggerNode("start"), endNode("done")},
		[]*models.WorkflowTransition{always("start", "done")},
	)
	instance := h.startInstance(t, definition, version)

	claims, err := h.store.Instances().ClaimReady(ctx, testWorkerID, h.clock.Now(), 30*time.Second, 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	// A concurrent writer bumps the revision behind the claim snapshot's back.
	fresh := h.instance(t, instance.ID)
	require.NoError(t, h.store.Instances().CommitStep(ctx, fresh, nil))

	require.NoError(t, h.executor.ProcessClaim(ctx, claims[0]))

	h.drive(t)
	assert.Equal(t, models.InstanceStatusCompleted, h.instance(t, instance.ID).Status)
}

func TestTriggerWithHandlerExecutes(t *testing.T) {
	t.Parallel()

	var executed bool

	h := newHarness(t, func(_ map[string]any, execCtx models.ExecutionContext) (any, error) {
		executed = true
		assert.Equal(t, "contact.created", execCtx.TriggerEvent)

		return map[string]any{}, nil
	})

	trigger := triggerNode("start")
	trigger.Config["handler"] = "scripted"

	definition, version := h.seedWorkflow(t,
		[]*models.WorkflowNode{trigger, endNode("done")},
		[]*models.WorkflowTransition{always("start", "done")},
	)
	instance := h.startInstance(t, definition, version)

	h.drive(t)

	assert.True(t, executed)
	assert.Equal(t, models.InstanceStatusCompleted, h.instance(t, instance.ID).Status)
}
