package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/persistence"
	"github.com/vantagecrm/relay/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Drop tables in reverse dependency order (children first, parents last)
	for _, table := range []string{"workflow_logs", "workflow_tasks", "workflow_node_instances", "workflow_instances", "workflow_versions", "workflow_definitions", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("relay_test"),
			postgres.WithUsername("relay"),
			postgres.WithPassword("relay"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = store.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return store, ctx, databaseURL
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	for _, table := range []string{"workflow_definitions", "workflow_versions", "workflow_instances", "workflow_node_instances", "workflow_tasks", "workflow_logs", "schema_migrations"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = 1").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	err := store.HealthCheck(ctx)
	assert.NoError(t, err)
}

func testDefinition() *models.WorkflowDefinition {
	now := time.Now().UTC().Truncate(time.Millisecond)

	return &models.WorkflowDefinition{
		ID:                    uuid.NewString(),
		Key:                   "deal-review-" + uuid.NewString()[:8],
		Name:                  "Deal Review",
		Description:           "Review incoming deals",
		EntityType:            "deal",
		Status:                models.DefinitionStatusDraft,
		DefaultTimeoutMinutes: 60,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

func testVersion(definitionID string, number int) *models.WorkflowVersion {
	now := time.Now().UTC().Truncate(time.Millisecond)

	return &models.WorkflowVersion{
		ID:           uuid.NewString(),
		DefinitionID: definitionID,
		Number:       number,
		Status:       models.VersionStatusDraft,
		Nodes: []*models.WorkflowNode{
			{Key: "start", Name: "Start", Type: models.NodeTypeTrigger, IsStart: true},
			{Key: "notify", Name: "Notify Owner", Type: models.NodeTypeAction, Config: map[string]any{"handler": "log"}},
			{Key: "done", Name: "Done", Type: models.NodeTypeEnd, IsEnd: true},
		},
		Transitions: []*models.WorkflowTransition{
			{ID: "t1", SourceKey: "start", TargetKey: "notify", Kind: models.ConditionKindAlways},
			{ID: "t2", SourceKey: "notify", TargetKey: "done", Kind: models.ConditionKindAlways},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testInstance(definitionID, versionID string) *models.WorkflowInstance {
	now := time.Now().UTC().Truncate(time.Millisecond)

	return &models.WorkflowInstance{
		ID:           uuid.NewString(),
		DefinitionID: definitionID,
		VersionID:    versionID,
		EntityType:   "deal",
		EntityID:     "deal-42",
		TriggerEvent: "deal.created",
		Status:       models.InstanceStatusPending,
		Branches: []*models.Branch{
			{ID: uuid.NewString(), NodeKey: "start", Status: models.BranchStatusReady, EnteredAt: now},
		},
		Input:     map[string]any{"amount": 1500},
		State:     map[string]any{"amount": 1500},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestDefinitionLifecycle(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	definition := testDefinition()
	require.NoError(t, store.Definitions().Create(ctx, definition))

	dupe := testDefinition()
	dupe.Key = definition.Key
	err := store.Definitions().Create(ctx, dupe)
	assert.ErrorIs(t, err, persistence.ErrDefinitionKeyExists)

	retrieved, err := store.Definitions().ByKey(ctx, definition.Key)
	require.NoError(t, err)
	assert.Equal(t, definition.ID, retrieved.ID)
	assert.Equal(t, 60, retrieved.DefaultTimeoutMinutes)

	retrieved.Status = models.DefinitionStatusActive
	retrieved.CurrentVersionID = uuid.NewString()
	retrieved.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.Definitions().Update(ctx, retrieved))

	active, err := store.Definitions().List(ctx, persistence.DefinitionFilter{Status: models.DefinitionStatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, retrieved.CurrentVersionID, active[0].CurrentVersionID)

	_, err = store.Definitions().ByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, persistence.ErrDefinitionNotFound)
}

func TestVersionLifecycle(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	definition := testDefinition()
	require.NoError(t, store.Definitions().Create(ctx, definition))

	version := testVersion(definition.ID, 1)
	require.NoError(t, store.Versions().Create(ctx, version))

	retrieved, err := store.Versions().ByID(ctx, version.ID)
	require.NoError(t, err)
	assert.Len(t, retrieved.Nodes, 3)
	assert.Len(t, retrieved.Transitions, 2)
	assert.Equal(t, "start", retrieved.StartNode().Key)

	publishedAt := time.Now().UTC().Truncate(time.Millisecond)
	retrieved.Status = models.VersionStatusPublished
	retrieved.PublishedAt = &publishedAt
	require.NoError(t, store.Versions().Update(ctx, retrieved))

	// Published versions refuse further updates.
	retrieved.Nodes = retrieved.Nodes[:1]
	err = store.Versions().Update(ctx, retrieved)
	assert.ErrorIs(t, err, persistence.ErrVersionImmutable)

	second := testVersion(definition.ID, 2)
	require.NoError(t, store.Versions().Create(ctx, second))

	versions, err := store.Versions().ByDefinition(ctx, definition.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Number)
	assert.Equal(t, 2, versions[1].Number)

	byNumber, err := store.Versions().ByNumber(ctx, definition.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, second.ID, byNumber.ID)
}

func TestInstanceCommitStepOptimisticConcurrency(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	definition := testDefinition()
	require.NoError(t, store.Definitions().Create(ctx, definition))

	instance := testInstance(definition.ID, uuid.NewString())
	require.NoError(t, store.Instances().Create(ctx, instance))

	first, err := store.Instances().ByID(ctx, instance.ID)
	require.NoError(t, err)

	second, err := store.Instances().ByID(ctx, instance.ID)
	require.NoError(t, err)

	first.State["stage"] = "reviewed"
	require.NoError(t, store.Instances().CommitStep(ctx, first, nil))
	assert.Equal(t, int64(1), first.Revision)

	err = store.Instances().CommitStep(ctx, second, nil)
	assert.ErrorIs(t, err, persistence.ErrStaleInstanceState)

	fresh, err := store.Instances().ByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "reviewed", fresh.State["stage"])
}

func TestInstanceCommitStepRecords(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	definition := testDefinition()
	require.NoError(t, store.Definitions().Create(ctx, definition))

	instance := testInstance(definition.ID, uuid.NewString())
	require.NoError(t, store.Instances().Create(ctx, instance))

	now := time.Now().UTC().Truncate(time.Millisecond)
	task := &models.WorkflowTask{
		ID:         uuid.NewString(),
		InstanceID: instance.ID,
		BranchID:   instance.Branches[0].ID,
		NodeKey:    "approve",
		Name:       "Approve Deal",
		Status:     models.TaskStatusPending,
		Assignment: models.TaskAssignment{Role: "manager"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	commit := &persistence.StepCommit{
		NodeInstances: []*models.WorkflowNodeInstance{
			{
				ID:                uuid.NewString(),
				InstanceID:        instance.ID,
				NodeKey:           "start",
				NodeType:          models.NodeTypeTrigger,
				Status:            models.NodeInstanceStatusCompleted,
				ExecutionSequence: 1,
				Attempt:           1,
				WorkerID:          "worker-1",
				Output:            map[string]any{"ok": true},
				StartedAt:         now,
				CompletedAt:       &now,
			},
		},
		Tasks: []*models.WorkflowTask{task},
		Logs: []*models.WorkflowLog{
			{ID: uuid.NewString(), InstanceID: instance.ID, NodeKey: "start", Kind: models.LogKindNodeCompleted, Message: "node completed", CreatedAt: now},
		},
	}

	require.NoError(t, store.Instances().CommitStep(ctx, instance, commit))

	nodeInstances, err := store.NodeInstances().ByInstance(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, nodeInstances, 1)
	assert.Equal(t, models.NodeInstanceStatusCompleted, nodeInstances[0].Status)
	assert.Equal(t, true, nodeInstances[0].Output["ok"])

	logs, err := store.Logs().ByInstance(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogKindNodeCompleted, logs[0].Kind)

	stored, err := store.Tasks().ByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Approve Deal", stored.Name)
	assert.Equal(t, "manager", stored.Assignment.Role)
}

func TestInstanceClaimAndLease(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	definition := testDefinition()
	require.NoError(t, store.Definitions().Create(ctx, definition))

	instance := testInstance(definition.ID, uuid.NewString())
	require.NoError(t, store.Instances().Create(ctx, instance))

	now := time.Now().UTC().Truncate(time.Millisecond)

	claims, err := store.Instances().ClaimReady(ctx, "worker-1", now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, instance.ID, claims[0].Instance.ID)
	assert.False(t, claims[0].Recovered)

	branch := claims[0].Instance.Branch(claims[0].BranchID)
	require.NotNil(t, branch)
	assert.Equal(t, "worker-1", branch.WorkerID)

	// Nothing left to claim while the lease is live.
	empty, err := store.Instances().ClaimReady(ctx, "worker-2", now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	until := now.Add(2 * time.Minute)
	require.NoError(t, store.Instances().RenewLease(ctx, instance.ID, branch.ID, "worker-1", until))

	err = store.Instances().RenewLease(ctx, instance.ID, branch.ID, "worker-2", until)
	assert.ErrorIs(t, err, persistence.ErrLeaseLost)

	// The holder's snapshot commits despite the renewal.
	require.NoError(t, store.Instances().CommitStep(ctx, claims[0].Instance, nil))

	// After the extended lease expires the branch is recoverable.
	later := now.Add(10 * time.Minute)

	recovered, err := store.Instances().ClaimReady(ctx, "worker-3", later, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.True(t, recovered[0].Recovered)
}

func TestTaskClaimConflicts(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	definition := testDefinition()
	require.NoError(t, store.Definitions().Create(ctx, definition))

	instance := testInstance(definition.ID, uuid.NewString())
	require.NoError(t, store.Instances().Create(ctx, instance))

	now := time.Now().UTC().Truncate(time.Millisecond)
	task := &models.WorkflowTask{
		ID:         uuid.NewString(),
		InstanceID: instance.ID,
		BranchID:   instance.Branches[0].ID,
		NodeKey:    "approve",
		Name:       "Approve Deal",
		Status:     models.TaskStatusPending,
		Assignment: models.TaskAssignment{GroupID: "sales"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	require.NoError(t, store.Instances().CommitStep(ctx, instance, &persistence.StepCommit{Tasks: []*models.WorkflowTask{task}}))

	claimed, err := store.Tasks().Claim(ctx, task.ID, "alice", now)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusClaimed, claimed.Status)

	_, err = store.Tasks().Claim(ctx, task.ID, "bob", now)
	assert.ErrorIs(t, err, persistence.ErrTaskAlreadyClaimed)

	again, err := store.Tasks().Claim(ctx, task.ID, "alice", now)
	require.NoError(t, err)
	assert.Equal(t, "alice", again.ClaimedBy)

	visible, err := store.Tasks().List(ctx, persistence.TaskFilter{GroupIDs: []string{"sales"}})
	require.NoError(t, err)
	assert.Len(t, visible, 1)

	invisible, err := store.Tasks().List(ctx, persistence.TaskFilter{UserID: "mallory"})
	require.NoError(t, err)
	assert.Empty(t, invisible)
}

func TestInstanceListFiltersAndCount(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	definition := testDefinition()
	require.NoError(t, store.Definitions().Create(ctx, definition))

	for i := 0; i < 3; i++ {
		instance := testInstance(definition.ID, uuid.NewString())
		require.NoError(t, store.Instances().Create(ctx, instance))
	}

	completed := testInstance(definition.ID, uuid.NewString())
	completed.Status = models.InstanceStatusCompleted
	completed.Branches = nil
	require.NoError(t, store.Instances().Create(ctx, completed))

	page, total, err := store.Instances().List(ctx, persistence.InstanceFilter{
		DefinitionID: definition.ID,
		Limit:        2,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, page, 2)

	pending, _, err := store.Instances().List(ctx, persistence.InstanceFilter{
		DefinitionID: definition.ID,
		Status:       models.InstanceStatusPending,
	})
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	active, err := store.Instances().CountActive(ctx, definition.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, active)
}
