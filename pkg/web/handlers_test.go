package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/persistence"
	"github.com/vantagecrm/relay/pkg/persistence/memory"
	"github.com/vantagecrm/relay/pkg/protocol"
	"github.com/vantagecrm/relay/pkg/registry"
	"github.com/vantagecrm/relay/pkg/services"
	"github.com/vantagecrm/relay/pkg/web"
)

type noopFactory struct{}

func (noopFactory) ID() string             { return "noop" }
func (noopFactory) Schema() map[string]any { return nil }

func (noopFactory) Create(map[string]any) (protocol.Action, error) {
	return noopAction{}, nil
}

type noopAction struct{}

func (noopAction) Execute(context.Context, models.ExecutionContext, *slog.Logger) (any, error) {
	return map[string]any{}, nil
}

type testEnv struct {
	app   *fiber.App
	store *memory.Store
}

func setupTestApp(t *testing.T) *testEnv {
	t.Helper()

	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.NewRegistry(logger)
	reg.Register(noopFactory{})

	handlers := web.NewAPIHandlers(
		services.NewDefinitions(store, reg),
		services.NewInstances(store, nil, logger),
		services.NewTasks(store, nil, logger),
		validator.New(validator.WithRequiredStructEnabled()),
		reg,
	)

	app := fiber.New()
	handlers.Register(app)

	return &testEnv{app: app, store: store}
}

func (e *testEnv) request(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewBuffer(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := e.app.Test(req)
	require.NoError(t, err)

	responseBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	return resp, responseBody
}

// seedActiveDefinition drives a definition through draft, publish and
// activate over the API.
func (e *testEnv) seedActiveDefinition(t *testing.T, key string) *models.WorkflowDefinition {
	t.Helper()

	resp, body := e.request(t, http.MethodPost, "/definitions", services.CreateDefinitionRequest{
		Key:        key,
		Name:       "Lead Follow-up",
		EntityType: "contact",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var definition models.WorkflowDefinition
	require.NoError(t, json.Unmarshal(body, &definition))

	resp, _ = e.request(t, http.MethodPatch, "/definitions/"+definition.ID+"/versions/1", services.UpdateVersionRequest{
		Nodes: []*models.WorkflowNode{
			{Key: "start", Name: "Start", Type: models.NodeTypeTrigger, IsStart: true},
			{Key: "work", Name: "Work", Type: models.NodeTypeAction, Config: map[string]any{"handler": "noop"}},
			{Key: "done", Name: "Done", Type: models.NodeTypeEnd, IsEnd: true},
		},
		Transitions: []*models.WorkflowTransition{
			{ID: uuid.New().String(), SourceKey: "start", TargetKey: "work", Kind: models.ConditionKindAlways},
			{ID: uuid.New().String(), SourceKey: "work", TargetKey: "done", Kind: models.ConditionKindAlways},
		},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.request(t, http.MethodPost, "/definitions/"+definition.ID+"/versions/1/publish", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.request(t, http.MethodPost, "/definitions/"+definition.ID+"/activate", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return &definition
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)

	resp, body := env.request(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]any
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "healthy", result["status"])
}

func TestCreateDefinition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
	}{
		{
			name: "successful creation",
			requestBody: services.CreateDefinitionRequest{
				Key:        "lead-followup",
				Name:       "Lead Follow-up",
				EntityType: "contact",
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name: "validation error - missing key",
			requestBody: services.CreateDefinitionRequest{
				Name:       "Lead Follow-up",
				EntityType: "contact",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "validation error - missing entity type",
			requestBody: services.CreateDefinitionRequest{
				Key:  "lead-followup",
				Name: "Lead Follow-up",
			},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := setupTestApp(t)

			resp, body := env.request(t, http.MethodPost, "/definitions", tt.requestBody, nil)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedStatus == http.StatusCreated {
				var definition models.WorkflowDefinition
				require.NoError(t, json.Unmarshal(body, &definition))
				assert.NotEmpty(t, definition.ID)
				assert.Equal(t, models.DefinitionStatusDraft, definition.Status)
			}
		})
	}
}

func TestGetDefinitionNotFound(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)

	resp, body := env.request(t, http.MethodGet, "/definitions/"+uuid.New().String(), nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var problem map[string]any
	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, "not_found", problem["type"])
}

func TestPublishInvalidGraphReturnsBadRequest(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)

	resp, body := env.request(t, http.MethodPost, "/definitions", services.CreateDefinitionRequest{
		Key:        "broken",
		Name:       "Broken",
		EntityType: "contact",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var definition models.WorkflowDefinition
	require.NoError(t, json.Unmarshal(body, &definition))

	// Empty graph: no start node, no end node.
	resp, _ = env.request(t, http.MethodPost, "/definitions/"+definition.ID+"/versions/1/publish", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActivateWithoutPublishedVersionConflicts(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)

	resp, body := env.request(t, http.MethodPost, "/definitions", services.CreateDefinitionRequest{
		Key:        "draft-only",
		Name:       "Draft Only",
		EntityType: "contact",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var definition models.WorkflowDefinition
	require.NoError(t, json.Unmarshal(body, &definition))

	resp, _ = env.request(t, http.MethodPost, "/definitions/"+definition.ID+"/activate", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStartInstance(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)
	definition := env.seedActiveDefinition(t, "lead-followup")

	resp, body := env.request(t, http.MethodPost, "/instances", services.StartInstanceRequest{
		DefinitionKey: definition.Key,
		EntityType:    "contact",
		EntityID:      "contact-42",
		TriggerEvent:  "contact.created",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var instance models.WorkflowInstance
	require.NoError(t, json.Unmarshal(body, &instance))
	assert.Equal(t, models.InstanceStatusPending, instance.Status)
	assert.Equal(t, "contact-42", instance.EntityID)

	// Wrong entity type conflicts with the definition.
	resp, _ = env.request(t, http.MethodPost, "/instances", services.StartInstanceRequest{
		DefinitionKey: definition.Key,
		EntityType:    "deal",
		EntityID:      "deal-1",
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestInstanceDetailAndList(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)
	definition := env.seedActiveDefinition(t, "lead-followup")

	resp, body := env.request(t, http.MethodPost, "/instances", services.StartInstanceRequest{
		DefinitionKey: definition.Key,
		EntityType:    "contact",
		EntityID:      "contact-42",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var instance models.WorkflowInstance
	require.NoError(t, json.Unmarshal(body, &instance))

	resp, body = env.request(t, http.MethodGet, "/instances/"+instance.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var detail services.InstanceDetail
	require.NoError(t, json.Unmarshal(body, &detail))
	assert.Equal(t, instance.ID, detail.Instance.ID)
	assert.Len(t, detail.Logs, 1)

	resp, body = env.request(t, http.MethodGet, "/instances?definition_id="+definition.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page map[string]any
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, float64(1), page["total_count"])

	resp, _ = env.request(t, http.MethodGet, "/instances?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.request(t, http.MethodGet, "/instances?sort_by=entity_id", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelInstance(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)
	definition := env.seedActiveDefinition(t, "lead-followup")

	resp, body := env.request(t, http.MethodPost, "/instances", services.StartInstanceRequest{
		DefinitionKey: definition.Key,
		EntityType:    "contact",
		EntityID:      "contact-42",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var instance models.WorkflowInstance
	require.NoError(t, json.Unmarshal(body, &instance))

	// Reason is required.
	resp, _ = env.request(t, http.MethodPost, "/instances/"+instance.ID+"/cancel", web.CancelInstanceRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.request(t, http.MethodPost, "/instances/"+instance.ID+"/cancel",
		web.CancelInstanceRequest{Reason: "duplicate signup"},
		map[string]string{"X-User-ID": "ops@vantage"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cancelled models.WorkflowInstance
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.Equal(t, models.InstanceStatusCancelled, cancelled.Status)

	// A second cancel conflicts.
	resp, _ = env.request(t, http.MethodPost, "/instances/"+instance.ID+"/cancel",
		web.CancelInstanceRequest{Reason: "again"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func seedPendingTask(t *testing.T, env *testEnv, assignment models.TaskAssignment) *models.WorkflowTask {
	t.Helper()

	ctx := context.Background()

	branchID := uuid.New().String()
	taskID := uuid.New().String()

	instance := &models.WorkflowInstance{
		ID:           uuid.New().String(),
		DefinitionID: uuid.New().String(),
		VersionID:    uuid.New().String(),
		EntityType:   "contact",
		EntityID:     "c-1",
		Status:       models.InstanceStatusWaiting,
		State:        map[string]any{},
		Branches: []*models.Branch{{
			ID:      branchID,
			NodeKey: "approve",
			Status:  models.BranchStatusWaiting,
			TaskID:  taskID,
		}},
	}
	require.NoError(t, env.store.Instances().Create(ctx, instance))

	task := &models.WorkflowTask{
		ID:         taskID,
		InstanceID: instance.ID,
		BranchID:   branchID,
		NodeKey:    "approve",
		Name:       "Approve discount",
		Status:     models.TaskStatusPending,
		Assignment: assignment,
	}
	require.NoError(t, env.store.Instances().CommitStep(ctx, instance, &persistence.StepCommit{
		Tasks: []*models.WorkflowTask{task},
	}))

	return task
}

func TestTaskWorklistFlow(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)
	task := seedPendingTask(t, env, models.TaskAssignment{Role: "sales_manager"})

	headers := map[string]string{
		"X-User-ID":    "user-7",
		"X-User-Roles": "sales_manager, support",
	}

	// Worklist requires an identity.
	resp, _ := env.request(t, http.MethodGet, "/tasks", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.request(t, http.MethodGet, "/tasks", nil, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var worklist struct {
		Tasks []*models.WorkflowTask `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(body, &worklist))
	require.Len(t, worklist.Tasks, 1)
	assert.Equal(t, task.ID, worklist.Tasks[0].ID)

	resp, body = env.request(t, http.MethodPost, "/tasks/"+task.ID+"/claim", nil, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var claimed models.WorkflowTask
	require.NoError(t, json.Unmarshal(body, &claimed))
	assert.Equal(t, "user-7", claimed.ClaimedBy)

	// An unrelated caller cannot complete it.
	resp, _ = env.request(t, http.MethodPost, "/tasks/"+task.ID+"/complete",
		web.CompleteTaskRequest{Output: map[string]any{"decision": "approve"}},
		map[string]string{"X-User-ID": "intruder"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = env.request(t, http.MethodPost, "/tasks/"+task.ID+"/complete",
		web.CompleteTaskRequest{Output: map[string]any{"decision": "approve"}}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var completed models.WorkflowTask
	require.NoError(t, json.Unmarshal(body, &completed))
	assert.Equal(t, models.TaskStatusCompleted, completed.Status)

	// Completing again conflicts.
	resp, _ = env.request(t, http.MethodPost, "/tasks/"+task.ID+"/complete",
		web.CompleteTaskRequest{Output: map[string]any{"decision": "reject"}}, headers)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
