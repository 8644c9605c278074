package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/persistence"
	"github.com/vantagecrm/relay/pkg/registry"
	"github.com/vantagecrm/relay/pkg/services"
)

type APIHandlers struct {
	definitions *services.Definitions
	instances   *services.Instances
	tasks       *services.Tasks
	registry    *registry.Registry
	validator   *validator.Validate
}

func NewAPIHandlers(
	definitions *services.Definitions,
	instances *services.Instances,
	tasks *services.Tasks,
	validator *validator.Validate,
	registry *registry.Registry,
) *APIHandlers {
	return &APIHandlers{
		definitions: definitions,
		instances:   instances,
		tasks:       tasks,
		validator:   validator,
		registry:    registry,
	}
}

// Register mounts all workflow API routes on the app.
func (h *APIHandlers) Register(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	d := app.Group("/definitions")
	d.Post("/", h.CreateDefinition)
	d.Get("/", h.ListDefinitions)
	d.Get("/:id", h.GetDefinition)
	d.Patch("/:id", h.UpdateDefinition)
	d.Get("/:id/versions", h.ListVersions)
	d.Post("/:id/versions", h.CreateDraftVersion)
	d.Get("/:id/versions/:number", h.GetVersion)
	d.Patch("/:id/versions/:number", h.UpdateDraftVersion)
	d.Post("/:id/versions/:number/publish", h.PublishVersion)
	d.Post("/:id/activate", h.ActivateDefinition)
	d.Post("/:id/pause", h.PauseDefinition)
	d.Post("/:id/archive", h.ArchiveDefinition)

	i := app.Group("/instances")
	i.Post("/", h.StartInstance)
	i.Get("/", h.ListInstances)
	i.Get("/:id", h.GetInstance)
	i.Post("/:id/cancel", h.CancelInstance)
	i.Post("/:id/pause", h.PauseInstance)
	i.Post("/:id/resume", h.ResumeInstance)
	i.Post("/:id/retry", h.RetryInstance)

	t := app.Group("/tasks")
	t.Get("/", h.ListTasks)
	t.Get("/:id", h.GetTask)
	t.Post("/:id/claim", h.ClaimTask)
	t.Post("/:id/complete", h.CompleteTask)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registryCheck, regOk := h.registry.HealthCheck()
	repositoryCheck, repOk := h.instances.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Relay API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if regOk && repOk {
		status = "healthy"
		message = "Relay API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry":   registryCheck,
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) CreateDefinition(c fiber.Ctx) error {
	var req services.CreateDefinitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	definition, err := h.definitions.Create(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(definition)
}

func (h *APIHandlers) ListDefinitions(c fiber.Ctx) error {
	filter := persistence.DefinitionFilter{
		Status:     models.DefinitionStatus(c.Query("status")),
		EntityType: c.Query("entity_type"),
	}

	definitions, err := h.definitions.List(c.Context(), filter)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"definitions": definitions})
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	definition, err := h.definitions.ByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(definition)
}

func (h *APIHandlers) UpdateDefinition(c fiber.Ctx) error {
	var req services.UpdateDefinitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	definition, err := h.definitions.Update(c.Context(), c.Params("id"), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(definition)
}

func (h *APIHandlers) ListVersions(c fiber.Ctx) error {
	versions, err := h.definitions.Versions(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"versions": versions})
}

func (h *APIHandlers) CreateDraftVersion(c fiber.Ctx) error {
	version, err := h.definitions.NewDraftVersion(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(version)
}

func (h *APIHandlers) GetVersion(c fiber.Ctx) error {
	number, err := versionNumber(c)
	if err != nil {
		return badRequest(c, "Invalid version number")
	}

	version, err := h.definitions.Version(c.Context(), c.Params("id"), number)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(version)
}

func (h *APIHandlers) UpdateDraftVersion(c fiber.Ctx) error {
	number, err := versionNumber(c)
	if err != nil {
		return badRequest(c, "Invalid version number")
	}

	var req services.UpdateVersionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	version, err := h.definitions.UpdateDraftVersion(c.Context(), c.Params("id"), number, req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(version)
}

func (h *APIHandlers) PublishVersion(c fiber.Ctx) error {
	number, err := versionNumber(c)
	if err != nil {
		return badRequest(c, "Invalid version number")
	}

	version, err := h.definitions.PublishVersion(c.Context(), c.Params("id"), number)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(version)
}

func (h *APIHandlers) ActivateDefinition(c fiber.Ctx) error {
	definition, err := h.definitions.Activate(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(definition)
}

func (h *APIHandlers) PauseDefinition(c fiber.Ctx) error {
	definition, err := h.definitions.Pause(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(definition)
}

func (h *APIHandlers) ArchiveDefinition(c fiber.Ctx) error {
	definition, err := h.definitions.Archive(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(definition)
}

func (h *APIHandlers) StartInstance(c fiber.Ctx) error {
	var req services.StartInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	instance, err := h.instances.StartInstance(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(instance)
}

func (h *APIHandlers) ListInstances(c fiber.Ctx) error {
	req, err := parseListInstancesRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.instances.List(c.Context(), *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"instances":     result.Instances,
		"total_count":   result.TotalCount,
		"has_next_page": result.HasNextPage,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
	})
}

func parseListInstancesRequest(c fiber.Ctx) (*services.ListInstancesRequest, error) {
	req := &services.ListInstancesRequest{
		DefinitionID: c.Query("definition_id"),
		EntityType:   c.Query("entity_type"),
		EntityID:     c.Query("entity_id"),
		Status:       models.InstanceStatus(c.Query("status")),
		SortBy:       c.Query("sort_by"),
		SortOrder:    c.Query("sort_order"),
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		req.Offset = offset
	}

	return req, nil
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	detail, err := h.instances.Detail(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(detail)
}

func (h *APIHandlers) CancelInstance(c fiber.Ctx) error {
	var req CancelInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.instances.Cancel(c.Context(), c.Params("id"), req.Reason, actor(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) PauseInstance(c fiber.Ctx) error {
	instance, err := h.instances.Pause(c.Context(), c.Params("id"), actor(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) ResumeInstance(c fiber.Ctx) error {
	instance, err := h.instances.Resume(c.Context(), c.Params("id"), actor(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) RetryInstance(c fiber.Ctx) error {
	instance, err := h.instances.Retry(c.Context(), c.Params("id"), actor(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) ListTasks(c fiber.Ctx) error {
	req := services.ListTasksRequest{
		Status:     models.TaskStatus(c.Query("status")),
		InstanceID: c.Query("instance_id"),
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return badRequest(c, "Invalid limit")
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return badRequest(c, "Invalid offset")
		}

		req.Offset = offset
	}

	tasks, err := h.tasks.ListFor(c.Context(), callerFromHeaders(c), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"tasks": tasks})
}

func (h *APIHandlers) GetTask(c fiber.Ctx) error {
	task, err := h.tasks.ByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(task)
}

func (h *APIHandlers) ClaimTask(c fiber.Ctx) error {
	task, err := h.tasks.Claim(c.Context(), c.Params("id"), callerFromHeaders(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(task)
}

func (h *APIHandlers) CompleteTask(c fiber.Ctx) error {
	var req CompleteTaskRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	task, err := h.tasks.Complete(c.Context(), c.Params("id"), callerFromHeaders(c), req.Output)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(task)
}

func versionNumber(c fiber.Ctx) (int, error) {
	return strconv.Atoi(c.Params("number"))
}
