package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/probehub/backend/internal/core/ports"
	"github.com/probehub/backend/internal/domain"
	"github.com/probehub/backend/internal/infrastructure/logger"
	"github.com/probehub/backend/internal/transport/http/dto"
)

type TaskHandler struct {
	service ports.TaskService
	vncURL  string
	logger  *logger.Logger
}

func NewTaskHandler(service ports.TaskService, vncURL string, logger *logger.Logger) *TaskHandler {
	return &TaskHandler{service: service, vncURL: vncURL, logger: logger}
}

func (h *TaskHandler) start(c *fiber.Ctx, input ports.StartTaskInput) error {
	h.logger.Infow("task_start_http_request", "task_id", input.TaskID, "kind", input.Kind)
	task, err := h.service.StartTask(c.UserContext(), input)
	if err != nil {
		h.logger.Warnw("task_start_http_failed", "task_id", input.TaskID, "kind", input.Kind, "error", err)
		return fail(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(dto.OK("task started", dto.StartTaskResponse{
		Task:   task,
		VNCURL: h.vncURL,
	}))
}

func (h *TaskHandler) StartTask(c *fiber.Ctx) error {
	var req dto.StartTaskRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("task_start_body_parse_failed", "error", err)
		return badRequest(c, "invalid request body")
	}
	if errs := req.Validate(); len(errs) > 0 {
		return badRequest(c, "validation failed", errs...)
	}
	return h.start(c, ports.StartTaskInput{TaskID: req.TaskID, Kind: domain.JobKind(req.Kind), Params: req.Params})
}

func (h *TaskHandler) StartDynamic(c *fiber.Ctx) error {
	var req dto.StartDynamicRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if errs := req.Validate(); len(errs) > 0 {
		return badRequest(c, "validation failed", errs...)
	}
	return h.start(c, ports.StartTaskInput{TaskID: req.TaskID, Kind: domain.JobKindDynamic, Params: req.Params()})
}

func (h *TaskHandler) StartPrivacy(c *fiber.Ctx) error {
	var req dto.StartPrivacyRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if errs := req.Validate(); len(errs) > 0 {
		return badRequest(c, "validation failed", errs...)
	}
	return h.start(c, ports.StartTaskInput{TaskID: req.TaskID, Kind: domain.JobKindPrivacy, Params: req.Params()})
}

func (h *TaskHandler) ListTasks(c *fiber.Ctx) error {
	return c.JSON(dto.OK("ok", h.service.ListTasks()))
}

func (h *TaskHandler) GetTask(c *fiber.Ctx) error {
	task, err := h.service.GetTask(c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.OK("ok", task))
}

// StopTask runs the cleanup sequence. Individual cleanup failures are
// reported as a warning; the stop itself still succeeds.
func (h *TaskHandler) StopTask(c *fiber.Ctx) error {
	taskID := c.Params("id")
	h.logger.Infow("task_stop_http_request", "task_id", taskID)

	res, err := h.service.StopTask(c.UserContext(), taskID)
	if err != nil {
		h.logger.Warnw("task_stop_http_failed", "task_id", taskID, "error", err)
		return fail(c, err)
	}

	out := dto.OK("task stopped", res)
	if res.AlreadyStopped {
		out.Message = "task already stopped"
	}
	for _, a := range res.Actions {
		if !a.OK {
			out.Warning = "some cleanup actions failed"
			break
		}
	}
	return c.JSON(out)
}

func (h *TaskHandler) VNCURL(c *fiber.Ctx) error {
	return c.JSON(dto.OK("ok", fiber.Map{"vnc_url": h.vncURL}))
}
