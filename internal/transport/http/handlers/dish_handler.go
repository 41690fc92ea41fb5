package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/probehub/backend/internal/core/ports"
	"github.com/probehub/backend/internal/domain"
	"github.com/probehub/backend/internal/infrastructure/logger"
	"github.com/probehub/backend/internal/transport/http/dto"
)

const dishExportContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type DishHandler struct {
	service ports.DishService
	logger  *logger.Logger
}

func NewDishHandler(service ports.DishService, logger *logger.Logger) *DishHandler {
	return &DishHandler{service: service, logger: logger}
}

func dishFilter(c *fiber.Ctx) (domain.DishFilter, error) {
	filter := domain.DishFilter{
		Name:     c.Query("name"),
		Category: c.Query("category"),
	}
	if s := c.Query("status"); s != "" {
		status, err := strconv.Atoi(s)
		if err != nil {
			return filter, err
		}
		filter.Status = &status
	}
	return filter, nil
}

func (h *DishHandler) List(c *fiber.Ctx) error {
	filter, err := dishFilter(c)
	if err != nil {
		return badRequest(c, "invalid status")
	}
	pageNum := c.QueryInt("page_num", 1)
	pageSize := c.QueryInt("page_size", 10)
	if pageNum < 1 {
		pageNum = 1
	}
	filter.Limit = pageSize
	filter.Offset = (pageNum - 1) * pageSize

	dishes, total, err := h.service.List(c.UserContext(), filter)
	if err != nil {
		h.logger.Errorw("dish_list_failed", "error", err)
		return fail(c, err)
	}
	return c.JSON(dto.OK("ok", dto.Page{Total: total, Rows: dishes}))
}

// Export downloads the filtered dish list as a spreadsheet.
func (h *DishHandler) Export(c *fiber.Ctx) error {
	filter, err := dishFilter(c)
	if err != nil {
		return badRequest(c, "invalid status")
	}
	body, err := h.service.Export(c.UserContext(), filter)
	if err != nil {
		h.logger.Errorw("dish_export_failed", "error", err)
		return fail(c, err)
	}
	c.Set(fiber.HeaderContentType, dishExportContentType)
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="dishes.xlsx"`)
	return c.Send(body)
}

func (h *DishHandler) Get(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return badRequest(c, "invalid dish id")
	}
	dish, err := h.service.Get(c.UserContext(), uint(id))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.OK("ok", dish))
}

func (h *DishHandler) Create(c *fiber.Ctx) error {
	var req dto.DishRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	dish := req.ToDomain(0)
	if err := h.service.Create(c.UserContext(), dish); err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.OK("dish created", dish))
}

func (h *DishHandler) Update(c *fiber.Ctx) error {
	var req dto.UpdateDishRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	dish := req.ToDomain(req.ID)
	if err := h.service.Update(c.UserContext(), dish); err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.OK("dish updated", dish))
}

// Delete removes the comma separated ids in the path.
func (h *DishHandler) Delete(c *fiber.Ctx) error {
	var ids []uint
	for _, part := range strings.Split(c.Params("ids"), ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return badRequest(c, "invalid dish id: "+part)
		}
		ids = append(ids, uint(id))
	}
	if err := h.service.Delete(c.UserContext(), ids); err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.OK("dishes deleted", fiber.Map{"deleted": len(ids)}))
}
