package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/probehub/backend/internal/core/services"
	"github.com/probehub/backend/internal/transport/http/dto"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidTaskID),
		errors.Is(err, services.ErrUnknownJobKind),
		errors.Is(err, services.ErrInvalidJobParams),
		errors.Is(err, services.ErrUploadInvalid),
		errors.Is(err, services.ErrDishInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, services.ErrTaskNotFound),
		errors.Is(err, services.ErrReportNotFound),
		errors.Is(err, services.ErrDishNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrTaskAlreadyRunning),
		errors.Is(err, services.ErrJobKindBusy):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrShuttingDown):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, services.ErrTransport),
		errors.Is(err, services.ErrRegenerationFailed),
		errors.Is(err, services.ErrUploadFailed):
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

func fail(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(dto.Fail(err.Error()))
}

func badRequest(c *fiber.Ctx, message string, details ...string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.Fail(message, details...))
}
