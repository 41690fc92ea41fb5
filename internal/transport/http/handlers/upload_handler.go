package handlers

import (
	"mime/multipart"

	"github.com/gofiber/fiber/v2"
	"github.com/probehub/backend/internal/core/ports"
	"github.com/probehub/backend/internal/domain"
	"github.com/probehub/backend/internal/infrastructure/logger"
	"github.com/probehub/backend/internal/transport/http/dto"
)

type UploadHandler struct {
	service ports.UploadService
	logger  *logger.Logger
}

func NewUploadHandler(service ports.UploadService, logger *logger.Logger) *UploadHandler {
	return &UploadHandler{service: service, logger: logger}
}

// Upload accepts one or more files under the "file" or "files" form fields.
// Files are stored in order and the first failure aborts the rest.
func (h *UploadHandler) Upload(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return badRequest(c, "multipart form expected")
	}

	var headers []*multipart.FileHeader
	headers = append(headers, form.File["file"]...)
	headers = append(headers, form.File["files"]...)
	if len(headers) == 0 {
		return badRequest(c, "no file provided")
	}

	uploaded := make([]*domain.UploadedFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			h.logger.Errorw("upload_open_failed", "file", fh.Filename, "error", err)
			return c.Status(fiber.StatusInternalServerError).JSON(dto.Fail("cannot read " + fh.Filename))
		}
		res, err := h.service.Upload(c.UserContext(), fh.Filename, fh.Size, f)
		f.Close()
		if err != nil {
			return fail(c, err)
		}
		uploaded = append(uploaded, res)
	}

	if len(uploaded) == 1 {
		return c.JSON(dto.OK("upload succeeded", uploaded[0]))
	}
	return c.JSON(dto.OK("upload succeeded", uploaded))
}
