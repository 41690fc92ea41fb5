package handlers

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/probehub/backend/internal/core/ports"
	"github.com/probehub/backend/internal/infrastructure/logger"
	"github.com/probehub/backend/internal/transport/http/dto"
)

const reportWarningHeader = "X-Report-Warning"

type ReportHandler struct {
	reports ports.ReportService
	tasks   ports.TaskService
	logger  *logger.Logger
}

func NewReportHandler(reports ports.ReportService, tasks ports.TaskService, logger *logger.Logger) *ReportHandler {
	return &ReportHandler{reports: reports, tasks: tasks, logger: logger}
}

func (h *ReportHandler) Download(c *fiber.Ctx) error {
	taskID := c.Params("id")
	h.logger.Infow("report_download_request", "task_id", taskID)

	report, err := h.reports.FetchReport(c.UserContext(), taskID)
	if err != nil {
		h.logger.Warnw("report_download_failed", "task_id", taskID, "error", err)
		return fail(c, err)
	}

	if report.Warning != "" {
		c.Set(reportWarningHeader, report.Warning)
	}
	c.Set(fiber.HeaderContentType, report.ContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, report.Name))
	return c.Send(report.Body)
}

func (h *ReportHandler) Info(c *fiber.Ctx) error {
	info, err := h.reports.ReportInfo(c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(dto.OK("ok", info))
}

// Transcript serves every line the task produced, suppressed ones included,
// as a gzip file.
func (h *ReportHandler) Transcript(c *fiber.Ctx) error {
	taskID := c.Params("id")
	lines, err := h.tasks.Transcript(taskID)
	if err != nil {
		return fail(c, err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(strings.Join(lines, "\n"))); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, "application/gzip")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s.log.gz"`, taskID))
	return c.Send(buf.Bytes())
}
