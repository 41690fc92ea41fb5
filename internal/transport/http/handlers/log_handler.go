package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/probehub/backend/internal/core/ports"
	"github.com/probehub/backend/internal/core/services"
	"github.com/probehub/backend/internal/core/services/logstream"
	"github.com/probehub/backend/internal/domain"
	"github.com/probehub/backend/internal/infrastructure/logger"
	"github.com/valyala/fasthttp"
)

const sseKeepAlive = 15 * time.Second

// LogHandler streams task log events over SSE or websocket.
type LogHandler struct {
	service ports.TaskService
	logger  *logger.Logger
}

func NewLogHandler(service ports.TaskService, logger *logger.Logger) *LogHandler {
	return &LogHandler{service: service, logger: logger}
}

// subscribe attaches to a live task. For a task that already finished it
// returns the task instead so the caller can replay connected and completed.
func (h *LogHandler) subscribe(taskID string) (*logstream.Subscriber, *domain.Task, error) {
	sub, err := h.service.Subscribe(taskID)
	if err == nil {
		return sub, nil, nil
	}
	if !errors.Is(err, services.ErrTaskNotFound) {
		return nil, nil, err
	}
	task, terr := h.service.GetTask(taskID)
	if terr != nil {
		return nil, nil, err
	}
	return nil, task, nil
}

func finishedEvents(task *domain.Task) []domain.LogEvent {
	state := task.State.String()
	return []domain.LogEvent{
		{Type: domain.LogEventConnected, TaskID: task.ID, State: state},
		{Type: domain.LogEventCompleted, TaskID: task.ID, State: state},
	}
}

func writeSSE(w *bufio.Writer, ev domain.LogEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	return w.Flush()
}

func (h *LogHandler) Stream(c *fiber.Ctx) error {
	taskID := c.Params("id")
	sub, finished, err := h.subscribe(taskID)
	if err != nil {
		h.logger.Warnw("task_logs_subscribe_failed", "task_id", taskID, "error", err)
		return fail(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		if finished != nil {
			for _, ev := range finishedEvents(finished) {
				if err := writeSSE(w, ev); err != nil {
					return
				}
			}
			return
		}

		defer sub.Close()
		keepAlive := time.NewTicker(sseKeepAlive)
		defer keepAlive.Stop()

		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if err := writeSSE(w, ev); err != nil {
					h.logger.Infow("task_logs_client_gone", "task_id", taskID, "error", err)
					return
				}
			case <-keepAlive.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					h.logger.Infow("task_logs_client_gone", "task_id", taskID, "error", err)
					return
				}
			}
		}
	}))
	return nil
}

// HandleWS sends the same events as Stream, one JSON frame each.
func (h *LogHandler) HandleWS(c *websocket.Conn) {
	taskID := c.Params("id")
	defer c.Close()

	sub, finished, err := h.subscribe(taskID)
	if err != nil {
		h.logger.Warnw("task_logs_ws_subscribe_failed", "task_id", taskID, "error", err)
		c.WriteJSON(fiber.Map{"type": "error", "task_id": taskID, "data": err.Error()})
		return
	}
	if finished != nil {
		for _, ev := range finishedEvents(finished) {
			if err := c.WriteJSON(ev); err != nil {
				return
			}
		}
		return
	}
	defer sub.Close()

	// The client never sends anything meaningful; a read error means it left.
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for ev := range sub.Events() {
		if err := c.WriteJSON(ev); err != nil {
			h.logger.Infow("task_logs_ws_client_gone", "task_id", taskID, "error", err)
			return
		}
	}
}
