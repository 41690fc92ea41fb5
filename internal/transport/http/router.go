package http

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/probehub/backend/internal/config"
	"github.com/probehub/backend/internal/core/ports"
	"github.com/probehub/backend/internal/infrastructure/logger"
	"github.com/probehub/backend/internal/transport/http/handlers"
	httpmw "github.com/probehub/backend/internal/transport/http/middleware"
)

type RouterConfig struct {
	Tasks   ports.TaskService
	Reports ports.ReportService
	Uploads ports.UploadService
	// Dishes is nil when no database is configured.
	Dishes ports.DishService
	Logger *logger.Logger
	Config *config.Config
}

func SetupRoutes(app *fiber.App, cfg RouterConfig) {
	taskHandler := handlers.NewTaskHandler(cfg.Tasks, cfg.Config.Analysis.VNCURL, cfg.Logger)
	logHandler := handlers.NewLogHandler(cfg.Tasks, cfg.Logger)
	reportHandler := handlers.NewReportHandler(cfg.Reports, cfg.Tasks, cfg.Logger)
	uploadHandler := handlers.NewUploadHandler(cfg.Uploads, cfg.Logger)

	admin := httpmw.AdminAuth(cfg.Config)

	// Websocket log subscription
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	app.Get("/ws/tasks/:id/logs", admin, websocket.New(logHandler.HandleWS))

	api := app.Group("/api/v1")

	analysis := api.Group("/analysis", admin)
	analysis.Post("/dynamic/start", taskHandler.StartDynamic)
	analysis.Post("/privacy/start", taskHandler.StartPrivacy)
	analysis.Get("/vnc-url", taskHandler.VNCURL)

	tasks := api.Group("/tasks", admin)
	tasks.Post("/", taskHandler.StartTask)
	tasks.Get("/", taskHandler.ListTasks)
	tasks.Get("/:id", taskHandler.GetTask)
	tasks.Post("/:id/stop", taskHandler.StopTask)
	tasks.Get("/:id/logs", logHandler.Stream)
	tasks.Get("/:id/report", reportHandler.Download)
	tasks.Get("/:id/report/info", reportHandler.Info)
	tasks.Get("/:id/transcript", reportHandler.Transcript)

	api.Post("/uploads", admin, uploadHandler.Upload)

	if cfg.Dishes != nil {
		dishHandler := handlers.NewDishHandler(cfg.Dishes, cfg.Logger)
		dishes := api.Group("/dishes", admin)
		dishes.Get("/", dishHandler.List)
		dishes.Post("/", dishHandler.Create)
		dishes.Put("/", dishHandler.Update)
		dishes.Get("/export", dishHandler.Export)
		dishes.Get("/:id", dishHandler.Get)
		dishes.Delete("/:ids", dishHandler.Delete)
	}
}
