package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/probehub/backend/internal/config"
	"github.com/probehub/backend/internal/core/ports"
	"github.com/probehub/backend/internal/core/services"
	"github.com/probehub/backend/internal/core/services/logstream"
	"github.com/probehub/backend/internal/infrastructure/db"
	"github.com/probehub/backend/internal/infrastructure/logger"
	"github.com/probehub/backend/internal/infrastructure/remote"
	transporthttp "github.com/probehub/backend/internal/transport/http"
	httpmw "github.com/probehub/backend/internal/transport/http/middleware"
	"github.com/probehub/backend/internal/transport/http/dto"
	"gorm.io/gorm"
)

const shutdownTimeout = 60 * time.Second

func main() {
	configPath := os.Getenv("PROBEHUB_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "../config/config.yaml"
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	var database *gorm.DB
	if cfg.Database.Enabled {
		database, err = db.NewPostgresConnection(cfg.Database)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		log.Info("database connection established")

		if err := db.RunMigrations(database); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		log.Info("database migrations completed")
	}

	classifier, err := logstream.LoadClassifier(cfg.LogStream.PatternsFile)
	if err != nil {
		log.Fatalf("failed to load log patterns: %v", err)
	}

	sshClient := remote.NewSSHClient(remote.SSHConfig{
		Host:        cfg.Remote.Host,
		Port:        cfg.Remote.Port,
		User:        cfg.Remote.User,
		Password:    cfg.Remote.Password,
		PrivateKey:  cfg.Remote.PrivateKey,
		KnownHosts:  cfg.Remote.KnownHosts,
		Timeout:     cfg.Remote.ConnectTimeout,
		MaxAttempts: cfg.Remote.MaxAttempts,
	})
	go probeSandbox(sshClient, log)

	taskService := services.NewTaskService(sshClient, classifier, cfg, log.Named("tasks"))
	reportService := services.NewReportService(sshClient, taskService, cfg.Analysis, log.Named("reports"))
	uploadService := services.NewUploadService(sshClient, cfg.Upload, log.Named("uploads"))

	var dishService ports.DishService
	if database != nil {
		dishService = services.NewDishService(db.NewDishRepository(database, log), log)
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		BodyLimit:             cfg.Server.BodyLimit,
		ErrorHandler:          globalErrorHandler(log),
		DisableStartupMessage: true,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	allowedOrigins := "http://localhost:3000"
	if len(cfg.Auth.AllowedOrigins) > 0 {
		allowedOrigins = strings.Join(cfg.Auth.AllowedOrigins, ",")
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:  allowedOrigins,
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, X-Admin-Token",
		AllowMethods:  "GET, POST, HEAD, PUT, DELETE, PATCH",
		ExposeHeaders: "Content-Disposition, X-Report-Warning",
	}))

	app.Use(httpmw.RequestID(cfg.Features.RequestIDHeader))
	if cfg.Features.EnableRequestLogging {
		app.Use(httpmw.AccessLog(log))
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "active_tasks": taskService.ActiveCount()})
	})

	transporthttp.SetupRoutes(app, transporthttp.RouterConfig{
		Tasks:   taskService,
		Reports: reportService,
		Uploads: uploadService,
		Dishes:  dishService,
		Logger:  log,
		Config:  cfg,
	})

	go func() {
		if err := app.Listen(cfg.Server.Address()); err != nil {
			log.Fatalf("server failed to start: %v", err)
		}
	}()

	log.Infof("server started on %s, sandbox %s", cfg.Server.Address(), sshClient.Address())

	gracefulShutdown(app, taskService, database, log)
}

// probeSandbox checks once that the sandbox accepts our credentials. Tasks
// still start if it fails; each one reports its own connection error.
func probeSandbox(client *remote.SSHClient, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out, err := client.Run(ctx, "uname -a")
	if err != nil {
		log.Warnw("sandbox_probe_failed", "address", client.Address(), "error", err)
		return
	}
	log.Infow("sandbox_probe_ok", "address", client.Address(), "uname", strings.TrimSpace(out))
}

func globalErrorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		var e *fiber.Error
		if errors.As(err, &e) {
			code = e.Code
		}

		if code == fiber.StatusRequestTimeout || code == fiber.StatusNotFound {
			log.Warnw("request failed",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", httpmw.GetRequestID(c),
			)
		} else {
			log.Errorw("request error",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", httpmw.GetRequestID(c),
			)
		}

		return c.Status(code).JSON(dto.Fail(err.Error()))
	}
}

func gracefulShutdown(app *fiber.App, tasks *services.TaskService, database *gorm.DB, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("shutting down server...")

	// Running tasks get their cleanup sequence before the process exits.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := tasks.Shutdown(ctx); err != nil {
		log.Errorf("task engine did not stop cleanly: %v", err)
	}

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Errorf("server forced to shutdown: %v", err)
	}

	if err := db.Close(database); err != nil {
		log.Errorf("failed to close database connection: %v", err)
	}

	log.Info("server exited gracefully")
}
