package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"classwatch/internal/di"
	"classwatch/internal/hub/config"
	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/domain/model"
)

const metricsPublishInterval = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load hub configuration: %v", err)
	}

	appLogger := logger.NewLogger()
	appLogger.Info("Hub configuration loaded")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	container := di.NewContainer(cfg, appLogger)
	if err := container.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Failed to shut down container", zap.Error(err))
		}
	}()
	appLogger.Info("MongoDB and Redis connections established")

	app := fiber.New(fiber.Config{
		AppName:      "ClassWatch Alert Hub",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	})

	app.Use(recover.New())
	app.Use(container.ViewerMiddleware.CORS())
	app.Use(container.ViewerMiddleware.RequestID())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "HEALTHY",
			"timestamp": time.Now().UTC(),
		})
	})

	public := app.Group("/api/v1")
	protected := app.Group("/api/v1", container.ViewerMiddleware.Protect())

	container.SessionHandler.RegisterRoutes(public, protected)
	container.AlertHandler.RegisterRoutes(protected)

	app.Use(cfg.WebSocketPath, container.ViewerMiddleware.Protect())
	container.WSHandler.RegisterRoutes(app, cfg.WebSocketPath)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// Periodic aggregate counters pushed to every connected dashboard.
	go func() {
		ticker := time.NewTicker(metricsPublishInterval)
		defer ticker.Stop()
		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				if err := container.AlertService.PublishMetricsSnapshot(bgCtx); err != nil {
					appLogger.Warn("Failed to publish metrics snapshot", zap.Error(err))
				}
			}
		}
	}()

	// Periodic trim of the retained event streams.
	go func() {
		ticker := time.NewTicker(cfg.EventTrimInterval)
		defer ticker.Stop()
		topics := []string{model.TopicAlerts, model.TopicClassrooms, model.TopicMetrics}
		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				if err := container.EventStore.TrimTopics(bgCtx, topics); err != nil {
					appLogger.Warn("Failed to trim event streams", zap.Error(err))
				}
			}
		}
	}()

	appLogger.Info("Starting HTTP server", zap.String("addr", cfg.HTTPAddr))

	serverShutdown := make(chan error, 1)
	go func() {
		serverShutdown <- app.Listen(cfg.HTTPAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverShutdown:
		if err != nil {
			log.Fatalf("Server startup failed: %v", err)
		}
	case sig := <-quit:
		appLogger.Info("Received shutdown signal", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			appLogger.Error("Server forced to shutdown", zap.Error(err))
		}
		appLogger.Info("HTTP server stopped")
	}
}
