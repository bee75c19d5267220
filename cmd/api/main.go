package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/outbound-engine/internal/app"
	"github.com/kursadbilgin/outbound-engine/internal/config"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/handler"
	"github.com/kursadbilgin/outbound-engine/internal/observability"
	"github.com/kursadbilgin/outbound-engine/internal/transport"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		logger.Fatal("provider configuration failed", zap.Error(err))
	}

	infra, err := app.OpenInfra(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("infrastructure initialization failed", zap.Error(err))
	}
	defer infra.Close() //nolint:errcheck

	metrics := observability.NewMetrics()
	deps, err := infra.Deps(cfg, providers, metrics, logger)
	if err != nil {
		logger.Fatal("engine dependencies failed", zap.Error(err))
	}
	engine, err := app.NewEngine(deps)
	if err != nil {
		logger.Fatal("engine initialization failed", zap.Error(err))
	}

	server := fiber.New(fiber.Config{
		AppName:               "outbound-engine",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	server.Use(requestid.New())
	server.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(server, infra.SQL, infra.Redis)
	handler.RegisterMetricsRoute(server, metrics)

	controllers := make(map[domain.Channel]handler.MessageController)
	for channel, controller := range engine.Controllers() {
		controllers[channel] = controller
	}
	var templates handler.TemplateSender
	if engine.Templates() != nil {
		templates = engine.Templates()
	}
	if err := handler.RegisterMessageRoutes(server, controllers, templates); err != nil {
		logger.Fatal("message routes failed", zap.Error(err))
	}
	if err := handler.RegisterWebhookRoutes(server, engine.Webhooks()); err != nil {
		logger.Fatal("webhook routes failed", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()
	logger.Info("outbound-engine api started", zap.Int("port", cfg.APIPort))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("api server stopped", zap.Error(err))
		}
	}

	if err := server.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}
	logger.Info("outbound-engine api stopped")
}
