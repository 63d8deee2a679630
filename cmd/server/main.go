package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"skillflow/internal/api"
	"skillflow/internal/app"
	"skillflow/internal/config"
	"skillflow/internal/logging"
	"skillflow/internal/mcp"
	"skillflow/internal/schedule"
	"skillflow/pkg/models"
)

func main() {
	ctx := context.Background()

	configFile := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Configuration loading failed: %v", err)
	}

	a, err := app.New(ctx, cfg, os.Stdout)
	if err != nil {
		log.Fatalf("Initialization failed: %v", err)
	}
	defer a.Close()
	logger := a.Logger

	logger.Info("Starting skill workflow service",
		"store", cfg.Store.Backend,
		"skill_registry", cfg.SkillRegistry.URL,
		"governance", cfg.Governance.Enabled,
		"compensation", cfg.SkillRegistry.Compensation,
	)

	// Trigger scheduler
	var scheduler *schedule.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler, err = startScheduler(cfg, a, logger)
		if err != nil {
			logger.Error("Failed to start scheduler", "error", err)
			a.Close()
			os.Exit(1)
		}
	}

	// Create Echo server
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("skillflow"))

	// Mount REST API handlers
	apiGroup := e.Group("/api/v1")
	api.RegisterHandlers(apiGroup, api.NewServer(a.Engine, a.Store), api.NewHandler(a.Store, app.Version))

	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(a.Engine, a.Store, app.Version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(mcpHandlers))
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	logger.Info("MCP protocol handlers mounted")

	e.GET("/openapi.yaml", api.SpecHandler)
	e.GET("/docs", api.SwaggerHandler("/openapi.yaml"))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if scheduler != nil {
			scheduler.Stop(ctx)
		}
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
}

func startScheduler(cfg *config.Config, a *app.App, logger *logging.Logger) (*schedule.Scheduler, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	scheduler := schedule.NewScheduler(a.Engine, logger, loc, cfg.Scheduler.RunTimeout)

	for _, path := range cfg.Scheduler.TriggerFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read trigger file: %w", err)
		}
		triggers, err := models.ParseTriggers(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for _, trigger := range triggers {
			next, err := scheduler.Add(trigger)
			if err != nil {
				return nil, fmt.Errorf("%s: trigger %s: %w", path, trigger.WorkflowID, err)
			}
			logger.Info("Trigger scheduled", "workflow_id", trigger.WorkflowID, "schedule", trigger.Schedule, "next_run", next)
		}
	}

	scheduler.Start()
	return scheduler, nil
}
