package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lyzr/storyflow/cmd/storyflow/container"
	"github.com/lyzr/storyflow/cmd/storyflow/routes"
	"github.com/lyzr/storyflow/common/bootstrap"
	"github.com/lyzr/storyflow/common/server"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (store, flows, queue, logger, telemetry)
	components, err := bootstrap.Setup(ctx, "storyflow")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap storyflow: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Outbox poller dispatches recorded jobs to the queue (or runs them
	// inline on the null queue) until shutdown
	pollCtx, stopPoller := context.WithCancel(ctx)
	defer stopPoller()
	go func() {
		if err := serviceContainer.Poller.Start(pollCtx); err != nil && !errors.Is(err, context.Canceled) {
			components.Logger.Error("outbox poller stopped", "error", err)
		}
	}()

	// Initialize Echo server
	e := setupEcho()

	// Setup middleware
	setupMiddleware(e)

	// Setup health check
	setupHealthCheck(e, components)

	// Register all routes
	registerRoutes(e, serviceContainer)

	// Start server with graceful shutdown
	srv := server.New("storyflow", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":  "degraded",
				"service": "storyflow",
				"error":   err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "storyflow",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterFlowRoutes(e, serviceContainer)
	routes.RegisterChatRoutes(e, serviceContainer)
	routes.RegisterDebugRoutes(e, serviceContainer)
}
