package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/storyflow/cmd/storyflow/container"
	"github.com/lyzr/storyflow/cmd/storyflow/handlers"
	"github.com/lyzr/storyflow/common/middleware"
)

// RegisterFlowRoutes registers flow execution and management routes
func RegisterFlowRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewFlowHandler(c)

	// Direct runs share the global limit; validate/reload stay open since
	// they never reach the LLM.
	var runLimit []echo.MiddlewareFunc
	if c.RateLimiter != nil {
		cfg := c.Components.Config.RateLimit
		runLimit = append(runLimit,
			middleware.GlobalRateLimitMiddleware(c.RateLimiter, int64(cfg.GlobalLimit), cfg.Window))
	}

	flow := e.Group("/api/flow")
	{
		flow.POST("/run", h.Run, runLimit...) // POST /api/flow/run
		flow.POST("/validate", h.Validate)    // POST /api/flow/validate
		flow.POST("/reload", h.Reload)        // POST /api/flow/reload
	}
}
