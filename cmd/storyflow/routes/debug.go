package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/storyflow/cmd/storyflow/container"
	"github.com/lyzr/storyflow/cmd/storyflow/handlers"
)

// RegisterDebugRoutes registers the LLM traffic inspection routes
func RegisterDebugRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewDebugHandler(c)

	debug := e.Group("/api/debug")
	{
		debug.GET("/traffic", h.GetTraffic)          // GET /api/debug/traffic?limit=50
		debug.POST("/traffic/clear", h.ClearTraffic) // POST /api/debug/traffic/clear
	}
}
