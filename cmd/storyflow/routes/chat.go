package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/storyflow/cmd/storyflow/container"
	"github.com/lyzr/storyflow/cmd/storyflow/handlers"
	"github.com/lyzr/storyflow/common/middleware"
)

// RegisterChatRoutes registers all chat session routes
func RegisterChatRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewChatHandler(c)

	chat := e.Group("/api/chat")
	if c.RateLimiter != nil {
		cfg := c.Components.Config.RateLimit
		chat.Use(
			middleware.GlobalRateLimitMiddleware(c.RateLimiter, int64(cfg.GlobalLimit), cfg.Window),
			middleware.SessionRateLimitMiddleware(c.RateLimiter, int64(cfg.SessionLimit), cfg.Window),
		)
	}
	{
		chat.POST("/session/start", h.StartSession) // POST /api/chat/session/start
		chat.POST("/send", h.Send)                  // POST /api/chat/send
		chat.POST("/round/reroll", h.Reroll)        // POST /api/chat/round/reroll
		chat.POST("/branch", h.Branch)              // POST /api/chat/branch

		// GET /api/chat/round/{session_id}/{branch_id}/{round_no}/status
		chat.GET("/round/:session_id/:branch_id/:round_no/status", h.RoundStatus)
	}
}
