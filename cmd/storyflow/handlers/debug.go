package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/storyflow/cmd/storyflow/container"
	"github.com/lyzr/storyflow/common/bootstrap"
	"github.com/lyzr/storyflow/common/traffic"
)

// DebugHandler exposes the in-memory LLM traffic buffer
type DebugHandler struct {
	components *bootstrap.Components
	traffic    *traffic.Buffer
}

// NewDebugHandler creates a new debug handler
func NewDebugHandler(c *container.Container) *DebugHandler {
	return &DebugHandler{
		components: c.Components,
		traffic:    c.Traffic,
	}
}

// GetTraffic returns recorded LLM exchanges, oldest first
// GET /api/debug/traffic?limit=N
func (h *DebugHandler) GetTraffic(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return detailJSON(c, http.StatusBadRequest, "limit must be an integer")
		}
		limit = n
	}

	events := h.traffic.Snapshot(limit)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// ClearTraffic drops all recorded exchanges
// POST /api/debug/traffic/clear
func (h *DebugHandler) ClearTraffic(c echo.Context) error {
	cleared := h.traffic.Clear()
	h.components.Logger.Info("traffic buffer cleared", "events", cleared)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"cleared": cleared,
	})
}
