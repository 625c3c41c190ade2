package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/storyflow/cmd/storyflow/container"
	"github.com/lyzr/storyflow/cmd/storyflow/service"
	"github.com/lyzr/storyflow/common/bootstrap"
)

// FlowHandler handles direct flow execution requests
type FlowHandler struct {
	components *bootstrap.Components
	flows      *service.FlowService
}

// NewFlowHandler creates a new flow handler
func NewFlowHandler(c *container.Container) *FlowHandler {
	return &FlowHandler{
		components: c.Components,
		flows:      c.FlowService,
	}
}

// Run executes a loaded flow against the given items
// POST /api/flow/run
func (h *FlowHandler) Run(c echo.Context) error {
	ctx := c.Request().Context()

	var req service.RunFlowRequest
	if err := c.Bind(&req); err != nil {
		return detailJSON(c, http.StatusBadRequest, "invalid request body")
	}

	h.components.Logger.Info("flow run requested",
		"ref", req.Ref, "session_id", req.SessionID, "items", len(req.Items))

	resp, err := h.flows.Run(ctx, &req)
	if err != nil {
		h.components.Logger.Error("flow run failed", "ref", req.Ref, "error", err)
		return faultJSON(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Validate checks a flow document without loading it
// POST /api/flow/validate
func (h *FlowHandler) Validate(c echo.Context) error {
	var req service.ValidateRequest
	if err := c.Bind(&req); err != nil {
		return detailJSON(c, http.StatusBadRequest, "invalid request body")
	}
	return c.JSON(http.StatusOK, h.flows.Validate(&req))
}

// Reload rebuilds the flow index from disk
// POST /api/flow/reload
func (h *FlowHandler) Reload(c echo.Context) error {
	var req service.ReloadRequest
	if err := c.Bind(&req); err != nil {
		return detailJSON(c, http.StatusBadRequest, "invalid request body")
	}

	resp, err := h.flows.Reload(&req)
	if err != nil {
		h.components.Logger.Error("flow reload failed", "error", err)
		return faultJSON(c, err)
	}

	h.components.Logger.Info("flows reloaded",
		"flows", len(resp.Flows), "node_types", len(resp.NodeTypes))
	return c.JSON(http.StatusOK, resp)
}
