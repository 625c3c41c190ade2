package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/storyflow/cmd/storyflow/container"
	"github.com/lyzr/storyflow/cmd/storyflow/service"
	"github.com/lyzr/storyflow/common/bootstrap"
)

// ChatHandler handles chat session requests
type ChatHandler struct {
	components *bootstrap.Components
	chat       *service.ChatService
}

// NewChatHandler creates a new chat handler
func NewChatHandler(c *container.Container) *ChatHandler {
	return &ChatHandler{
		components: c.Components,
		chat:       c.ChatService,
	}
}

// StartSession creates a new chat session
// POST /api/chat/session/start
func (h *ChatHandler) StartSession(c echo.Context) error {
	ctx := c.Request().Context()

	var req service.StartSessionRequest
	if err := c.Bind(&req); err != nil {
		return detailJSON(c, http.StatusBadRequest, "invalid request body")
	}

	resp, err := h.chat.StartSession(ctx, &req)
	if err != nil {
		h.components.Logger.Error("failed to start session", "error", err)
		return faultJSON(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Send runs one story round on a session branch
// POST /api/chat/send
func (h *ChatHandler) Send(c echo.Context) error {
	ctx := c.Request().Context()

	var req service.SendRequest
	if err := c.Bind(&req); err != nil {
		return detailJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.SessionID == "" {
		return detailJSON(c, http.StatusBadRequest, "session_id is required")
	}

	resp, err := h.chat.Send(ctx, &req)
	if err != nil {
		h.components.Logger.Error("chat send failed",
			"session_id", req.SessionID, "error", err)
		return faultJSON(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Reroll re-runs a completed round from its anchor snapshot
// POST /api/chat/round/reroll
func (h *ChatHandler) Reroll(c echo.Context) error {
	ctx := c.Request().Context()

	var req service.RerollRequest
	if err := c.Bind(&req); err != nil {
		return detailJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.SessionID == "" {
		return detailJSON(c, http.StatusBadRequest, "session_id is required")
	}

	resp, err := h.chat.Reroll(ctx, &req)
	if err != nil {
		h.components.Logger.Error("reroll failed",
			"session_id", req.SessionID, "round_no", req.RoundNo, "error", err)
		return faultJSON(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Branch forks a new branch from an earlier round
// POST /api/chat/branch
func (h *ChatHandler) Branch(c echo.Context) error {
	ctx := c.Request().Context()

	var req service.BranchRequest
	if err := c.Bind(&req); err != nil {
		return detailJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.SessionID == "" {
		return detailJSON(c, http.StatusBadRequest, "session_id is required")
	}

	resp, err := h.chat.Branch(ctx, &req)
	if err != nil {
		h.components.Logger.Error("branch failed",
			"session_id", req.SessionID, "from_round", req.FromRound, "error", err)
		return faultJSON(c, err)
	}

	h.components.Logger.Info("branch created",
		"session_id", req.SessionID, "branch_id", resp.BranchID, "from_round", req.FromRound)
	return c.JSON(http.StatusOK, resp)
}

// RoundStatus reports a round's gating state for pollers
// GET /api/chat/round/:session_id/:branch_id/:round_no/status
func (h *ChatHandler) RoundStatus(c echo.Context) error {
	ctx := c.Request().Context()

	sessionID := c.Param("session_id")
	branchID := c.Param("branch_id")
	roundNo, err := strconv.Atoi(c.Param("round_no"))
	if err != nil {
		return detailJSON(c, http.StatusBadRequest, "round_no must be an integer")
	}

	resp, err := h.chat.RoundStatus(ctx, sessionID, branchID, roundNo)
	if err != nil {
		return faultJSON(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
