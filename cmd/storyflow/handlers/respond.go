package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/storyflow/cmd/storyflow/service"
	"github.com/lyzr/storyflow/common/fault"
)

// detailJSON writes the error envelope every endpoint uses: a "detail"
// field holding either a message string or a structured object.
func detailJSON(c echo.Context, status int, detail interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"detail": detail,
	})
}

// faultJSON maps a service error to its HTTP status via the fault kind.
// Blocked rounds get a structured detail so clients can poll without
// parsing the message.
func faultJSON(c echo.Context, err error) error {
	var blocked *service.RoundBlockedError
	if errors.As(err, &blocked) {
		return detailJSON(c, http.StatusConflict, map[string]interface{}{
			"error":    "round_blocked",
			"message":  blocked.Error(),
			"round_no": blocked.RoundNo,
			"blockers": blocked.Blockers,
		})
	}
	return detailJSON(c, fault.HTTPStatus(err), err.Error())
}
