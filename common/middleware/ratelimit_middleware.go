package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/storyflow/common/ratelimit"
)

// sessionIDFromRequest finds the session a request targets: path param on
// GET routes, session_id field in the JSON body on POST routes. The body
// is restored so handlers can bind it again.
func sessionIDFromRequest(c echo.Context) string {
	if id := c.Param("session_id"); id != "" {
		return id
	}

	req := c.Request()
	if req.Body == nil || req.Body == http.NoBody {
		return ""
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var peek struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return ""
	}
	return peek.SessionID
}

// GlobalRateLimitMiddleware checks the service-wide rate limit.
// Protects the service from being overwhelmed.
func GlobalRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter, limit int64, window time.Duration) echo.MiddlewareFunc {
	windowSec := int(window.Seconds())
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			result, err := rateLimiter.CheckGlobalLimit(c.Request().Context(), limit, windowSec)
			if err != nil {
				// On error, allow request (fail open for availability)
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"detail": map[string]interface{}{
						"error":               "global_rate_limit_exceeded",
						"limit":               result.Limit,
						"window_seconds":      windowSec,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}

// SessionRateLimitMiddleware checks per-session rate limits so one noisy
// session cannot starve the rest. Requests that carry no session id (e.g.
// session creation) pass through.
func SessionRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter, limit int64, window time.Duration) echo.MiddlewareFunc {
	windowSec := int(window.Seconds())
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sessionID := sessionIDFromRequest(c)
			if sessionID == "" {
				return next(c)
			}

			result, err := rateLimiter.CheckSessionLimit(c.Request().Context(), sessionID, limit, windowSec)
			if err != nil {
				// On error, allow request (fail open for availability)
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"detail": map[string]interface{}{
						"error":               "session_rate_limit_exceeded",
						"session_id":          sessionID,
						"limit":               result.Limit,
						"window_seconds":      windowSec,
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
