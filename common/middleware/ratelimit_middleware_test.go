package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionIDFromRequestPathParam(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("session_id")
	c.SetParamValues("sess_abc")

	assert.Equal(t, "sess_abc", sessionIDFromRequest(c))
}

func TestSessionIDFromRequestBodyPeek(t *testing.T) {
	e := echo.New()
	body := `{"session_id":"sess_xyz","user_input":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	c := e.NewContext(req, httptest.NewRecorder())

	assert.Equal(t, "sess_xyz", sessionIDFromRequest(c))

	// The peek must leave the body readable for the handler.
	restored, err := io.ReadAll(c.Request().Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(restored))
}

func TestSessionIDFromRequestNoSession(t *testing.T) {
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	assert.Empty(t, sessionIDFromRequest(c))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("not json"))
	c = e.NewContext(req, httptest.NewRecorder())
	assert.Empty(t, sessionIDFromRequest(c))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"initial_state":{}}`))
	c = e.NewContext(req, httptest.NewRecorder())
	assert.Empty(t, sessionIDFromRequest(c))
}
