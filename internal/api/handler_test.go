package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/rabbitize/engine/internal/config"
	"github.com/rabbitize/engine/internal/session"
)

func newTestHandler(t *testing.T) (*echo.Echo, *Handler) {
	cfg := &config.Config{RunsRoot: t.TempDir(), InactivityTimeoutMinutes: 15}
	engine := session.New(session.Identity{ClientID: "c1", TestID: "t1", SessionID: "s1"}, cfg, false, session.Deps{})
	h := New(engine, "c1")
	e := echo.New()
	h.RegisterRoutes(e)
	return e, h
}

func TestHealthz(t *testing.T) {
	e, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusBeforeInitialize(t *testing.T) {
	e, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "idle")
}

func TestPostCommandRejectedBeforeInitialize(t *testing.T) {
	e, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(`{"command":":navigate","args":["https://example.com"]}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
