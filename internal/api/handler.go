// Package api is the thin HTTP/WebSocket façade over one Session Engine.
// SPEC_FULL.md §1 drops authentication as a non-goal (one engine process
// serves one operator-trusted caller): no login, no tasks table, no
// per-user anything. It exposes the engine's command surface, status,
// and live feeds over HTTP/WebSocket.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/rabbitize/engine/internal/command"
	"github.com/rabbitize/engine/internal/session"
	"github.com/rabbitize/engine/internal/sessionerr"
)

// Handler wires the façade's routes to a single Session Engine.
type Handler struct {
	Engine   *session.Engine
	ClientID string
}

func New(engine *session.Engine, clientID string) *Handler {
	return &Handler{Engine: engine, ClientID: clientID}
}

// RegisterRoutes mounts every façade endpoint onto e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Healthz)
	e.GET("/status", h.Status)
	e.GET("/commands", h.Commands)
	e.POST("/commands", h.PostCommand)
	e.POST("/end", h.End)
	e.POST("/quick-end", h.QuickEnd)
	e.GET("/preview", h.WsPreview)
	e.GET("/interact", h.WsInteract)
}

func (h *Handler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"phase":    h.Engine.Phase(),
		"commands": len(h.Engine.Records()),
	})
}

func (h *Handler) Commands(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Engine.Records())
}

// commandRequest mirrors spec.md §3's wire shape for a single command:
// a leading-colon verb plus its positional args.
type commandRequest struct {
	Verb string   `json:"command"`
	Args []string `json:"args"`
}

func (h *Handler) PostCommand(c echo.Context) error {
	var req commandRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	item, err := h.Engine.Submit(h.ClientID, command.Command{Verb: req.Verb, Args: req.Args})
	if err != nil {
		return c.JSON(submitErrorStatus(err), map[string]string{"error": err.Error()})
	}

	select {
	case result := <-item.Done:
		resp := map[string]any{"index": item.Index, "output": result.Output}
		if result.Err != nil {
			resp["error"] = result.Err.Error()
		}
		return c.JSON(http.StatusOK, resp)
	case <-time.After(90 * time.Second):
		return c.JSON(http.StatusAccepted, map[string]any{"index": item.Index, "status": "queued"})
	}
}

func (h *Handler) End(c echo.Context) error {
	if err := h.Engine.End(c.Request().Context()); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ended"})
}

func (h *Handler) QuickEnd(c echo.Context) error {
	if err := h.Engine.QuickEnd(c.Request().Context()); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ended"})
}

// submitErrorStatus maps a Submit error to the HTTP status that best
// reflects it: overload is retryable (429), an unknown verb is a client
// error (400), everything else means the session isn't ready yet (409).
func submitErrorStatus(err error) int {
	switch {
	case errors.Is(err, sessionerr.ErrQueueOverloaded):
		return http.StatusTooManyRequests
	case errors.Is(err, sessionerr.ErrUnknownCommand):
		return http.StatusBadRequest
	default:
		return http.StatusConflict
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WsPreview streams live-preview JPEG frames as binary websocket messages,
// subscribing to the engine's preview topic (spec.md §4.12).
func (h *Handler) WsPreview(c echo.Context) error {
	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	frames, unsubscribe := h.Engine.PreviewTopic().Subscribe()
	defer unsubscribe()

	for frame := range frames {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
			return nil
		}
	}
	return nil
}

// interactiveMessage is one low-level input event from the remote-control
// surface (spec.md §4.11): the same verb/args shape as a queued command,
// routed through the identical Command Executor path.
type interactiveMessage struct {
	Verb string   `json:"command"`
	Args []string `json:"args"`
}

// WsInteract accepts a stream of low-level input events and executes each
// through the same Submit path a queued command would take, giving the
// interactive surface no privileged shortcut around the Command Executor.
func (h *Handler) WsInteract(c echo.Context) error {
	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		var msg interactiveMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return nil
		}
		item, err := h.Engine.Submit(h.ClientID, command.Command{Verb: msg.Verb, Args: msg.Args})
		if err != nil {
			_ = conn.WriteJSON(map[string]string{"error": err.Error()})
			continue
		}
		result := <-item.Done
		resp := map[string]any{"index": item.Index, "output": result.Output}
		if result.Err != nil {
			resp["error"] = result.Err.Error()
		}
		_ = conn.WriteJSON(resp)
	}
}
