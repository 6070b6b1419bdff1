package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// Watch upgrades to a WebSocket that receives every frame of every run of
// the thread.
// GET /v1/threads/:thread_id/watch
func (h *Handler) Watch(c echo.Context) error {
	if h.hub == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "watching is disabled"})
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warnf("failed to upgrade watch websocket: %v", err)
		return err
	}

	conn := h.hub.NewConnection(ws, c.Param("thread_id"))
	go h.hub.Serve(conn, h.pump)
	return nil
}
