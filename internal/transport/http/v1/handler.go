// Package v1 provides the version 1 HTTP handlers.
package v1

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/runstream/internal/executor"
	"github.com/xiaot623/gogo/runstream/internal/hub"
	"github.com/xiaot623/gogo/runstream/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service  *service.Service
	hub      *hub.Hub
	pump     hub.PumpConfig
	upgrader websocket.Upgrader
}

// NewHandler creates a new handler. h may be nil, which disables watching.
func NewHandler(svc *service.Service, h *hub.Hub, pump hub.PumpConfig) *Handler {
	return &Handler{
		service: svc,
		hub:     h,
		pump:    pump,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/threads", h.CreateThread)
	e.GET("/v1/threads", h.ListThreads)
	e.GET("/v1/threads/:thread_id", h.GetThread)
	e.GET("/v1/threads/:thread_id/activities", h.ListActivities)
	e.POST("/v1/threads/:thread_id/runs", h.StartRun)
	e.GET("/v1/threads/:thread_id/watch", h.Watch)

	e.GET("/v1/runs/:run_id", h.GetRun)
	e.GET("/v1/executors", h.ListExecutors)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// ListExecutors lists the executors runs can be started with.
// GET /v1/executors
func (h *Handler) ListExecutors(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"executors": h.service.ListExecutors(),
	})
}

func errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrThreadNotFound), errors.Is(err, service.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, executor.ErrNotFound):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrThreadExists):
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
