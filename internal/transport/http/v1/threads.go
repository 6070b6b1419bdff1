package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// CreateThread creates a thread.
// POST /v1/threads
func (h *Handler) CreateThread(c echo.Context) error {
	var req domain.CreateThreadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	thread, err := h.service.CreateThread(c.Request().Context(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, thread)
}

// ListThreads lists threads, newest first.
// GET /v1/threads
func (h *Handler) ListThreads(c echo.Context) error {
	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}

	threads, err := h.service.ListThreads(c.Request().Context(), limit)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"threads": threads,
	})
}

// GetThread returns a thread with its runs and display state.
// GET /v1/threads/:thread_id
func (h *Handler) GetThread(c echo.Context) error {
	thread, err := h.service.GetThread(c.Request().Context(), c.Param("thread_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, thread)
}

// ListActivities returns a thread's activity log.
// GET /v1/threads/:thread_id/activities
func (h *Handler) ListActivities(c echo.Context) error {
	activities, err := h.service.ListActivities(c.Request().Context(), c.Param("thread_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if activities == nil {
		activities = []domain.Activity{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"activities": activities,
	})
}
