package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/xiaot623/gogo/runstream/internal/codec"
	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// StartRun starts a run and streams its frames as text/event-stream.
// Failures before the first frame are JSON errors; once the first frame is
// written the 200 status is committed and the outcome travels in the stream.
// POST /v1/threads/:thread_id/runs
func (h *Handler) StartRun(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	run, err := h.service.StartRun(ctx, c.Param("thread_id"), req)
	if err != nil {
		return errorResponse(c, err)
	}
	defer run.Detach()

	sw := codec.NewStreamWriter(c.Response())
	sw.Header().Set("X-Run-ID", run.RunID)
	sw.Header().Set("X-Thread-ID", run.ThreadID)
	sw.Header().Set("X-Executor", run.Executor)

	for {
		select {
		case f, ok := <-run.Frames():
			if !ok {
				return nil
			}
			if err := sw.WriteFrame(f); err != nil {
				log.Warnf("run %s: client write failed, run continues detached: %v", run.RunID, err)
				return nil
			}
		case <-ctx.Done():
			log.Infof("run %s: client disconnected, run continues detached", run.RunID)
			return nil
		}
	}
}

// GetRun returns the persisted state of a run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, run)
}
