// Package http provides the HTTP server implementation for runstream.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/runstream/internal/hub"
	"github.com/xiaot623/gogo/runstream/internal/service"
	v1 "github.com/xiaot623/gogo/runstream/internal/transport/http/v1"
)

// NewServer creates and configures the HTTP server.
func NewServer(svc *service.Service, h *hub.Hub, pump hub.PumpConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		ExposeHeaders: []string{"X-Run-ID", "X-Thread-ID", "X-Executor"},
	}))

	// Register Routes
	v1.NewHandler(svc, h, pump).RegisterRoutes(e)

	return e
}
