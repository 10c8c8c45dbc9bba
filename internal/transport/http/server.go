// Package http provides the HTTP server implementation for the finance assistant.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/finassist/internal/eventbus"
	"github.com/xiaot623/gogo/finassist/internal/service"
	v1 "github.com/xiaot623/gogo/finassist/internal/transport/http/v1"
)

// NewServer creates and configures the public HTTP server. ws, when
// non-nil, serves the WebSocket endpoint.
func NewServer(svc *service.Service, bus *eventbus.Bus, ws echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc, bus, ws)

	// Register Routes
	v1Handler.RegisterRoutes(e)

	return e
}
