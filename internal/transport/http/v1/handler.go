// Package v1 provides the public HTTP API of the finance assistant.
package v1

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/finassist/internal/eventbus"
	"github.com/xiaot623/gogo/finassist/internal/review"
	"github.com/xiaot623/gogo/finassist/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	bus     *eventbus.Bus
	ws      echo.HandlerFunc
}

// NewHandler creates a new handler. bus feeds the SSE stream; ws, when
// non-nil, is mounted at /v1/ws.
func NewHandler(svc *service.Service, bus *eventbus.Bus, ws echo.HandlerFunc) *Handler {
	return &Handler{
		service: svc,
		bus:     bus,
		ws:      ws,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/commands", h.PostCommand)

	// Runs
	e.GET("/v1/runs", h.ListRuns)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)
	e.GET("/v1/runs/:run_id/events/stream", h.StreamRunEvents)
	e.GET("/v1/runs/:run_id/reviews", h.GetRunReviews)
	e.POST("/v1/runs/:run_id/resume", h.ResumeRun)
	e.POST("/v1/runs/:run_id/approve", h.ApproveRun)
	e.POST("/v1/runs/:run_id/reject", h.RejectRun)
	e.POST("/v1/runs/:run_id/retry", h.RetryRun)
	e.POST("/v1/runs/:run_id/abandon", h.AbandonRun)

	// Review queues
	e.GET("/v1/exceptions", h.ListExceptions)
	e.GET("/v1/exceptions/:exception_id", h.GetException)
	e.POST("/v1/exceptions/:exception_id/accept", h.AcceptException)
	e.POST("/v1/exceptions/:exception_id/dismiss", h.DismissException)
	e.GET("/v1/approvals", h.ListApprovals)

	if h.ws != nil {
		e.GET("/v1/ws", h.ws)
	}

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// writeError maps service errors onto status codes.
func writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrRunNotFound), errors.Is(err, review.ErrExceptionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrEmptyCommand):
		status = http.StatusBadRequest
	default:
		log.Printf("ERROR: %s %s: %v", c.Request().Method, c.Path(), err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}
