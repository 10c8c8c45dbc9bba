package v1

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

// PostCommand parses a free-text command and runs it until it completes or
// suspends.
// POST /v1/commands
func (h *Handler) PostCommand(c echo.Context) error {
	var req domain.CommandRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return badRequest(c, "text is required")
	}

	resp, err := h.service.HandleCommand(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
