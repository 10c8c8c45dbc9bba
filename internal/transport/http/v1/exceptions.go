package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

// ListExceptions lists outstanding exception items.
// GET /v1/exceptions?run_id=
func (h *Handler) ListExceptions(c echo.Context) error {
	items := h.service.ListExceptions(c.QueryParam("run_id"))
	if items == nil {
		items = []domain.ExceptionItem{}
	}
	return c.JSON(http.StatusOK, domain.ListExceptionsResponse{Exceptions: items})
}

// GetException retrieves one outstanding exception item.
// GET /v1/exceptions/:exception_id
func (h *Handler) GetException(c echo.Context) error {
	item, err := h.service.GetException(c.Param("exception_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, item)
}

// AcceptException resolves an item with the given or suggested value.
// POST /v1/exceptions/:exception_id/accept
func (h *Handler) AcceptException(c echo.Context) error {
	var req domain.AcceptExceptionRequest
	if err := bindOptional(c, &req); err != nil {
		return badRequest(c, "invalid request body")
	}
	resp, err := h.service.AcceptException(c.Request().Context(), c.Param("exception_id"), req.Value)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// DismissException resolves an item without correcting the run.
// POST /v1/exceptions/:exception_id/dismiss
func (h *Handler) DismissException(c echo.Context) error {
	resp, err := h.service.DismissException(c.Request().Context(), c.Param("exception_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// ListApprovals lists runs waiting on an approval.
// GET /v1/approvals
func (h *Handler) ListApprovals(c echo.Context) error {
	approvals := h.service.ListApprovals()
	if approvals == nil {
		approvals = []domain.PendingApproval{}
	}
	return c.JSON(http.StatusOK, domain.ListApprovalsResponse{Approvals: approvals})
}
