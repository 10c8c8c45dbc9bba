package v1

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

// streamBuffer is how many live events a stream holds for a slow reader.
var streamBuffer = 64

// ListRuns lists recent runs, newest first.
// GET /v1/runs?session_id=&limit=
func (h *Handler) ListRuns(c echo.Context) error {
	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}

	runs, err := h.service.ListRuns(c.Request().Context(), c.QueryParam("session_id"), limit)
	if err != nil {
		return writeError(c, err)
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	return c.JSON(http.StatusOK, domain.ListRunsResponse{Runs: runs})
}

// GetRun retrieves a run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// GetRunEvents retrieves the persisted timeline of a run.
// GET /v1/runs/:run_id/events?after_ts=&limit=
func (h *Handler) GetRunEvents(c echo.Context) error {
	runID := c.Param("run_id")
	limit := 0
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	afterTs := int64(0)
	if t := c.QueryParam("after_ts"); t != "" {
		if val, err := strconv.ParseInt(t, 10, 64); err == nil {
			afterTs = val
		}
	}

	events, err := h.service.RunEvents(c.Request().Context(), runID, afterTs, limit)
	if err != nil {
		return writeError(c, err)
	}
	if events == nil {
		events = []domain.TaskEvent{}
	}
	return c.JSON(http.StatusOK, domain.ListEventsResponse{RunID: runID, Events: events})
}

// StreamRunEvents replays a run's timeline and then streams live events as
// server-sent events until the client goes away.
// GET /v1/runs/:run_id/events/stream
func (h *Handler) StreamRunEvents(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	// Subscribe before replaying so nothing published in between is lost.
	live := newLiveFeed(streamBuffer)
	unsubscribe := h.bus.Subscribe(runID, live.push)
	defer unsubscribe()

	history, err := h.service.RunEvents(ctx, runID, 0, 0)
	if err != nil {
		return writeError(c, err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	seen := make(map[string]bool, len(history))
	for _, ev := range history {
		seen[ev.ID] = true
		if err := writeSSE(res, ev); err != nil {
			return nil
		}
	}
	res.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-live.overflow:
			// The client reconnects and replays the timeline.
			log.Printf("WARN: event stream for run %s fell behind, closing it", runID)
			return nil
		case ev := <-live.events:
			if seen[ev.ID] {
				continue
			}
			if err := writeSSE(res, ev); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

// liveFeed queues live events for one stream. Once the queue is full it
// drops everything and closes overflow, so a stream never has gaps.
type liveFeed struct {
	events   chan domain.TaskEvent
	overflow chan struct{}
	once     sync.Once
}

func newLiveFeed(size int) *liveFeed {
	return &liveFeed{
		events:   make(chan domain.TaskEvent, size),
		overflow: make(chan struct{}),
	}
}

func (f *liveFeed) push(ev domain.TaskEvent) {
	select {
	case <-f.overflow:
		return
	default:
	}
	select {
	case f.events <- ev:
	default:
		f.once.Do(func() { close(f.overflow) })
	}
}

func writeSSE(res *echo.Response, ev domain.TaskEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(res, "id: %s\nevent: task_event\ndata: %s\n\n", ev.ID, data)
	return err
}

// GetRunReviews returns every exception and approval a run has had.
// GET /v1/runs/:run_id/reviews
func (h *Handler) GetRunReviews(c echo.Context) error {
	resp, err := h.service.RunReviews(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	if resp.Exceptions == nil {
		resp.Exceptions = []domain.ExceptionRecord{}
	}
	if resp.Approvals == nil {
		resp.Approvals = []domain.ApprovalRecord{}
	}
	return c.JSON(http.StatusOK, resp)
}

// ResumeRun continues a paused run whose exceptions are all resolved.
// POST /v1/runs/:run_id/resume
func (h *Handler) ResumeRun(c echo.Context) error {
	return h.action(c, func() (*domain.ActionResponse, error) {
		return h.service.Resume(c.Request().Context(), c.Param("run_id"))
	})
}

// ApproveRun approves the run's pending step.
// POST /v1/runs/:run_id/approve
func (h *Handler) ApproveRun(c echo.Context) error {
	var req domain.ApproveRequest
	if err := bindOptional(c, &req); err != nil {
		return badRequest(c, "invalid request body")
	}
	return h.action(c, func() (*domain.ActionResponse, error) {
		return h.service.Approve(c.Request().Context(), c.Param("run_id"), req.DecidedBy)
	})
}

// RejectRun rejects the run's pending step.
// POST /v1/runs/:run_id/reject
func (h *Handler) RejectRun(c echo.Context) error {
	var req domain.RejectRequest
	if err := bindOptional(c, &req); err != nil {
		return badRequest(c, "invalid request body")
	}
	return h.action(c, func() (*domain.ActionResponse, error) {
		return h.service.Reject(c.Request().Context(), c.Param("run_id"), req.DecidedBy, req.Reason)
	})
}

// RetryRun re-enters a failed run at the step that failed.
// POST /v1/runs/:run_id/retry
func (h *Handler) RetryRun(c echo.Context) error {
	return h.action(c, func() (*domain.ActionResponse, error) {
		return h.service.Retry(c.Request().Context(), c.Param("run_id"))
	})
}

// AbandonRun drops a suspended run.
// POST /v1/runs/:run_id/abandon
func (h *Handler) AbandonRun(c echo.Context) error {
	var req domain.AbandonRequest
	if err := bindOptional(c, &req); err != nil {
		return badRequest(c, "invalid request body")
	}
	return h.action(c, func() (*domain.ActionResponse, error) {
		return h.service.Abandon(c.Request().Context(), c.Param("run_id"), req.Reason)
	})
}

// action answers 200 for applied and ignored calls alike; the body's
// applied flag tells them apart.
func (h *Handler) action(c echo.Context, fn func() (*domain.ActionResponse, error)) error {
	resp, err := fn()
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// bindOptional binds a JSON body when one was sent.
func bindOptional(c echo.Context, v interface{}) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	return c.Bind(v)
}
