package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

// Client talks to the finassist HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL, e.g. http://localhost:8080.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// apiError is the error body the server returns.
type apiError struct {
	Status  int
	Message string `json:"error"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) Command(ctx context.Context, text, sessionID string) (*domain.CommandResponse, error) {
	var resp domain.CommandResponse
	err := c.do(ctx, http.MethodPost, "/v1/commands", domain.CommandRequest{Text: text, SessionID: sessionID}, &resp)
	return &resp, err
}

func (c *Client) Runs(ctx context.Context, sessionID string, limit int) ([]domain.Run, error) {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp domain.ListRunsResponse
	err := c.do(ctx, http.MethodGet, "/v1/runs?"+q.Encode(), nil, &resp)
	return resp.Runs, err
}

func (c *Client) Run(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &run)
	return &run, err
}

func (c *Client) Events(ctx context.Context, runID string) ([]domain.TaskEvent, error) {
	var resp domain.ListEventsResponse
	err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/events", nil, &resp)
	return resp.Events, err
}

// Action posts to one of the run control endpoints: resume, approve,
// reject, retry or abandon.
func (c *Client) Action(ctx context.Context, runID, action string, body interface{}) (*domain.ActionResponse, error) {
	var resp domain.ActionResponse
	err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/"+action, body, &resp)
	return &resp, err
}

func (c *Client) Exceptions(ctx context.Context, runID string) ([]domain.ExceptionItem, error) {
	path := "/v1/exceptions"
	if runID != "" {
		path += "?run_id=" + url.QueryEscape(runID)
	}
	var resp domain.ListExceptionsResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Exceptions, err
}

// Resolve accepts (with value) or dismisses an exception item.
func (c *Client) Resolve(ctx context.Context, exceptionID string, accept bool, value string) (*domain.ExceptionActionResponse, error) {
	action, body := "dismiss", interface{}(nil)
	if accept {
		action, body = "accept", domain.AcceptExceptionRequest{Value: value}
	}
	var resp domain.ExceptionActionResponse
	err := c.do(ctx, http.MethodPost, "/v1/exceptions/"+url.PathEscape(exceptionID)+"/"+action, body, &resp)
	return &resp, err
}

func (c *Client) Approvals(ctx context.Context) ([]domain.PendingApproval, error) {
	var resp domain.ListApprovalsResponse
	err := c.do(ctx, http.MethodGet, "/v1/approvals", nil, &resp)
	return resp.Approvals, err
}

// wsURL maps the API base URL onto the WebSocket endpoint.
func (c *Client) wsURL(runID string) string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	u += "/v1/ws"
	if runID != "" {
		u += "?run_id=" + url.QueryEscape(runID)
	}
	return u
}
