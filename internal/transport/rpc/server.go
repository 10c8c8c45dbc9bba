// Package rpc exposes run controls over JSON-RPC for scripts and sibling services.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"time"

	"github.com/xiaot623/gogo/finassist/internal/domain"
	"github.com/xiaot623/gogo/finassist/internal/service"
)

const callTimeout = 30 * time.Second

// Server accepts JSON-RPC connections.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the run service.
func NewServer(svc *service.Service) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName("Finassist", handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Listen binds the server's listener without accepting yet.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	ln := s.listener
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			log.Printf("WARN: RPC accept error: %v", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the Finassist RPC methods.
type Handler struct {
	service *service.Service
}

// RunArgs identifies a run.
type RunArgs struct {
	RunID string `json:"run_id"`
}

// DecisionArgs answers a pending approval.
type DecisionArgs struct {
	RunID     string `json:"run_id"`
	Decision  string `json:"decision"`
	DecidedBy string `json:"decided_by,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ExceptionArgs resolves one exception item.
type ExceptionArgs struct {
	ExceptionID string `json:"exception_id"`
	Value       string `json:"value,omitempty"`
}

// Command parses and runs a free-text command.
func (h *Handler) Command(req *domain.CommandRequest, resp *domain.CommandResponse) error {
	if req == nil || strings.TrimSpace(req.Text) == "" {
		return errors.New("text is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	result, err := h.service.HandleCommand(ctx, *req)
	if err != nil {
		return err
	}
	if resp != nil && result != nil {
		*resp = *result
	}
	return nil
}

// Decide approves or rejects a run's pending step.
func (h *Handler) Decide(req *DecisionArgs, resp *domain.ActionResponse) error {
	if req == nil || req.RunID == "" {
		return errors.New("run_id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var result *domain.ActionResponse
	var err error
	switch normalizeDecision(req.Decision) {
	case "approve":
		result, err = h.service.Approve(ctx, req.RunID, req.DecidedBy)
	case "reject":
		result, err = h.service.Reject(ctx, req.RunID, req.DecidedBy, req.Reason)
	default:
		return errors.New("decision must be approve or reject")
	}
	return fill(resp, result, err)
}

// Resume continues a paused run.
func (h *Handler) Resume(req *RunArgs, resp *domain.ActionResponse) error {
	return h.runAction(req, resp, h.service.Resume)
}

// Retry re-enters a failed run.
func (h *Handler) Retry(req *RunArgs, resp *domain.ActionResponse) error {
	return h.runAction(req, resp, h.service.Retry)
}

// Abandon drops a suspended run.
func (h *Handler) Abandon(req *RunArgs, resp *domain.ActionResponse) error {
	return h.runAction(req, resp, func(ctx context.Context, runID string) (*domain.ActionResponse, error) {
		return h.service.Abandon(ctx, runID, "")
	})
}

// AcceptException resolves an item with a value.
func (h *Handler) AcceptException(req *ExceptionArgs, resp *domain.ExceptionActionResponse) error {
	if req == nil || req.ExceptionID == "" {
		return errors.New("exception_id is required")
	}
	result, err := h.service.AcceptException(context.Background(), req.ExceptionID, req.Value)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *result
	}
	return nil
}

// DismissException resolves an item without a correction.
func (h *Handler) DismissException(req *ExceptionArgs, resp *domain.ExceptionActionResponse) error {
	if req == nil || req.ExceptionID == "" {
		return errors.New("exception_id is required")
	}
	result, err := h.service.DismissException(context.Background(), req.ExceptionID)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *result
	}
	return nil
}

// ListExceptions lists outstanding items, for one run when RunID is set.
func (h *Handler) ListExceptions(req *RunArgs, resp *domain.ListExceptionsResponse) error {
	runID := ""
	if req != nil {
		runID = req.RunID
	}
	if resp != nil {
		resp.Exceptions = h.service.ListExceptions(runID)
	}
	return nil
}

// GetRun returns a run.
func (h *Handler) GetRun(req *RunArgs, resp *domain.Run) error {
	if req == nil || req.RunID == "" {
		return errors.New("run_id is required")
	}
	run, err := h.service.GetRun(context.Background(), req.RunID)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *run
	}
	return nil
}

func (h *Handler) runAction(req *RunArgs, resp *domain.ActionResponse, fn func(context.Context, string) (*domain.ActionResponse, error)) error {
	if req == nil || req.RunID == "" {
		return errors.New("run_id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	result, err := fn(ctx, req.RunID)
	return fill(resp, result, err)
}

func fill(resp, result *domain.ActionResponse, err error) error {
	if err != nil {
		return err
	}
	if resp != nil && result != nil {
		*resp = *result
	}
	return nil
}

func normalizeDecision(decision string) string {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "approve", "approved":
		return "approve"
	case "reject", "rejected":
		return "reject"
	default:
		return ""
	}
}
