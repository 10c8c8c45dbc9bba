// Package ws serves the live event stream and run controls over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/finassist/internal/config"
	"github.com/xiaot623/gogo/finassist/internal/domain"
	"github.com/xiaot623/gogo/finassist/internal/hub"
	"github.com/xiaot623/gogo/finassist/internal/service"
)

const requestTimeout = 30 * time.Second

// Runner is the part of the run service the socket exposes.
type Runner interface {
	HandleCommand(ctx context.Context, req domain.CommandRequest) (*domain.CommandResponse, error)
	Approve(ctx context.Context, runID, decidedBy string) (*domain.ActionResponse, error)
	Reject(ctx context.Context, runID, decidedBy, reason string) (*domain.ActionResponse, error)
	Resume(ctx context.Context, runID string) (*domain.ActionResponse, error)
}

// Server handles WebSocket connections.
type Server struct {
	hub          *hub.Hub
	runner       Runner
	pingInterval time.Duration
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, runner Runner) *Server {
	ping := cfg.WSPingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	write := cfg.WSWriteTimeout
	if write <= 0 {
		write = 10 * time.Second
	}
	return &Server{
		hub:          h,
		runner:       runner,
		pingInterval: ping,
		writeTimeout: write,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
// GET /v1/ws?run_id=...
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("WARN: failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	if runID := c.QueryParam("run_id"); runID != "" {
		s.hub.Follow(conn, runID)
	}
	if !s.hub.Register(conn) {
		return ws.Close()
	}

	ws.SetReadLimit(64 * 1024)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	readTimeout := 2 * s.pingInterval
	conn.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WARN: WebSocket error: %v", err)
			}
			return
		}
		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WARN: failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch msg.Type {
	case TypeFollow:
		s.hub.Follow(conn, msg.RunID)
		s.hub.SendJSON(conn, AckMessage{Type: TypeAck, RequestID: msg.RequestID, Applied: true})
	case TypeCommand:
		if msg.Text == "" {
			s.sendError(conn, msg.RequestID, ErrorCodeInvalidMessage, "text is required")
			return
		}
		go s.run(conn, msg, func(ctx context.Context) (*AckMessage, error) {
			resp, err := s.runner.HandleCommand(ctx, domain.CommandRequest{Text: msg.Text, SessionID: msg.SessionID})
			if err != nil {
				return nil, err
			}
			return &AckMessage{Run: &resp.Run, Applied: true, Reply: resp.Reply}, nil
		})
	case TypeApprove, TypeReject, TypeResume:
		if msg.RunID == "" {
			s.sendError(conn, msg.RequestID, ErrorCodeInvalidMessage, "run_id is required")
			return
		}
		go s.run(conn, msg, func(ctx context.Context) (*AckMessage, error) {
			var resp *domain.ActionResponse
			var err error
			switch msg.Type {
			case TypeApprove:
				resp, err = s.runner.Approve(ctx, msg.RunID, msg.DecidedBy)
			case TypeReject:
				resp, err = s.runner.Reject(ctx, msg.RunID, msg.DecidedBy, msg.Reason)
			default:
				resp, err = s.runner.Resume(ctx, msg.RunID)
			}
			if err != nil {
				return nil, err
			}
			return &AckMessage{Run: &resp.Run, Applied: resp.Applied, Reply: resp.Run.Reply}, nil
		})
	default:
		s.sendError(conn, msg.RequestID, ErrorCodeInvalidMessage, "unknown message type: "+msg.Type)
	}
}

// run executes a request off the read loop so events keep flowing while a
// plan segment executes.
func (s *Server) run(conn *hub.Connection, msg ClientMessage, fn func(ctx context.Context) (*AckMessage, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	ack, err := fn(ctx)
	if err != nil {
		code := ErrorCodeInternal
		switch {
		case errors.Is(err, service.ErrRunNotFound):
			code = ErrorCodeNotFound
		case errors.Is(err, service.ErrEmptyCommand):
			code = ErrorCodeInvalidMessage
		}
		s.sendError(conn, msg.RequestID, code, err.Error())
		return
	}
	ack.Type = TypeAck
	ack.RequestID = msg.RequestID
	if err := s.hub.SendJSON(conn, ack); err != nil {
		log.Printf("WARN: failed to ack request %s: %v", msg.RequestID, err)
	}
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, requestID, code, message string) {
	s.hub.SendJSON(conn, ErrorMessage{
		Type:      TypeError,
		RequestID: requestID,
		Code:      code,
		Message:   message,
	})
}
