package ws

import "github.com/xiaot623/gogo/finassist/internal/domain"

// Message types sent by clients.
const (
	TypeFollow  = "follow"
	TypeCommand = "command"
	TypeApprove = "approve"
	TypeReject  = "reject"
	TypeResume  = "resume"
)

// Message types sent by the server, besides hub.TypeTaskEvent.
const (
	TypeAck   = "ack"
	TypeError = "error"
)

// Error codes.
const (
	ErrorCodeInvalidMessage = "INVALID_MESSAGE"
	ErrorCodeNotFound       = "NOT_FOUND"
	ErrorCodeInternal       = "INTERNAL_ERROR"
)

// ClientMessage is any frame a client sends. Fields unused by a type are ignored.
type ClientMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Reason    string `json:"reason,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// AckMessage answers a client request.
type AckMessage struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Run       *domain.Run `json:"run,omitempty"`
	Applied   bool        `json:"applied"`
	Reply     string      `json:"reply,omitempty"`
}

// ErrorMessage reports a failed client request.
type ErrorMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}
