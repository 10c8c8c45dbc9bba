package domain

// CommandRequest represents a free-text command from a client.
type CommandRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
}

// CommandResponse is returned once the run's first plan segment has completed or suspended.
type CommandResponse struct {
	Run   Run    `json:"run"`
	Reply string `json:"reply"`
}

// ActionResponse is returned by resume, approve, reject, retry and abandon.
// Applied is false when the call was ignored because the run was not in the
// expected state or another action was already in flight.
type ActionResponse struct {
	Run     Run  `json:"run"`
	Applied bool `json:"applied"`
}

// RejectRequest carries an optional rejection reason.
type RejectRequest struct {
	Reason    string `json:"reason,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// ApproveRequest carries the approver's identity.
type ApproveRequest struct {
	DecidedBy string `json:"decided_by,omitempty"`
}

// AcceptExceptionRequest carries the value the reviewer accepted.
type AcceptExceptionRequest struct {
	Value string `json:"value,omitempty"`
}

// ExceptionActionResponse is returned when an exception item is accepted or dismissed.
type ExceptionActionResponse struct {
	Exception ExceptionItem `json:"exception"`
	Remaining int           `json:"remaining"`
	Run       Run           `json:"run"`
	Resumed   bool          `json:"resumed"`
}

// ListRunsResponse wraps a run listing.
type ListRunsResponse struct {
	Runs []Run `json:"runs"`
}

// ListEventsResponse wraps a run's timeline.
type ListEventsResponse struct {
	RunID  string      `json:"run_id"`
	Events []TaskEvent `json:"events"`
}

// ListExceptionsResponse wraps outstanding exception items.
type ListExceptionsResponse struct {
	Exceptions []ExceptionItem `json:"exceptions"`
}

// ListApprovalsResponse wraps outstanding approvals.
type ListApprovalsResponse struct {
	Approvals []PendingApproval `json:"approvals"`
}

// RunReviewsResponse is a run's exception and approval history.
type RunReviewsResponse struct {
	RunID      string            `json:"run_id"`
	Exceptions []ExceptionRecord `json:"exceptions"`
	Approvals  []ApprovalRecord  `json:"approvals"`
}

// AbandonRequest carries an optional reason for dropping a suspended run.
type AbandonRequest struct {
	Reason string `json:"reason,omitempty"`
}
