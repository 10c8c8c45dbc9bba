package domain

import "time"

// Field is one extracted value with the extractor's confidence.
type Field struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// LineItem is one invoice line.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount"`
}

// Invoice is the structured output of document extraction.
type Invoice struct {
	InvoiceNumber string     `json:"invoice_number"`
	InvoiceDate   string     `json:"invoice_date"`
	DueDate       string     `json:"due_date,omitempty"`
	Vendor        string     `json:"vendor,omitempty"`
	Currency      string     `json:"currency"`
	Total         float64    `json:"total"`
	LineItems     []LineItem `json:"line_items,omitempty"`
}

// ExceptionItem is a single low-confidence value awaiting human correction.
type ExceptionItem struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	FieldKey       string    `json:"field_key"`
	SuggestedValue string    `json:"suggested_value"`
	Confidence     float64   `json:"confidence"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

// PendingApproval is a gate awaiting sign-off before a side-effecting step.
type PendingApproval struct {
	RunID     string    `json:"run_id"`
	Intent    Intent    `json:"intent"`
	Step      string    `json:"step"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ApprovalRecord is the persisted history of an approval gate.
type ApprovalRecord struct {
	ApprovalID string         `json:"approval_id"`
	RunID      string         `json:"run_id"`
	Step       string         `json:"step"`
	Status     ApprovalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	DecidedAt  *time.Time     `json:"decided_at,omitempty"`
	DecidedBy  string         `json:"decided_by,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// ExceptionRecord is the persisted history of an exception item.
type ExceptionRecord struct {
	ExceptionItem
	Resolution    ExceptionResolution `json:"resolution"`
	ResolvedValue string              `json:"resolved_value,omitempty"`
	ResolvedAt    *time.Time          `json:"resolved_at,omitempty"`
}
