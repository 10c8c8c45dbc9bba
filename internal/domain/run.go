package domain

import "time"

// Intent is the parsed form of a user command.
type Intent struct {
	Action   Action            `json:"action"`
	Entities map[string]string `json:"entities"`
}

// Entity returns the named entity or def when absent.
func (i Intent) Entity(key, def string) string {
	if v, ok := i.Entities[key]; ok && v != "" {
		return v
	}
	return def
}

// Run represents one user-initiated unit of work.
type Run struct {
	RunID     string   `json:"run_id"`
	SessionID string   `json:"session_id,omitempty"`
	Command   string   `json:"command"`
	Intent    Intent   `json:"intent"`
	State     RunState `json:"state"`
	// Step is the adapter step the run is positioned at (suspended, failed or last executed).
	Step string `json:"step,omitempty"`
	// Cursor is the plan index of Step.
	Cursor      int               `json:"cursor"`
	Reply       string            `json:"reply,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Corrections map[string]string `json:"corrections,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// TaskEvent is an immutable progress record.
type TaskEvent struct {
	ID      string     `json:"id"`
	RunID   string     `json:"run_id"`
	Step    string     `json:"step"`
	Status  TaskStatus `json:"status"`
	Message string     `json:"message"`
	Ref     string     `json:"ref,omitempty"`
	Ts      int64      `json:"ts"` // Unix milliseconds
}
