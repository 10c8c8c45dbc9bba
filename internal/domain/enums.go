// Package domain defines the core domain models for the finance assistant.
package domain

// RunState represents the lifecycle state of a run.
type RunState string

const (
	RunStateIdle            RunState = "idle"
	RunStatePlanning        RunState = "planning"
	RunStateRunning         RunState = "running"
	RunStatePausedException RunState = "paused:exception"
	RunStatePendingApproval RunState = "pending:approval"
	RunStateDone            RunState = "done"
	RunStateError           RunState = "error"
)

// IsSuspended reports whether the run is waiting on a human.
func (s RunState) IsSuspended() bool {
	return s == RunStatePausedException || s == RunStatePendingApproval
}

// TaskStatus represents the status carried by a task event.
type TaskStatus string

const (
	TaskStatusQueued  TaskStatus = "queued"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusPaused  TaskStatus = "paused"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusError   TaskStatus = "error"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusPaused, TaskStatusDone, TaskStatusError:
		return true
	}
	return false
}

// Action is the discriminator of a parsed intent.
type Action string

const (
	ActionSummarize Action = "summarize"
	ActionCreate    Action = "create"
	ActionList      Action = "list"
	ActionSend      Action = "send"
	ActionExport    Action = "export"
	ActionIngest    Action = "ingest"
	ActionProcess   Action = "process"
	ActionVendor    Action = "vendor"
	ActionUnknown   Action = "unknown"
)

// ApprovalStatus represents the status of an approval record.
type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "PENDING"
	ApprovalStatusApproved  ApprovalStatus = "APPROVED"
	ApprovalStatusRejected  ApprovalStatus = "REJECTED"
	ApprovalStatusAbandoned ApprovalStatus = "ABANDONED"
)

// ExceptionResolution records how an exception item left the registry.
type ExceptionResolution string

const (
	ExceptionOpen      ExceptionResolution = "open"
	ExceptionAccepted  ExceptionResolution = "accepted"
	ExceptionDismissed ExceptionResolution = "dismissed"
	ExceptionPurged    ExceptionResolution = "purged"
)

// Step names used by the state machine itself. Adapter steps carry their own names.
const (
	StepPlan     = "Plan"
	StepApproval = "Approval"
	StepRun      = "Run"
)
