// Package store persists runs, their timelines and review history.
package store

import (
	"context"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

// Store defines the interface for data persistence.
// Getters return (nil, nil) when the record does not exist.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	UpdateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, sessionID string, limit int) ([]domain.Run, error)

	// Event operations
	CreateEvent(ctx context.Context, event *domain.TaskEvent) error
	GetEvents(ctx context.Context, runID string, afterTs int64, limit int) ([]domain.TaskEvent, error)

	// Exception history
	RecordException(ctx context.Context, item *domain.ExceptionItem) error
	ResolveException(ctx context.Context, exceptionID string, resolution domain.ExceptionResolution, value string) (bool, error)
	ListExceptionHistory(ctx context.Context, runID string) ([]domain.ExceptionRecord, error)

	// Approval history
	CreateApproval(ctx context.Context, approval *domain.ApprovalRecord) error
	DecideApproval(ctx context.Context, runID string, status domain.ApprovalStatus, decidedBy, reason string) (bool, error)
	ListApprovals(ctx context.Context, runID string) ([]domain.ApprovalRecord, error)

	// Lifecycle
	Close() error
}
