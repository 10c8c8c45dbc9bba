package service

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

// suspendForApproval halts the run before a side-effecting step.
func (s *Service) suspendForApproval(ctx context.Context, e *runEntry, step, reason string) domain.Run {
	now := s.now()
	s.mu.Lock()
	pending := domain.PendingApproval{
		RunID:     e.run.RunID,
		Intent:    domain.Intent{Action: e.run.Intent.Action, Entities: cloneMap(e.run.Intent.Entities)},
		Step:      step,
		Reason:    reason,
		CreatedAt: now,
	}
	s.mu.Unlock()

	if err := s.reviews.AddApproval(pending); err != nil {
		return s.failStep(ctx, e, domain.StepApproval, fmt.Errorf("failed to register approval: %w", err))
	}

	record := &domain.ApprovalRecord{
		ApprovalID: "apr_" + uuid.New().String(),
		RunID:      pending.RunID,
		Step:       step,
		Status:     domain.ApprovalStatusPending,
		CreatedAt:  now,
	}
	if err := s.store.CreateApproval(context.WithoutCancel(ctx), record); err != nil {
		log.Printf("ERROR: failed to record approval for run %s: %v", pending.RunID, err)
	}

	msg := "Awaiting approval: " + step
	s.emit(pending.RunID, domain.StepApproval, domain.TaskStatusPaused, msg, "")
	return s.update(ctx, e, func(r *domain.Run) {
		r.State = domain.RunStatePendingApproval
		r.Reply = msg
	})
}

// Approve clears the run's approval gate and executes the gated step once.
// Calling it on a run that is not awaiting approval is a no-op.
func (s *Service) Approve(ctx context.Context, runID, decidedBy string) (*domain.ActionResponse, error) {
	e, snap, ok, err := s.acquire(runID, domain.RunStatePendingApproval)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &domain.ActionResponse{Run: snap, Applied: false}, nil
	}
	defer s.release(e)

	pending, ok := s.reviews.TakeApproval(runID)
	if !ok {
		return &domain.ActionResponse{Run: snap, Applied: false}, nil
	}
	ctx = stepContext(ctx)
	s.decide(ctx, runID, domain.ApprovalStatusApproved, decidedBy, "")

	s.emit(runID, domain.StepApproval, domain.TaskStatusDone, "User approved "+pending.Step, "")
	s.update(ctx, e, func(r *domain.Run) { r.State = domain.RunStateRunning })
	snap = s.settle(ctx, e, s.advance(ctx, e, snap.Cursor, true))
	return &domain.ActionResponse{Run: snap, Applied: true}, nil
}

// Reject clears the run's approval gate without running the gated step.
// The run returns to idle and is not resumed.
func (s *Service) Reject(ctx context.Context, runID, decidedBy, reason string) (*domain.ActionResponse, error) {
	e, snap, ok, err := s.acquire(runID, domain.RunStatePendingApproval)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &domain.ActionResponse{Run: snap, Applied: false}, nil
	}
	defer s.release(e)

	pending, ok := s.reviews.TakeApproval(runID)
	if !ok {
		return &domain.ActionResponse{Run: snap, Applied: false}, nil
	}
	s.decide(ctx, runID, domain.ApprovalStatusRejected, decidedBy, reason)

	msg := "User rejected " + pending.Step
	if reason != "" {
		msg += ": " + reason
	}
	s.emit(runID, domain.StepApproval, domain.TaskStatusError, msg, "")
	snap = s.update(ctx, e, func(r *domain.Run) {
		r.State = domain.RunStateIdle
		r.Reply = pending.Step + " was cancelled by user."
	})
	s.tools.Emitter().Forget(runID)
	return &domain.ActionResponse{Run: snap, Applied: true}, nil
}

func (s *Service) decide(ctx context.Context, runID string, status domain.ApprovalStatus, decidedBy, reason string) {
	updated, err := s.store.DecideApproval(context.WithoutCancel(ctx), runID, status, decidedBy, reason)
	if err != nil {
		log.Printf("ERROR: failed to record approval decision for run %s: %v", runID, err)
		return
	}
	if !updated {
		log.Printf("WARN: no pending approval record for run %s", runID)
	}
}

// ListApprovals returns every outstanding approval gate.
func (s *Service) ListApprovals() []domain.PendingApproval {
	return s.reviews.AllApprovals()
}
