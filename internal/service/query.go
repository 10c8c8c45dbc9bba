package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

// GetRun returns the live run, falling back to the store for runs from an
// earlier process.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	s.mu.Lock()
	e, ok := s.runs[runID]
	var snap domain.Run
	if ok {
		snap = cloneRun(e.run)
	}
	s.mu.Unlock()
	if ok {
		return &snap, nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *Service) ListRuns(ctx context.Context, sessionID string, limit int) ([]domain.Run, error) {
	runs, err := s.store.ListRuns(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

func (s *Service) RunEvents(ctx context.Context, runID string, afterTs int64, limit int) ([]domain.TaskEvent, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	events, err := s.store.GetEvents(ctx, runID, afterTs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get run events: %w", err)
	}
	return events, nil
}

// RunReviews returns the full exception and approval history of a run.
func (s *Service) RunReviews(ctx context.Context, runID string) (*domain.RunReviewsResponse, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	exceptions, err := s.store.ListExceptionHistory(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list exception history: %w", err)
	}
	approvals, err := s.store.ListApprovals(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval history: %w", err)
	}
	return &domain.RunReviewsResponse{RunID: runID, Exceptions: exceptions, Approvals: approvals}, nil
}
