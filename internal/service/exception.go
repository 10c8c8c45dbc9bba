package service

import (
	"context"
	"errors"
	"log"

	"github.com/xiaot623/gogo/finassist/internal/domain"
	"github.com/xiaot623/gogo/finassist/internal/review"
	"github.com/xiaot623/gogo/finassist/internal/tools"
)

// Resume continues a run paused for review once no exception items remain.
func (s *Service) Resume(ctx context.Context, runID string) (*domain.ActionResponse, error) {
	e, snap, ok, err := s.acquire(runID, domain.RunStatePausedException)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &domain.ActionResponse{Run: snap, Applied: false}, nil
	}
	defer s.release(e)

	if s.reviews.ExceptionCount(runID) > 0 {
		return &domain.ActionResponse{Run: snap, Applied: false}, nil
	}
	ctx = stepContext(ctx)
	snap = s.settle(ctx, e, s.resumeFrom(ctx, e))
	return &domain.ActionResponse{Run: snap, Applied: true}, nil
}

// AcceptException resolves an item with value, or with its suggested value
// when value is empty, and records the correction on the run.
func (s *Service) AcceptException(ctx context.Context, exceptionID, value string) (*domain.ExceptionActionResponse, error) {
	return s.resolve(ctx, exceptionID, domain.ExceptionAccepted, value)
}

// DismissException resolves an item without recording a correction.
func (s *Service) DismissException(ctx context.Context, exceptionID string) (*domain.ExceptionActionResponse, error) {
	return s.resolve(ctx, exceptionID, domain.ExceptionDismissed, "")
}

// resolve removes one item. The removal that leaves the run with no items
// resumes it.
func (s *Service) resolve(ctx context.Context, exceptionID string, resolution domain.ExceptionResolution, value string) (*domain.ExceptionActionResponse, error) {
	item, remaining, err := s.reviews.RemoveException(exceptionID)
	if err != nil {
		return nil, err
	}
	if resolution == domain.ExceptionAccepted && value == "" {
		value = item.SuggestedValue
	}

	if _, err := s.store.ResolveException(context.WithoutCancel(ctx), item.ID, resolution, value); err != nil {
		log.Printf("ERROR: failed to record resolution of exception %s: %v", item.ID, err)
	}

	resp := &domain.ExceptionActionResponse{Exception: item, Remaining: remaining}

	s.mu.Lock()
	e := s.runs[item.RunID]
	s.mu.Unlock()
	if e == nil {
		return resp, nil
	}

	if resolution == domain.ExceptionAccepted {
		s.correct(ctx, e, item.FieldKey, value)
	}

	if remaining > 0 {
		resp.Run = s.snapshot(e)
		return resp, nil
	}

	ar, err := s.Resume(ctx, item.RunID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return resp, nil
		}
		return nil, err
	}
	resp.Run = ar.Run
	resp.Resumed = ar.Applied
	return resp, nil
}

// correct records an accepted value and applies it to what the run has
// extracted so far.
func (s *Service) correct(ctx context.Context, e *runEntry, key, value string) {
	s.mu.Lock()
	if e.run.Corrections == nil {
		e.run.Corrections = make(map[string]string)
	}
	e.run.Corrections[key] = value
	fix := map[string]string{key: value}
	if len(e.fields) > 0 {
		e.fields = tools.ApplyFieldCorrections(e.fields, fix)
	}
	if e.invoice != nil {
		inv := tools.ApplyInvoiceCorrections(*e.invoice, fix)
		e.invoice = &inv
	}
	snap := cloneRun(e.run)
	s.mu.Unlock()

	if err := s.store.UpdateRun(context.WithoutCancel(ctx), &snap); err != nil {
		log.Printf("ERROR: failed to persist corrections for run %s: %v", snap.RunID, err)
	}
}

// ListExceptions returns the outstanding items for runID, or for every run
// when runID is empty.
func (s *Service) ListExceptions(runID string) []domain.ExceptionItem {
	if runID == "" {
		return s.reviews.AllExceptions()
	}
	return s.reviews.Exceptions(runID)
}

// GetException returns one outstanding item.
func (s *Service) GetException(exceptionID string) (domain.ExceptionItem, error) {
	item, ok := s.reviews.Exception(exceptionID)
	if !ok {
		return domain.ExceptionItem{}, review.ErrExceptionNotFound
	}
	return item, nil
}
