package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/finassist/internal/domain"
	"github.com/xiaot623/gogo/finassist/internal/plan"
	"github.com/xiaot623/gogo/finassist/internal/tools"
	"github.com/xiaot623/gogo/finassist/internal/validation"
	"github.com/xiaot623/gogo/finassist/policy"
)

const helpReply = "I'm not sure how to help with that. Try asking me to summarize, create invoice, send reminder, export, or process a document."

// HandleCommand accepts a command, plans it and executes the plan until it
// completes, fails or suspends.
func (s *Service) HandleCommand(ctx context.Context, req domain.CommandRequest) (*domain.CommandResponse, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyCommand
	}
	ctx = stepContext(ctx)

	in := s.parser.Parse(text)
	if in.Entities == nil {
		in.Entities = map[string]string{}
	}
	var p plan.Plan
	hasPlan := false
	if in.Action != domain.ActionUnknown {
		p, hasPlan = s.plans.Lookup(in.Action)
	}

	now := s.now()
	run := domain.Run{
		RunID:     "run_" + uuid.New().String(),
		SessionID: req.SessionID,
		Command:   text,
		Intent:    in,
		State:     domain.RunStatePlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRun(ctx, &run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	e := &runEntry{run: run, plan: p, busy: true}
	var previous string
	s.mu.Lock()
	s.runs[run.RunID] = e
	if req.SessionID != "" {
		previous = s.sessions[req.SessionID]
		s.sessions[req.SessionID] = run.RunID
	}
	s.mu.Unlock()
	defer s.release(e)

	if previous != "" {
		s.supersede(ctx, previous, run.RunID)
	}

	entities, _ := json.Marshal(in.Entities)
	s.emit(run.RunID, domain.StepPlan, domain.TaskStatusDone, fmt.Sprintf("Intent: %s, Entities: %s", in.Action, entities), "")

	var snap domain.Run
	switch {
	case in.Action == domain.ActionUnknown:
		snap = s.update(ctx, e, func(r *domain.Run) {
			r.State = domain.RunStateIdle
			r.Reply = helpReply
		})
		s.tools.Emitter().Forget(run.RunID)
	case !hasPlan:
		snap = s.failStep(ctx, e, domain.StepPlan, fmt.Errorf("no plan for action %s", in.Action))
	default:
		s.update(ctx, e, func(r *domain.Run) { r.State = domain.RunStateRunning })
		snap = s.settle(ctx, e, s.advance(ctx, e, 0, false))
	}

	return &domain.CommandResponse{Run: snap, Reply: snap.Reply}, nil
}

// advance executes plan steps starting at from. When approved is set, the
// step at from has been signed off and skips the policy check.
func (s *Service) advance(ctx context.Context, e *runEntry, from int, approved bool) domain.Run {
	runID := e.run.RunID
	steps := e.plan.Steps

	for i := from; i < len(steps); i++ {
		step := steps[i]
		name := s.tools.StepName(step.Adapter)
		s.update(ctx, e, func(r *domain.Run) {
			r.Cursor = i
			r.Step = name
		})

		if !(approved && i == from) {
			decision, err := s.evaluate(ctx, e, step, name)
			if err != nil {
				return s.failStep(ctx, e, name, err)
			}
			switch decision.Outcome {
			case policy.OutcomeBlock:
				reason := decision.Reason
				if reason == "" {
					reason = "blocked by policy"
				}
				return s.failStep(ctx, e, name, errors.New(reason))
			case policy.OutcomeRequireApproval:
				return s.suspendForApproval(ctx, e, name, decision.Reason)
			}
		}

		res, outcome, err := s.tools.Invoke(ctx, step.Adapter, s.input(e), s.gate(e, step.Gate))
		if err != nil {
			return s.fail(ctx, e, err)
		}
		s.absorb(e, res)

		if outcome == tools.OutcomePaused {
			n := s.reviews.ExceptionCount(runID)
			return s.update(ctx, e, func(r *domain.Run) {
				r.State = domain.RunStatePausedException
				r.Reply = fmt.Sprintf("Paused: %d exception(s) require review", n)
			})
		}
		if res.Halt {
			break
		}
	}

	snap := s.update(ctx, e, func(r *domain.Run) {
		r.State = domain.RunStateDone
		r.LastError = ""
		if r.Reply == "" {
			r.Reply = "Done."
		}
	})
	s.tools.Emitter().Forget(runID)
	return snap
}

// settle resumes a run that paused after its last exception was already
// resolved while the latch was held.
func (s *Service) settle(ctx context.Context, e *runEntry, snap domain.Run) domain.Run {
	for snap.State == domain.RunStatePausedException && s.reviews.ExceptionCount(snap.RunID) == 0 {
		snap = s.resumeFrom(ctx, e)
	}
	return snap
}

// resumeFrom continues a run after the step it paused on.
func (s *Service) resumeFrom(ctx context.Context, e *runEntry) domain.Run {
	snap := s.update(ctx, e, func(r *domain.Run) { r.State = domain.RunStateRunning })
	s.emit(snap.RunID, domain.StepRun, domain.TaskStatusRunning, "Resumed after review", "")
	return s.advance(ctx, e, snap.Cursor+1, false)
}

func (s *Service) evaluate(ctx context.Context, e *runEntry, step plan.Step, name string) (policy.Decision, error) {
	if s.policy == nil {
		if step.SideEffect {
			return policy.Decision{Outcome: policy.OutcomeRequireApproval}, nil
		}
		return policy.Decision{Outcome: policy.OutcomeAllow}, nil
	}
	s.mu.Lock()
	in := policy.StepInput{
		RunID:      e.run.RunID,
		Action:     string(e.run.Intent.Action),
		Step:       name,
		Adapter:    step.Adapter,
		SideEffect: step.SideEffect,
		Entities:   cloneMap(e.run.Intent.Entities),
	}
	s.mu.Unlock()
	return s.policy.Evaluate(ctx, in)
}

func (s *Service) input(e *runEntry) tools.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := tools.Input{
		RunID:       e.run.RunID,
		Entities:    cloneMap(e.run.Intent.Entities),
		Corrections: cloneMap(e.run.Corrections),
		Fields:      append([]domain.Field(nil), e.fields...),
	}
	if e.invoice != nil {
		inv := *e.invoice
		in.Invoice = &inv
	}
	return in
}

// absorb keeps what a step produced for the steps after it.
func (s *Service) absorb(e *runEntry, res *tools.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.Fields != nil {
		e.fields = res.Fields
	}
	if res.Invoice != nil {
		inv := *res.Invoice
		e.invoice = &inv
	}
	if res.Reply != "" {
		e.run.Reply = res.Reply
	}
}

func (s *Service) gate(e *runEntry, kind plan.GateKind) tools.Gate {
	runID := e.run.RunID
	switch kind {
	case plan.GateFields:
		return func(ctx context.Context, step string, res *tools.Result) (tools.Verdict, error) {
			check := validation.ValidateFields(res.Fields)
			if check.Pass {
				return tools.Verdict{}, nil
			}
			items := make([]domain.ExceptionItem, 0, len(check.LowConfidenceFields))
			for _, f := range check.LowConfidenceFields {
				pct := validation.FormatConfidence(f.Confidence)
				s.emit(runID, step, domain.TaskStatusRunning, fmt.Sprintf("Low confidence: %s (%s)", f.Key, pct), res.Ref)
				items = append(items, s.newException(runID, f.Key, f.Value, f.Confidence, fmt.Sprintf("Confidence %s is below threshold", pct)))
			}
			return s.raise(ctx, runID, items)
		}
	case plan.GateInvoice:
		return func(ctx context.Context, step string, res *tools.Result) (tools.Verdict, error) {
			if res.Invoice == nil {
				return tools.Verdict{}, errors.New("no invoice to validate")
			}
			score := validation.ScoreInvoice(*res.Invoice)
			if score.Pass() {
				return tools.Verdict{}, nil
			}
			s.emit(runID, step, domain.TaskStatusRunning,
				fmt.Sprintf("Score %.2f: %s", score.Value, strings.Join(score.Reasons(), ", ")), res.Ref)
			var items []domain.ExceptionItem
			for _, f := range score.Failures() {
				items = append(items, s.newException(runID, f.Field, invoiceValue(*res.Invoice, f.Field), score.Value, f.Reason))
			}
			return s.raise(ctx, runID, items)
		}
	}
	return nil
}

func (s *Service) newException(runID, key, value string, confidence float64, reason string) domain.ExceptionItem {
	return domain.ExceptionItem{
		ID:             "exc_" + uuid.New().String(),
		RunID:          runID,
		FieldKey:       key,
		SuggestedValue: value,
		Confidence:     confidence,
		Reason:         reason,
		CreatedAt:      s.now(),
	}
}

// raise registers exception items and suspends the step.
func (s *Service) raise(ctx context.Context, runID string, items []domain.ExceptionItem) (tools.Verdict, error) {
	if err := s.reviews.AddExceptions(runID, items); err != nil {
		return tools.Verdict{}, fmt.Errorf("failed to register exceptions: %w", err)
	}
	for i := range items {
		if err := s.store.RecordException(context.WithoutCancel(ctx), &items[i]); err != nil {
			log.Printf("ERROR: failed to record exception %s: %v", items[i].ID, err)
		}
	}
	return tools.Verdict{
		Suspend: true,
		Message: fmt.Sprintf("Paused: %d exception(s) require review", len(items)),
	}, nil
}

func invoiceValue(inv domain.Invoice, field string) string {
	switch field {
	case "invoice_number":
		return inv.InvoiceNumber
	case "invoice_date":
		return inv.InvoiceDate
	case "currency":
		return inv.Currency
	case "total", "line_items":
		return strconv.FormatFloat(inv.Total, 'f', 2, 64)
	}
	return ""
}

// failStep reports a step failure the dispatcher did not already publish.
func (s *Service) failStep(ctx context.Context, e *runEntry, step string, cause error) domain.Run {
	s.emit(e.run.RunID, step, domain.TaskStatusError, "Failed: "+cause.Error(), "")
	return s.fail(ctx, e, &tools.StepError{Step: step, Err: cause})
}

// fail moves the run through error back to idle. Review items for the run
// are purged; the cursor and error stay for Retry.
func (s *Service) fail(ctx context.Context, e *runEntry, err error) domain.Run {
	runID := e.run.RunID
	log.Printf("WARN: run %s failed: %v", runID, err)

	s.update(ctx, e, func(r *domain.Run) {
		r.State = domain.RunStateError
		r.LastError = err.Error()
	})
	s.purge(ctx, runID)
	return s.update(ctx, e, func(r *domain.Run) {
		r.State = domain.RunStateIdle
		r.Reply = err.Error()
	})
}

// purge drops the run's review items and closes their history records.
func (s *Service) purge(ctx context.Context, runID string) {
	pctx := context.WithoutCancel(ctx)
	items, approval := s.reviews.Purge(runID)
	for _, it := range items {
		if _, err := s.store.ResolveException(pctx, it.ID, domain.ExceptionPurged, ""); err != nil {
			log.Printf("ERROR: failed to close exception %s: %v", it.ID, err)
		}
	}
	if approval != nil {
		if _, err := s.store.DecideApproval(pctx, runID, domain.ApprovalStatusAbandoned, "", ""); err != nil {
			log.Printf("ERROR: failed to close approval for run %s: %v", runID, err)
		}
	}
}

// Retry re-enters a failed run at the step that failed.
func (s *Service) Retry(ctx context.Context, runID string) (*domain.ActionResponse, error) {
	e, snap, ok, err := s.acquire(runID, domain.RunStateIdle)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &domain.ActionResponse{Run: snap, Applied: false}, nil
	}
	defer s.release(e)

	ctx = stepContext(ctx)
	if snap.LastError == "" || len(e.plan.Steps) == 0 {
		return &domain.ActionResponse{Run: snap, Applied: false}, nil
	}

	s.update(ctx, e, func(r *domain.Run) {
		r.State = domain.RunStateRunning
		r.LastError = ""
		r.Reply = ""
	})
	s.emit(runID, domain.StepRun, domain.TaskStatusRunning, "Retrying from "+snap.Step, "")
	snap = s.settle(ctx, e, s.advance(ctx, e, snap.Cursor, false))
	return &domain.ActionResponse{Run: snap, Applied: true}, nil
}

// Abandon drops a suspended run and its review items.
func (s *Service) Abandon(ctx context.Context, runID, reason string) (*domain.ActionResponse, error) {
	e, snap, ok, err := s.acquire(runID, domain.RunStatePausedException, domain.RunStatePendingApproval)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &domain.ActionResponse{Run: snap, Applied: false}, nil
	}
	defer s.release(e)

	if reason == "" {
		reason = "Abandoned by user"
	}
	return &domain.ActionResponse{Run: s.abandon(ctx, e, reason), Applied: true}, nil
}

func (s *Service) abandon(ctx context.Context, e *runEntry, reason string) domain.Run {
	runID := e.run.RunID
	s.purge(ctx, runID)
	s.emit(runID, domain.StepRun, domain.TaskStatusError, reason, "")
	snap := s.update(ctx, e, func(r *domain.Run) {
		r.State = domain.RunStateIdle
		r.Reply = reason
	})
	s.tools.Emitter().Forget(runID)
	return snap
}

// supersede abandons a session's previous run if it is still suspended.
func (s *Service) supersede(ctx context.Context, previous, by string) {
	e, _, ok, err := s.acquire(previous, domain.RunStatePausedException, domain.RunStatePendingApproval)
	if err != nil || !ok {
		return
	}
	defer s.release(e)
	log.Printf("INFO: run %s superseded by %s", previous, by)
	s.abandon(ctx, e, "Superseded by "+by)
}
