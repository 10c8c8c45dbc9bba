// Package service drives runs through their plans: it owns run state,
// suspends runs for review and approval, and continues them when a human
// answers.
package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/xiaot623/gogo/finassist/internal/config"
	"github.com/xiaot623/gogo/finassist/internal/domain"
	"github.com/xiaot623/gogo/finassist/internal/eventbus"
	"github.com/xiaot623/gogo/finassist/internal/intent"
	"github.com/xiaot623/gogo/finassist/internal/plan"
	"github.com/xiaot623/gogo/finassist/internal/repository"
	"github.com/xiaot623/gogo/finassist/internal/review"
	"github.com/xiaot623/gogo/finassist/internal/tools"
	"github.com/xiaot623/gogo/finassist/policy"
)

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrEmptyCommand = errors.New("command text is required")
)

// PolicyEvaluator decides whether a step may run. *policy.Engine satisfies it.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, input policy.StepInput) (policy.Decision, error)
}

// Deps are the collaborators a Service is built from. Policy may be nil,
// in which case every side-effecting step waits for approval.
type Deps struct {
	Store   store.Store
	Bus     *eventbus.Bus
	Tools   *tools.Registry
	Plans   *plan.Catalog
	Parser  intent.Parser
	Reviews *review.Registry
	Policy  PolicyEvaluator
	Config  *config.Config
}

type Service struct {
	store   store.Store
	tools   *tools.Registry
	plans   *plan.Catalog
	parser  intent.Parser
	reviews *review.Registry
	policy  PolicyEvaluator
	config  *config.Config

	mu       sync.Mutex
	runs     map[string]*runEntry
	sessions map[string]string // session ID -> foreground run ID

	detach func()
	now    func() time.Time
}

// runEntry is the live state of one run, guarded by Service.mu. State only
// changes while the busy latch is held.
type runEntry struct {
	run     domain.Run
	plan    plan.Plan
	busy    bool
	fields  []domain.Field
	invoice *domain.Invoice
}

// New creates a Service. When deps.Bus is set, every published event is
// persisted to the store until Close is called.
func New(deps Deps) *Service {
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	parser := deps.Parser
	if parser == nil {
		parser = intent.NewRuleParser()
	}
	reviews := deps.Reviews
	if reviews == nil {
		reviews = review.NewRegistry()
	}
	s := &Service{
		store:    deps.Store,
		tools:    deps.Tools,
		plans:    deps.Plans,
		parser:   parser,
		reviews:  reviews,
		policy:   deps.Policy,
		config:   cfg,
		runs:     make(map[string]*runEntry),
		sessions: make(map[string]string),
		detach:   func() {},
		now:      time.Now,
	}
	if deps.Bus != nil {
		s.detach = RecordTimeline(deps.Bus, deps.Store)
	}
	return s
}

// Close stops recording the timeline.
func (s *Service) Close() {
	s.detach()
}

// Reviews returns the registry the service suspends runs on.
func (s *Service) Reviews() *review.Registry {
	return s.reviews
}

// acquire takes the run's busy latch if the run is in one of the wanted
// states. ok is false, with a snapshot of the run, when the latch is held
// or the state does not match.
func (s *Service) acquire(runID string, want ...domain.RunState) (e *runEntry, snap domain.Run, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.runs[runID]
	if !found {
		return nil, domain.Run{}, false, ErrRunNotFound
	}
	if e.busy || !stateIn(e.run.State, want) {
		return nil, cloneRun(e.run), false, nil
	}
	e.busy = true
	return e, cloneRun(e.run), true, nil
}

// release gives up the busy latch. A resolution that emptied the run's
// review registry while the latch was held could not resume the run, so
// the holder does it before letting go.
func (s *Service) release(e *runEntry) {
	for {
		s.mu.Lock()
		stalled := e.run.State == domain.RunStatePausedException && s.reviews.ExceptionCount(e.run.RunID) == 0
		if !stalled {
			e.busy = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		log.Printf("INFO: run %s has no exceptions left, resuming before release", e.run.RunID)
		ctx := context.Background()
		s.settle(ctx, e, s.resumeFrom(ctx, e))
	}
}

// stepContext keeps ctx's values but not its cancellation. Once a step has
// started it runs to completion even if the caller goes away.
func stepContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// update applies fn to the run under the service lock and persists the result.
func (s *Service) update(ctx context.Context, e *runEntry, fn func(r *domain.Run)) domain.Run {
	s.mu.Lock()
	fn(&e.run)
	e.run.UpdatedAt = s.now()
	snap := cloneRun(e.run)
	s.mu.Unlock()

	if err := s.store.UpdateRun(context.WithoutCancel(ctx), &snap); err != nil {
		log.Printf("ERROR: failed to persist run %s: %v", snap.RunID, err)
	}
	return snap
}

func (s *Service) snapshot(e *runEntry) domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRun(e.run)
}

func (s *Service) emit(runID, step string, status domain.TaskStatus, message, ref string) {
	s.tools.Emitter().Emit(runID, step, status, message, ref)
}

func stateIn(state domain.RunState, want []domain.RunState) bool {
	for _, w := range want {
		if state == w {
			return true
		}
	}
	return false
}

func cloneRun(r domain.Run) domain.Run {
	out := r
	out.Intent.Entities = cloneMap(r.Intent.Entities)
	out.Corrections = cloneMap(r.Corrections)
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
