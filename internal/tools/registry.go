package tools

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

// ErrAdapterNotFound is returned when a plan names an unregistered adapter.
var ErrAdapterNotFound = errors.New("adapter not found")

// Descriptor names an adapter. Step is the stable, human-readable stage
// name carried by every event the adapter produces.
type Descriptor struct {
	Name   string
	Step   string
	Queued string
}

// Adapter is one named pipeline operation.
type Adapter interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, in Input) (*Result, error)
}

// Input is what an adapter receives: the run's entities plus context
// gathered by earlier steps.
type Input struct {
	RunID       string
	Entities    map[string]string
	Corrections map[string]string
	Fields      []domain.Field
	Invoice     *domain.Invoice
	// Progress publishes a running event for the adapter's step.
	Progress func(message, ref string)
}

// Entity returns an entity value or def.
func (in Input) Entity(key, def string) string {
	if v := in.Entities[key]; v != "" {
		return v
	}
	return def
}

// Result is an adapter's typed output.
type Result struct {
	Summary string          `json:"summary"`
	Ref     string          `json:"ref,omitempty"`
	Reply   string          `json:"reply,omitempty"`
	Data    map[string]any  `json:"data,omitempty"`
	Fields  []domain.Field  `json:"fields,omitempty"`
	Invoice *domain.Invoice `json:"invoice,omitempty"`
	// Halt ends the plan after this step. The run completes without the
	// steps that follow.
	Halt bool `json:"halt,omitempty"`
}

// Verdict is a gate's decision on a step result.
type Verdict struct {
	Suspend bool
	Message string
}

// Gate inspects a result before the step is reported done. Gates register
// review items; a suspending verdict ends the step as paused.
type Gate func(ctx context.Context, step string, res *Result) (Verdict, error)

// Outcome is how an invoked step ended without error.
type Outcome string

const (
	OutcomeDone   Outcome = "done"
	OutcomePaused Outcome = "paused"
)

// StepError reports a failed step.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Registry stores adapters keyed by name and dispatches them.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	emitter  *Emitter
}

// NewRegistry creates an empty adapter registry that reports through emitter.
func NewRegistry(emitter *Emitter) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		emitter:  emitter,
	}
}

// Register adds a new adapter.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is required")
	}
	d := a.Descriptor()
	if d.Name == "" {
		return fmt.Errorf("adapter name is required")
	}
	if d.Step == "" {
		return fmt.Errorf("adapter %s: step name is required", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[d.Name]; exists {
		return fmt.Errorf("adapter already registered for %s", d.Name)
	}
	r.adapters[d.Name] = a
	return nil
}

// MustRegister adds an adapter or panics.
func (r *Registry) MustRegister(a Adapter) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

// Lookup returns the adapter registered under name.
func (r *Registry) Lookup(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// StepName returns the step name for an adapter, or the adapter name when unregistered.
func (r *Registry) StepName(name string) string {
	if a, ok := r.Lookup(name); ok {
		return a.Descriptor().Step
	}
	return name
}

// Names lists registered adapters, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Emitter returns the registry's event emitter.
func (r *Registry) Emitter() *Emitter {
	return r.emitter
}

// Invoke runs one adapter and reports queued, running and a terminal event
// under its step name. A nil gate always lets the step complete. Adapter
// errors and panics come back as *StepError after the error event has been
// published.
func (r *Registry) Invoke(ctx context.Context, name string, in Input, gate Gate) (*Result, Outcome, error) {
	a, ok := r.Lookup(name)
	if !ok {
		err := &StepError{Step: name, Err: fmt.Errorf("%w: %s", ErrAdapterNotFound, name)}
		r.emitter.Emit(in.RunID, name, domain.TaskStatusError, "Failed: "+err.Err.Error(), "")
		return nil, "", err
	}
	d := a.Descriptor()

	queued := d.Queued
	if queued == "" {
		queued = "Queued " + d.Step
	}
	r.emitter.Emit(in.RunID, d.Step, domain.TaskStatusQueued, queued, "")

	in.Progress = func(message, ref string) {
		r.emitter.Emit(in.RunID, d.Step, domain.TaskStatusRunning, message, ref)
	}

	res, err := execute(ctx, a, in)
	if err == nil && gate != nil {
		if res == nil {
			res = &Result{}
		}
		var v Verdict
		v, err = gate(ctx, d.Step, res)
		if err == nil && v.Suspend {
			r.emitter.Emit(in.RunID, d.Step, domain.TaskStatusPaused, v.Message, res.Ref)
			return res, OutcomePaused, nil
		}
	}
	if err != nil {
		r.emitter.Emit(in.RunID, d.Step, domain.TaskStatusError, "Failed: "+err.Error(), "")
		return nil, "", &StepError{Step: d.Step, Err: err}
	}
	if res == nil {
		res = &Result{}
	}

	summary := res.Summary
	if summary == "" {
		summary = d.Step + " completed"
	}
	r.emitter.Emit(in.RunID, d.Step, domain.TaskStatusDone, summary, res.Ref)
	return res, OutcomeDone, nil
}

func execute(ctx context.Context, a Adapter, in Input) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("ERROR: adapter %s panicked: %v", a.Descriptor().Name, p)
			res, err = nil, fmt.Errorf("internal error")
		}
	}()
	return a.Execute(ctx, in)
}
