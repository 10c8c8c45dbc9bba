// Package review holds outstanding human-review items: low-confidence
// exceptions and pending approvals. A run has at most one kind of item
// outstanding at a time.
package review

import (
	"errors"
	"sort"
	"sync"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

var (
	ErrExceptionNotFound     = errors.New("exception not found")
	ErrApprovalPending       = errors.New("run has a pending approval")
	ErrApprovalExists        = errors.New("approval already pending for run")
	ErrExceptionsOutstanding = errors.New("run has outstanding exceptions")
	ErrNoItems               = errors.New("no exception items given")
)

// Registry is an in-memory store of review items keyed by run ID.
// All operations are atomic with respect to each other.
type Registry struct {
	mu         sync.Mutex
	exceptions map[string]domain.ExceptionItem // by exception ID
	byRun      map[string][]string             // run ID -> exception IDs in insertion order
	approvals  map[string]domain.PendingApproval
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exceptions: make(map[string]domain.ExceptionItem),
		byRun:      make(map[string][]string),
		approvals:  make(map[string]domain.PendingApproval),
	}
}

// AddExceptions registers items for runID. Fails if an approval is pending.
func (r *Registry) AddExceptions(runID string, items []domain.ExceptionItem) error {
	if len(items) == 0 {
		return ErrNoItems
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.approvals[runID]; ok {
		return ErrApprovalPending
	}
	for _, it := range items {
		it.RunID = runID
		if _, dup := r.exceptions[it.ID]; !dup {
			r.byRun[runID] = append(r.byRun[runID], it.ID)
		}
		r.exceptions[it.ID] = it
	}
	return nil
}

// RemoveException removes one item and reports how many remain for its run.
// The count is taken under the same lock as the removal, so exactly one of
// several concurrent removals observes zero.
func (r *Registry) RemoveException(id string) (domain.ExceptionItem, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.exceptions[id]
	if !ok {
		return domain.ExceptionItem{}, 0, ErrExceptionNotFound
	}
	delete(r.exceptions, id)

	ids := r.byRun[item.RunID]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.byRun, item.RunID)
	} else {
		r.byRun[item.RunID] = ids
	}
	return item, len(ids), nil
}

// Exception returns one item by ID.
func (r *Registry) Exception(id string) (domain.ExceptionItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.exceptions[id]
	return it, ok
}

// Exceptions returns the items of one run in insertion order.
func (r *Registry) Exceptions(runID string) []domain.ExceptionItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ExceptionItem, 0, len(r.byRun[runID]))
	for _, id := range r.byRun[runID] {
		out = append(out, r.exceptions[id])
	}
	return out
}

// AllExceptions returns every outstanding item, oldest first.
func (r *Registry) AllExceptions() []domain.ExceptionItem {
	r.mu.Lock()
	out := make([]domain.ExceptionItem, 0, len(r.exceptions))
	for _, it := range r.exceptions {
		out = append(out, it)
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ExceptionCount returns the number of outstanding items for runID.
func (r *Registry) ExceptionCount(runID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byRun[runID])
}

// AddApproval registers the single approval gate for a run.
func (r *Registry) AddApproval(p domain.PendingApproval) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byRun[p.RunID]) > 0 {
		return ErrExceptionsOutstanding
	}
	if _, ok := r.approvals[p.RunID]; ok {
		return ErrApprovalExists
	}
	r.approvals[p.RunID] = p
	return nil
}

// Approval returns the pending approval for runID.
func (r *Registry) Approval(runID string) (domain.PendingApproval, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.approvals[runID]
	return p, ok
}

// TakeApproval removes and returns the pending approval for runID.
func (r *Registry) TakeApproval(runID string) (domain.PendingApproval, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.approvals[runID]
	if ok {
		delete(r.approvals, runID)
	}
	return p, ok
}

// AllApprovals returns every pending approval, oldest first.
func (r *Registry) AllApprovals() []domain.PendingApproval {
	r.mu.Lock()
	out := make([]domain.PendingApproval, 0, len(r.approvals))
	for _, p := range r.approvals {
		out = append(out, p)
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Purge drops every review item for runID and returns what was removed.
func (r *Registry) Purge(runID string) ([]domain.ExceptionItem, *domain.PendingApproval) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var items []domain.ExceptionItem
	for _, id := range r.byRun[runID] {
		items = append(items, r.exceptions[id])
		delete(r.exceptions, id)
	}
	delete(r.byRun, runID)

	var approval *domain.PendingApproval
	if p, ok := r.approvals[runID]; ok {
		approval = &p
		delete(r.approvals, runID)
	}
	return items, approval
}
