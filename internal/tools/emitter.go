package tools

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

// Publisher receives task events. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(ev domain.TaskEvent)
}

// Emitter builds task events and publishes them. Timestamps never go
// backwards within a run, even if the wall clock does.
type Emitter struct {
	pub Publisher
	now func() time.Time

	mu     sync.Mutex
	lastTs map[string]int64
}

// NewEmitter creates an emitter publishing to pub.
func NewEmitter(pub Publisher) *Emitter {
	return &Emitter{pub: pub, now: time.Now, lastTs: make(map[string]int64)}
}

// Emit publishes one event and returns it.
// Callers serialise emission per run; the emitter only orders timestamps.
func (e *Emitter) Emit(runID, step string, status domain.TaskStatus, message, ref string) domain.TaskEvent {
	e.mu.Lock()
	ts := e.now().UnixMilli()
	if last := e.lastTs[runID]; ts < last {
		ts = last
	}
	e.lastTs[runID] = ts
	e.mu.Unlock()

	ev := domain.TaskEvent{
		ID:      "evt_" + uuid.New().String(),
		RunID:   runID,
		Step:    step,
		Status:  status,
		Message: message,
		Ref:     ref,
		Ts:      ts,
	}
	e.pub.Publish(ev)
	return ev
}

// Forget drops timestamp state for a run that will emit no more events.
func (e *Emitter) Forget(runID string) {
	e.mu.Lock()
	delete(e.lastTs, runID)
	e.mu.Unlock()
}
