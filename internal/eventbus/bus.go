// Package eventbus delivers task events to run-scoped and global subscribers.
//
// Delivery is synchronous: Publish returns after every subscriber registered
// at the time of the call has been invoked once. There is no buffering or
// replay; history lives in the timeline store.
package eventbus

import (
	"log"
	"sync"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

// Callback receives a published event.
type Callback func(domain.TaskEvent)

type subscriber struct {
	id uint64
	cb Callback
}

// Bus is a publish/subscribe channel keyed by run ID plus a global stream.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	byRun  map[string][]subscriber
	global []subscriber
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{byRun: make(map[string][]subscriber)}
}

// Publish delivers ev to the subscribers of ev.RunID and then to global subscribers.
// Subscribers are snapshotted before delivery, so callbacks may subscribe or
// unsubscribe freely.
func (b *Bus) Publish(ev domain.TaskEvent) {
	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.byRun[ev.RunID])+len(b.global))
	targets = append(targets, b.byRun[ev.RunID]...)
	targets = append(targets, b.global...)
	b.mu.RUnlock()

	for _, s := range targets {
		deliver(s, ev)
	}
}

func deliver(s subscriber, ev domain.TaskEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("WARN: event subscriber %d panicked on %s/%s: %v", s.id, ev.RunID, ev.Step, r)
		}
	}()
	s.cb(ev)
}

// Subscribe registers cb for events of one run. The returned func removes it
// and is safe to call more than once.
func (b *Bus) Subscribe(runID string, cb Callback) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.byRun[runID] = append(b.byRun[runID], subscriber{id: id, cb: cb})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := remove(b.byRun[runID], id)
		if len(subs) == 0 {
			delete(b.byRun, runID)
			return
		}
		b.byRun[runID] = subs
	}
}

// SubscribeAll registers cb for every event on the bus.
func (b *Bus) SubscribeAll(cb Callback) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.global = append(b.global, subscriber{id: id, cb: cb})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.global = remove(b.global, id)
		b.mu.Unlock()
	}
}

// SubscriberCount returns the number of run-scoped subscribers for runID.
func (b *Bus) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byRun[runID])
}

// remove returns subs without id. It never mutates the backing array of a
// slice that may be held by an in-flight Publish snapshot.
func remove(subs []subscriber, id uint64) []subscriber {
	for i, s := range subs {
		if s.id == id {
			out := make([]subscriber, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...)
		}
	}
	return subs
}
