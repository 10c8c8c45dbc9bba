package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

func event(runID, step string) domain.TaskEvent {
	return domain.TaskEvent{ID: step, RunID: runID, Step: step, Status: domain.TaskStatusDone}
}

func TestPublish_DeliversInOrder(t *testing.T) {
	bus := New()
	var got []string
	bus.Subscribe("run_1", func(ev domain.TaskEvent) { got = append(got, "run:"+ev.Step) })
	bus.SubscribeAll(func(ev domain.TaskEvent) { got = append(got, "all:"+ev.Step) })

	bus.Publish(event("run_1", "a"))
	bus.Publish(event("run_1", "b"))
	bus.Publish(event("run_2", "c"))

	assert.Equal(t, []string{"run:a", "all:a", "run:b", "all:b", "all:c"}, got)
}

func TestPublish_LateSubscriberMissesEarlierEvents(t *testing.T) {
	bus := New()
	bus.Publish(event("run_1", "early"))

	var got []string
	bus.Subscribe("run_1", func(ev domain.TaskEvent) { got = append(got, ev.Step) })
	bus.Publish(event("run_1", "late"))

	assert.Equal(t, []string{"late"}, got)
}

func TestUnsubscribe_DuringDelivery(t *testing.T) {
	bus := New()
	var got []string
	var unsubFirst func()
	unsubFirst = bus.Subscribe("run_1", func(ev domain.TaskEvent) {
		got = append(got, "first:"+ev.Step)
		unsubFirst()
	})
	bus.Subscribe("run_1", func(ev domain.TaskEvent) { got = append(got, "second:"+ev.Step) })

	bus.Publish(event("run_1", "a"))
	bus.Publish(event("run_1", "b"))

	assert.Equal(t, []string{"first:a", "second:a", "second:b"}, got)
	assert.Equal(t, 1, bus.SubscriberCount("run_1"))
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	bus := New()
	count := 0
	unsub := bus.SubscribeAll(func(domain.TaskEvent) { count++ })
	unsub()
	unsub()

	bus.Publish(event("run_1", "a"))
	assert.Equal(t, 0, count)
}

func TestPublish_PanickingSubscriberIsIsolated(t *testing.T) {
	bus := New()
	var got []string
	bus.Subscribe("run_1", func(domain.TaskEvent) { panic("boom") })
	bus.Subscribe("run_1", func(ev domain.TaskEvent) { got = append(got, ev.Step) })
	bus.SubscribeAll(func(ev domain.TaskEvent) { got = append(got, "all:"+ev.Step) })

	require.NotPanics(t, func() { bus.Publish(event("run_1", "a")) })
	assert.Equal(t, []string{"a", "all:a"}, got)
}

func TestPublish_SubscribeFromCallbackTakesEffectNextPublish(t *testing.T) {
	bus := New()
	var got []string
	bus.SubscribeAll(func(ev domain.TaskEvent) {
		if ev.Step == "a" {
			bus.Subscribe("run_1", func(ev domain.TaskEvent) { got = append(got, "new:"+ev.Step) })
		}
	})

	bus.Publish(event("run_1", "a"))
	bus.Publish(event("run_1", "b"))

	assert.Equal(t, []string{"new:b"}, got)
}

func TestPublish_Concurrent(t *testing.T) {
	bus := New()
	var mu sync.Mutex
	counts := map[string]int{}
	bus.SubscribeAll(func(ev domain.TaskEvent) {
		mu.Lock()
		counts[ev.RunID]++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runID := []string{"run_a", "run_b"}[i%2]
			for j := 0; j < 50; j++ {
				bus.Publish(event(runID, "s"))
				unsub := bus.Subscribe(runID, func(domain.TaskEvent) {})
				unsub()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 200, counts["run_a"])
	assert.Equal(t, 200, counts["run_b"])
}
