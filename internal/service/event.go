package service

import (
	"context"
	"log"

	"github.com/xiaot623/gogo/finassist/internal/domain"
	"github.com/xiaot623/gogo/finassist/internal/eventbus"
	"github.com/xiaot623/gogo/finassist/internal/repository"
)

// RecordTimeline persists every event published on bus. The returned func
// stops recording.
func RecordTimeline(bus *eventbus.Bus, st store.Store) func() {
	return bus.SubscribeAll(func(ev domain.TaskEvent) {
		if err := st.CreateEvent(context.Background(), &ev); err != nil {
			log.Printf("ERROR: failed to record event %s for run %s: %v", ev.ID, ev.RunID, err)
		}
	})
}
