package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

// RunSuspensionExpiryMonitor abandons runs left suspended longer than the
// configured TTL. It returns immediately when expiry is disabled.
func (s *Service) RunSuspensionExpiryMonitor(ctx context.Context) {
	ttl := s.config.SuspensionTTL
	if ttl <= 0 {
		return
	}
	interval := ttl / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpiredSuspensions(ctx)
		}
	}
}

// sweepExpiredSuspensions returns the IDs of the runs it abandoned.
func (s *Service) sweepExpiredSuspensions(ctx context.Context) []string {
	ttl := s.config.SuspensionTTL
	cutoff := s.now().Add(-ttl)

	var candidates []string
	s.mu.Lock()
	for id, e := range s.runs {
		if e.run.State.IsSuspended() && e.run.UpdatedAt.Before(cutoff) {
			candidates = append(candidates, id)
		}
	}
	s.mu.Unlock()

	var expired []string
	for _, id := range candidates {
		e, snap, ok, err := s.acquire(id, domain.RunStatePausedException, domain.RunStatePendingApproval)
		if err != nil || !ok {
			continue
		}
		// The run may have been resumed and suspended again since the scan.
		if snap.UpdatedAt.Before(cutoff) {
			s.abandon(ctx, e, fmt.Sprintf("Expired after %s without review", ttl))
			expired = append(expired, id)
		}
		s.release(e)
	}
	return expired
}
