package scheduler

import (
	"context"
	"time"

	"cronhub/internal/jobs"
)

// Snapshot reports loop state without touching trigger state. The next fire
// time comes from the cache when it is fresh.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	state := s.state
	cfg := s.cfg
	sup := s.sup
	s.mu.Unlock()

	snap := Snapshot{
		State:    state.String(),
		Timezone: s.calc.Location().String(),
		InFlight: s.inFlight(),
		Engine:   s.engine.Snapshot(),
		Config:   cfg,
		Misfire:  s.calc.MisfireThreshold(),
	}
	if sup != nil {
		snap.Goroutine = sup.Snapshot()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if at, ok, err := s.nextFireTime(ctx, s.now()); err == nil && ok {
		snap.NextFire = jobs.TimePtr(at)
	}
	return snap
}
