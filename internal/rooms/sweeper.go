package rooms

import (
	"context"
	"time"

	"github.com/collab-docs/coderoom/internal/logger"
)

// Sweeper periodically evicts stale collaborators
type Sweeper struct {
	coordinator *Coordinator
	interval    time.Duration
	now         func() time.Time
}

// NewSweeper creates a sweeper running every interval
func NewSweeper(coordinator *Coordinator, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sweeper{
		coordinator: coordinator,
		interval:    interval,
		now:         time.Now,
	}
}

// Run sweeps on every tick until ctx is done
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	report, err := s.coordinator.Sweep(ctx, s.now())
	if err != nil {
		logger.Error("Presence sweep failed: %v", err)
	}
	if report.Evicted > 0 || report.Closed > 0 {
		logger.Info("Presence sweep: %d rooms checked, %d collaborators evicted, %d rooms closed",
			report.Rooms, report.Evicted, report.Closed)
	}
}
