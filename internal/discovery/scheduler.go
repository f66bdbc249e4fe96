package discovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/editalwatch/discovery/internal/crawler"
)

// BatchRunner is the subset of Runner the Scheduler drives.
type BatchRunner interface {
	RunBatches(ctx context.Context, n int) (crawler.RunSummary, error)
}

// Scheduler repeats a full run on a fixed interval until its context ends.
type Scheduler struct {
	runner   BatchRunner
	interval time.Duration
	batches  int
	logger   *zap.Logger
}

// NewScheduler builds a Scheduler. A non-positive interval disables it.
func NewScheduler(runner BatchRunner, interval time.Duration, batches int, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{runner: runner, interval: interval, batches: batches, logger: logger.Named("scheduler")}
}

// Run blocks until ctx is done. The first run starts immediately; a run that
// outlasts the interval delays the next one rather than overlapping it.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("scheduler disabled")
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	summary, err := s.runner.RunBatches(ctx, s.batches)
	if err != nil {
		s.logger.Error("scheduled run failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled run finished",
		zap.Int("sources", len(summary.Sources)),
		zap.Int("found", summary.TotalFound),
		zap.Int("saved", summary.TotalSaved),
	)
}
