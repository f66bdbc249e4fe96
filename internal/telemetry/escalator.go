package telemetry

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/editalwatch/discovery/internal/crawler"
)

// DefaultReviewThreshold is the number of consecutive blocked attempts that
// opens a review ticket.
const DefaultReviewThreshold = 3

// ErrInvalidResolution rejects a ticket transition other than resolved or
// ignored.
var ErrInvalidResolution = errors.New("tickets can only be resolved or ignored")

// Escalator opens a review ticket once the consecutive blocked attempts for a
// (source, URL) reach the threshold. Streaks live in the store so they carry
// over between runs, including one-shot CLI runs.
type Escalator struct {
	threshold int
	streaks   crawler.StreakStore
	queue     *ReviewQueue
	logger    *zap.Logger
}

// NewEscalator builds an Escalator counting in streaks and feeding queue.
func NewEscalator(queue *ReviewQueue, streaks crawler.StreakStore, threshold int, logger *zap.Logger) *Escalator {
	if threshold <= 0 {
		threshold = DefaultReviewThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Escalator{
		threshold: threshold,
		streaks:   streaks,
		queue:     queue,
		logger:    logger.Named("escalator"),
	}
}

// ReportBlocked extends the streak for (sourceID, url) and enqueues a review
// ticket when it reaches the threshold. Later attempts in the same streak
// rely on the queue not duplicating an open ticket.
func (e *Escalator) ReportBlocked(ctx context.Context, sourceID, url, reason string) {
	streak, err := e.streaks.BumpStreak(ctx, sourceID, url, e.queue.clock.Now())
	if err != nil {
		e.logger.Error("streak update failed", zap.String("source", sourceID), zap.String("url", url), zap.Error(err))
		return
	}
	if streak < e.threshold {
		return
	}
	if _, err := e.queue.Enqueue(ctx, sourceID, url, reason); err != nil {
		e.logger.Error("escalation failed", zap.String("source", sourceID), zap.String("url", url), zap.Error(err))
	}
}

// ReportSuccess ends the streak for (sourceID, url).
func (e *Escalator) ReportSuccess(ctx context.Context, sourceID, url string) {
	if err := e.streaks.ClearStreak(ctx, sourceID, url); err != nil {
		e.logger.Warn("streak reset failed", zap.String("source", sourceID), zap.String("url", url), zap.Error(err))
	}
}

// Streak returns the current consecutive blocked count for (sourceID, url).
func (e *Escalator) Streak(ctx context.Context, sourceID, url string) (int, error) {
	return e.streaks.Streak(ctx, sourceID, url)
}
