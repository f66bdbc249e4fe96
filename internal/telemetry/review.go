package telemetry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/editalwatch/discovery/internal/crawler"
	"github.com/editalwatch/discovery/internal/metrics"
)

// ReviewQueue is the manual intervention backlog.
type ReviewQueue struct {
	store  crawler.ReviewStore
	ids    crawler.IDGenerator
	clock  crawler.Clock
	logger *zap.Logger
}

// NewReviewQueue builds a ReviewQueue.
func NewReviewQueue(store crawler.ReviewStore, ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger) *ReviewQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReviewQueue{store: store, ids: ids, clock: clock, logger: logger.Named("review")}
}

// Enqueue opens a ticket for (sourceID, url) unless one is already open.
// It reports whether a ticket was created.
func (q *ReviewQueue) Enqueue(ctx context.Context, sourceID, url, reason string) (bool, error) {
	id, err := q.ids.NewID()
	if err != nil {
		return false, err
	}
	now := q.clock.Now()
	created, err := q.store.EnqueueReview(ctx, crawler.ManualReviewTicket{
		ID:        id,
		SourceID:  sourceID,
		URL:       url,
		Reason:    reason,
		Status:    crawler.TicketOpen,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return false, fmt.Errorf("enqueue review %s %s: %w", sourceID, url, err)
	}
	if created {
		metrics.ObserveReviewTicket(sourceID)
		q.logger.Warn("review ticket opened",
			zap.String("id", id),
			zap.String("source", sourceID),
			zap.String("url", url),
			zap.String("reason", reason),
		)
	}
	return created, nil
}

// List returns tickets with the given status; an empty status lists all.
func (q *ReviewQueue) List(ctx context.Context, status crawler.TicketStatus) ([]crawler.ManualReviewTicket, error) {
	tickets, err := q.store.ListReviews(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	return tickets, nil
}

// Resolve closes an open ticket as resolved or ignored.
func (q *ReviewQueue) Resolve(ctx context.Context, id string, status crawler.TicketStatus, notes string) error {
	if status != crawler.TicketResolved && status != crawler.TicketIgnored {
		return fmt.Errorf("%w: %q", ErrInvalidResolution, status)
	}
	if err := q.store.ResolveReview(ctx, id, status, notes, q.clock.Now()); err != nil {
		return fmt.Errorf("resolve review %s: %w", id, err)
	}
	q.logger.Info("review ticket closed", zap.String("id", id), zap.String("status", string(status)))
	return nil
}
