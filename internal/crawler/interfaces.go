package crawler

import (
	"context"
	"io"
	"time"
)

// Strategy is one way of retrieving a URL (plain HTTP or headless render).
type Strategy interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResult, error)
}

// ContestStore persists discovered contests and their change log. An empty
// sourceID in the list methods means every source.
type ContestStore interface {
	UpsertContest(ctx context.Context, contest DiscoveredContest) (UpsertResult, error)
	AppendUpdateEvent(ctx context.Context, event ContestUpdateEvent) error
	ListUpdateEvents(ctx context.Context, sourceID string) ([]ContestUpdateEvent, error)
	ListContests(ctx context.Context, sourceID string) ([]DiscoveredContest, error)
	CountContests(ctx context.Context, sourceID string) (int, error)
	UpdateSourceCount(ctx context.Context, sourceID string, count int, at time.Time) error
}

// CounterStore applies additive increments to domain counters.
type CounterStore interface {
	BumpCounter(ctx context.Context, delta CounterDelta) error
	ListCounters(ctx context.Context, since time.Time) ([]DomainCounter, error)
}

// ReviewStore persists manual review tickets.
type ReviewStore interface {
	// EnqueueReview inserts an open ticket unless one is already open for
	// (SourceID, URL). It reports whether a new ticket was created.
	EnqueueReview(ctx context.Context, ticket ManualReviewTicket) (bool, error)
	ListReviews(ctx context.Context, status TicketStatus) ([]ManualReviewTicket, error)
	ResolveReview(ctx context.Context, id string, status TicketStatus, notes string, at time.Time) error
}

// StreakStore keeps consecutive blocked attempts per (source, URL) so the
// count carries over between runs and processes.
type StreakStore interface {
	// BumpStreak adds one to the streak and returns the new value.
	BumpStreak(ctx context.Context, sourceID, url string, at time.Time) (int, error)
	ClearStreak(ctx context.Context, sourceID, url string) error
	Streak(ctx context.Context, sourceID, url string) (int, error)
}

// Store is the opaque transactional store used by the pipeline.
type Store interface {
	ContestStore
	CounterStore
	ReviewStore
	StreakStore
	Migrate(ctx context.Context) error
	Close() error
}

// BlobStore archives raw document bytes and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher hands new or changed contests to downstream systems.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces ticket IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
