package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/editalwatch/discovery/internal/crawler"
)

var now = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "discovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	require.NoError(t, store.Migrate(context.Background()))
}

func TestOpenInMemory(t *testing.T) {
	t.Parallel()

	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate(context.Background()))

	_, err = Open("")
	require.Error(t, err)
}

func TestUpsertContestLifecycle(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	c := crawler.DiscoveredContest{
		SourceID:    "tj",
		ExternalID:  "abc",
		Title:       "Edital 01/2026",
		URL:         "https://tj.example/e.pdf",
		Status:      crawler.ContestOpen,
		Metadata:    json.RawMessage(`{"entry":"https://tj.example/"}`),
		ContentHash: "h1",
		FirstSeen:   now,
		LastSeen:    now,
	}

	res, err := store.UpsertContest(ctx, c)
	require.NoError(t, err)
	require.True(t, res.Created)

	c.LastSeen = now.Add(time.Hour)
	res, err = store.UpsertContest(ctx, c)
	require.NoError(t, err)
	require.False(t, res.Changed("h1"))

	c.Title = "Edital 01/2026 (retificado)"
	c.ContentHash = "h2"
	c.LastSeen = now.Add(2 * time.Hour)
	res, err = store.UpsertContest(ctx, c)
	require.NoError(t, err)
	require.Equal(t, "h1", res.PreviousHash)
	require.True(t, res.Changed("h2"))

	got, err := store.ListContests(ctx, "tj")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "Edital 01/2026 (retificado)", got[0].Title)
	require.True(t, got[0].FirstSeen.Equal(now))
	require.True(t, got[0].LastSeen.Equal(now.Add(2*time.Hour)))
	require.JSONEq(t, `{"entry":"https://tj.example/"}`, string(got[0].Metadata))

	n, err := store.CountContests(ctx, "tj")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	all, err := store.ListContests(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	none, err := store.ListContests(ctx, "other")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestUpdateEventsAndSourceCount(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	require.NoError(t, store.AppendUpdateEvent(ctx, crawler.ContestUpdateEvent{
		SourceID: "tj", ExternalID: "a", ContentHash: "h1", RecordedAt: now,
	}))
	require.NoError(t, store.AppendUpdateEvent(ctx, crawler.ContestUpdateEvent{
		SourceID: "tj", ExternalID: "a", PreviousHash: "h1", ContentHash: "h2", RecordedAt: now.Add(time.Hour),
	}))

	events, err := store.ListUpdateEvents(ctx, "tj")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "h1", events[1].PreviousHash)

	require.NoError(t, store.UpdateSourceCount(ctx, "tj", 3, now))
	require.NoError(t, store.UpdateSourceCount(ctx, "tj", 5, now.Add(time.Hour)))
	n, err := store.SourceCount(ctx, "tj")
	require.NoError(t, err)
	require.Equal(t, 5, n)

	n, err = store.SourceCount(ctx, "unknown")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestBumpCounterConcurrentIsAdditive(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	window := now.Truncate(time.Hour)

	const workers = 40
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := crawler.OutcomeOK
			if i%4 == 0 {
				outcome = crawler.OutcomeBlocked
			}
			errs <- store.BumpCounter(ctx, crawler.CounterDelta{
				Domain: "tj.example", WindowStart: window, Outcome: outcome, Bytes: 100,
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	counters, err := store.ListCounters(ctx, window)
	require.NoError(t, err)
	require.Len(t, counters, 1)
	require.Equal(t, int64(30), counters[0].OK)
	require.Equal(t, int64(10), counters[0].Blocked)
	require.Equal(t, int64(4000), counters[0].Bytes)
	require.True(t, counters[0].WindowStart.Equal(window))

	later, err := store.ListCounters(ctx, window.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, later)
}

func TestReviewTicketsIdempotent(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	ticket := func(id string) crawler.ManualReviewTicket {
		return crawler.ManualReviewTicket{
			ID: id, SourceID: "tj", URL: "https://tj.example/", Reason: "blocked", CreatedAt: now, UpdatedAt: now,
		}
	}

	for i := range 6 {
		created, err := store.EnqueueReview(ctx, ticket(fmt.Sprintf("t%d", i)))
		require.NoError(t, err)
		require.Equal(t, i == 0, created)
	}
	open, err := store.ListReviews(ctx, crawler.TicketOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "t0", open[0].ID)

	require.NoError(t, store.ResolveReview(ctx, "t0", crawler.TicketResolved, "liberado pelo portal", now.Add(time.Hour)))
	require.ErrorIs(t, store.ResolveReview(ctx, "t0", crawler.TicketIgnored, "", now), crawler.ErrTicketNotFound)
	require.ErrorIs(t, store.ResolveReview(ctx, "missing", crawler.TicketIgnored, "", now), crawler.ErrTicketNotFound)

	created, err := store.EnqueueReview(ctx, ticket("t9"))
	require.NoError(t, err)
	require.True(t, created)

	all, err := store.ListReviews(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, crawler.TicketResolved, all[0].Status)
	require.Equal(t, "liberado pelo portal", all[0].Notes)
}

func TestBlockedStreaksAccumulateAndClear(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	for want := 1; want <= 3; want++ {
		n, err := store.BumpStreak(ctx, "tj", "https://tj.example/", now)
		require.NoError(t, err)
		require.Equal(t, want, n)
	}
	n, err := store.BumpStreak(ctx, "tj", "https://tj.example/outro", now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, store.ClearStreak(ctx, "tj", "https://tj.example/"))
	n, err = store.Streak(ctx, "tj", "https://tj.example/")
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = store.Streak(ctx, "tj", "https://tj.example/outro")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
