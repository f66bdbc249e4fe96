package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/editalwatch/discovery/internal/crawler"
)

var now = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return mock, store
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.ErrorContains(t, err, "database.dsn is required")

	_, err = NewWithPool(nil)
	require.Error(t, err)
}

func TestMigrateRunsEveryStatement(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	stmts := Statements()
	require.Len(t, stmts, 9)
	for range stmts {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertContest(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	c := crawler.DiscoveredContest{
		SourceID:    "tj",
		ExternalID:  "abc",
		Title:       "Edital 01/2026",
		URL:         "https://tj.example/edital.pdf",
		Status:      crawler.ContestOpen,
		Metadata:    json.RawMessage(`{"entry":"https://tj.example/"}`),
		ContentHash: "h2",
		FirstSeen:   now,
		LastSeen:    now,
	}
	args := []any{c.SourceID, c.ExternalID, c.Title, c.URL, "open", `{"entry":"https://tj.example/"}`, "h2", now}

	mock.ExpectQuery("WITH prev AS").WithArgs(args...).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce", "created"}).AddRow("", true))
	mock.ExpectQuery("WITH prev AS").WithArgs(args...).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce", "created"}).AddRow("h1", false))

	res, err := store.UpsertContest(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, crawler.UpsertResult{Created: true}, res)

	res, err = store.UpsertContest(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, "h1", res.PreviousHash)
	require.True(t, res.Changed("h2"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBumpCounterIsAdditive(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	mock.ExpectExec(`ok_count = domain_counters.ok_count \+ EXCLUDED.ok_count`).
		WithArgs("tj.example", now, int64(0), int64(0), int64(0), int64(1), int64(0), int64(512), int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.BumpCounter(context.Background(), crawler.CounterDelta{
		Domain: "tj.example", WindowStart: now, Outcome: crawler.OutcomeBlocked, Bytes: 512,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListCounters(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	cols := []string{"domain", "window_start", "ok_count", "count_4xx", "count_5xx", "blocked_count", "error_count", "bytes", "cache_hits"}
	mock.ExpectQuery("FROM domain_counters").WithArgs(now).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("a.example", now, int64(3), int64(1), int64(0), int64(2), int64(0), int64(900), int64(0)))

	got, err := store.ListCounters(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, []crawler.DomainCounter{{
		Domain: "a.example", WindowStart: now, OK: 3, Client4xx: 1, Blocked: 2, Bytes: 900,
	}}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueReviewIdempotent(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	ticket := crawler.ManualReviewTicket{
		ID: "t1", SourceID: "tj", URL: "https://tj.example/", Reason: "blocked", CreatedAt: now, UpdatedAt: now,
	}
	args := []any{"t1", "tj", "https://tj.example/", "blocked", "", now, now}
	mock.ExpectExec("INSERT INTO review_tickets").WithArgs(args...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DO NOTHING").WithArgs(args...).WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := store.EnqueueReview(context.Background(), ticket)
	require.NoError(t, err)
	require.True(t, created)

	created, err = store.EnqueueReview(context.Background(), ticket)
	require.NoError(t, err)
	require.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveReview(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	mock.ExpectExec("UPDATE review_tickets").WithArgs("resolved", "ok", now, "t1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE review_tickets").WithArgs("ignored", "", now, "t2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.ResolveReview(context.Background(), "t1", crawler.TicketResolved, "ok", now))
	err := store.ResolveReview(context.Background(), "t2", crawler.TicketIgnored, "", now)
	require.ErrorIs(t, err, crawler.ErrTicketNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListContests(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	cols := []string{"source_id", "external_id", "title", "url", "status", "metadata", "content_hash", "first_seen", "last_seen"}
	mock.ExpectQuery("FROM discovered_contests").WithArgs("tj").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("tj", "abc", "Edital", "https://tj.example/e.pdf", "open", []byte(`{}`), "h", now, now))

	got, err := store.ListContests(context.Background(), "tj")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, crawler.ContestOpen, got[0].Status)
	require.JSONEq(t, `{}`, string(got[0].Metadata))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountAndUpdateSourceCount(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	mock.ExpectQuery("SELECT count").WithArgs("tj").WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectExec("INSERT INTO source_stats").WithArgs("tj", 4, now).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	n, err := store.CountContests(context.Background(), "tj")
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.NoError(t, store.UpdateSourceCount(context.Background(), "tj", n, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBlockedStreaks(t *testing.T) {
	t.Parallel()

	mock, store := newMock(t)
	ctx := context.Background()
	mock.ExpectQuery("INSERT INTO blocked_streaks").WithArgs("tj", "https://tj.example/", now).
		WillReturnRows(pgxmock.NewRows([]string{"streak"}).AddRow(3))
	mock.ExpectQuery("SELECT streak FROM blocked_streaks").WithArgs("tj", "https://tj.example/").
		WillReturnRows(pgxmock.NewRows([]string{"streak"}).AddRow(3))
	mock.ExpectExec("DELETE FROM blocked_streaks").WithArgs("tj", "https://tj.example/").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectQuery("SELECT streak FROM blocked_streaks").WithArgs("tj", "https://tj.example/").
		WillReturnError(pgx.ErrNoRows)

	n, err := store.BumpStreak(ctx, "tj", "https://tj.example/", now)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = store.Streak(ctx, "tj", "https://tj.example/")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.NoError(t, store.ClearStreak(ctx, "tj", "https://tj.example/"))
	n, err = store.Streak(ctx, "tj", "https://tj.example/")
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
