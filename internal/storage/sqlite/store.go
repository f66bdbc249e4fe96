// Package sqlite implements the discovery store on an embedded SQLite file,
// for single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/editalwatch/discovery/internal/crawler"
)

//go:embed schema.sql
var schema string

// Store implements crawler.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" keeps a
// private in-memory database on a single connection.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";\n") {
		if stmt = strings.TrimSpace(stmt); stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// UpsertContest reads the stored hash and writes the row in one immediate
// transaction so concurrent runs agree on whether the contest changed.
func (s *Store) UpsertContest(ctx context.Context, c crawler.DiscoveredContest) (crawler.UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return crawler.UpsertResult{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var res crawler.UpsertResult
	err = tx.QueryRowContext(ctx,
		`SELECT content_hash FROM discovered_contests WHERE source_id = ? AND external_id = ?`,
		c.SourceID, c.ExternalID).Scan(&res.PreviousHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res.Created = true
	case err != nil:
		return crawler.UpsertResult{}, fmt.Errorf("read contest %s/%s: %w", c.SourceID, c.ExternalID, err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO discovered_contests (
	source_id, external_id, title, url, status, metadata, content_hash, first_seen, last_seen
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (source_id, external_id) DO UPDATE SET
	title = excluded.title,
	url = excluded.url,
	status = excluded.status,
	metadata = excluded.metadata,
	content_hash = excluded.content_hash,
	last_seen = excluded.last_seen`,
		c.SourceID, c.ExternalID, c.Title, c.URL, string(c.Status), nullString(c.Metadata), c.ContentHash,
		c.LastSeen.UTC(), c.LastSeen.UTC())
	if err != nil {
		return crawler.UpsertResult{}, fmt.Errorf("upsert contest %s/%s: %w", c.SourceID, c.ExternalID, err)
	}
	if err := tx.Commit(); err != nil {
		return crawler.UpsertResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

// AppendUpdateEvent records a content hash change.
func (s *Store) AppendUpdateEvent(ctx context.Context, e crawler.ContestUpdateEvent) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO contest_update_events (source_id, external_id, previous_hash, content_hash, recorded_at)
VALUES (?, ?, ?, ?, ?)`, e.SourceID, e.ExternalID, e.PreviousHash, e.ContentHash, e.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("append update event: %w", err)
	}
	return nil
}

// ListUpdateEvents returns the change log in insertion order.
func (s *Store) ListUpdateEvents(ctx context.Context, sourceID string) ([]crawler.ContestUpdateEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source_id, external_id, previous_hash, content_hash, recorded_at
FROM contest_update_events
WHERE (?1 = '' OR source_id = ?1)
ORDER BY id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list update events: %w", err)
	}
	defer rows.Close()

	var out []crawler.ContestUpdateEvent
	for rows.Next() {
		var e crawler.ContestUpdateEvent
		if err := rows.Scan(&e.SourceID, &e.ExternalID, &e.PreviousHash, &e.ContentHash, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan update event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListContests returns contests ordered by source and first sighting.
func (s *Store) ListContests(ctx context.Context, sourceID string) ([]crawler.DiscoveredContest, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source_id, external_id, title, url, status, metadata, content_hash, first_seen, last_seen
FROM discovered_contests
WHERE (?1 = '' OR source_id = ?1)
ORDER BY source_id, first_seen, external_id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list contests: %w", err)
	}
	defer rows.Close()

	var out []crawler.DiscoveredContest
	for rows.Next() {
		var (
			c        crawler.DiscoveredContest
			status   string
			metadata sql.NullString
		)
		if err := rows.Scan(&c.SourceID, &c.ExternalID, &c.Title, &c.URL, &status, &metadata,
			&c.ContentHash, &c.FirstSeen, &c.LastSeen); err != nil {
			return nil, fmt.Errorf("scan contest: %w", err)
		}
		c.Status = crawler.ContestStatus(status)
		if metadata.Valid {
			c.Metadata = []byte(metadata.String)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountContests counts the stored contests of a source.
func (s *Store) CountContests(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM discovered_contests WHERE source_id = ?`, sourceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count contests %s: %w", sourceID, err)
	}
	return n, nil
}

// UpdateSourceCount persists a source's aggregate contest count.
func (s *Store) UpdateSourceCount(ctx context.Context, sourceID string, count int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO source_stats (source_id, contest_count, updated_at) VALUES (?, ?, ?)
ON CONFLICT (source_id) DO UPDATE SET contest_count = excluded.contest_count, updated_at = excluded.updated_at`,
		sourceID, count, at.UTC())
	if err != nil {
		return fmt.Errorf("update source count %s: %w", sourceID, err)
	}
	return nil
}

// SourceCount returns the last persisted aggregate count of a source.
func (s *Store) SourceCount(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT contest_count FROM source_stats WHERE source_id = ?`, sourceID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("source count %s: %w", sourceID, err)
	}
	return n, nil
}

// BumpCounter adds delta to its (domain, window) row, creating it when absent.
func (s *Store) BumpCounter(ctx context.Context, delta crawler.CounterDelta) error {
	var inc crawler.DomainCounter
	delta.Apply(&inc)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO domain_counters (
	domain, window_start, ok_count, count_4xx, count_5xx, blocked_count, error_count, bytes, cache_hits
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (domain, window_start) DO UPDATE SET
	ok_count = ok_count + excluded.ok_count,
	count_4xx = count_4xx + excluded.count_4xx,
	count_5xx = count_5xx + excluded.count_5xx,
	blocked_count = blocked_count + excluded.blocked_count,
	error_count = error_count + excluded.error_count,
	bytes = bytes + excluded.bytes,
	cache_hits = cache_hits + excluded.cache_hits`,
		delta.Domain, delta.WindowStart.UTC(), inc.OK, inc.Client4xx, inc.Server5xx, inc.Blocked, inc.Errors, inc.Bytes, inc.CacheHits)
	if err != nil {
		return fmt.Errorf("bump counter %s: %w", delta.Domain, err)
	}
	return nil
}

// ListCounters returns counter rows with window_start >= since.
func (s *Store) ListCounters(ctx context.Context, since time.Time) ([]crawler.DomainCounter, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT domain, window_start, ok_count, count_4xx, count_5xx, blocked_count, error_count, bytes, cache_hits
FROM domain_counters
WHERE window_start >= ?
ORDER BY window_start, domain`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	defer rows.Close()

	var out []crawler.DomainCounter
	for rows.Next() {
		var c crawler.DomainCounter
		if err := rows.Scan(&c.Domain, &c.WindowStart, &c.OK, &c.Client4xx, &c.Server5xx,
			&c.Blocked, &c.Errors, &c.Bytes, &c.CacheHits); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// EnqueueReview inserts an open ticket unless one is already open for the
// same (source, URL).
func (s *Store) EnqueueReview(ctx context.Context, t crawler.ManualReviewTicket) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO review_tickets (id, source_id, url, reason, status, notes, created_at, updated_at)
VALUES (?, ?, ?, ?, 'open', ?, ?, ?)
ON CONFLICT (source_id, url) WHERE status = 'open' DO NOTHING`,
		t.ID, t.SourceID, t.URL, t.Reason, t.Notes, t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("enqueue review: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue review: %w", err)
	}
	return n == 1, nil
}

// ListReviews returns tickets with the given status, oldest first.
func (s *Store) ListReviews(ctx context.Context, status crawler.TicketStatus) ([]crawler.ManualReviewTicket, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, source_id, url, reason, status, notes, created_at, updated_at
FROM review_tickets
WHERE (?1 = '' OR status = ?1)
ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var out []crawler.ManualReviewTicket
	for rows.Next() {
		var (
			t  crawler.ManualReviewTicket
			st string
		)
		if err := rows.Scan(&t.ID, &t.SourceID, &t.URL, &t.Reason, &st, &t.Notes, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		t.Status = crawler.TicketStatus(st)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ResolveReview moves an open ticket to status. Closed or unknown tickets
// fail with crawler.ErrTicketNotFound.
func (s *Store) ResolveReview(ctx context.Context, id string, status crawler.TicketStatus, notes string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE review_tickets SET status = ?, notes = ?, updated_at = ?
WHERE id = ? AND status = 'open'`, string(status), notes, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("resolve review %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve review %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("resolve review %s: %w", id, crawler.ErrTicketNotFound)
	}
	return nil
}

// BumpStreak extends the blocked streak of (sourceID, url) and returns it.
func (s *Store) BumpStreak(ctx context.Context, sourceID, url string, at time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
INSERT INTO blocked_streaks (source_id, url, streak, updated_at) VALUES (?, ?, 1, ?)
ON CONFLICT (source_id, url) DO UPDATE SET
	streak = streak + 1,
	updated_at = excluded.updated_at
RETURNING streak`, sourceID, url, at.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("bump streak %s: %w", sourceID, err)
	}
	return n, nil
}

// ClearStreak drops the blocked streak of (sourceID, url).
func (s *Store) ClearStreak(ctx context.Context, sourceID, url string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blocked_streaks WHERE source_id = ? AND url = ?`, sourceID, url); err != nil {
		return fmt.Errorf("clear streak %s: %w", sourceID, err)
	}
	return nil
}

// Streak returns the current blocked streak of (sourceID, url), zero when
// none is recorded.
func (s *Store) Streak(ctx context.Context, sourceID, url string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT streak FROM blocked_streaks WHERE source_id = ? AND url = ?`, sourceID, url).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read streak %s: %w", sourceID, err)
	}
	return n, nil
}

func nullString(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

var _ crawler.Store = (*Store)(nil)
