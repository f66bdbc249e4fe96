// Package postgres implements the discovery store on Postgres.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/editalwatch/discovery/internal/crawler"
)

//go:embed schema.sql
var schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements crawler.Store.
type Store struct {
	pool pool
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Statements() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Statements splits the embedded schema into individual statements.
func Statements() []string {
	var out []string
	for _, stmt := range strings.Split(schema, ";\n") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

const upsertContestSQL = `
WITH prev AS (
	SELECT content_hash FROM discovered_contests WHERE source_id = $1 AND external_id = $2
)
INSERT INTO discovered_contests (
	source_id, external_id, title, url, status, metadata, content_hash, first_seen, last_seen
) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $8)
ON CONFLICT (source_id, external_id) DO UPDATE SET
	title = EXCLUDED.title,
	url = EXCLUDED.url,
	status = EXCLUDED.status,
	metadata = EXCLUDED.metadata,
	content_hash = EXCLUDED.content_hash,
	last_seen = EXCLUDED.last_seen
RETURNING COALESCE((SELECT content_hash FROM prev), ''), NOT EXISTS (SELECT 1 FROM prev)`

// UpsertContest inserts or refreshes a contest by (source_id, external_id).
// first_seen is only written on insert.
func (s *Store) UpsertContest(ctx context.Context, c crawler.DiscoveredContest) (crawler.UpsertResult, error) {
	var res crawler.UpsertResult
	err := s.pool.QueryRow(ctx, upsertContestSQL,
		c.SourceID, c.ExternalID, c.Title, c.URL, string(c.Status), jsonArg(c.Metadata), c.ContentHash, c.LastSeen,
	).Scan(&res.PreviousHash, &res.Created)
	if err != nil {
		return crawler.UpsertResult{}, fmt.Errorf("upsert contest %s/%s: %w", c.SourceID, c.ExternalID, err)
	}
	return res, nil
}

// AppendUpdateEvent records a content hash change.
func (s *Store) AppendUpdateEvent(ctx context.Context, e crawler.ContestUpdateEvent) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO contest_update_events (source_id, external_id, previous_hash, content_hash, recorded_at)
VALUES ($1, $2, $3, $4, $5)`, e.SourceID, e.ExternalID, e.PreviousHash, e.ContentHash, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("append update event: %w", err)
	}
	return nil
}

// ListUpdateEvents returns the change log in insertion order.
func (s *Store) ListUpdateEvents(ctx context.Context, sourceID string) ([]crawler.ContestUpdateEvent, error) {
	rows, err := s.pool.Query(ctx, `
SELECT source_id, external_id, previous_hash, content_hash, recorded_at
FROM contest_update_events
WHERE ($1::text = '' OR source_id = $1)
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
	rows, err := s.pool.Query(ctx, `
SELECT source_id, external_id, title, url, status, metadata, content_hash, first_seen, last_seen
FROM discovered_contests
WHERE ($1::text = '' OR source_id = $1)
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
			metadata []byte
		)
		if err := rows.Scan(&c.SourceID, &c.ExternalID, &c.Title, &c.URL, &status, &metadata,
			&c.ContentHash, &c.FirstSeen, &c.LastSeen); err != nil {
			return nil, fmt.Errorf("scan contest: %w", err)
		}
		c.Status = crawler.ContestStatus(status)
		c.Metadata = metadata
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountContests counts the stored contests of a source.
func (s *Store) CountContests(ctx context.Context, sourceID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM discovered_contests WHERE source_id = $1`, sourceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count contests %s: %w", sourceID, err)
	}
	return n, nil
}

// UpdateSourceCount persists a source's aggregate contest count.
func (s *Store) UpdateSourceCount(ctx context.Context, sourceID string, count int, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO source_stats (source_id, contest_count, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (source_id) DO UPDATE SET contest_count = EXCLUDED.contest_count, updated_at = EXCLUDED.updated_at`,
		sourceID, count, at)
	if err != nil {
		return fmt.Errorf("update source count %s: %w", sourceID, err)
	}
	return nil
}

const bumpCounterSQL = `
INSERT INTO domain_counters (
	domain, window_start, ok_count, count_4xx, count_5xx, blocked_count, error_count, bytes, cache_hits
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (domain, window_start) DO UPDATE SET
	ok_count = domain_counters.ok_count + EXCLUDED.ok_count,
	count_4xx = domain_counters.count_4xx + EXCLUDED.count_4xx,
	count_5xx = domain_counters.count_5xx + EXCLUDED.count_5xx,
	blocked_count = domain_counters.blocked_count + EXCLUDED.blocked_count,
	error_count = domain_counters.error_count + EXCLUDED.error_count,
	bytes = domain_counters.bytes + EXCLUDED.bytes,
	cache_hits = domain_counters.cache_hits + EXCLUDED.cache_hits`

// BumpCounter adds delta to its (domain, window) row, creating it when absent.
// Increments are applied by the database so concurrent writers never lose
// updates.
func (s *Store) BumpCounter(ctx context.Context, delta crawler.CounterDelta) error {
	var inc crawler.DomainCounter
	delta.Apply(&inc)
	_, err := s.pool.Exec(ctx, bumpCounterSQL,
		delta.Domain, delta.WindowStart, inc.OK, inc.Client4xx, inc.Server5xx, inc.Blocked, inc.Errors, inc.Bytes, inc.CacheHits)
	if err != nil {
		return fmt.Errorf("bump counter %s: %w", delta.Domain, err)
	}
	return nil
}

// ListCounters returns counter rows with window_start >= since.
func (s *Store) ListCounters(ctx context.Context, since time.Time) ([]crawler.DomainCounter, error) {
	rows, err := s.pool.Query(ctx, `
SELECT domain, window_start, ok_count, count_4xx, count_5xx, blocked_count, error_count, bytes, cache_hits
FROM domain_counters
WHERE window_start >= $1
ORDER BY window_start, domain`, since)
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

// EnqueueReview inserts an open ticket; the partial unique index on open
// tickets turns a duplicate into a no-op.
func (s *Store) EnqueueReview(ctx context.Context, t crawler.ManualReviewTicket) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO review_tickets (id, source_id, url, reason, status, notes, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'open', $5, $6, $7)
ON CONFLICT (source_id, url) WHERE status = 'open' DO NOTHING`,
		t.ID, t.SourceID, t.URL, t.Reason, t.Notes, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("enqueue review: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListReviews returns tickets with the given status, oldest first.
func (s *Store) ListReviews(ctx context.Context, status crawler.TicketStatus) ([]crawler.ManualReviewTicket, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, source_id, url, reason, status, notes, created_at, updated_at
FROM review_tickets
WHERE ($1::text = '' OR status = $1)
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
	tag, err := s.pool.Exec(ctx, `
UPDATE review_tickets SET status = $1, notes = $2, updated_at = $3
WHERE id = $4 AND status = 'open'`, string(status), notes, at, id)
	if err != nil {
		return fmt.Errorf("resolve review %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resolve review %s: %w", id, crawler.ErrTicketNotFound)
	}
	return nil
}

// BumpStreak extends the blocked streak of (sourceID, url) and returns it.
func (s *Store) BumpStreak(ctx context.Context, sourceID, url string, at time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
INSERT INTO blocked_streaks (source_id, url, streak, updated_at) VALUES ($1, $2, 1, $3)
ON CONFLICT (source_id, url) DO UPDATE SET
	streak = blocked_streaks.streak + 1,
	updated_at = EXCLUDED.updated_at
RETURNING streak`, sourceID, url, at).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("bump streak %s: %w", sourceID, err)
	}
	return n, nil
}

// ClearStreak drops the blocked streak of (sourceID, url).
func (s *Store) ClearStreak(ctx context.Context, sourceID, url string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM blocked_streaks WHERE source_id = $1 AND url = $2`, sourceID, url); err != nil {
		return fmt.Errorf("clear streak %s: %w", sourceID, err)
	}
	return nil
}

// Streak returns the current blocked streak of (sourceID, url), zero when
// none is recorded.
func (s *Store) Streak(ctx context.Context, sourceID, url string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT streak FROM blocked_streaks WHERE source_id = $1 AND url = $2`, sourceID, url).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read streak %s: %w", sourceID, err)
	}
	return n, nil
}

func jsonArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

var _ crawler.Store = (*Store)(nil)

