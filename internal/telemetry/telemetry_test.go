package telemetry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/editalwatch/discovery/internal/clock/system"
	"github.com/editalwatch/discovery/internal/crawler"
	"github.com/editalwatch/discovery/internal/storage/sqlite"
)

type memStore struct {
	mu       sync.Mutex
	counters map[string]*crawler.DomainCounter
	tickets  []crawler.ManualReviewTicket
	streaks  map[string]int
	bumpErr  error
}

func newMemStore() *memStore {
	return &memStore{counters: map[string]*crawler.DomainCounter{}, streaks: map[string]int{}}
}

func (m *memStore) BumpStreak(_ context.Context, sourceID, url string, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaks[sourceID+"|"+url]++
	return m.streaks[sourceID+"|"+url], nil
}

func (m *memStore) ClearStreak(_ context.Context, sourceID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streaks, sourceID+"|"+url)
	return nil
}

func (m *memStore) Streak(_ context.Context, sourceID, url string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaks[sourceID+"|"+url], nil
}

func (m *memStore) BumpCounter(_ context.Context, d crawler.CounterDelta) error {
	if m.bumpErr != nil {
		return m.bumpErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := d.Domain + "|" + d.WindowStart.String()
	c, ok := m.counters[key]
	if !ok {
		c = &crawler.DomainCounter{Domain: d.Domain, WindowStart: d.WindowStart}
		m.counters[key] = c
	}
	d.Apply(c)
	return nil
}

func (m *memStore) ListCounters(_ context.Context, since time.Time) ([]crawler.DomainCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []crawler.DomainCounter
	for _, c := range m.counters {
		if !c.WindowStart.Before(since) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memStore) EnqueueReview(_ context.Context, t crawler.ManualReviewTicket) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tickets {
		if existing.SourceID == t.SourceID && existing.URL == t.URL && existing.Status == crawler.TicketOpen {
			return false, nil
		}
	}
	m.tickets = append(m.tickets, t)
	return true, nil
}

func (m *memStore) ListReviews(_ context.Context, status crawler.TicketStatus) ([]crawler.ManualReviewTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []crawler.ManualReviewTicket
	for _, t := range m.tickets {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) ResolveReview(_ context.Context, id string, status crawler.TicketStatus, notes string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tickets {
		if m.tickets[i].ID == id && m.tickets[i].Status == crawler.TicketOpen {
			m.tickets[i].Status, m.tickets[i].Notes, m.tickets[i].UpdatedAt = status, notes, at
			return nil
		}
	}
	return crawler.ErrTicketNotFound
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("ticket-%d", s.n), nil
}

var start = time.Date(2026, 10, 1, 10, 37, 0, 0, time.UTC)

func TestRecorderBumpWindows(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	clock := system.NewManual(start)
	rec := NewRecorder(store, clock, 0, nil)
	ctx := context.Background()

	require.NoError(t, rec.Bump(ctx, "banca.org.br", crawler.OutcomeOK, 100))
	require.NoError(t, rec.Bump(ctx, "banca.org.br", crawler.OutcomeBlocked, 20))
	clock.Advance(time.Hour)
	require.NoError(t, rec.Bump(ctx, "banca.org.br", crawler.OutcomeOK, -5))

	counters, err := rec.Counters(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, counters, 2)

	first, err := rec.Counters(ctx, time.Date(2026, 10, 1, 11, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, int64(1), first[0].OK)
	require.Zero(t, first[0].Bytes)
}

func TestRecorderConcurrentReports(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	rec := NewRecorder(store, system.NewManual(start), time.Hour, nil)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Report(context.Background(), "gazeta.gov.br", crawler.OutcomeOK, 10)
		}()
	}
	wg.Wait()

	counters, err := rec.Counters(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, counters, 1)
	require.Equal(t, int64(50), counters[0].OK)
	require.Equal(t, int64(500), counters[0].Bytes)
	require.Equal(t, time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC), counters[0].WindowStart)
}

func TestRecorderReportSwallowsStoreErrors(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.bumpErr = errors.New("db down")
	rec := NewRecorder(store, system.NewManual(start), time.Hour, nil)

	require.NotPanics(t, func() {
		rec.Report(context.Background(), "x.org", crawler.OutcomeOK, 1)
	})
	require.ErrorContains(t, rec.Bump(context.Background(), "x.org", crawler.OutcomeOK, 1), "db down")
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	w := start.Truncate(time.Hour)
	counters := []crawler.DomainCounter{
		{Domain: "ok.org", WindowStart: w, OK: 10},
		{Domain: "waf.org", WindowStart: w, OK: 2, Blocked: 3},
		{Domain: "waf.org", WindowStart: w.Add(time.Hour), Blocked: 1},
		{Domain: "edge.org", WindowStart: w, OK: 8, Blocked: 2},
		{Domain: "flaky.org", WindowStart: w, OK: 3, Blocked: 1},
		{Domain: "broken.org", WindowStart: w, OK: 4, Server5xx: 3, Errors: 3},
		{Domain: "empty.org", WindowStart: w},
	}

	alerts := Evaluate(counters, DefaultThresholds)
	require.Len(t, alerts, 3)

	require.Equal(t, "waf.org", alerts[0].Domain)
	require.Equal(t, LevelCritical, alerts[0].Level)
	require.Equal(t, int64(6), alerts[0].Total)
	require.Equal(t, w, alerts[0].Since)

	require.Equal(t, "broken.org", alerts[1].Domain)
	require.Equal(t, LevelWarning, alerts[1].Level)
	require.InDelta(t, 0.6, alerts[1].ErrorRatio, 1e-9)

	require.Equal(t, "flaky.org", alerts[2].Domain)
	require.InDelta(t, 0.25, alerts[2].BlockedRatio, 1e-9)
}

func TestEscalatorOpensOneTicket(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	queue := NewReviewQueue(store, &seqIDs{}, system.NewManual(start), nil)
	esc := NewEscalator(queue, store, 3, nil)
	ctx := context.Background()

	for i := range 6 {
		esc.ReportBlocked(ctx, "tj", "https://tj.example/concursos", "blocked")
		tickets, err := queue.List(ctx, crawler.TicketOpen)
		require.NoError(t, err)
		if i < 2 {
			require.Empty(t, tickets)
		} else {
			require.Len(t, tickets, 1)
		}
	}
	streak, err := esc.Streak(ctx, "tj", "https://tj.example/concursos")
	require.NoError(t, err)
	require.Equal(t, 6, streak)
}

func TestEscalatorSuccessResetsStreak(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	esc := NewEscalator(NewReviewQueue(store, &seqIDs{}, system.NewManual(start), nil), store, 0, nil)
	ctx := context.Background()

	esc.ReportBlocked(ctx, "s", "u", "blocked")
	esc.ReportBlocked(ctx, "s", "u", "blocked")
	esc.ReportSuccess(ctx, "s", "u")
	esc.ReportBlocked(ctx, "s", "u", "blocked")
	esc.ReportBlocked(ctx, "s", "u", "blocked")

	streak, err := esc.Streak(ctx, "s", "u")
	require.NoError(t, err)
	require.Equal(t, 2, streak)
	require.Empty(t, store.tickets)
}

// Each iteration stands in for one CLI run: a fresh store handle, queue and
// escalator over the same database file.
func TestEscalatorStreakSurvivesReopenedStore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "discovery.db")
	ctx := context.Background()
	const url = "https://tj.example/concursos"

	for i := range 6 {
		store, err := sqlite.Open(path)
		require.NoError(t, err)
		require.NoError(t, store.Migrate(ctx))

		queue := NewReviewQueue(store, &seqIDs{n: i * 10}, system.NewManual(start), nil)
		esc := NewEscalator(queue, store, DefaultReviewThreshold, nil)
		esc.ReportBlocked(ctx, "tj", url, "captcha")

		streak, err := esc.Streak(ctx, "tj", url)
		require.NoError(t, err)
		require.Equal(t, i+1, streak)
		require.NoError(t, store.Close())
	}

	store, err := sqlite.Open(path)
	require.NoError(t, err)
	defer store.Close()
	tickets, err := store.ListReviews(ctx, crawler.TicketOpen)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	require.Equal(t, url, tickets[0].URL)
}

func TestReviewQueueResolve(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	clock := system.NewManual(start)
	queue := NewReviewQueue(store, &seqIDs{}, clock, nil)
	ctx := context.Background()

	created, err := queue.Enqueue(ctx, "s", "https://s.example/", "captcha")
	require.NoError(t, err)
	require.True(t, created)

	require.ErrorIs(t, queue.Resolve(ctx, "ticket-1", crawler.TicketOpen, ""), ErrInvalidResolution)

	clock.Advance(time.Minute)
	require.NoError(t, queue.Resolve(ctx, "ticket-1", crawler.TicketIgnored, "portal exige login"))
	require.ErrorIs(t, queue.Resolve(ctx, "ticket-1", crawler.TicketResolved, ""), crawler.ErrTicketNotFound)

	ignored, err := queue.List(ctx, crawler.TicketIgnored)
	require.NoError(t, err)
	require.Len(t, ignored, 1)
	require.Equal(t, "portal exige login", ignored[0].Notes)
	require.Equal(t, start.Add(time.Minute), ignored[0].UpdatedAt)

	created, err = queue.Enqueue(ctx, "s", "https://s.example/", "captcha")
	require.NoError(t, err)
	require.True(t, created)
}
